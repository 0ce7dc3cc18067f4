// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/tsindex/flank/internal/base"
	"github.com/tsindex/flank/internal/compression"
	"github.com/tsindex/flank/vfs"
)

// ContainerState is the shutdown state recorded in the container preamble.
type ContainerState byte

const (
	// StateClean is written by a successful Close.
	StateClean ContainerState = 1
	// StateDirty is written when a container is opened for writing.
	StateDirty ContainerState = 2
)

func (s ContainerState) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	default:
		return fmt.Sprintf("state(%d)", byte(s))
	}
}

const (
	preambleMagic   = "FLANKCTR"
	preambleVersion = 1
	preambleSize    = 56
)

// Preamble is the content of block 0 of a container:
//
//	+-------+---------+-------+------+-------+-----------+------------+-----+-------+------+----------+
//	| magic | version | state | algo | level | blockSize | macroSize  | pad | spare | uuid | checksum |
//	| 8B    | 1B      | 1B    | 1B   | 1B    | 4B        | 4B         | 4B  | 8B    | 16B  | 8B       |
//	+-------+---------+-------+------+-------+-----------+------------+-----+-------+------+----------+
type Preamble struct {
	State          ContainerState
	BlockSize      int
	MacroBlockSize int
	SpareRatio     float64
	Compression    compression.Setting
	UUID           uuid.UUID
}

func (p *Preamble) encode() []byte {
	buf := make([]byte, p.BlockSize)
	copy(buf, preambleMagic)
	buf[8] = preambleVersion
	buf[9] = byte(p.State)
	buf[10] = byte(p.Compression.Algorithm)
	buf[11] = p.Compression.Level
	binary.LittleEndian.PutUint32(buf[12:], uint32(p.BlockSize))
	binary.LittleEndian.PutUint32(buf[16:], uint32(p.MacroBlockSize))
	binary.LittleEndian.PutUint64(buf[24:], math.Float64bits(p.SpareRatio))
	copy(buf[32:48], p.UUID[:])
	binary.LittleEndian.PutUint64(buf[48:], xxhash.Sum64(buf[:48]))
	return buf
}

func decodePreamble(buf []byte) (Preamble, error) {
	if len(buf) < preambleSize || string(buf[:8]) != preambleMagic {
		return Preamble{}, base.CorruptionErrorf("blockstore: bad container magic")
	}
	if buf[8] != preambleVersion {
		return Preamble{}, errors.Newf("blockstore: unsupported container version %d", buf[8])
	}
	if sum := binary.LittleEndian.Uint64(buf[48:]); sum != xxhash.Sum64(buf[:48]) {
		return Preamble{}, base.CorruptionErrorf("blockstore: preamble checksum mismatch")
	}
	p := Preamble{
		State:          ContainerState(buf[9]),
		Compression:    compression.Setting{Algorithm: compression.Algorithm(buf[10]), Level: buf[11]},
		BlockSize:      int(binary.LittleEndian.Uint32(buf[12:])),
		MacroBlockSize: int(binary.LittleEndian.Uint32(buf[16:])),
		SpareRatio:     math.Float64frombits(binary.LittleEndian.Uint64(buf[24:])),
	}
	copy(p.UUID[:], buf[32:48])
	if err := p.Compression.Validate(); err != nil {
		return Preamble{}, base.MarkCorruptionError(err)
	}
	if p.BlockSize < minBlockSize || p.MacroBlockSize%p.BlockSize != 0 {
		return Preamble{}, base.CorruptionErrorf("blockstore: invalid geometry %d/%d",
			errors.Safe(p.BlockSize), errors.Safe(p.MacroBlockSize))
	}
	return p, nil
}

// ReadPreamble reads the preamble of the container at path.
func ReadPreamble(fs vfs.FS, path string) (Preamble, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Preamble{}, err
	}
	defer f.Close()
	buf := make([]byte, preambleSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		if err == io.EOF {
			return Preamble{}, base.CorruptionErrorf("blockstore: container %q too short", path)
		}
		return Preamble{}, err
	}
	return decodePreamble(buf)
}

// UnitKind distinguishes the two kinds of units stored after the preamble.
type UnitKind byte

const (
	MacroBlockUnit       = UnitKind(tagMacroBlock)
	TranslationBlockUnit = UnitKind(tagTranslationBlock)
)

func (k UnitKind) String() string {
	switch k {
	case MacroBlockUnit:
		return "macro"
	case TranslationBlockUnit:
		return "translation"
	default:
		return fmt.Sprintf("unit(%d)", byte(k))
	}
}

// UnitInfo describes a unit of the container.
type UnitInfo struct {
	Kind UnitKind
	// Pos is the block number of the first block of the unit.
	Pos uint64
	// Blocks is the number of physical blocks the unit occupies.
	Blocks int

	// Macro block fields.
	Slots     int
	CarryOver int
	DataLen   int
	NextMacro uint64

	// Translation block fields.
	Level      int
	Count      int
	EntryIndex uint64
	PrevSame   uint64
	PrevUpper  uint64
}

// String implements fmt.Stringer.
func (u UnitInfo) String() string {
	switch u.Kind {
	case MacroBlockUnit:
		return fmt.Sprintf("%d: macro slots=%d carry=%d data=%d next=%d",
			u.Pos, u.Slots, u.CarryOver, u.DataLen, u.NextMacro)
	case TranslationBlockUnit:
		return fmt.Sprintf("%d: translation L%d #%d count=%d prev=%d up=%d",
			u.Pos, u.Level, u.EntryIndex, u.Count, u.PrevSame, u.PrevUpper)
	default:
		return fmt.Sprintf("%d: %s", u.Pos, u.Kind)
	}
}

// unitScan is the result of enumerating the units of a container.
type unitScan struct {
	units []UnitInfo
	// end is the block number just past the last valid unit.
	end uint64
	// torn is set when the scan stopped before the end of the file.
	torn bool
}

// scanUnits enumerates the units following the preamble, verifying each
// unit's checksum. The scan stops at the first unit that is short, carries
// an unknown tag or fails its checksum.
func scanUnits(f vfs.File, blockSize, macroSize int, fileSize int64) (unitScan, error) {
	var res unitScan
	fileBlocks := uint64(fileSize) / uint64(blockSize)
	macroBlocks := uint64(macroSize / blockSize)
	macroBuf := make([]byte, macroSize)
	pos := uint64(1)
	for pos < fileBlocks {
		tag := make([]byte, 1)
		if _, err := f.ReadAt(tag, int64(pos)*int64(blockSize)); err != nil {
			return res, errors.Wrapf(err, "blockstore: reading unit at block %d", pos)
		}
		switch tag[0] {
		case tagMacroBlock:
			if pos+macroBlocks > fileBlocks {
				res.torn = true
				res.end = pos
				return res, nil
			}
			if _, err := f.ReadAt(macroBuf, int64(pos)*int64(blockSize)); err != nil {
				return res, errors.Wrapf(err, "blockstore: reading macro block %d", pos)
			}
			m, err := decodeMacroBlock(pos, macroBuf)
			if err != nil {
				res.torn = true
				res.end = pos
				return res, nil
			}
			res.units = append(res.units, m.info(blockSize))
			pos += macroBlocks
		case tagTranslationBlock:
			buf := macroBuf[:blockSize]
			if _, err := f.ReadAt(buf, int64(pos)*int64(blockSize)); err != nil {
				return res, errors.Wrapf(err, "blockstore: reading translation block %d", pos)
			}
			tb, err := decodeTranslationBlock(pos, buf)
			if err != nil {
				res.torn = true
				res.end = pos
				return res, nil
			}
			res.units = append(res.units, tb.info())
			pos++
		default:
			res.torn = true
			res.end = pos
			return res, nil
		}
	}
	res.end = pos
	res.torn = uint64(fileSize) > pos*uint64(blockSize)
	return res, nil
}
