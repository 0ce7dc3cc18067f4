// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockstore

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/tsindex/flank/internal/base"
)

// translationBlock is the decoded form of a translation block. Level-0
// entries are Addresses; entries at higher levels are the block numbers of
// level-1 translation blocks.
type translationBlock struct {
	pos        uint64
	level      int
	entryIndex uint64
	prevSame   uint64
	prevUpper  uint64
	entries    []uint64
}

func (tb *translationBlock) encode(blockSize int) []byte {
	buf := make([]byte, blockSize)
	buf[0] = tagTranslationBlock
	buf[1] = byte(tb.level)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(tb.entries)))
	binary.LittleEndian.PutUint64(buf[8:], tb.entryIndex)
	binary.LittleEndian.PutUint64(buf[16:], tb.prevSame)
	binary.LittleEndian.PutUint64(buf[24:], tb.prevUpper)
	for i, e := range tb.entries {
		binary.LittleEndian.PutUint64(buf[translationHeaderSize+8*i:], e)
	}
	binary.LittleEndian.PutUint64(buf[translationChecksumOffset:], translationChecksum(buf))
	return buf
}

func translationChecksum(buf []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(buf[:translationChecksumOffset])
	_, _ = d.Write(buf[translationHeaderSize:])
	return d.Sum64()
}

func decodeTranslationBlock(pos uint64, buf []byte) (*translationBlock, error) {
	if buf[0] != tagTranslationBlock {
		return nil, base.CorruptionErrorf("blockstore: block %d is not a translation block (tag %x)",
			errors.Safe(pos), errors.Safe(buf[0]))
	}
	if sum := binary.LittleEndian.Uint64(buf[translationChecksumOffset:]); sum != translationChecksum(buf) {
		return nil, base.CorruptionErrorf("blockstore: translation block %d checksum mismatch", errors.Safe(pos))
	}
	count := int(binary.LittleEndian.Uint32(buf[4:]))
	if translationHeaderSize+8*count > len(buf) {
		return nil, base.CorruptionErrorf("blockstore: translation block %d count %d too large",
			errors.Safe(pos), errors.Safe(count))
	}
	tb := &translationBlock{
		pos:        pos,
		level:      int(buf[1]),
		entryIndex: binary.LittleEndian.Uint64(buf[8:]),
		prevSame:   binary.LittleEndian.Uint64(buf[16:]),
		prevUpper:  binary.LittleEndian.Uint64(buf[24:]),
		entries:    make([]uint64, count),
	}
	for i := range tb.entries {
		tb.entries[i] = binary.LittleEndian.Uint64(buf[translationHeaderSize+8*i:])
	}
	return tb, nil
}

func (tb *translationBlock) info() UnitInfo {
	return UnitInfo{
		Kind:       TranslationBlockUnit,
		Pos:        tb.pos,
		Blocks:     1,
		Level:      tb.level,
		Count:      len(tb.entries),
		EntryIndex: tb.entryIndex,
		PrevSame:   tb.prevSame,
		PrevUpper:  tb.prevUpper,
	}
}

// levelBuffer is the write buffer of one translation level: the block
// currently being filled.
type levelBuffer struct {
	entryIndex uint64
	entries    []uint64
	// lastPos is the position of the most recently written block of the
	// level, or 0.
	lastPos uint64
}

// LevelState is the persisted form of a levelBuffer, recorded in the tree's
// meta file on clean close.
type LevelState struct {
	EntryIndex uint64 `cbor:"1,keyasint"`
	Count      int    `cbor:"2,keyasint"`
	// Pos is the position of the partial block holding the buffered entries,
	// written at close. Zero when Count is zero.
	Pos     uint64 `cbor:"3,keyasint"`
	LastPos uint64 `cbor:"4,keyasint"`
}

// translation maps logical ids to addresses. Only the write buffer of each
// level is resident; written blocks are loaded through the store on demand.
//
// Level 0 block k holds the addresses of ids [k*fanout, (k+1)*fanout), so the
// entry of id 0 is always unmapped. Filling a level's buffer writes it as a
// block and appends the block's position to the level above, like a carrying
// counter.
type translation struct {
	s      *Store
	fanout int
	levels []*levelBuffer
	// next is the next id expected by addMapping.
	next LogicalID
}

func newTranslation(s *Store, fanout int) *translation {
	t := &translation{s: s, fanout: fanout, next: 1}
	t.levels = []*levelBuffer{t.newLevel(0)}
	t.levels[0].entries = append(t.levels[0].entries, uint64(Unmapped))
	return t
}

func (t *translation) newLevel(entryIndex uint64) *levelBuffer {
	return &levelBuffer{entryIndex: entryIndex, entries: make([]uint64, 0, t.fanout)}
}

func (t *translation) top() int { return len(t.levels) - 1 }

// addMapping records the address of id. An id below the next expected id is
// a correction of an existing mapping; ids beyond it leave unmapped holes.
func (t *translation) addMapping(id LogicalID, addr Address) error {
	switch {
	case id == 0:
		return errors.AssertionFailedf("blockstore: mapping for id 0")
	case id < t.next:
		return t.correct(id, addr)
	}
	for t.next < id {
		if err := t.push(uint64(Unmapped)); err != nil {
			return err
		}
	}
	return t.push(uint64(addr))
}

// push appends a level-0 entry, writing full buffers and cascading upwards.
func (t *translation) push(v uint64) error {
	t.next++
	for level := 0; ; level++ {
		lb := t.levels[level]
		lb.entries = append(lb.entries, v)
		if len(lb.entries) < t.fanout {
			return nil
		}
		tb := &translationBlock{
			level:      level,
			entryIndex: lb.entryIndex,
			prevSame:   lb.lastPos,
			entries:    slices.Clone(lb.entries),
		}
		if level < t.top() {
			tb.prevUpper = t.levels[level+1].lastPos
		}
		pos, err := t.s.emitTranslationBlock(tb)
		if err != nil {
			return err
		}
		lb.lastPos = pos
		lb.entryIndex++
		lb.entries = lb.entries[:0]
		if level == t.top() {
			t.levels = append(t.levels, t.newLevel(0))
		}
		v = pos
	}
}

// blockIndexes returns, per level, the index of the block covering id.
func (t *translation) blockIndexes(id LogicalID) []uint64 {
	idx := make([]uint64, len(t.levels))
	idx[0] = uint64(id) / uint64(t.fanout)
	for l := 1; l < len(idx); l++ {
		idx[l] = idx[l-1] / uint64(t.fanout)
	}
	return idx
}

// locate returns the entries of the level-0 block covering id. The block is
// either the level-0 buffer (pos == 0) or a written block at pos.
func (t *translation) locate(id LogicalID) (entries []uint64, pos uint64, err error) {
	idx := t.blockIndexes(id)
	for l := t.top(); l >= 0; l-- {
		if t.levels[l].entryIndex == idx[l] {
			entries, pos = t.levels[l].entries, 0
			continue
		}
		if l == t.top() {
			return nil, 0, errors.AssertionFailedf("blockstore: id %d beyond translation top level", id)
		}
		slot := int(idx[l] % uint64(t.fanout))
		if slot >= len(entries) {
			return nil, 0, base.CorruptionErrorf("blockstore: translation for id %d missing at level %d",
				errors.Safe(id), errors.Safe(l))
		}
		pos = entries[slot]
		tb, err := t.s.loadTranslationBlock(pos)
		if err != nil {
			return nil, 0, err
		}
		if tb.level != l || tb.entryIndex != idx[l] {
			return nil, 0, base.CorruptionErrorf("blockstore: translation block %d is L%d #%d, expected L%d #%d",
				errors.Safe(pos), errors.Safe(tb.level), errors.Safe(tb.entryIndex), errors.Safe(l), errors.Safe(idx[l]))
		}
		entries = tb.entries
	}
	return entries, pos, nil
}

// get returns the address of id, or Unmapped.
func (t *translation) get(id LogicalID) (Address, error) {
	if id == 0 || id >= t.next {
		return Unmapped, nil
	}
	entries, _, err := t.locate(id)
	if err != nil {
		return Unmapped, err
	}
	slot := int(uint64(id) % uint64(t.fanout))
	if slot >= len(entries) {
		return Unmapped, nil
	}
	return Address(entries[slot]), nil
}

// correct overwrites the mapping of an id below next. Written blocks are
// rewritten where they are stored.
func (t *translation) correct(id LogicalID, addr Address) error {
	entries, pos, err := t.locate(id)
	if err != nil {
		return err
	}
	slot := int(uint64(id) % uint64(t.fanout))
	if entries[slot] == uint64(addr) {
		return nil
	}
	if pos == 0 {
		entries[slot] = uint64(addr)
		return nil
	}
	tb, err := t.s.loadTranslationBlock(pos)
	if err != nil {
		return err
	}
	patched := *tb
	patched.entries = slices.Clone(tb.entries)
	patched.entries[slot] = uint64(addr)
	return t.s.rewriteTranslationBlock(&patched)
}

// removeLast retracts the mapping of the newest id. When the level-0 buffer
// is empty, the previous block is reloaded from the level above, cascading
// upwards as needed.
func (t *translation) removeLast() error {
	if t.next <= 1 {
		return errors.AssertionFailedf("blockstore: no mapping to remove")
	}
	if _, err := t.pop(0); err != nil {
		return err
	}
	t.next--
	return nil
}

func (t *translation) pop(level int) (uint64, error) {
	lb := t.levels[level]
	if len(lb.entries) == 0 {
		if level == t.top() {
			return 0, errors.AssertionFailedf("blockstore: translation level %d underflow", level)
		}
		pos, err := t.pop(level + 1)
		if err != nil {
			return 0, err
		}
		tb, err := t.s.loadTranslationBlock(pos)
		if err != nil {
			return 0, err
		}
		lb.entryIndex--
		if tb.entryIndex != lb.entryIndex || tb.level != level {
			return 0, base.CorruptionErrorf("blockstore: reloaded translation block %d is L%d #%d, expected L%d #%d",
				errors.Safe(pos), errors.Safe(tb.level), errors.Safe(tb.entryIndex), errors.Safe(level), errors.Safe(lb.entryIndex))
		}
		lb.entries = append(lb.entries[:0], tb.entries...)
		lb.lastPos = tb.prevSame
	}
	v := lb.entries[len(lb.entries)-1]
	lb.entries = lb.entries[:len(lb.entries)-1]
	if level > 0 && level == t.top() && len(lb.entries) == 0 && lb.entryIndex == 0 {
		t.levels = t.levels[:level]
	}
	return v, nil
}

// state returns the persisted form of the level buffers. The caller fills in
// Pos after writing the partial blocks.
func (t *translation) state() []LevelState {
	res := make([]LevelState, len(t.levels))
	for i, lb := range t.levels {
		res[i] = LevelState{EntryIndex: lb.entryIndex, Count: len(lb.entries), LastPos: lb.lastPos}
	}
	return res
}
