// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package compression is the closed registry of block codecs understood by
// the block store. A codec is identified on disk by its Algorithm byte, so
// the values below are part of the container format.
package compression

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/tsindex/flank/internal/base"
)

// Algorithm identifies a compression algorithm. These constants are part of
// the container format and should not be changed.
type Algorithm uint8

const (
	NoCompression Algorithm = iota
	Snappy
	Zstd
	MinLZ

	numAlgorithms
)

var algorithmNames = [numAlgorithms]string{
	NoCompression: "none",
	Snappy:        "snappy",
	Zstd:          "zstd",
	MinLZ:         "minlz",
}

// String implements fmt.Stringer.
func (a Algorithm) String() string {
	if a < numAlgorithms {
		return algorithmNames[a]
	}
	return fmt.Sprintf("unknown(%d)", uint8(a))
}

// Valid returns true if a is a known algorithm.
func (a Algorithm) Valid() bool { return a < numAlgorithms }

// Setting is an algorithm together with its level. The level is only
// meaningful for Zstd and MinLZ.
type Setting struct {
	Algorithm Algorithm
	Level     uint8
}

// Predefined settings.
var (
	None          = Setting{Algorithm: NoCompression}
	SnappySetting = Setting{Algorithm: Snappy}
	ZstdLevel1    = Setting{Algorithm: Zstd, Level: 1}
	ZstdLevel3    = Setting{Algorithm: Zstd, Level: 3}
	MinLZFastest  = Setting{Algorithm: MinLZ, Level: minlzLevelFastest}
	MinLZBalanced = Setting{Algorithm: MinLZ, Level: minlzLevelBalanced}
)

// String returns the setting in the form accepted by ParseSetting.
func (s Setting) String() string {
	switch s.Algorithm {
	case Zstd, MinLZ:
		return fmt.Sprintf("%s%d", s.Algorithm, s.Level)
	default:
		return s.Algorithm.String()
	}
}

// SafeFormat implements redact.SafeFormatter.
func (s Setting) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(s.String()))
}

// ParseSetting parses strings such as "snappy", "zstd3" or "none".
func ParseSetting(str string) (Setting, error) {
	str = strings.ToLower(strings.TrimSpace(str))
	for a := Algorithm(0); a < numAlgorithms; a++ {
		name := algorithmNames[a]
		if !strings.HasPrefix(str, name) {
			continue
		}
		rest := str[len(name):]
		s := Setting{Algorithm: a}
		switch {
		case rest == "" && a == Zstd:
			s.Level = 3
		case rest == "" && a == MinLZ:
			s.Level = minlzLevelFastest
		case rest == "":
		default:
			lvl, err := strconv.ParseUint(rest, 10, 8)
			if err != nil || (a != Zstd && a != MinLZ) {
				return Setting{}, errors.Newf("invalid compression setting %q", str)
			}
			s.Level = uint8(lvl)
		}
		if err := s.Validate(); err != nil {
			return Setting{}, err
		}
		return s, nil
	}
	return Setting{}, errors.Newf("unknown compression setting %q", str)
}

// Validate returns an error if the setting cannot be instantiated.
func (s Setting) Validate() error {
	switch s.Algorithm {
	case NoCompression, Snappy:
		return nil
	case Zstd:
		if s.Level < 1 || s.Level > 22 {
			return errors.Newf("invalid zstd level %d", s.Level)
		}
		return nil
	case MinLZ:
		if s.Level != minlzLevelFastest && s.Level != minlzLevelBalanced {
			return errors.Newf("invalid minlz level %d", s.Level)
		}
		return nil
	default:
		return errors.Newf("unknown compression algorithm %d", s.Algorithm)
	}
}

// Compressor compresses blocks. Compressors are not safe for concurrent use;
// each goroutine obtains its own through GetCompressor.
type Compressor interface {
	// Compress a block, appending the compressed data to dst[:0].
	Compress(dst, src []byte) []byte
	// Close must be called when the Compressor is no longer needed. After
	// Close is called, the Compressor must not be used again.
	Close()
}

// GetCompressor returns a Compressor for the given setting.
func GetCompressor(s Setting) Compressor {
	switch s.Algorithm {
	case NoCompression:
		return noopCompressor{}
	case Snappy:
		return snappyCompressor{}
	case Zstd:
		return getZstdCompressor(int(s.Level))
	case MinLZ:
		return getMinlzCompressor(int(s.Level))
	default:
		panic(errors.AssertionFailedf("invalid compression algorithm %d", s.Algorithm))
	}
}

// Decompressor decompresses blocks produced by the matching Compressor.
type Decompressor interface {
	// DecompressInto decompresses compressed into buf. The buf slice must
	// have the exact size as the decompressed value.
	DecompressInto(buf, compressed []byte) error
	// DecompressedLen returns the length of the provided block once
	// decompressed.
	DecompressedLen(b []byte) (decompressedLen int, err error)
	// Close must be called when the Decompressor is no longer needed.
	Close()
}

// GetDecompressor returns a Decompressor for the given algorithm.
func GetDecompressor(a Algorithm) Decompressor {
	switch a {
	case NoCompression:
		return noopDecompressor{}
	case Snappy:
		return snappyDecompressor{}
	case Zstd:
		return getZstdDecompressor()
	case MinLZ:
		return minlzDecompressor{}
	default:
		panic(errors.AssertionFailedf("invalid compression algorithm %d", a))
	}
}

// Decompress decompresses src with the given algorithm, allocating the
// destination buffer.
func Decompress(a Algorithm, src []byte) ([]byte, error) {
	if !a.Valid() {
		return nil, base.CorruptionErrorf("flank: unknown compression algorithm %d", errors.Safe(a))
	}
	d := GetDecompressor(a)
	defer d.Close()
	n, err := d.DecompressedLen(src)
	if err != nil {
		return nil, base.MarkCorruptionError(err)
	}
	buf := make([]byte, n)
	if err := d.DecompressInto(buf, src); err != nil {
		return nil, base.MarkCorruptionError(err)
	}
	return buf, nil
}
