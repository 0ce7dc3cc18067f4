// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockstore

import (
	"fmt"
	"math"
)

// LogicalID identifies a stored payload. Ids are issued densely starting at
// 1; 0 means "no block".
type LogicalID uint64

// Address is the physical location of a slot: the block number at which its
// macro block starts, shifted left by 16, or'ed with the slot index. Block 0
// holds the preamble, so the zero Address never names a slot.
type Address uint64

// Unmapped is the address of an id without a translation.
const Unmapped Address = 0

const slotBits = 16

// MakeAddress packs a macro block position and a slot index.
func MakeAddress(macroBlock uint64, slot int) Address {
	return Address(macroBlock<<slotBits | uint64(slot))
}

// MacroBlock returns the block number at which the slot's macro block starts.
func (a Address) MacroBlock() uint64 { return uint64(a) >> slotBits }

// Slot returns the index of the slot within its macro block.
func (a Address) Slot() int { return int(uint64(a) & (1<<slotBits - 1)) }

// String implements fmt.Stringer.
func (a Address) String() string {
	if a == Unmapped {
		return "unmapped"
	}
	return fmt.Sprintf("%d.%d", a.MacroBlock(), a.Slot())
}

// Unit tags. Part of the container format.
const (
	tagMacroBlock       byte = 0x4d // 'M'
	tagTranslationBlock byte = 0x54 // 'T'
)

const (
	minBlockSize = 256
	maxBlockSize = 1 << 20

	maxSlotsPerMacroBlock = 1<<slotBits - 1
)

// Macro block header layout:
//
//	+-----+------+-------+----------+----------+---------+-----------+----------+
//	| tag | pad  | count | carryLen | lastLen  | dataLen | nextMacro | checksum |
//	| 1B  | 1B   | 2B    | 4B       | 4B       | 4B      | 8B        | 8B       |
//	+-----+------+-------+----------+----------+---------+-----------+----------+
//
// count is the number of slots whose header starts in this block. carryLen
// is the number of carry-over bytes (the tail of a slot split from the
// predecessor) that follow the header. lastLen is the number of bytes of the
// last slot stored in this block, which is less than its full size when the
// slot is split into the successor. dataLen covers the carry-over and all
// slots. nextMacro is the block number of the successor macro block, which
// is not necessarily adjacent because translation blocks are interleaved.
const (
	macroHeaderSize     = 32
	macroChecksumOffset = 24
)

// Slot header layout: kind (1B), capacity (4B), length (4B), id (8B). The
// capacity bytes following the header hold the payload and its spare room.
const slotHeaderSize = 17

type slotKind byte

// Slot kinds. Part of the container format.
const (
	slotRaw        slotKind = 1
	slotCompressed slotKind = 2
	slotReference  slotKind = 3
	slotRemoved    slotKind = 4
)

func (k slotKind) String() string {
	switch k {
	case slotRaw:
		return "raw"
	case slotCompressed:
		return "compressed"
	case slotReference:
		return "ref"
	case slotRemoved:
		return "removed"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// refSize is the size of a reference entry: the address of the relocated
// slot and the id it was relocated under.
const refSize = 16

// Translation block header layout:
//
//	+-----+-------+-----+-------+------------+-----------+------------+----------+
//	| tag | level | pad | count | entryIndex | prevSame  | prevUpper  | checksum |
//	| 1B  | 1B    | 2B  | 4B    | 8B         | 8B        | 8B         | 8B       |
//	+-----+-------+-----+-------+------------+-----------+------------+----------+
//
// entryIndex is the position of the block within its level: level-0 block k
// maps ids [k*fanout, (k+1)*fanout). prevSame is the block number of the
// previous block written at the same level and prevUpper the most recent
// block one level up at the time of writing. Both are only read by
// recovery.
const (
	translationHeaderSize     = 40
	translationChecksumOffset = 32
)

// slotCapacity returns the capacity reserved for a payload of n bytes.
func slotCapacity(n int, spare float64) int {
	c := n + int(math.Ceil(float64(n)*spare))
	return max(c, refSize)
}
