// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockstore

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/tsindex/flank/internal/base"
)

// macroBlock is the decoded form of a macro block. The open macro block of a
// store is kept in this form in memory until it is flushed; flushed blocks
// are decoded on demand and cached.
type macroBlock struct {
	pos uint64
	buf []byte

	carryLen int
	lastLen  int
	dataLen  int
	next     uint64
	// slots holds the offset within buf of each slot header.
	slots []int
}

type slotHeader struct {
	kind slotKind
	cap  int
	len  int
	id   LogicalID
}

func (h slotHeader) encode(dst []byte) {
	dst[0] = byte(h.kind)
	binary.LittleEndian.PutUint32(dst[1:], uint32(h.cap))
	binary.LittleEndian.PutUint32(dst[5:], uint32(h.len))
	binary.LittleEndian.PutUint64(dst[9:], uint64(h.id))
}

func decodeSlotHeader(src []byte) slotHeader {
	return slotHeader{
		kind: slotKind(src[0]),
		cap:  int(binary.LittleEndian.Uint32(src[1:])),
		len:  int(binary.LittleEndian.Uint32(src[5:])),
		id:   LogicalID(binary.LittleEndian.Uint64(src[9:])),
	}
}

type reference struct {
	addr Address
	id   LogicalID
}

func (r reference) encode() []byte {
	var buf [refSize]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(r.addr))
	binary.LittleEndian.PutUint64(buf[8:], uint64(r.id))
	return buf[:]
}

func decodeReference(src []byte) (reference, error) {
	if len(src) != refSize {
		return reference{}, base.CorruptionErrorf("blockstore: reference entry of %d bytes", errors.Safe(len(src)))
	}
	return reference{
		addr: Address(binary.LittleEndian.Uint64(src[0:])),
		id:   LogicalID(binary.LittleEndian.Uint64(src[8:])),
	}, nil
}

func newMacroBlock(pos uint64, size int) *macroBlock {
	return &macroBlock{pos: pos, buf: make([]byte, size)}
}

// free returns the number of unused bytes after the header.
func (m *macroBlock) free() int {
	return len(m.buf) - macroHeaderSize - m.dataLen
}

func (m *macroBlock) empty() bool {
	return len(m.slots) == 0 && m.carryLen == 0
}

// setCarryOver places the tail of a slot split from the predecessor at the
// front of an empty block.
func (m *macroBlock) setCarryOver(tail []byte) {
	if !m.empty() {
		panic(errors.AssertionFailedf("carry-over into non-empty macro block %d", m.pos))
	}
	copy(m.buf[macroHeaderSize:], tail)
	m.carryLen = len(tail)
	m.dataLen = len(tail)
}

func (m *macroBlock) carryOver() []byte {
	return m.buf[macroHeaderSize : macroHeaderSize+m.carryLen]
}

// appendSlot appends a slot that fits entirely. Returns the slot index.
func (m *macroBlock) appendSlot(h slotHeader, data []byte) int {
	off := macroHeaderSize + m.dataLen
	size := slotHeaderSize + h.cap
	if size > m.free() {
		panic(errors.AssertionFailedf("slot of %d bytes does not fit in %d", size, m.free()))
	}
	h.encode(m.buf[off:])
	n := copy(m.buf[off+slotHeaderSize:], data)
	clear(m.buf[off+slotHeaderSize+n : off+size])
	m.slots = append(m.slots, off)
	m.dataLen += size
	m.lastLen = size
	return len(m.slots) - 1
}

// appendSplit stores the header and as much of the slot's capacity as fits
// and returns the remainder, which becomes the carry-over of the successor.
func (m *macroBlock) appendSplit(h slotHeader, data []byte) (slot int, tail []byte) {
	off := macroHeaderSize + m.dataLen
	avail := m.free() - slotHeaderSize
	if avail <= refSize || avail >= h.cap {
		panic(errors.AssertionFailedf("invalid split of %d bytes with %d available", h.cap, avail))
	}
	full := make([]byte, h.cap)
	copy(full, data)
	h.encode(m.buf[off:])
	copy(m.buf[off+slotHeaderSize:], full[:avail])
	m.slots = append(m.slots, off)
	m.dataLen = len(m.buf) - macroHeaderSize
	m.lastLen = slotHeaderSize + avail
	return len(m.slots) - 1, full[avail:]
}

func (m *macroBlock) header(slot int) slotHeader {
	return decodeSlotHeader(m.buf[m.slots[slot]:])
}

func (m *macroBlock) setHeader(slot int, h slotHeader) {
	h.encode(m.buf[m.slots[slot]:])
}

// split returns true if the slot continues in the successor's carry-over.
func (m *macroBlock) split(slot int) bool {
	if slot != len(m.slots)-1 {
		return false
	}
	return m.lastLen < slotHeaderSize+m.header(slot).cap
}

// head returns the part of the slot's capacity stored in this block.
func (m *macroBlock) head(slot int) []byte {
	off := m.slots[slot] + slotHeaderSize
	h := m.header(slot)
	if m.split(slot) {
		return m.buf[off : off+m.lastLen-slotHeaderSize]
	}
	return m.buf[off : off+h.cap]
}

// finish writes the header fields and checksum into buf.
func (m *macroBlock) finish() {
	m.buf[0] = tagMacroBlock
	m.buf[1] = 0
	binary.LittleEndian.PutUint16(m.buf[2:], uint16(len(m.slots)))
	binary.LittleEndian.PutUint32(m.buf[4:], uint32(m.carryLen))
	binary.LittleEndian.PutUint32(m.buf[8:], uint32(m.lastLen))
	binary.LittleEndian.PutUint32(m.buf[12:], uint32(m.dataLen))
	binary.LittleEndian.PutUint64(m.buf[16:], m.next)
	binary.LittleEndian.PutUint64(m.buf[macroChecksumOffset:], macroChecksum(m.buf))
}

func macroChecksum(buf []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(buf[:macroChecksumOffset])
	_, _ = d.Write(buf[macroHeaderSize:])
	return d.Sum64()
}

// decodeMacroBlock parses a macro block read from the container. The
// returned block retains buf.
func decodeMacroBlock(pos uint64, buf []byte) (*macroBlock, error) {
	if buf[0] != tagMacroBlock {
		return nil, base.CorruptionErrorf("blockstore: block %d is not a macro block (tag %x)",
			errors.Safe(pos), errors.Safe(buf[0]))
	}
	if sum := binary.LittleEndian.Uint64(buf[macroChecksumOffset:]); sum != macroChecksum(buf) {
		return nil, base.CorruptionErrorf("blockstore: macro block %d checksum mismatch", errors.Safe(pos))
	}
	m := &macroBlock{
		pos:      pos,
		buf:      buf,
		carryLen: int(binary.LittleEndian.Uint32(buf[4:])),
		lastLen:  int(binary.LittleEndian.Uint32(buf[8:])),
		dataLen:  int(binary.LittleEndian.Uint32(buf[12:])),
		next:     binary.LittleEndian.Uint64(buf[16:]),
	}
	count := int(binary.LittleEndian.Uint16(buf[2:]))
	if macroHeaderSize+m.dataLen > len(buf) || m.carryLen > m.dataLen {
		return nil, base.CorruptionErrorf("blockstore: macro block %d has invalid lengths", errors.Safe(pos))
	}
	m.slots = make([]int, 0, count)
	off := macroHeaderSize + m.carryLen
	end := macroHeaderSize + m.dataLen
	for i := 0; i < count; i++ {
		if off+slotHeaderSize > end {
			return nil, base.CorruptionErrorf("blockstore: macro block %d slot %d out of bounds",
				errors.Safe(pos), errors.Safe(i))
		}
		m.slots = append(m.slots, off)
		h := decodeSlotHeader(buf[off:])
		if h.len > h.cap {
			return nil, base.CorruptionErrorf("blockstore: macro block %d slot %d length %d exceeds capacity %d",
				errors.Safe(pos), errors.Safe(i), errors.Safe(h.len), errors.Safe(h.cap))
		}
		off += slotHeaderSize + h.cap
	}
	if count > 0 && off > end && m.lastLen >= slotHeaderSize+decodeSlotHeader(buf[m.slots[count-1]:]).cap {
		return nil, base.CorruptionErrorf("blockstore: macro block %d last slot overflows", errors.Safe(pos))
	}
	return m, nil
}

func (m *macroBlock) info(blockSize int) UnitInfo {
	return UnitInfo{
		Kind:      MacroBlockUnit,
		Pos:       m.pos,
		Blocks:    len(m.buf) / blockSize,
		Slots:     len(m.slots),
		CarryOver: m.carryLen,
		DataLen:   m.dataLen,
		NextMacro: m.next,
	}
}
