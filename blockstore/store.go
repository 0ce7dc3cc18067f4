// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package blockstore implements a container of variable-length compressed
// blocks addressed by logical id.
//
// The container is a sequence of fixed-size physical blocks. Block 0 holds
// the preamble. The remaining blocks hold two kinds of units, distinguished
// by a tag byte: macro blocks, which pack several compressed payloads into
// slots, and single-block translation blocks, which map logical ids to slot
// addresses. Payloads are placed append-only; a payload that does not fit
// the open macro block is split across it and its successor when enough
// room is left, and otherwise starts a new macro block. Every slot reserves
// spare room so that updates can usually be applied in place; an update that
// does not fit is relocated and the original slot becomes a reference entry
// pointing at the new copy.
package blockstore

import (
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/tsindex/flank/internal/base"
	"github.com/tsindex/flank/internal/compression"
	"github.com/tsindex/flank/internal/invariants"
	"github.com/tsindex/flank/vfs"
)

// ErrReadOnly is returned by mutating operations on a read-only store.
var ErrReadOnly = errors.New("blockstore: read-only")

// ErrDirty is returned by Open when the container was not closed cleanly and
// must be opened with Recover.
var ErrDirty = errors.New("blockstore: container was not closed cleanly")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("blockstore: closed")

// maxRefDepth bounds the reference chain followed by Get. Updates keep
// chains one level deep; anything longer is corruption.
const maxRefDepth = 2

// StoreState is the state a clean Close hands to the caller for persisting
// in its meta file. Passing it back to Open resumes the store without a
// recovery scan.
type StoreState struct {
	UUID   uuid.UUID    `cbor:"1,keyasint"`
	NextID LogicalID    `cbor:"2,keyasint"`
	End    uint64       `cbor:"3,keyasint"`
	Levels []LevelState `cbor:"4,keyasint"`
}

// Store is a compressed block store. All methods are safe for concurrent use,
// but Reserve/Write must be issued by a single writer.
type Store struct {
	opts        Options
	path        string
	file        vfs.File
	pre         Preamble
	blockSize   int
	macroBlocks uint64
	payloadArea int
	fanout      int
	pipe        *pipeline

	mu struct {
		sync.Mutex
		// end is the block number following the last allocated unit. The
		// open macro block and pending translation blocks are allocated but
		// not yet written.
		end     uint64
		open    *macroBlock
		pending []*translationBlock
		tr      *translation

		nextID    LogicalID
		nextWrite LogicalID

		macroCache *blockCache[*macroBlock]
		transCache *blockCache[*translationBlock]
		comp       compression.Compressor

		metrics Metrics
		err     error
		closed  bool
	}
	lifetime invariants.Lifetime
}

func newStore(path string, opts *Options, f vfs.File, pre Preamble) *Store {
	s := &Store{
		opts:        *opts,
		path:        path,
		file:        f,
		pre:         pre,
		blockSize:   pre.BlockSize,
		macroBlocks: uint64(pre.MacroBlockSize / pre.BlockSize),
		payloadArea: pre.MacroBlockSize - macroHeaderSize,
		fanout:      (pre.BlockSize - translationHeaderSize) / 8,
	}
	s.mu.macroCache = newBlockCache[*macroBlock](opts.CacheSize)
	s.mu.transCache = newBlockCache[*translationBlock](opts.CacheSize)
	s.mu.tr = newTranslation(s, s.fanout)
	s.mu.nextID, s.mu.nextWrite = 1, 1
	if !opts.ReadOnly {
		s.mu.comp = s.newCompressor()
		if opts.CompressionWorkers > 0 {
			s.pipe = newPipeline(s, opts.CompressionWorkers)
		}
	}
	return s
}

func (s *Store) newCompressor() compression.Compressor {
	return compression.GetCompressor(s.pre.Compression)
}

// Create creates a new, empty container at path, truncating any existing
// file.
func Create(path string, opts *Options) (*Store, error) {
	opts = opts.EnsureDefaults()
	if opts.ReadOnly {
		return nil, ErrReadOnly
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	f, err := opts.FS.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "blockstore: creating %q", path)
	}
	pre := Preamble{
		State:          StateDirty,
		BlockSize:      opts.BlockSize,
		MacroBlockSize: opts.MacroBlockSize,
		SpareRatio:     opts.SpareRatio,
		Compression:    opts.Compression,
		UUID:           uuid.New(),
	}
	if _, err := f.WriteAt(pre.encode(), 0); err != nil {
		return nil, errors.CombineErrors(err, f.Close())
	}
	if err := f.Sync(); err != nil {
		return nil, errors.CombineErrors(err, f.Close())
	}
	s := newStore(path, opts, f, pre)
	s.mu.end = 1
	s.startMacroBlockLocked()
	return s, nil
}

func openContainer(path string, opts *Options) (vfs.File, Preamble, error) {
	var f vfs.File
	var err error
	if opts.ReadOnly {
		f, err = opts.FS.Open(path)
	} else {
		f, err = opts.FS.OpenReadWrite(path)
	}
	if err != nil {
		return nil, Preamble{}, errors.Wrapf(err, "blockstore: opening %q", path)
	}
	buf := make([]byte, preambleSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, Preamble{}, errors.CombineErrors(
			base.CorruptionErrorf("blockstore: reading preamble of %q: %v", path, err), f.Close())
	}
	pre, err := decodePreamble(buf)
	if err != nil {
		return nil, Preamble{}, errors.CombineErrors(err, f.Close())
	}
	return f, pre, nil
}

// Open opens a container that was closed cleanly, resuming from the state
// returned by Close. The geometry and compression settings are read from the
// container preamble and override opts.
func Open(path string, opts *Options, state StoreState) (*Store, error) {
	opts = opts.EnsureDefaults()
	f, pre, err := openContainer(path, opts)
	if err != nil {
		return nil, err
	}
	if state.UUID != (uuid.UUID{}) && state.UUID != pre.UUID {
		return nil, errors.CombineErrors(
			base.CorruptionErrorf("blockstore: container %q has id %s, expected %s", path, pre.UUID, state.UUID),
			f.Close())
	}
	if pre.State != StateClean {
		return nil, errors.CombineErrors(errors.Wrapf(ErrDirty, "%q", path), f.Close())
	}
	s := newStore(path, opts, f, pre)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.end = max(state.End, 1)
	if state.NextID > 0 {
		s.mu.nextID, s.mu.nextWrite = state.NextID, state.NextID
	}
	if len(state.Levels) > 0 {
		s.mu.tr.next = state.NextID
		s.mu.tr.levels = s.mu.tr.levels[:0]
		for _, ls := range state.Levels {
			lb := s.mu.tr.newLevel(ls.EntryIndex)
			lb.lastPos = ls.LastPos
			if ls.Count > 0 {
				tb, err := s.loadTranslationBlockLocked(ls.Pos)
				if err == nil && (tb.level != len(s.mu.tr.levels) || len(tb.entries) < ls.Count) {
					err = base.CorruptionErrorf("blockstore: partial translation block %d does not match meta",
						errors.Safe(ls.Pos))
				}
				if err != nil {
					return nil, errors.CombineErrors(err, s.closeFileLocked())
				}
				lb.entries = append(lb.entries, tb.entries[:ls.Count]...)
			}
			s.mu.tr.levels = append(s.mu.tr.levels, lb)
		}
	}
	if !opts.ReadOnly {
		if err := s.setStateLocked(StateDirty); err != nil {
			return nil, errors.CombineErrors(err, s.closeFileLocked())
		}
		s.startMacroBlockLocked()
	}
	return s, nil
}

// Path returns the path of the container file.
func (s *Store) Path() string { return s.path }

// Preamble returns the container preamble.
func (s *Store) Preamble() Preamble { return s.pre }

// Fanout returns the number of entries in a translation block.
func (s *Store) Fanout() int { return s.fanout }

// MaxPayloadSize returns the largest stored (post-compression) payload a
// slot can hold once its spare room is reserved.
func (s *Store) MaxPayloadSize() int {
	avail := s.payloadArea - slotHeaderSize
	n := int(float64(avail) / (1 + s.pre.SpareRatio))
	for n > 0 && slotCapacity(n, s.pre.SpareRatio) > avail {
		n--
	}
	for slotCapacity(n+1, s.pre.SpareRatio) <= avail {
		n++
	}
	return n
}

func (s *Store) writeAt(buf []byte, pos uint64) error {
	if _, err := s.file.WriteAt(buf, int64(pos)*int64(s.blockSize)); err != nil {
		s.mu.err = errors.Wrapf(err, "blockstore: writing block %d", pos)
		return s.mu.err
	}
	return nil
}

func (s *Store) setStateLocked(state ContainerState) error {
	s.pre.State = state
	if err := s.writeAt(s.pre.encode(), 0); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *Store) checkWritableLocked() error {
	switch {
	case s.mu.closed:
		return ErrClosed
	case s.opts.ReadOnly:
		return ErrReadOnly
	case s.mu.err != nil:
		return s.mu.err
	}
	return nil
}

func (s *Store) startMacroBlockLocked() {
	s.mu.open = newMacroBlock(s.mu.end, s.pre.MacroBlockSize)
	s.mu.end += s.macroBlocks
	s.mu.metrics.MacroBlocksStarted++
}

// flushOpenLocked writes the open macro block followed by the translation
// blocks that filled while it was open. Afterwards no macro block is open.
func (s *Store) flushOpenLocked() error {
	m := s.mu.open
	s.mu.open = nil
	m.next = s.mu.end
	m.finish()
	if err := s.writeAt(m.buf, m.pos); err != nil {
		return err
	}
	s.mu.metrics.MacroBlocksWritten++
	s.mu.macroCache.put(m.pos, m)
	s.notify(m.info(s.blockSize))
	for _, tb := range s.mu.pending {
		if err := s.writeTranslationLocked(tb); err != nil {
			return err
		}
	}
	s.mu.pending = s.mu.pending[:0]
	return nil
}

func (s *Store) notify(info UnitInfo) {
	if s.opts.OnUnitWritten != nil {
		s.opts.OnUnitWritten(info)
	}
}

func (s *Store) writeTranslationLocked(tb *translationBlock) error {
	if err := s.writeAt(tb.encode(s.blockSize), tb.pos); err != nil {
		return err
	}
	s.mu.metrics.TranslationBlocksWritten++
	s.mu.transCache.put(tb.pos, tb)
	s.notify(tb.info())
	return nil
}

// emitTranslationBlock allocates a position for a filled translation block.
// While a macro block is open the block is held back and written right after
// the macro block, keeping the container free of holes.
func (s *Store) emitTranslationBlock(tb *translationBlock) (uint64, error) {
	tb.pos = s.mu.end
	s.mu.end++
	if s.mu.open != nil {
		s.mu.pending = append(s.mu.pending, tb)
		return tb.pos, nil
	}
	return tb.pos, s.writeTranslationLocked(tb)
}

// rewriteTranslationBlock replaces the content of an allocated translation
// block.
func (s *Store) rewriteTranslationBlock(tb *translationBlock) error {
	for i, p := range s.mu.pending {
		if p.pos == tb.pos {
			s.mu.pending[i] = tb
			return nil
		}
	}
	s.mu.metrics.TranslationRewrites++
	return s.writeTranslationLocked(tb)
}

func (s *Store) loadTranslationBlock(pos uint64) (*translationBlock, error) {
	return s.loadTranslationBlockLocked(pos)
}

func (s *Store) loadTranslationBlockLocked(pos uint64) (*translationBlock, error) {
	for _, p := range s.mu.pending {
		if p.pos == pos {
			return p, nil
		}
	}
	if tb, ok := s.mu.transCache.get(pos); ok {
		return tb, nil
	}
	buf := make([]byte, s.blockSize)
	if _, err := s.file.ReadAt(buf, int64(pos)*int64(s.blockSize)); err != nil {
		return nil, errors.Wrapf(err, "blockstore: reading translation block %d", pos)
	}
	tb, err := decodeTranslationBlock(pos, buf)
	if err != nil {
		return nil, err
	}
	s.mu.transCache.put(pos, tb)
	return tb, nil
}

func (s *Store) macroBlockLocked(pos uint64) (*macroBlock, error) {
	if s.mu.open != nil && s.mu.open.pos == pos {
		return s.mu.open, nil
	}
	if m, ok := s.mu.macroCache.get(pos); ok {
		return m, nil
	}
	if pos == 0 {
		return nil, base.CorruptionErrorf("blockstore: macro block at preamble position")
	}
	buf := make([]byte, s.pre.MacroBlockSize)
	if _, err := s.file.ReadAt(buf, int64(pos)*int64(s.blockSize)); err != nil {
		return nil, errors.Wrapf(err, "blockstore: reading macro block %d", pos)
	}
	m, err := decodeMacroBlock(pos, buf)
	if err != nil {
		return nil, err
	}
	s.mu.macroCache.put(pos, m)
	return m, nil
}

// persistLocked writes modified macro blocks back to the container. The open
// macro block is only modified in memory.
func (s *Store) persistLocked(blocks ...*macroBlock) error {
	for _, m := range blocks {
		if m == s.mu.open {
			continue
		}
		m.finish()
		if err := s.writeAt(m.buf, m.pos); err != nil {
			return err
		}
		s.mu.metrics.MacroBlockRewrites++
	}
	return nil
}

// compressPayload compresses payload with c, falling back to storing it raw
// when compression saves less than an eighth.
func compressPayload(c compression.Compressor, setting compression.Setting, payload []byte) (slotKind, []byte) {
	if setting.Algorithm == compression.NoCompression || len(payload) == 0 {
		return slotRaw, payload
	}
	out := c.Compress(nil, payload)
	if len(out) >= len(payload)-len(payload)/8 {
		return slotRaw, payload
	}
	return slotCompressed, out
}

// Reserve issues the next logical id without writing anything. Reserved ids
// must be written with Write in the order they were reserved.
func (s *Store) Reserve() (LogicalID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritableLocked(); err != nil {
		return 0, err
	}
	id := s.mu.nextID
	s.mu.nextID++
	return id, nil
}

// NextID returns the id the next call to Reserve will issue.
func (s *Store) NextID() LogicalID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.nextID
}

// Write stores the payload of a reserved id. Ids must be written in
// reservation order.
func (s *Store) Write(id LogicalID, payload []byte) error {
	return s.write(id, payload, false /* reserve */)
}

// Append reserves an id and writes payload under it. A payload that cannot
// be stored does not consume an id.
func (s *Store) Append(payload []byte) (LogicalID, error) {
	s.mu.Lock()
	id := s.mu.nextID
	s.mu.Unlock()
	if err := s.write(id, payload, true /* reserve */); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) write(id LogicalID, payload []byte, reserve bool) error {
	s.mu.Lock()
	if err := s.checkWritableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if reserve && (id != s.mu.nextID || s.mu.nextWrite != s.mu.nextID) {
		err := errors.AssertionFailedf("blockstore: append of id %d with %d outstanding reservations",
			id, s.mu.nextID-s.mu.nextWrite)
		s.mu.Unlock()
		return err
	}
	if !reserve && (id != s.mu.nextWrite || id >= s.mu.nextID) {
		err := errors.AssertionFailedf("blockstore: write of id %d, expected %d (next reservation %d)",
			id, s.mu.nextWrite, s.mu.nextID)
		s.mu.Unlock()
		return err
	}
	if s.pipe != nil {
		if s.pre.Compression.Algorithm == compression.NoCompression && !s.fits(len(payload)) {
			s.mu.Unlock()
			return s.capacityError(len(payload))
		}
		if err := s.pipe.begin(id); err != nil {
			s.mu.Unlock()
			return err
		}
		if reserve {
			s.mu.nextID++
		}
		s.mu.nextWrite++
		s.mu.Unlock()
		s.pipe.submit(id, payload)
		return nil
	}
	defer s.mu.Unlock()
	kind, data := compressPayload(s.mu.comp, s.pre.Compression, payload)
	if !s.fits(len(data)) {
		return s.capacityError(len(data))
	}
	if reserve {
		s.mu.nextID++
	}
	s.mu.nextWrite++
	return s.placeLocked(id, kind, data, len(payload))
}

// fits returns true if a stored payload of n bytes, together with its spare
// room, fits in an empty macro block.
func (s *Store) fits(n int) bool {
	return slotHeaderSize+slotCapacity(n, s.pre.SpareRatio) <= s.payloadArea
}

func (s *Store) capacityError(n int) error {
	return errors.Wrapf(base.ErrCapacity, "blockstore: payload of %d bytes exceeds slot limit %d",
		errors.Safe(n), errors.Safe(s.MaxPayloadSize()))
}

func (s *Store) placeLocked(id LogicalID, kind slotKind, data []byte, rawLen int) error {
	h := slotHeader{kind: kind, cap: slotCapacity(len(data), s.pre.SpareRatio), len: len(data), id: id}
	addr, err := s.insertSlotLocked(h, data)
	if err != nil {
		return err
	}
	if err := s.mu.tr.addMapping(id, addr); err != nil {
		return err
	}
	s.mu.metrics.SlotsWritten++
	s.mu.metrics.BytesIn += int64(rawLen)
	s.mu.metrics.BytesStored += int64(len(data))
	if kind == slotRaw && s.pre.Compression.Algorithm != compression.NoCompression {
		s.mu.metrics.RawFallbacks++
	}
	return nil
}

// insertSlotLocked places a slot in the open macro block, splitting it into
// a new macro block or starting a new one as needed.
func (s *Store) insertSlotLocked(h slotHeader, data []byte) (Address, error) {
	if slotHeaderSize+h.cap > s.payloadArea {
		return Unmapped, s.capacityError(h.len)
	}
	m := s.mu.open
	if len(m.slots) == maxSlotsPerMacroBlock {
		if err := s.flushOpenLocked(); err != nil {
			return Unmapped, err
		}
		s.startMacroBlockLocked()
		m = s.mu.open
	}
	free := m.free()
	switch {
	case slotHeaderSize+h.cap <= free:
		return MakeAddress(m.pos, m.appendSlot(h, data)), nil

	case free-slotHeaderSize > refSize:
		slot, tail := m.appendSplit(h, data)
		if err := s.flushOpenLocked(); err != nil {
			return Unmapped, err
		}
		s.startMacroBlockLocked()
		s.mu.open.setCarryOver(tail)
		s.mu.metrics.Splits++
		return MakeAddress(m.pos, slot), nil

	default:
		if err := s.flushOpenLocked(); err != nil {
			return Unmapped, err
		}
		s.startMacroBlockLocked()
		return MakeAddress(s.mu.open.pos, s.mu.open.appendSlot(h, data)), nil
	}
}

// FreeSpace returns the largest slot capacity the open macro block can still
// hold without splitting. A payload whose stored size (including spare) is
// exactly FreeSpace stays in the open block.
func (s *Store) FreeSpace() int {
	if s.pipe != nil {
		_ = s.pipe.drain()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.open == nil {
		return 0
	}
	return max(0, s.mu.open.free()-slotHeaderSize)
}

// readSlotLocked returns the header and stored bytes of the slot at addr,
// joining the carry-over of a split slot.
func (s *Store) readSlotLocked(addr Address) (slotHeader, []byte, error) {
	m, err := s.macroBlockLocked(addr.MacroBlock())
	if err != nil {
		return slotHeader{}, nil, err
	}
	slot := addr.Slot()
	if slot >= len(m.slots) {
		return slotHeader{}, nil, base.CorruptionErrorf("blockstore: address %s beyond %d slots",
			addr, errors.Safe(len(m.slots)))
	}
	h := m.header(slot)
	head := m.head(slot)
	if h.len <= len(head) {
		return h, head[:h.len], nil
	}
	succ, err := s.macroBlockLocked(m.next)
	if err != nil {
		return slotHeader{}, nil, errors.Wrapf(err, "blockstore: reading carry-over of %s", addr)
	}
	rest := h.len - len(head)
	if rest > succ.carryLen {
		return slotHeader{}, nil, base.CorruptionErrorf("blockstore: carry-over of %s is %d bytes, need %d",
			addr, errors.Safe(succ.carryLen), errors.Safe(rest))
	}
	data := make([]byte, 0, h.len)
	data = append(data, head...)
	data = append(data, succ.carryOver()[:rest]...)
	return h, data, nil
}

// resolveLocked follows references from the slot of id to the slot holding
// its payload.
func (s *Store) resolveLocked(id LogicalID) (orig Address, target Address, h slotHeader, data []byte, err error) {
	addr, err := s.mu.tr.get(id)
	if err != nil {
		return 0, 0, slotHeader{}, nil, err
	}
	if addr == Unmapped {
		return 0, 0, slotHeader{}, nil, errors.Wrapf(base.ErrNotFound, "blockstore: id %d", errors.Safe(id))
	}
	h, data, err = s.readSlotLocked(addr)
	if err != nil {
		return 0, 0, slotHeader{}, nil, err
	}
	if h.id != id {
		return 0, 0, slotHeader{}, nil, base.CorruptionErrorf("blockstore: slot %s holds id %d, expected %d",
			addr, errors.Safe(h.id), errors.Safe(id))
	}
	target = addr
	for depth := 0; h.kind == slotReference; depth++ {
		if depth == maxRefDepth {
			return 0, 0, slotHeader{}, nil, base.CorruptionErrorf("blockstore: reference chain of id %d too long", errors.Safe(id))
		}
		ref, err := decodeReference(data)
		if err != nil {
			return 0, 0, slotHeader{}, nil, err
		}
		target = ref.addr
		h, data, err = s.readSlotLocked(ref.addr)
		if err != nil {
			return 0, 0, slotHeader{}, nil, err
		}
		if h.id != ref.id {
			return 0, 0, slotHeader{}, nil, base.CorruptionErrorf("blockstore: reference of id %d points at id %d, expected %d",
				errors.Safe(id), errors.Safe(h.id), errors.Safe(ref.id))
		}
	}
	if h.kind == slotRemoved {
		return 0, 0, slotHeader{}, nil, errors.Wrapf(base.ErrNotFound, "blockstore: id %d removed", errors.Safe(id))
	}
	return addr, target, h, data, nil
}

// Get returns the payload of id. The returned slice is owned by the caller.
func (s *Store) Get(id LogicalID) ([]byte, error) {
	if s.pipe != nil {
		s.pipe.waitPlaced(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.closed {
		return nil, ErrClosed
	}
	if id == 0 || id >= s.mu.nextWrite {
		return nil, errors.Wrapf(base.ErrNotFound, "blockstore: id %d", errors.Safe(id))
	}
	_, _, h, data, err := s.resolveLocked(id)
	if err != nil {
		return nil, err
	}
	if h.kind == slotRaw {
		return slices.Clone(data), nil
	}
	return compression.Decompress(s.pre.Compression.Algorithm, data)
}

// Update replaces the payload of a written id. The payload is rewritten in
// place when it fits the slot's capacity; otherwise it is relocated under a
// fresh hidden id and the original slot is turned into a reference entry.
// Update requires that every reserved id has been written.
func (s *Store) Update(id LogicalID, payload []byte) error {
	if s.pipe != nil {
		if err := s.pipe.drain(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritableLocked(); err != nil {
		return err
	}
	if s.mu.nextWrite != s.mu.nextID {
		return errors.AssertionFailedf("blockstore: update of id %d with %d outstanding reservations",
			id, s.mu.nextID-s.mu.nextWrite)
	}
	if id == 0 || id >= s.mu.nextWrite {
		return errors.Wrapf(base.ErrNotFound, "blockstore: update of unwritten id %d", errors.Safe(id))
	}
	orig, target, th, _, err := s.resolveLocked(id)
	if err != nil {
		return err
	}
	kind, data := compressPayload(s.mu.comp, s.pre.Compression, payload)
	if !s.fits(len(data)) {
		return s.capacityError(len(data))
	}
	if len(data) <= th.cap {
		th.kind, th.len = kind, len(data)
		if err := s.rewriteSlotLocked(target, th, data); err != nil {
			return err
		}
		s.mu.metrics.InPlaceUpdates++
		return nil
	}

	hid := s.mu.nextID
	s.mu.nextID++
	s.mu.nextWrite++
	if err := s.placeLocked(hid, kind, data, len(payload)); err != nil {
		return err
	}
	naddr, err := s.mu.tr.get(hid)
	if err != nil {
		return err
	}
	// The placement may have flushed the block holding the original slot.
	m, err := s.macroBlockLocked(orig.MacroBlock())
	if err != nil {
		return err
	}
	oh := m.header(orig.Slot())
	oh.kind, oh.len = slotReference, refSize
	if err := s.rewriteSlotLocked(orig, oh, reference{addr: naddr, id: hid}.encode()); err != nil {
		return err
	}
	s.mu.metrics.Relocations++
	return nil
}

// rewriteSlotLocked replaces the header and content of the slot at addr.
// The slot's capacity is unchanged.
func (s *Store) rewriteSlotLocked(addr Address, h slotHeader, data []byte) error {
	m, err := s.macroBlockLocked(addr.MacroBlock())
	if err != nil {
		return err
	}
	slot := addr.Slot()
	if old := m.header(slot); old.cap != h.cap || len(data) > h.cap {
		return errors.AssertionFailedf("blockstore: rewrite of %s changes capacity %d -> %d (len %d)",
			addr, old.cap, h.cap, len(data))
	}
	m.setHeader(slot, h)
	full := make([]byte, h.cap)
	copy(full, data)
	head := m.head(slot)
	copy(head, full)
	blocks := []*macroBlock{m}
	if rest := full[len(head):]; len(rest) > 0 {
		succ, err := s.macroBlockLocked(m.next)
		if err != nil {
			return err
		}
		copy(succ.carryOver(), rest)
		blocks = append(blocks, succ)
	}
	return s.persistLocked(blocks...)
}

// RemoveLast retracts the newest id: its slot is marked removed and its
// translation dropped, so the id is issued again by the next Reserve.
func (s *Store) RemoveLast() error {
	if s.pipe != nil {
		if err := s.pipe.drain(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritableLocked(); err != nil {
		return err
	}
	if s.mu.nextWrite != s.mu.nextID {
		return errors.AssertionFailedf("blockstore: remove with outstanding reservations")
	}
	if s.mu.nextID <= 1 {
		return errors.Wrapf(base.ErrNotFound, "blockstore: no id to remove")
	}
	id := s.mu.nextID - 1
	addr, err := s.mu.tr.get(id)
	if err != nil {
		return err
	}
	if addr != Unmapped {
		m, err := s.macroBlockLocked(addr.MacroBlock())
		if err != nil {
			return err
		}
		h := m.header(addr.Slot())
		if h.id == id {
			h.kind = slotRemoved
			m.setHeader(addr.Slot(), h)
			if err := s.persistLocked(m); err != nil {
				return err
			}
		}
	}
	if err := s.mu.tr.removeLast(); err != nil {
		return err
	}
	s.mu.nextID--
	s.mu.nextWrite--
	s.mu.metrics.Removed++
	return nil
}

// Sync makes every written payload durable: the open macro block is written
// in its current state together with the pending translation blocks, and
// the container is synced. The open block stays open.
func (s *Store) Sync() error {
	if s.pipe != nil {
		if err := s.pipe.drain(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritableLocked(); err != nil {
		return err
	}
	if m := s.mu.open; m != nil && !m.empty() {
		m.next = 0
		m.finish()
		if err := s.writeAt(m.buf, m.pos); err != nil {
			return err
		}
		for _, tb := range s.mu.pending {
			if err := s.writeAt(tb.encode(s.blockSize), tb.pos); err != nil {
				return err
			}
		}
	}
	if err := s.file.Sync(); err != nil {
		s.mu.err = errors.Wrap(err, "blockstore: sync")
		return s.mu.err
	}
	s.mu.metrics.Syncs++
	return nil
}

// Close flushes the open macro block, writes the partially filled
// translation blocks and marks the container clean. The returned state must
// be passed to Open to resume the store.
func (s *Store) Close() (StoreState, error) {
	var pipeErr error
	if s.pipe != nil {
		pipeErr = s.pipe.close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.closed {
		return StoreState{}, ErrClosed
	}
	s.lifetime.Release()
	if s.opts.ReadOnly {
		s.mu.closed = true
		return StoreState{}, s.file.Close()
	}
	if err := errors.CombineErrors(pipeErr, s.mu.err); err != nil {
		return StoreState{}, errors.CombineErrors(err, s.closeFileLocked())
	}
	state, err := s.closeLocked()
	return state, errors.CombineErrors(err, s.closeFileLocked())
}

func (s *Store) closeLocked() (StoreState, error) {
	if m := s.mu.open; m.empty() && len(s.mu.pending) == 0 {
		s.mu.open = nil
		s.mu.end = m.pos
	} else if err := s.flushOpenLocked(); err != nil {
		return StoreState{}, err
	}
	levels := s.mu.tr.state()
	for i, lb := range s.mu.tr.levels {
		if len(lb.entries) == 0 {
			continue
		}
		tb := &translationBlock{
			level:      i,
			entryIndex: lb.entryIndex,
			prevSame:   lb.lastPos,
			entries:    slices.Clone(lb.entries),
		}
		pos, err := s.emitTranslationBlock(tb)
		if err != nil {
			return StoreState{}, err
		}
		levels[i].Pos = pos
	}
	if err := s.file.Sync(); err != nil {
		return StoreState{}, err
	}
	if err := s.setStateLocked(StateClean); err != nil {
		return StoreState{}, err
	}
	return StoreState{
		UUID:   s.pre.UUID,
		NextID: s.mu.nextID,
		End:    s.mu.end,
		Levels: levels,
	}, nil
}

func (s *Store) closeFileLocked() error {
	s.mu.closed = true
	if s.mu.comp != nil {
		s.mu.comp.Close()
		s.mu.comp = nil
	}
	return s.file.Close()
}

// Units enumerates the units written to the container so far.
func (s *Store) Units() ([]UnitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fi, err := s.file.Stat()
	if err != nil {
		return nil, err
	}
	scan, err := scanUnits(s.file, s.blockSize, s.pre.MacroBlockSize, fi.Size())
	return scan.units, err
}

// Metrics returns a snapshot of the store's counters.
func (s *Store) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.mu.metrics
	m.NextID = s.mu.nextID
	m.ContainerBlocks = s.mu.end
	m.TranslationLevels = len(s.mu.tr.levels)
	m.CacheHits = s.mu.macroCache.hits + s.mu.transCache.hits
	m.CacheMisses = s.mu.macroCache.misses + s.mu.transCache.misses
	return m
}
