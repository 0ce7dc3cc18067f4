// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockstore

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/tsindex/flank/internal/base"
)

// RecoveryStats describes what Recover found and repaired.
type RecoveryStats struct {
	// Units is the number of valid units found in the container.
	Units int
	// Torn is set when the container ended with a partial or corrupt unit;
	// TruncatedAt is the block number at which it was truncated.
	Torn        bool
	TruncatedAt uint64
	// Anchor is the position of the full level-0 translation block the
	// translations were rebuilt from, or 0 if none was usable.
	Anchor uint64
	// Regenerated counts higher-level translation blocks rewritten because
	// the crash interrupted their cascade.
	Regenerated int
	// Rescanned counts the macro blocks whose slots were re-added, and
	// Remapped the mappings they produced.
	Rescanned int
	Remapped  int
	// Trimmed counts trailing unmapped ids retracted.
	Trimmed int
	// NextID is the id the recovered store issues next.
	NextID LogicalID
}

func (r RecoveryStats) String() string {
	return redact.StringWithoutMarkers(r)
}

// SafeFormat implements redact.SafeFormatter.
func (r RecoveryStats) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d units", redact.Safe(r.Units))
	if r.Torn {
		w.Printf(", torn at block %d", redact.Safe(r.TruncatedAt))
	}
	if r.Anchor != 0 {
		w.Printf(", anchored at translation block %d", redact.Safe(r.Anchor))
	} else {
		w.Printf(", no anchor")
	}
	w.Printf(", %d regenerated, %d macro blocks rescanned (%d mappings), %d trimmed, next id %d",
		redact.Safe(r.Regenerated), redact.Safe(r.Rescanned), redact.Safe(r.Remapped),
		redact.Safe(r.Trimmed), redact.Safe(r.NextID))
}

// Recover opens a container that was not closed cleanly. Torn units at the
// end of the container are truncated, the translation structure is rebuilt
// from the most recent full level-0 translation block and the macro blocks
// written after it, and a new macro block is started at the end of the
// container.
func Recover(path string, opts *Options) (*Store, RecoveryStats, error) {
	opts = opts.EnsureDefaults()
	if opts.ReadOnly {
		return nil, RecoveryStats{}, errors.Wrapf(ErrReadOnly, "blockstore: recovering %q", path)
	}
	f, pre, err := openContainer(path, opts)
	if err != nil {
		return nil, RecoveryStats{}, err
	}
	s := newStore(path, opts, f, pre)
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, err := s.recoverLocked()
	if err != nil {
		return nil, RecoveryStats{}, errors.CombineErrors(err, s.closeFileLocked())
	}
	return s, stats, nil
}

func (s *Store) recoverLocked() (RecoveryStats, error) {
	var stats RecoveryStats
	fi, err := s.file.Stat()
	if err != nil {
		return stats, err
	}
	scan, err := scanUnits(s.file, s.blockSize, s.pre.MacroBlockSize, fi.Size())
	if err != nil {
		return stats, err
	}
	stats.Units = len(scan.units)
	if scan.torn {
		stats.Torn, stats.TruncatedAt = true, scan.end
		if err := s.file.Truncate(int64(scan.end) * int64(s.blockSize)); err != nil {
			return stats, errors.Wrapf(err, "blockstore: truncating torn container")
		}
		s.opts.Logger.Infof("blockstore: truncated torn container %q at block %d", s.path, scan.end)
	}
	s.mu.end = scan.end

	r := &translationRecovery{
		s:      s,
		units:  scan.units,
		macros: make(map[uint64]int),
		blocks: make(map[blockKey][]uint64),
		memo:   make(map[blockKey]uint64),
	}
	for i, u := range scan.units {
		switch u.Kind {
		case MacroBlockUnit:
			r.macros[u.Pos] = i
		case TranslationBlockUnit:
			if u.Count == s.fanout {
				k := blockKey{level: u.Level, index: u.EntryIndex}
				r.blocks[k] = append(r.blocks[k], u.Pos)
			}
		}
	}

	start, err := r.anchor()
	if err != nil {
		if !base.IsCorruptionError(err) {
			return stats, err
		}
		// Inconsistent translation blocks are rebuilt from the macro blocks.
		s.opts.Logger.Infof("blockstore: rebuilding translations of %q from scratch: %v", s.path, err)
		r.anchorPos, r.regenerated = 0, 0
		s.mu.tr = newTranslation(s, s.fanout)
		start = 0
	}
	stats.Anchor = r.anchorPos
	stats.Regenerated = r.regenerated

	if err := r.rescan(start, &stats); err != nil {
		return stats, err
	}

	tr := s.mu.tr
	for tr.next > 1 {
		addr, err := tr.get(tr.next - 1)
		if err != nil {
			return stats, err
		}
		if addr != Unmapped {
			break
		}
		if err := tr.removeLast(); err != nil {
			return stats, err
		}
		stats.Trimmed++
	}
	s.mu.nextID, s.mu.nextWrite = tr.next, tr.next
	stats.NextID = tr.next

	if err := s.setStateLocked(StateDirty); err != nil {
		return stats, err
	}
	s.startMacroBlockLocked()
	return stats, nil
}

type blockKey struct {
	level int
	index uint64
}

// translationRecovery rebuilds the translation level buffers from the units
// of a container.
type translationRecovery struct {
	s     *Store
	units []UnitInfo
	// macros maps the position of each valid macro block to its unit index.
	macros map[uint64]int
	// blocks lists the positions of the full translation blocks of each
	// (level, index), in container order.
	blocks map[blockKey][]uint64
	memo   map[blockKey]uint64

	anchorPos   uint64
	anchorIndex uint64
	regenerated int
}

// anchor picks the most recent valid full level-0 translation block and
// rebuilds every level from it. It returns the unit index at which the
// forward rescan of macro blocks starts.
func (r *translationRecovery) anchor() (int, error) {
	s := r.s
	for i := len(r.units) - 1; i >= 0; i-- {
		u := r.units[i]
		if u.Kind != TranslationBlockUnit || u.Level != 0 || u.Count != s.fanout {
			continue
		}
		tb, err := s.loadTranslationBlockLocked(u.Pos)
		if err != nil {
			return 0, err
		}
		last := Address(tb.entries[s.fanout-1])
		lastID := LogicalID((tb.entryIndex+1)*uint64(s.fanout) - 1)
		if !r.validMapping(lastID, last) {
			continue
		}
		r.anchorPos, r.anchorIndex = u.Pos, tb.entryIndex
		if err := r.rebuildLevels(); err != nil {
			return 0, err
		}
		if last != Unmapped {
			return r.macros[last.MacroBlock()], nil
		}
		// Resume from the macro block whose flush wrote the anchor.
		for j := i - 1; j >= 0; j-- {
			if r.units[j].Kind == MacroBlockUnit {
				return j, nil
			}
		}
		return 0, nil
	}
	return 0, nil
}

// validMapping returns true if addr is unmapped or names a live slot of id
// within the valid part of the container.
func (r *translationRecovery) validMapping(id LogicalID, addr Address) bool {
	if addr == Unmapped {
		return true
	}
	if _, ok := r.macros[addr.MacroBlock()]; !ok {
		return false
	}
	m, err := r.s.macroBlockLocked(addr.MacroBlock())
	if err != nil || addr.Slot() >= len(m.slots) {
		return false
	}
	h := m.header(addr.Slot())
	return h.id == id && h.kind != slotRemoved
}

// lookup returns the position of the full translation block (level, index).
// Level-0 blocks are taken from before the anchor; higher-level candidates
// must point at the expected last child. The chain of last children is
// resolved bottom-up from the highest block already known.
func (r *translationRecovery) lookup(level int, index uint64) (uint64, error) {
	fanout := uint64(r.s.fanout)
	keys := make([]uint64, level+1)
	keys[level] = index
	for l := level; l > 0; l-- {
		keys[l-1] = (keys[l]+1)*fanout - 1
	}
	start := 0
	var child uint64
	for l := level; l >= 0; l-- {
		if pos, ok := r.known(l, keys[l]); ok {
			start, child = l+1, pos
			break
		}
	}
	for l := start; l <= level; l++ {
		pos, err := r.resolve(l, keys[l], child)
		if err != nil {
			return 0, err
		}
		child = pos
	}
	return child, nil
}

// known returns the position of the block (level, index) if it was already
// resolved.
func (r *translationRecovery) known(level int, index uint64) (uint64, bool) {
	if level == 0 && index == r.anchorIndex {
		return r.anchorPos, true
	}
	pos, ok := r.memo[blockKey{level: level, index: index}]
	return pos, ok
}

// resolve picks the newest candidate for the block (level, index) whose last
// entry is child. Level-0 candidates must precede the anchor instead.
func (r *translationRecovery) resolve(level int, index uint64, child uint64) (uint64, error) {
	k := blockKey{level: level, index: index}
	cands := r.blocks[k]
	for i := len(cands) - 1; i >= 0; i-- {
		pos := cands[i]
		if level == 0 {
			if pos < r.anchorPos {
				r.memo[k] = pos
				return pos, nil
			}
			continue
		}
		tb, err := r.s.loadTranslationBlockLocked(pos)
		if err != nil {
			return 0, err
		}
		if tb.entries[r.s.fanout-1] == child {
			r.memo[k] = pos
			return pos, nil
		}
	}
	return 0, base.CorruptionErrorf("blockstore: translation block L%d #%d missing",
		errors.Safe(level), errors.Safe(index))
}

// regenerate rewrites the full block (level, index) whose cascade was cut
// short, collecting its entries by following the prevSame back-links from
// its last child.
func (r *translationRecovery) regenerate(level int, index uint64) (uint64, error) {
	s := r.s
	fanout := uint64(s.fanout)
	entries := make([]uint64, s.fanout)
	pos, err := r.lookup(level-1, (index+1)*fanout-1)
	if err != nil {
		return 0, err
	}
	for i := s.fanout - 1; i >= 0; i-- {
		tb, err := s.loadTranslationBlockLocked(pos)
		if err != nil {
			return 0, err
		}
		if tb.level != level-1 || tb.entryIndex != index*fanout+uint64(i) {
			return 0, base.CorruptionErrorf("blockstore: back-link chain of L%d #%d broken at block %d",
				errors.Safe(level), errors.Safe(index), errors.Safe(pos))
		}
		entries[i] = pos
		pos = tb.prevSame
	}
	tb := &translationBlock{level: level, entryIndex: index, entries: entries}
	if index > 0 {
		if prev, err := r.lookup(level, index-1); err == nil {
			tb.prevSame = prev
		}
	}
	newPos, err := s.emitTranslationBlock(tb)
	if err != nil {
		return 0, err
	}
	r.memo[blockKey{level: level, index: index}] = newPos
	r.regenerated++
	s.opts.Logger.Infof("blockstore: regenerated translation block L%d #%d at %d", level, index, newPos)
	return newPos, nil
}

// rebuildLevels reconstructs the level buffers from the anchor like a
// carrying counter: with n full blocks at level L-1, level L buffers the
// positions of blocks [n/fanout*fanout, n) and has n/fanout full blocks.
func (r *translationRecovery) rebuildLevels() error {
	s := r.s
	fanout := uint64(s.fanout)
	t := newTranslation(s, s.fanout)
	n := r.anchorIndex + 1
	l0 := t.levels[0]
	l0.entryIndex = n
	l0.entries = l0.entries[:0]
	l0.lastPos = r.anchorPos
	t.next = LogicalID(n * fanout)

	for level := 1; n > 0; level++ {
		upper := n / fanout
		lb := t.newLevel(upper)
		for k := upper * fanout; k < n; k++ {
			pos, err := r.lookup(level-1, k)
			if err != nil {
				return err
			}
			lb.entries = append(lb.entries, pos)
		}
		if upper > 0 {
			pos, err := r.lookup(level, upper-1)
			if err != nil && n%fanout == 0 {
				pos, err = r.regenerate(level, upper-1)
			}
			if err != nil {
				return err
			}
			lb.lastPos = pos
		}
		t.levels = append(t.levels, lb)
		n = upper
	}
	r.s.mu.tr = t
	return nil
}

// rescan re-adds a mapping for every live slot of the macro blocks from
// unit index start on. A split slot whose successor is not part of the
// container is marked removed.
func (r *translationRecovery) rescan(start int, stats *RecoveryStats) error {
	s := r.s
	for i := start; i < len(r.units); i++ {
		u := r.units[i]
		if u.Kind != MacroBlockUnit {
			continue
		}
		m, err := s.macroBlockLocked(u.Pos)
		if err != nil {
			return err
		}
		stats.Rescanned++
		for slot := range m.slots {
			h := m.header(slot)
			if h.kind == slotRemoved || h.id == 0 {
				continue
			}
			if m.split(slot) {
				if _, ok := r.macros[m.next]; !ok || m.next == 0 {
					h.kind = slotRemoved
					m.setHeader(slot, h)
					if err := s.persistLocked(m); err != nil {
						return err
					}
					continue
				}
			}
			if err := s.mu.tr.addMapping(h.id, MakeAddress(m.pos, slot)); err != nil {
				return err
			}
			stats.Remapped++
		}
	}
	return nil
}
