// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"github.com/cockroachdb/errors"
	"github.com/tsindex/flank/blockstore"
	"github.com/tsindex/flank/internal/base"
	"github.com/tsindex/flank/internal/invariants"
	"github.com/tsindex/flank/schema"
)

// The right flank is the path of open nodes from the rightmost leaf to the
// root. Events are appended to the open leaf; a full node is finalized: it
// gets its id, its index entry is appended to the open node one level up
// and it waits in the write-behind buffer until it is written. Open nodes
// are never referenced by their parent.
//
// A finalized node must name its right neighbor before the neighbor exists,
// so every open node carries a presumed id: the id the block store will
// hand out when the node is finalized, predicted from the fill of the open
// nodes below it. Whenever the prediction turns out wrong the left neighbor
// is relinked, in memory if it is still buffered and through an update
// otherwise.

// flankLevel is the open node of one level of the right flank.
type flankLevel struct {
	node *node
	// persisted is set when node.id is a real id holding a fragment of the
	// node, written by Flush or adopted by recovery. The node keeps that id
	// when it is finalized.
	persisted bool
	// predicted is set once node.id holds the presumed id.
	predicted bool
	// finalized is the left neighbor of node while it is buffered and its
	// next link is not yet known.
	finalized *node
}

// pendingNode is a finalized node in the write-behind buffer.
type pendingNode struct {
	n *node
	// update is set for nodes that already have a slot in the store.
	update bool
}

// repair is a deferred rewrite of the next link of a persisted node.
type repair struct {
	id   blockstore.LogicalID
	next int64
}

// treeStats tracks the contents of the tree, excluding queued events.
type treeStats struct {
	count    uint64
	first    schema.Event
	firstKey int64
	lastKey  int64
}

func (s *treeStats) add(key int64, e schema.Event) {
	if s.count == 0 || key < s.firstKey {
		s.first, s.firstKey = e, key
	}
	if s.count == 0 || key > s.lastKey {
		s.lastKey = key
	}
	s.count++
}

func (t *Tree) capacity(level int) int {
	if level == 0 {
		return t.leafCap
	}
	return t.indexCap
}

// appendLocked appends an event whose key is at least the largest key in
// the tree.
func (t *Tree) appendLocked(e schema.Event, key int64) error {
	leaf := t.mu.flank[0].node
	t.codec.appendEvent(leaf, e)
	t.mu.stats.add(key, e)
	if leaf.len() >= t.leafCap {
		if err := t.finalizeLocked(0); err != nil {
			return err
		}
	}
	return t.settleLocked(false)
}

// finalizeLocked finalizes the full open node of level and cascades its
// index entry upward.
func (t *Tree) finalizeLocked(level int) error {
	fl := t.mu.flank[level]
	n := fl.node
	if !fl.persisted {
		id, err := t.store.Reserve()
		if err != nil {
			return err
		}
		switch {
		case fl.finalized != nil:
			fl.finalized.next = int64(id)
		case n.prev != 0 && !fl.predicted:
			t.repairNextLocked(level, n.prev, 0, id)
		case n.prev != 0 && id != n.id:
			t.repairNextLocked(level, n.prev, n.id, id)
		}
		n.id = id
	} else if fl.finalized != nil {
		fl.finalized.next = int64(n.id)
	}
	t.mu.pending = append(t.mu.pending, pendingNode{n: n, update: fl.persisted})

	sum := t.codec.summarize(n)
	if invariants.Enabled && !sum.equal(&n.sum) {
		panic(errors.AssertionFailedf("flank: incremental summary of node %d diverged", n.id))
	}
	n.sum = sum
	entry := n.entry()

	open := t.codec.newNode(level)
	open.prev = n.id
	t.mu.flank[level] = &flankLevel{node: open, finalized: n}
	t.mu.metrics.NodesFinalized++
	if level == len(t.mu.flank)-1 {
		t.mu.flank = append(t.mu.flank, &flankLevel{node: t.codec.newNode(level + 1)})
		t.mu.heightChanged = true
	}
	return t.insertEntryLocked(level+1, entry)
}

// insertEntryLocked appends an index entry to the open node of level.
func (t *Tree) insertEntryLocked(level int, e indexEntry) error {
	n := t.mu.flank[level].node
	t.codec.appendEntry(n, e)
	if n.len() >= t.indexCap {
		return t.finalizeLocked(level)
	}
	return nil
}

// predictIDLocked returns the id the open node of level will receive when it
// is finalized, assuming events keep arriving in order: every level below
// finalizes as often as needed to fill it, each finalization consuming one
// id.
func (t *Tree) predictIDLocked(level int) blockstore.LogicalID {
	var consumed uint64
	// f is the number of finalizations of level k needed before level
	// finalizes.
	f := uint64(t.capacity(level) - t.mu.flank[level].node.len())
	for k := level - 1; k >= 0 && f > 0; k-- {
		consumed += f
		c := uint64(t.capacity(k))
		f = c - uint64(t.mu.flank[k].node.len()) + (f-1)*c
	}
	return t.store.NextID() + blockstore.LogicalID(consumed)
}

// predictLocked assigns presumed ids to open nodes that have none and links
// their left neighbors to them.
func (t *Tree) predictLocked() {
	for level, fl := range t.mu.flank {
		if fl.persisted || fl.predicted {
			continue
		}
		p := t.predictIDLocked(level)
		fl.node.id = p
		fl.predicted = true
		switch {
		case fl.finalized != nil:
			fl.finalized.next = int64(p)
		case fl.node.prev != 0:
			// Adopted by recovery: the left neighbor is persisted.
			t.repairNextLocked(level, fl.node.prev, 0, p)
		}
		fl.finalized = nil
	}
}

// refreshPredictionsLocked predicts again for open nodes whose presumed id
// was consumed by something other than their finalization, such as a split
// or a relocated update.
func (t *Tree) refreshPredictionsLocked() {
	next := t.store.NextID()
	for level, fl := range t.mu.flank {
		if fl.persisted || !fl.predicted || fl.node.id >= next {
			continue
		}
		old := fl.node.id
		fl.node.id = t.predictIDLocked(level)
		if fl.node.prev != 0 {
			t.repairNextLocked(level, fl.node.prev, old, fl.node.id)
		}
	}
}

// repairNextLocked relinks the left neighbor id of the open node of level,
// which was told the open node would get predicted, to actual.
func (t *Tree) repairNextLocked(level int, id, predicted, actual blockstore.LogicalID) {
	if predicted != 0 {
		t.mu.metrics.Repairs++
		t.opts.EventListener.FlankRepaired(RepairInfo{
			Level: level, Neighbor: id, Predicted: predicted, Actual: actual,
		})
	}
	for i := range t.mu.pending {
		if p := t.mu.pending[i].n; p.id == id {
			p.next = int64(actual)
			return
		}
	}
	for i := range t.mu.repairs {
		if t.mu.repairs[i].id == id {
			t.mu.repairs[i].next = int64(actual)
			return
		}
	}
	t.mu.repairs = append(t.mu.repairs, repair{id: id, next: int64(actual)})
}

// settleLocked ends a mutation: open nodes get their presumed ids, and the
// write-behind buffer is written out when it is full, when links of
// persisted nodes need repair, or when force is set. After a forced settle
// the block store has no outstanding reservations.
func (t *Tree) settleLocked(force bool) error {
	t.predictLocked()
	t.refreshPredictionsLocked()
	// The working meta file is rewritten before nodes of a new level can
	// reach the store, so recovery never finds a level above Height.
	if t.mu.heightChanged && t.mu.work != nil {
		t.mu.work.Height = len(t.mu.flank)
		if err := writeMeta(t.opts.FS, t.workPath(), t.mu.work); err != nil {
			return err
		}
		t.mu.heightChanged = false
	}
	if force || len(t.mu.pending) >= t.opts.WriteBehind || len(t.mu.repairs) > 0 {
		return t.flushWriteBehindLocked()
	}
	return nil
}

// flushWriteBehindLocked writes the buffered nodes in reservation order,
// then rewrites nodes that already had a slot, then applies link repairs.
func (t *Tree) flushWriteBehindLocked() error {
	if len(t.mu.pending) == 0 && len(t.mu.repairs) == 0 {
		return nil
	}
	for _, p := range t.mu.pending {
		if p.update {
			continue
		}
		buf, err := t.codec.encode(p.n)
		if err != nil {
			return err
		}
		if err := t.store.Write(p.n.id, buf); err != nil {
			return err
		}
	}
	for _, p := range t.mu.pending {
		if p.update {
			if err := t.updateNodeLocked(p.n); err != nil {
				return err
			}
		}
	}
	for _, r := range t.mu.repairs {
		next := r.next
		if err := t.relinkLocked(-1, r.id, func(n *node) { n.next = next }); err != nil {
			return err
		}
	}
	clear(t.mu.pending)
	t.mu.pending = t.mu.pending[:0]
	t.mu.repairs = t.mu.repairs[:0]
	t.mu.metrics.WriteBehindFlushes++
	return nil
}

// loadLocked reads the persisted node id, which must be on level (or on any
// level when level is negative).
func (t *Tree) loadLocked(level int, id blockstore.LogicalID) (*node, error) {
	buf, err := t.store.Get(id)
	if err != nil {
		return nil, errors.Wrapf(err, "flank: loading node %d", id)
	}
	n, err := t.codec.decode(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "flank: decoding node %d", id)
	}
	if n.id != id || (level >= 0 && n.level != level) {
		return nil, base.CorruptionErrorf("flank: node %d: found node %d at level %d, expected level %d",
			id, n.id, n.level, level)
	}
	return n, nil
}

// updateNodeLocked rewrites the persisted node n.
func (t *Tree) updateNodeLocked(n *node) error {
	buf, err := t.codec.encode(n)
	if err != nil {
		return err
	}
	return t.store.Update(n.id, buf)
}

// relinkLocked applies fn to the persisted node id and rewrites it.
func (t *Tree) relinkLocked(level int, id blockstore.LogicalID, fn func(*node)) error {
	n, err := t.loadLocked(level, id)
	if err != nil {
		return err
	}
	fn(n)
	return t.updateNodeLocked(n)
}

// flushFlankLocked forces every open node of the flank to disk as a
// fragment: a node whose next link is its own id negated. The top fragment
// is flagged as the root. Open nodes keep the ids of their fragments.
func (t *Tree) flushFlankLocked() (int, error) {
	if err := t.drainLocked(); err != nil {
		return 0, err
	}
	if err := t.settleLocked(true); err != nil {
		return 0, err
	}
	top := len(t.mu.flank) - 1
	for level, fl := range t.mu.flank {
		n := fl.node
		n.root = level == top
		err := t.writeFragmentLocked(level, fl)
		n.root = false
		if err != nil {
			return 0, err
		}
	}
	return len(t.mu.flank), nil
}

func (t *Tree) writeFragmentLocked(level int, fl *flankLevel) error {
	n := fl.node
	if fl.persisted {
		buf, err := t.codec.encodeFragment(n)
		if err != nil {
			return err
		}
		return t.store.Update(n.id, buf)
	}
	id, err := t.store.Reserve()
	if err != nil {
		return err
	}
	predicted := n.id
	n.id = id
	buf, err := t.codec.encodeFragment(n)
	if err == nil {
		err = t.store.Write(id, buf)
	}
	if err != nil {
		return err
	}
	fl.persisted = true
	if n.prev != 0 && id != predicted {
		next := int64(id)
		return t.relinkLocked(level, n.prev, func(p *node) { p.next = next })
	}
	return nil
}
