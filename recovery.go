// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"math"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/tsindex/flank/blockstore"
	"github.com/tsindex/flank/internal/base"
)

// Recovery of the right flank after a crash. The block store has already
// been recovered; what is lost are the open nodes of the flank and the
// write-behind buffer. The flank is rebuilt in one of three ways:
//
//   - Fragments. When the newest ids hold one fragment per level, or the
//     fragments recorded by the last Flush are intact and no id was issued
//     since, the fragments are reopened as they are.
//   - Heuristic. The newest node of every level is found by scanning ids
//     backward, assuming ids grow from left to right as they do when events
//     arrive in order. Walking right from it must not meet decreasing keys.
//   - Brute force. Every id is read and the node with the greatest key of
//     every level is taken as its rightmost node.
//
// Either of the last two produces a path of rightmost nodes, one per level,
// which is turned into a flank by planFlankLocked: nodes that are not yet
// referenced by their parent are anchored by inserting their index entries
// into the open node of the level above.

// probeLocked returns the node written under id, or nil if id holds no node
// of its own: it was never written, was removed, or holds the relocated
// payload of another id.
func (t *Tree) probeLocked(id blockstore.LogicalID) (*node, error) {
	buf, err := t.store.Get(id)
	if errors.Is(err, base.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	n, err := t.codec.decode(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "flank: decoding node %d", id)
	}
	if n.id != id {
		return nil, nil
	}
	return n, nil
}

// recoverFlankLocked rebuilds the right flank and the tree statistics.
func (t *Tree) recoverFlankLocked(w *workMeta, info *RecoveryInfo) error {
	frags, err := t.trailingFragmentsLocked()
	if err != nil {
		return err
	}
	path := completeFlank(frags)
	if path == nil {
		if path, err = t.flushedFlankLocked(w); err != nil {
			return err
		}
	}
	if path != nil {
		info.Method = RecoveryFragments
		t.loadFlankLocked(path)
	} else {
		ignored, discarded, err := t.discardFragmentsLocked(frags, w.Flank)
		if err != nil {
			return err
		}
		info.Discarded = discarded

		info.Method = RecoveryHeuristic
		var plans []levelPlan
		path, err := t.heuristicPathLocked(w.Height, ignored)
		if err == nil {
			plans, err = t.planFlankLocked(path)
		}
		if err != nil {
			t.opts.Logger.Infof("flank: heuristic recovery of %s failed: %v; scanning every node",
				t.dirname, err)
			info.Method = RecoveryBruteForce
			if path, err = t.bruteForcePathLocked(ignored); err != nil {
				return err
			}
			if plans, err = t.planFlankLocked(path); err != nil {
				return err
			}
		}
		if info.Anchored, err = t.executePlanLocked(plans); err != nil {
			return err
		}
	}
	// The fragments of the last Flush are superseded by whatever recovery
	// writes now.
	w.Flank, w.NextID = nil, 0
	t.mu.heightChanged = true
	if err := t.settleLocked(true); err != nil {
		return err
	}
	if err := t.store.Sync(); err != nil {
		return err
	}
	info.Height = len(t.mu.flank)
	return t.refreshStatsLocked()
}

// trailingFragmentsLocked returns the fragments written under the newest
// ids, newest first.
func (t *Tree) trailingFragmentsLocked() ([]*node, error) {
	var frags []*node
	for id := t.store.NextID() - 1; id > 0; id-- {
		n, err := t.probeLocked(id)
		if err != nil {
			return nil, err
		}
		if n == nil {
			continue
		}
		if !n.fragment() {
			break
		}
		frags = append(frags, n)
	}
	return frags, nil
}

// completeFlank returns frags ordered by level if they hold exactly one
// fragment for every level and the top one is flagged as the root.
func completeFlank(frags []*node) []*node {
	if len(frags) == 0 {
		return nil
	}
	path := make([]*node, len(frags))
	for _, n := range frags {
		if n.level >= len(path) || path[n.level] != nil {
			return nil
		}
		path[n.level] = n
	}
	for level, n := range path {
		if n.root != (level == len(path)-1) {
			return nil
		}
	}
	return path
}

// flushedFlankLocked returns the fragments recorded by the last Flush if
// they are still intact and no id was issued since.
func (t *Tree) flushedFlankLocked(w *workMeta) ([]*node, error) {
	if len(w.Flank) == 0 || w.NextID != t.store.NextID() {
		return nil, nil
	}
	path := make([]*node, len(w.Flank))
	for level, id := range w.Flank {
		n, err := t.probeLocked(id)
		if err != nil {
			return nil, err
		}
		if n == nil || n.level != level || !n.fragment() || n.root != (level == len(path)-1) {
			return nil, nil
		}
		path[level] = n
	}
	return path, nil
}

// loadFlankLocked reopens the nodes of path as the open nodes of the flank.
func (t *Tree) loadFlankLocked(path []*node) {
	t.mu.flank = t.mu.flank[:0]
	for _, n := range path {
		n.next, n.root = 0, false
		t.mu.flank = append(t.mu.flank, &flankLevel{node: n, persisted: true})
	}
}

// discardFragmentsLocked removes the trailing fragments of an interrupted
// flush, returning their ids to the store. Fragments recorded by a completed
// Flush are kept. Fragments that cannot be removed because a newer id
// follows them are returned as ignored.
func (t *Tree) discardFragmentsLocked(
	frags []*node, keep []blockstore.LogicalID,
) (ignored map[blockstore.LogicalID]bool, discarded int, _ error) {
	ignored = make(map[blockstore.LogicalID]bool)
	for _, n := range frags {
		if !slices.Contains(keep, n.id) {
			ignored[n.id] = true
		}
	}
	for {
		id := t.store.NextID() - 1
		if id == 0 || !ignored[id] {
			break
		}
		if err := t.store.RemoveLast(); err != nil {
			return nil, 0, err
		}
		delete(ignored, id)
		discarded++
	}
	return ignored, discarded, nil
}

// staleRoot reports whether n is a fragment of an open root above the leaf
// level. The top level of a tree only ever holds such fragments, since
// finalizing the root grows the tree. Recovery rebuilds the root from the
// level below instead of reopening one.
func staleRoot(n *node) bool {
	return n.root && n.level > 0
}

// heuristicPathLocked finds the rightmost node of every level below the
// root, assuming the newest node of a level is at, or a short walk left of,
// its right end. Levels 0 to height-2 must be found.
func (t *Tree) heuristicPathLocked(
	height int, ignored map[blockstore.LogicalID]bool,
) ([]*node, error) {
	need := max(height-1, 1)
	var path []*node
	found := 0
	for id := t.store.NextID() - 1; id > 0 && found < need; id-- {
		if ignored[id] {
			continue
		}
		n, err := t.probeLocked(id)
		if err != nil {
			return nil, err
		}
		if n == nil || staleRoot(n) || n.level >= need {
			continue
		}
		for len(path) <= n.level {
			path = append(path, nil)
		}
		if path[n.level] == nil {
			path[n.level] = n
			found++
		}
	}
	if found == 0 {
		return nil, nil
	}
	if found < need {
		return nil, base.CorruptionErrorf("flank: found nodes for %d of %d levels", found, need)
	}
	for level, n := range path {
		if n == nil {
			return nil, base.CorruptionErrorf("flank: no node found for level %d", level)
		}
		r, err := t.walkRightLocked(n, true, ignored)
		if err != nil {
			return nil, err
		}
		path[level] = r
	}
	return path, nil
}

// bruteForcePathLocked reads every node and takes, for every level below
// the root, the non-empty node with the greatest key as the rightmost one.
func (t *Tree) bruteForcePathLocked(ignored map[blockstore.LogicalID]bool) ([]*node, error) {
	var path []*node
	next := t.store.NextID()
	for id := blockstore.LogicalID(1); id < next; id++ {
		if ignored[id] {
			continue
		}
		n, err := t.probeLocked(id)
		if err != nil {
			return nil, err
		}
		if n == nil || n.len() == 0 || staleRoot(n) {
			continue
		}
		for len(path) <= n.level {
			path = append(path, nil)
		}
		// Ties go to the newer node: a split writes its right half under
		// a higher id.
		if cur := path[n.level]; cur == nil || n.sum.maxKey >= cur.sum.maxKey {
			path[n.level] = n
		}
	}
	for level, n := range path {
		if n == nil {
			return nil, base.CorruptionErrorf("flank: no node found for level %d", level)
		}
		r, err := t.walkRightLocked(n, false, ignored)
		if err != nil {
			return nil, err
		}
		path[level] = r
	}
	return path, nil
}

// walkRightLocked follows the next links of n as long as they lead to a
// node that links back. When strict is set, a neighbor holding smaller keys
// is reported as corruption; otherwise the walk stops before it.
func (t *Tree) walkRightLocked(
	n *node, strict bool, ignored map[blockstore.LogicalID]bool,
) (*node, error) {
	limit := int(t.store.NextID())
	for i := 0; i < limit; i++ {
		id := n.nextID()
		if id == 0 || id >= t.store.NextID() || ignored[id] {
			return n, nil
		}
		r, err := t.probeLocked(id)
		if err != nil {
			return nil, err
		}
		if r == nil || r.level != n.level || r.prev != n.id {
			return n, nil
		}
		if n.len() > 0 && r.len() > 0 && r.sum.minKey < n.sum.maxKey {
			if strict {
				return nil, base.CorruptionErrorf("flank: level %d: node %d holds keys from %d, left neighbor %d up to %d",
					n.level, r.id, r.sum.minKey, n.id, n.sum.maxKey)
			}
			return n, nil
		}
		n = r
	}
	return nil, base.CorruptionErrorf("flank: level %d: neighbor links loop", n.level)
}

// levelPlan describes how the open node of one level is rebuilt.
type levelPlan struct {
	// reopen is the persisted node that becomes the open node. If nil, a new
	// open node is created with prev as its left neighbor.
	reopen *node
	prev   blockstore.LogicalID
	// anchor lists, left to right, the nodes of the level that are missing
	// from their parent.
	anchor []*node
	// relink lists nodes of the level whose next link lost the race with
	// the crash.
	relink []repair
}

// planFlankLocked derives the flank from the rightmost node of every level.
// It reads nodes but writes nothing, so a failed plan can be retried from
// another path.
func (t *Tree) planFlankLocked(path []*node) ([]levelPlan, error) {
	if len(path) == 0 {
		return []levelPlan{{}}, nil
	}
	top := len(path) - 1
	plans := make([]levelPlan, len(path), len(path)+1)
	if r := path[top]; r.prev == 0 && (r.fragment() || r.len() < t.capacity(top)) {
		plans[top].reopen = r
	} else {
		// The top level holds several nodes; a new root anchors them.
		plans = append(plans, levelPlan{})
		top++
	}
	for level := top - 1; level >= 0; level-- {
		var parent *node
		if level+1 < len(path) {
			parent = path[level+1]
		}
		lastRef, err := t.lastRefLocked(&plans[level+1], parent)
		if err != nil {
			return nil, err
		}
		r := path[level]
		left, chain, err := t.chainLocked(r, lastRef)
		if err != nil {
			return nil, err
		}
		p := &plans[level]
		if left != nil {
			chain = append([]*node{left}, chain...)
		}
		for i := 0; i+1 < len(chain); i++ {
			if next := int64(chain[i+1].id); chain[i].next != next {
				p.relink = append(p.relink, repair{id: chain[i].id, next: next})
			}
		}
		if left != nil {
			chain = chain[1:]
		}
		switch {
		case r.id == lastRef:
			p.prev = r.id
		case !r.fragment() && r.len() >= t.capacity(level):
			p.prev = r.id
			p.anchor = chain
		default:
			p.reopen = r
			p.anchor = chain[:len(chain)-1]
		}
	}
	return plans, nil
}

// lastRefLocked returns the child referenced by the last index entry left
// of the open node planned by parent, or 0 if the level below is entirely
// unreferenced. r is the rightmost persisted node of the parent's level.
func (t *Tree) lastRefLocked(parent *levelPlan, r *node) (blockstore.LogicalID, error) {
	n := parent.reopen
	if n != nil && n.len() > 0 {
		return n.entries[len(n.entries)-1].child, nil
	}
	var prev blockstore.LogicalID
	switch {
	case n != nil:
		prev = n.prev
	case r != nil && parent.prev == r.id:
		if r.len() > 0 {
			return r.entries[len(r.entries)-1].child, nil
		}
		prev = r.prev
	default:
		prev = parent.prev
	}
	// Empty nodes only arise as fragments of an open node; the left
	// neighbor of one is full.
	for prev != 0 {
		p, err := t.loadLocked(-1, prev)
		if err != nil {
			return 0, err
		}
		if p.len() > 0 {
			return p.entries[len(p.entries)-1].child, nil
		}
		prev = p.prev
	}
	return 0, nil
}

// chainLocked returns the nodes following lastRef up to and including r,
// left to right, by following prev links from r, together with the node
// lastRef itself. With lastRef 0 the chain starts at the leftmost node of
// the level and left is nil.
func (t *Tree) chainLocked(
	r *node, lastRef blockstore.LogicalID,
) (left *node, chain []*node, _ error) {
	if r.id == lastRef {
		return nil, nil, nil
	}
	chain = []*node{r}
	limit := int(t.store.NextID())
	for n := r; ; {
		if n.prev == 0 {
			if lastRef != 0 {
				return nil, nil, base.CorruptionErrorf("flank: level %d: node %d does not lead back to %d",
					r.level, r.id, lastRef)
			}
			break
		}
		if len(chain) > limit {
			return nil, nil, base.CorruptionErrorf("flank: level %d: prev links loop", r.level)
		}
		p, err := t.loadLocked(r.level, n.prev)
		if err != nil {
			return nil, nil, err
		}
		if p.len() > 0 && n.len() > 0 && p.sum.maxKey > n.sum.minKey {
			return nil, nil, base.CorruptionErrorf(
				"flank: level %d: node %d holds keys up to %d, right neighbor %d from %d",
				r.level, p.id, p.sum.maxKey, n.id, n.sum.minKey)
		}
		if p.id == lastRef {
			left = p
			break
		}
		chain = append(chain, p)
		n = p
	}
	slices.Reverse(chain)
	return left, chain, nil
}

// executePlanLocked builds the flank from plans, top-down, and returns the
// number of anchored nodes.
func (t *Tree) executePlanLocked(plans []levelPlan) (int, error) {
	t.mu.flank = make([]*flankLevel, len(plans))
	anchored := 0
	for level := len(plans) - 1; level >= 0; level-- {
		p := &plans[level]
		if n := p.reopen; n != nil {
			n.next, n.root = 0, false
			t.mu.flank[level] = &flankLevel{node: n, persisted: true}
		} else {
			n := t.codec.newNode(level)
			n.prev = p.prev
			t.mu.flank[level] = &flankLevel{node: n}
		}
		for _, r := range p.relink {
			t.repairNextLocked(level, r.id, 0, blockstore.LogicalID(r.next))
		}
		for _, n := range p.anchor {
			if n.len() == 0 {
				continue
			}
			if err := t.insertEntryLocked(level+1, n.entry()); err != nil {
				return 0, err
			}
			anchored++
		}
	}
	return anchored, nil
}

// refreshStatsLocked recomputes the statistics of the tree from the flank.
// Every event lies beneath exactly one open node.
func (t *Tree) refreshStatsLocked() error {
	var st treeStats
	for _, fl := range t.mu.flank {
		n := fl.node
		if n.len() == 0 {
			continue
		}
		if st.count == 0 || n.sum.maxKey > st.lastKey {
			st.lastKey = n.sum.maxKey
		}
		st.count += n.sum.count
	}
	if st.count > 0 {
		iter := t.snapshotLocked().NewIter(math.MinInt64, math.MaxInt64)
		if !iter.First() {
			if err := iter.Close(); err != nil {
				return err
			}
			return base.CorruptionErrorf("flank: tree of %d events has no first event", st.count)
		}
		st.first, st.firstKey = iter.Event(), iter.Key()
		if err := iter.Close(); err != nil {
			return err
		}
	}
	t.mu.stats = st
	return nil
}
