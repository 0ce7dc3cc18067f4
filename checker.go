// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"github.com/cockroachdb/redact"
	"github.com/tsindex/flank/blockstore"
	"github.com/tsindex/flank/internal/base"
)

// CheckStats summarizes a successful Check.
type CheckStats struct {
	Height int
	// Nodes is the number of non-empty nodes per level, leaves first.
	Nodes  []int
	Events uint64
}

// String implements fmt.Stringer.
func (c CheckStats) String() string {
	return redact.StringWithoutMarkers(c)
}

// SafeFormat implements redact.SafeFormatter.
func (c CheckStats) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("height %d, %d events, nodes per level %v", c.Height, c.Events, c.Nodes)
}

// checker verifies the invariants of a snapshot:
//   - every index entry summarizes exactly the subtree beneath it,
//   - keys are non-decreasing within nodes and from entry to entry,
//   - the neighbor links of every level visit the same nodes, in the same
//     order, as a depth-first walk of the tree, possibly followed by the
//     empty open node of the level, and prev links mirror them,
//   - the number of events matches the tree's count.
type checker struct {
	s *Snapshot
	// levels[l] lists the ids of level l in depth-first order.
	levels [][]blockstore.LogicalID
}

// Check verifies the structural invariants of the snapshot. Violations are
// reported as corruption errors.
func (s *Snapshot) Check() (CheckStats, error) {
	c := &checker{s: s, levels: make([][]blockstore.LogicalID, len(s.flank))}
	root := s.root()
	sum, err := c.visit(root)
	if err != nil {
		return CheckStats{}, err
	}
	if sum.count != s.count {
		return CheckStats{}, base.CorruptionErrorf("flank: tree holds %d events, expected %d", sum.count, s.count)
	}
	stats := CheckStats{Height: len(s.flank), Events: sum.count, Nodes: make([]int, len(s.flank))}
	for level := range c.levels {
		if err := c.checkLinks(level); err != nil {
			return CheckStats{}, err
		}
		for _, id := range c.levels[level] {
			if n, _ := s.node(level, id); n != nil && n.len() > 0 {
				stats.Nodes[level]++
			}
		}
	}
	return stats, nil
}

// visit verifies the subtree of n and returns its recomputed summary.
func (c *checker) visit(n *node) (summary, error) {
	c.levels[n.level] = append(c.levels[n.level], n.id)
	if n.leaf() {
		for i := 1; i < len(n.events); i++ {
			if c.s.codec.key(n.events[i-1]) > c.s.codec.key(n.events[i]) {
				return summary{}, base.CorruptionErrorf("flank: leaf %d: events %d and %d out of order", n.id, i-1, i)
			}
		}
		return c.s.codec.summarize(n), nil
	}
	sum := makeSummary(len(c.s.codec.aggIdx))
	for i := range n.entries {
		e := &n.entries[i]
		if i > 0 && e.count > 0 && n.entries[i-1].count > 0 && e.minKey < n.entries[i-1].maxKey {
			return summary{}, base.CorruptionErrorf("flank: node %d: entries %d and %d overlap", n.id, i-1, i)
		}
		child, err := c.s.node(n.level-1, e.child)
		if err != nil {
			return summary{}, err
		}
		cs, err := c.visit(child)
		if err != nil {
			return summary{}, err
		}
		if !cs.equal(&e.summary) {
			return summary{}, base.CorruptionErrorf(
				"flank: node %d: entry %d (child %d) summarizes %d events in [%d,%d], subtree holds %d in [%d,%d]",
				n.id, i, e.child, e.count, e.minKey, e.maxKey, cs.count, cs.minKey, cs.maxKey)
		}
		sum.combine(&cs)
	}
	return sum, nil
}

// checkLinks follows the neighbor links of level from its leftmost node and
// compares them with the depth-first order.
func (c *checker) checkLinks(level int) error {
	ids := c.levels[level]
	if len(ids) == 0 {
		return nil
	}
	var prev blockstore.LogicalID
	id := ids[0]
	for i := 0; ; i++ {
		if i >= len(ids) {
			// The open node of a level is not referenced from above while
			// it is empty, but its left neighbor already links to it.
			if open := c.s.flank[level]; open.len() == 0 && open.id == id {
				if open.prev != prev {
					return base.CorruptionErrorf("flank: level %d: open node %d links back to %d, expected %d",
						level, id, open.prev, prev)
				}
				if open.next != 0 {
					return base.CorruptionErrorf("flank: level %d: open node %d links on to %d", level, id, open.next)
				}
				return nil
			}
			return base.CorruptionErrorf("flank: level %d: links continue past node %d to %d", level, ids[len(ids)-1], id)
		}
		if id != ids[i] {
			return base.CorruptionErrorf("flank: level %d: link %d leads to node %d, expected %d", level, i, id, ids[i])
		}
		n, err := c.s.node(level, id)
		if err != nil {
			return err
		}
		if n.prev != prev {
			return base.CorruptionErrorf("flank: level %d: node %d links back to %d, expected %d", level, id, n.prev, prev)
		}
		if n.next < 0 {
			return base.CorruptionErrorf("flank: level %d: node %d is a stale fragment", level, id)
		}
		if n.next == 0 {
			if i != len(ids)-1 {
				return base.CorruptionErrorf("flank: level %d: links end at node %d, %d nodes early", level, id, len(ids)-1-i)
			}
			return nil
		}
		prev, id = id, blockstore.LogicalID(n.next)
	}
}
