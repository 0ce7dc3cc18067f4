// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"github.com/cockroachdb/errors"
	"github.com/tsindex/flank/blockstore"
	"github.com/tsindex/flank/schema"
)

// Iterator iterates over the events of a snapshot whose keys lie in a closed
// interval, in key order. Events with equal keys are returned in insertion
// order.
//
//	iter := snap.NewIter(lo, hi)
//	for valid := iter.First(); valid; valid = iter.Next() {
//		e := iter.Event()
//	}
//	if err := iter.Close(); err != nil { ... }
type Iterator struct {
	s      *Snapshot
	lo, hi int64
	leaf   *node
	pos    int
	err    error
}

// NewIter returns an unpositioned iterator over the events with keys in
// [lo, hi].
func (s *Snapshot) NewIter(lo, hi int64) *Iterator {
	return &Iterator{s: s, lo: lo, hi: hi}
}

// First positions the iterator at the first event with a key of at least lo.
// Returns whether the iterator is valid.
func (i *Iterator) First() bool {
	i.leaf, i.pos = nil, 0
	if i.err != nil || i.lo > i.hi {
		return false
	}
	n := i.s.root()
	for !n.leaf() {
		j := 0
		for j < len(n.entries) && n.entries[j].maxKey < i.lo {
			j++
		}
		if j == len(n.entries) {
			return false
		}
		var err error
		if n, err = i.s.node(n.level-1, n.entries[j].child); err != nil {
			i.err = err
			return false
		}
	}
	i.leaf = n
	for i.pos < len(n.events) && i.s.codec.key(n.events[i.pos]) < i.lo {
		i.pos++
	}
	return i.settle()
}

// Next moves the iterator to the next event. Returns whether the iterator is
// valid.
func (i *Iterator) Next() bool {
	if i.leaf == nil {
		return false
	}
	i.pos++
	return i.settle()
}

// settle moves past exhausted leaves and checks the upper bound.
func (i *Iterator) settle() bool {
	for i.pos >= len(i.leaf.events) {
		next := i.leaf.nextID()
		if next == 0 {
			i.leaf = nil
			return false
		}
		n, err := i.s.node(0, next)
		if err != nil {
			i.err, i.leaf = err, nil
			return false
		}
		i.leaf, i.pos = n, 0
	}
	if i.s.codec.key(i.leaf.events[i.pos]) > i.hi {
		i.leaf = nil
		return false
	}
	return true
}

// Valid returns true if the iterator is positioned at an event.
func (i *Iterator) Valid() bool { return i.leaf != nil }

// Event returns the current event. Only valid if Valid returns true.
func (i *Iterator) Event() schema.Event { return i.leaf.events[i.pos] }

// Key returns the key of the current event.
func (i *Iterator) Key() int64 { return i.s.codec.key(i.Event()) }

// Error returns any accumulated error.
func (i *Iterator) Error() error { return i.err }

// Close closes the iterator and returns any accumulated error.
func (i *Iterator) Close() error {
	i.leaf = nil
	return i.err
}

// Get returns the first event with the given key, or ErrNotFound.
func (s *Snapshot) Get(key int64) (schema.Event, error) {
	iter := s.NewIter(key, key)
	if iter.First() {
		e := iter.Event()
		return e, iter.Close()
	}
	if err := iter.Close(); err != nil {
		return schema.Event{}, err
	}
	return schema.Event{}, ErrNotFound
}

// aggSlot returns the aggregation slot of the named attribute.
func (s *Snapshot) aggSlot(attr string) (int, error) {
	idx, ok := s.codec.schema.Index(attr)
	if !ok {
		return 0, errors.Newf("flank: unknown attribute %q", attr)
	}
	for slot, a := range s.codec.aggIdx {
		if a == idx {
			return slot, nil
		}
	}
	return 0, errors.Newf("flank: attribute %q is not aggregated", attr)
}

// Aggregate returns the aggregation of the named attribute over the events
// with keys in [lo, hi]. Subtrees entirely inside the interval contribute
// their stored aggregation without being read.
func (s *Snapshot) Aggregate(attr string, lo, hi int64) (Aggregation, error) {
	slot, err := s.aggSlot(attr)
	if err != nil {
		return Aggregation{}, err
	}
	acc := MakeAggregation()
	if lo > hi {
		return acc, nil
	}
	attrIdx := s.codec.aggIdx[slot]
	err = s.walkRange(s.root(), lo, hi,
		func(e *indexEntry) { acc.Combine(e.aggs[slot]) },
		func(e schema.Event) { acc.Add(e.Values[attrIdx].Float()) })
	return acc, err
}

// CountRange returns the number of events with keys in [lo, hi].
func (s *Snapshot) CountRange(lo, hi int64) (uint64, error) {
	var n uint64
	if lo > hi {
		return 0, nil
	}
	err := s.walkRange(s.root(), lo, hi,
		func(e *indexEntry) { n += e.count },
		func(schema.Event) { n++ })
	return n, err
}

// walkRange visits the subtree of n restricted to [lo, hi]: contained
// entries are passed to inner, events of partially covered leaves to leaf.
func (s *Snapshot) walkRange(
	n *node, lo, hi int64, inner func(*indexEntry), leaf func(schema.Event),
) error {
	if n.leaf() {
		for _, e := range n.events {
			if k := s.codec.key(e); k >= lo && k <= hi {
				leaf(e)
			}
		}
		return nil
	}
	for j := range n.entries {
		e := &n.entries[j]
		switch {
		case e.count == 0 || e.maxKey < lo || e.minKey > hi:
		case e.minKey >= lo && e.maxKey <= hi:
			inner(e)
		default:
			child, err := s.node(n.level-1, e.child)
			if err != nil {
				return err
			}
			if err := s.walkRange(child, lo, hi, inner, leaf); err != nil {
				return err
			}
		}
	}
	return nil
}

// NodeInfo describes one node visited by WalkLevel.
type NodeInfo struct {
	ID     blockstore.LogicalID
	Level  int
	MinKey int64
	MaxKey int64
	Count  uint64
	// Aggregations holds one aggregation per aggregated attribute, in
	// schema order.
	Aggregations []Aggregation
}

// WalkLevel calls fn for every non-empty node of the given level, left to
// right. Level 0 holds the leaves. Walking a level close to the root is a
// cheap way to build a coarse histogram of the tree.
func (s *Snapshot) WalkLevel(level int, fn func(NodeInfo) error) error {
	if level < 0 || level >= len(s.flank) {
		return errors.Newf("flank: level %d out of range [0, %d)", level, len(s.flank))
	}
	if s.count == 0 {
		return nil
	}
	n, err := s.leftmost(level)
	if err != nil {
		return err
	}
	for {
		if n.len() > 0 {
			info := NodeInfo{
				ID:           n.id,
				Level:        n.level,
				MinKey:       n.sum.minKey,
				MaxKey:       n.sum.maxKey,
				Count:        n.sum.count,
				Aggregations: append([]Aggregation(nil), n.sum.aggs...),
			}
			if err := fn(info); err != nil {
				return err
			}
		}
		next := n.nextID()
		if next == 0 {
			return nil
		}
		if n, err = s.node(level, next); err != nil {
			return err
		}
	}
}
