// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"github.com/cockroachdb/errors"
	"github.com/tsindex/flank/blockstore"
	"github.com/tsindex/flank/internal/base"
	"github.com/tsindex/flank/schema"
)

// Snapshot is a read-only view of a tree. It holds a deep copy of the right
// flank and of the write-behind buffer, stitched beneath the persisted part
// of the tree: the copy of every open inner node is extended with an index
// entry for the copy of the open node below it, so the top copy is the root
// of a complete tree. Persisted nodes are read from the block store on
// demand.
//
// A snapshot is not affected by later appends. Out-of-order events drained
// after the snapshot was taken may be visible to it when they are inserted
// into persisted nodes.
type Snapshot struct {
	store *blockstore.Store
	codec nodeCodec
	// flank[level] is the copy of the open node of level.
	flank   []*node
	pending map[blockstore.LogicalID]*node
	repairs map[blockstore.LogicalID]int64
	count   uint64
	first   schema.Event
}

// NewSnapshot returns a snapshot of the tree. Queued out-of-order events are
// drained into the tree and flushed first, so the snapshot contains every
// event inserted so far.
func (t *Tree) NewSnapshot() (*Snapshot, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mu.queue.len() > 0 {
		if t.mu.err != nil {
			return nil, t.mu.err
		}
		if _, err := t.flushLocked(false); err != nil {
			return nil, err
		}
	}
	return t.snapshotLocked(), nil
}

// snapshotLocked deep-copies the flank and the write-behind buffer.
func (t *Tree) snapshotLocked() *Snapshot {
	s := &Snapshot{
		store:   t.store,
		codec:   t.codec,
		flank:   make([]*node, len(t.mu.flank)),
		pending: make(map[blockstore.LogicalID]*node, len(t.mu.pending)),
		repairs: make(map[blockstore.LogicalID]int64, len(t.mu.repairs)),
		count:   t.mu.stats.count,
		first:   t.mu.stats.first,
	}
	for level, fl := range t.mu.flank {
		s.flank[level] = fl.node.clone()
	}
	for level := 0; level < len(s.flank)-1; level++ {
		if n := s.flank[level]; n.len() > 0 {
			s.codec.appendEntry(s.flank[level+1], n.entry())
		}
	}
	for _, p := range t.mu.pending {
		s.pending[p.n.id] = p.n.clone()
	}
	for _, r := range t.mu.repairs {
		s.repairs[r.id] = r.next
	}
	return s
}

// Height returns the number of levels of the tree.
func (s *Snapshot) Height() int { return len(s.flank) }

// Count returns the number of events in the snapshot.
func (s *Snapshot) Count() uint64 { return s.count }

// First returns the event with the smallest key, or ErrNotFound if the
// snapshot is empty.
func (s *Snapshot) First() (schema.Event, error) {
	if s.count == 0 {
		return schema.Event{}, ErrNotFound
	}
	return s.first, nil
}

func (s *Snapshot) root() *node {
	return s.flank[len(s.flank)-1]
}

// node returns the node id of level.
func (s *Snapshot) node(level int, id blockstore.LogicalID) (*node, error) {
	if level < 0 || level >= len(s.flank) {
		return nil, errors.AssertionFailedf("flank: level %d out of range", level)
	}
	if n := s.flank[level]; n.id == id {
		return n, nil
	}
	if n, ok := s.pending[id]; ok {
		return n, nil
	}
	buf, err := s.store.Get(id)
	if err != nil {
		return nil, errors.Wrapf(err, "flank: loading node %d", id)
	}
	n, err := s.codec.decode(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "flank: decoding node %d", id)
	}
	if n.id != id || n.level != level {
		return nil, base.CorruptionErrorf("flank: node %d: found node %d at level %d, expected level %d",
			id, n.id, n.level, level)
	}
	if next, ok := s.repairs[id]; ok {
		n.next = next
	}
	return n, nil
}

// leftmost returns the first node of level.
func (s *Snapshot) leftmost(level int) (*node, error) {
	n := s.root()
	for n.level > level {
		if n.len() == 0 {
			return nil, ErrNotFound
		}
		var err error
		if n, err = s.node(n.level-1, n.entries[0].child); err != nil {
			return nil, err
		}
	}
	return n, nil
}
