// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package flank provides a persistent, aggregating B+-tree index of events
// ordered by a key, typically a timestamp. Nodes are stored in a compressed
// block store; the rightmost path of the tree is kept in memory and
// finalized as it fills, so in-order appends never rewrite written nodes.
// Out-of-order events are queued and inserted in batches.
package flank // import "github.com/tsindex/flank"

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tsindex/flank/blockstore"
	"github.com/tsindex/flank/internal/base"
	"github.com/tsindex/flank/schema"
)

var (
	// ErrNotFound is returned when a lookup does not find the requested key.
	ErrNotFound = base.ErrNotFound
	// ErrClosed is returned when an operation is performed on a closed tree.
	ErrClosed = errors.New("flank: closed")
	// ErrReadOnly is returned when a write operation is performed on a
	// read-only tree, or when a read-only open finds a tree that needs
	// recovery.
	ErrReadOnly = errors.New("flank: read-only")
)

// Tree is a persistent event index. It is safe to call its methods from
// concurrent goroutines; mutations are serialized.
type Tree struct {
	dirname  string
	opts     *Options
	store    *blockstore.Store
	codec    nodeCodec
	params   treeParams
	leafCap  int
	indexCap int
	recovery RecoveryInfo
	closed   atomic.Bool

	mu struct {
		sync.Mutex
		// flank[level] is the open node of level; the last one is the root.
		flank []*flankLevel
		// pending is the write-behind buffer, in reservation order.
		pending []pendingNode
		repairs []repair
		queue   oooQueue
		log     *sideLog
		stats   treeStats
		metrics treeMetrics
		// heightChanged is set when the tree grew since the working meta
		// file was written.
		heightChanged bool
		work          *workMeta
		// err is the first error of a mutation. The in-memory state may be
		// inconsistent after it, so every later mutation fails with it.
		err error
	}
}

func (t *Tree) checkOpen() error {
	if t.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (t *Tree) path(ft fileType) string {
	return makeFilepath(t.opts.FS, t.dirname, t.opts.Name, ft)
}

func (t *Tree) workPath() string { return t.path(fileTypeMetaWork) }

// Insert adds an event to the tree. Events whose key is at least the largest
// key inserted so far are appended to the right flank; others are queued and
// inserted when the queue fills, or before the next snapshot or flush.
func (t *Tree) Insert(e schema.Event) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.opts.ReadOnly {
		return ErrReadOnly
	}
	if len(e.Values) != len(t.codec.schema.Attributes) {
		return errors.Newf("flank: event has %d values, schema has %d attributes",
			len(e.Values), len(t.codec.schema.Attributes))
	}
	key := t.codec.key(e)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mu.err != nil {
		return t.mu.err
	}
	var err error
	if t.mu.stats.count == 0 || key >= t.mu.stats.lastKey {
		err = t.appendLocked(e, key)
	} else {
		err = t.queueLocked(e, key)
	}
	if err != nil {
		t.mu.err = err
		t.opts.EventListener.BackgroundError(err)
	}
	return err
}

// Flush makes every inserted event durable: queued events are drained, the
// write-behind buffer is written, the open nodes of the right flank are
// written as fragments and the block store is synced.
func (t *Tree) Flush() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.opts.ReadOnly {
		return ErrReadOnly
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mu.err != nil {
		return t.mu.err
	}
	_, err := t.flushLocked(false)
	return err
}

// flushLocked flushes the tree and returns the ids of the flank fragments,
// leaf level first.
func (t *Tree) flushLocked(closing bool) ([]blockstore.LogicalID, error) {
	start := time.Now()
	n, err := t.flushFlankLocked()
	if err == nil {
		err = t.store.Sync()
	}
	if err == nil && t.mu.log != nil {
		err = t.mu.log.reset()
	}
	info := FlushInfo{Fragments: n, Close: closing, Duration: time.Since(start), Err: err}
	t.mu.metrics.Flushes++
	if t.opts.FlushLatency != nil {
		t.opts.FlushLatency.Observe(info.Duration.Seconds())
	}
	t.opts.EventListener.FlushEnd(info)
	if err != nil {
		t.mu.err = err
		return nil, err
	}
	ids := make([]blockstore.LogicalID, len(t.mu.flank))
	for level, fl := range t.mu.flank {
		ids[level] = fl.node.id
	}
	if !closing && t.mu.work != nil {
		t.mu.work.Height = len(t.mu.flank)
		t.mu.work.Flank, t.mu.work.NextID = ids, t.store.NextID()
		if err := writeMeta(t.opts.FS, t.workPath(), t.mu.work); err != nil {
			t.mu.err = err
			return nil, err
		}
	}
	return ids, nil
}

// Close flushes the tree, closes the block store and records the state of
// both in the stable meta file, so the next open needs no recovery. A tree
// that failed a mutation is closed without the stable meta file and is
// recovered when it is opened again.
func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.opts.ReadOnly {
		_, err := t.store.Close()
		return err
	}
	err := t.mu.err
	var ids []blockstore.LogicalID
	if err == nil {
		ids, err = t.flushLocked(true)
	}
	state, closeErr := t.store.Close()
	if err != nil || closeErr != nil {
		// The store may have been marked clean; without the stable meta
		// file the working meta file still forces a recovery.
		return errors.CombineErrors(err, errors.CombineErrors(closeErr, t.mu.log.close()))
	}
	meta := &stableMeta{treeParams: t.params, Store: state, Flank: ids}
	err = writeMeta(t.opts.FS, t.path(fileTypeMeta), meta)
	if err == nil {
		err = t.opts.FS.Remove(t.workPath())
	}
	return errors.CombineErrors(err, t.mu.log.close())
}

// NewIter returns an unpositioned iterator over the events with keys in
// [lo, hi], reading from a snapshot taken now.
func (t *Tree) NewIter(lo, hi int64) (*Iterator, error) {
	s, err := t.NewSnapshot()
	if err != nil {
		return nil, err
	}
	return s.NewIter(lo, hi), nil
}

// Get returns the first event with the given key, or ErrNotFound.
func (t *Tree) Get(key int64) (schema.Event, error) {
	s, err := t.NewSnapshot()
	if err != nil {
		return schema.Event{}, err
	}
	return s.Get(key)
}

// Aggregate returns the aggregation of the named attribute over the events
// with keys in [lo, hi].
func (t *Tree) Aggregate(attr string, lo, hi int64) (Aggregation, error) {
	s, err := t.NewSnapshot()
	if err != nil {
		return Aggregation{}, err
	}
	return s.Aggregate(attr, lo, hi)
}

// CountRange returns the number of events with keys in [lo, hi].
func (t *Tree) CountRange(lo, hi int64) (uint64, error) {
	s, err := t.NewSnapshot()
	if err != nil {
		return 0, err
	}
	return s.CountRange(lo, hi)
}

// WalkLevel calls fn for every non-empty node of level, left to right.
func (t *Tree) WalkLevel(level int, fn func(NodeInfo) error) error {
	s, err := t.NewSnapshot()
	if err != nil {
		return err
	}
	return s.WalkLevel(level, fn)
}

// Check verifies the structural invariants of the tree.
func (t *Tree) Check() (CheckStats, error) {
	s, err := t.NewSnapshot()
	if err != nil {
		return CheckStats{}, err
	}
	return s.Check()
}

// Count returns the number of events in the tree, including queued
// out-of-order events.
func (t *Tree) Count() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.stats.count + uint64(t.mu.queue.len())
}

// Height returns the number of levels of the tree.
func (t *Tree) Height() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.mu.flank)
}

// Units enumerates the units of the block store container, in file order.
func (t *Tree) Units() ([]blockstore.UnitInfo, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return t.store.Units()
}

// Preamble returns the parameters the block store container was created
// with.
func (t *Tree) Preamble() blockstore.Preamble { return t.store.Preamble() }

// Schema returns the schema of the events of the tree.
func (t *Tree) Schema() *schema.Schema { return t.codec.schema }
