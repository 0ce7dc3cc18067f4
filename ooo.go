// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"io"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/tsindex/flank/blockstore"
	"github.com/tsindex/flank/internal/base"
	"github.com/tsindex/flank/record"
	"github.com/tsindex/flank/schema"
	"github.com/tsindex/flank/vfs"
)

// queuedEvent is an out-of-order event waiting to be inserted into the tree.
type queuedEvent struct {
	key int64
	e   schema.Event
}

// oooQueue holds out-of-order events in key order. Events with equal keys
// keep their arrival order.
type oooQueue struct {
	events []queuedEvent
}

func (q *oooQueue) len() int { return len(q.events) }

func (q *oooQueue) push(key int64, e schema.Event) {
	i, _ := slices.BinarySearchFunc(q.events, key, func(qe queuedEvent, k int64) int {
		if qe.key <= k {
			return -1
		}
		return 1
	})
	q.events = slices.Insert(q.events, i, queuedEvent{key: key, e: e})
}

func (q *oooQueue) reset() {
	clear(q.events)
	q.events = q.events[:0]
}

// sideLog mirrors the out-of-order queue to disk until the events it holds
// are durable in the tree. It is rewritten from scratch, never truncated in
// place: a new log is written under a temporary name and renamed over the
// old one.
type sideLog struct {
	fs   vfs.FS
	path string
	f    vfs.File
	w    *record.Writer
	n    int
}

// readSideLog returns the records of the side log at path. A missing log is
// empty. A torn tail ends the log.
func readSideLog(fs vfs.FS, path string) ([][]byte, error) {
	f, err := fs.Open(path)
	if oserror.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()
	var recs [][]byte
	r := record.NewReader(f)
	for {
		rr, err := r.Next()
		if err == io.EOF || record.IsInvalidRecord(err) {
			return recs, nil
		} else if err != nil {
			return nil, err
		}
		buf, err := io.ReadAll(rr)
		if err == io.ErrUnexpectedEOF || record.IsInvalidRecord(err) {
			return recs, nil
		} else if err != nil {
			return nil, err
		}
		recs = append(recs, buf)
	}
}

// createSideLog writes a new side log holding recs and leaves it open for
// appending.
func createSideLog(fs vfs.FS, path string, recs [][]byte) (*sideLog, error) {
	l := &sideLog{fs: fs, path: path}
	if err := l.rewrite(recs); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *sideLog) rewrite(recs [][]byte) error {
	tmp := l.path + ".tmp"
	f, err := l.fs.Create(tmp)
	if err != nil {
		return err
	}
	w := record.NewWriter(f)
	for _, r := range recs {
		if _, err = w.WriteRecord(r); err != nil {
			break
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if err == nil {
		err = l.fs.Rename(tmp, l.path)
	}
	if err == nil {
		var dir vfs.File
		if dir, err = l.fs.OpenDir(l.fs.PathDir(l.path)); err == nil {
			err = errors.CombineErrors(dir.Sync(), dir.Close())
		}
	}
	if err != nil {
		return errors.CombineErrors(err, f.Close())
	}
	if l.f != nil {
		_ = l.f.Close()
	}
	l.f, l.w, l.n = f, w, len(recs)
	return nil
}

func (l *sideLog) add(rec []byte) error {
	if _, err := l.w.WriteRecord(rec); err != nil {
		return err
	}
	l.n++
	return nil
}

func (l *sideLog) sync() error {
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Sync()
}

// reset empties the log once its events are durable in the tree.
func (l *sideLog) reset() error {
	if l.n == 0 {
		return nil
	}
	return l.rewrite(nil)
}

func (l *sideLog) close() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f, l.w = nil, nil
	return err
}

// queueLocked adds an out-of-order event to the queue and the side log,
// flushing the tree when the queue reaches its capacity.
func (t *Tree) queueLocked(e schema.Event, key int64) error {
	if t.mu.log != nil {
		buf, err := t.codec.schema.AppendEvent(nil, e)
		if err != nil {
			return err
		}
		if err := t.mu.log.add(buf); err != nil {
			return err
		}
		if err := t.mu.log.sync(); err != nil {
			return err
		}
	}
	t.mu.queue.push(key, e)
	t.mu.metrics.OutOfOrder++
	if t.mu.queue.len() >= t.opts.OutOfOrderCapacity {
		// A drain rewrites persisted nodes in place. It is made durable
		// right away, so the side log never holds events that may already
		// be in the tree.
		_, err := t.flushLocked(false)
		return err
	}
	return nil
}

// replaySideLogLocked queues the events of recs without logging them again.
func (t *Tree) replaySideLogLocked(recs [][]byte) error {
	for _, r := range recs {
		e, rest, err := t.codec.schema.DecodeEvent(r)
		if err != nil || len(rest) != 0 {
			return base.CorruptionErrorf("flank: malformed side log record (%d bytes)", len(r))
		}
		t.mu.queue.push(t.codec.key(e), e)
	}
	return nil
}

// drainLocked inserts every queued event into the tree, in key order.
func (t *Tree) drainLocked() error {
	if t.mu.queue.len() == 0 {
		return nil
	}
	start := time.Now()
	splits, repairs := t.mu.metrics.Splits, t.mu.metrics.Repairs
	info := DrainInfo{Events: t.mu.queue.len()}
	var err error
	if err = t.settleLocked(true); err == nil {
		for _, qe := range t.mu.queue.events {
			if err = t.insertOutOfOrderLocked(qe.e, qe.key); err != nil {
				break
			}
			if err = t.settleLocked(true); err != nil {
				break
			}
		}
	}
	if err != nil {
		info.Err = err
		t.opts.EventListener.OutOfOrderDrain(info)
		return err
	}
	t.mu.queue.reset()
	t.mu.metrics.Drains++
	info.Splits = int(t.mu.metrics.Splits - splits)
	info.Repairs = int(t.mu.metrics.Repairs - repairs)
	info.Duration = time.Since(start)
	if t.opts.DrainLatency != nil {
		t.opts.DrainLatency.Observe(info.Duration.Seconds())
	}
	t.opts.EventListener.OutOfOrderDrain(info)
	return nil
}

// insertOutOfOrderLocked inserts an event whose key is below the last
// appended key. The right flank is scanned bottom-up for the lowest level
// whose open node covers the key; the event is inserted into the subtree
// of that node, splitting persisted nodes as needed.
func (t *Tree) insertOutOfOrderLocked(e schema.Event, key int64) error {
	flank := t.mu.flank
	level := len(flank) - 1
	for l := range flank {
		if n := flank[l].node; n.len() > 0 && key >= t.codec.firstKey(n) {
			level = l
			break
		}
	}
	t.mu.stats.add(key, e)
	fl := flank[level]
	n := fl.node
	if n.leaf() {
		t.codec.insertEvent(n, e)
		if n.len() >= t.leafCap {
			return t.finalizeLocked(0)
		}
		return nil
	}
	if n.len() == 0 {
		return errors.AssertionFailedf("flank: empty open node at level %d", level)
	}
	i := t.codec.childFor(n, key)
	split, err := t.insertIntoLocked(n.entries[i].child, level-1, e, key)
	if err != nil {
		return err
	}
	t.applyChildInsert(n, i, split, e, key)
	if n.len() >= t.indexCap {
		return t.finalizeLocked(level)
	}
	return nil
}

// childSplit describes a child that split while an event was inserted
// beneath it: left is the new entry of the original child, right the entry
// of the node split off it.
type childSplit struct {
	left, right indexEntry
}

// applyChildInsert updates the inner node n after an event was inserted into
// the subtree of its i-th entry.
func (t *Tree) applyChildInsert(n *node, i int, split *childSplit, e schema.Event, key int64) {
	if split == nil {
		n.entries[i].addEvent(key, e, t.codec.aggIdx)
		n.sum.addEvent(key, e, t.codec.aggIdx)
		return
	}
	n.entries[i] = split.left
	n.entries = slices.Insert(n.entries, i+1, split.right)
	n.sum = t.codec.summarize(n)
}

// insertIntoLocked inserts an event into the persisted subtree rooted at id.
// Every node on the path to the leaf is rewritten, bottom-up; a node that
// overflows is split and the split is recorded in its parent. A split of the
// subtree root is returned for the caller to record.
func (t *Tree) insertIntoLocked(
	id blockstore.LogicalID, level int, e schema.Event, key int64,
) (*childSplit, error) {
	type step struct {
		n *node
		// i is the entry of n the path descends through.
		i int
	}
	var path []step
	for {
		n, err := t.loadLocked(level, id)
		if err != nil {
			return nil, err
		}
		if n.leaf() {
			t.codec.insertEvent(n, e)
			path = append(path, step{n: n})
			break
		}
		i := t.codec.childFor(n, key)
		path = append(path, step{n: n, i: i})
		id, level = n.entries[i].child, level-1
	}

	var split *childSplit
	for j := len(path) - 1; j >= 0; j-- {
		n := path[j].n
		if !n.leaf() {
			t.applyChildInsert(n, path[j].i, split, e, key)
		}
		if n.len() <= t.capacity(n.level) {
			if err := t.updateNodeLocked(n); err != nil {
				return nil, err
			}
			split = nil
			continue
		}
		var err error
		if split, err = t.splitLocked(n); err != nil {
			return nil, err
		}
	}
	return split, nil
}

// splitLocked splits the persisted node n, which must be the only node
// modified since the write-behind buffer was flushed. The right half is
// written under a new id and linked between n and its old right neighbor.
func (t *Tree) splitLocked(n *node) (*childSplit, error) {
	mid := n.len() / 2
	right := t.codec.newNode(n.level)
	if n.leaf() {
		right.events = slices.Clone(n.events[mid:])
		n.events = slices.Clip(n.events[:mid])
	} else {
		right.entries = slices.Clone(n.entries[mid:])
		n.entries = slices.Clip(n.entries[:mid])
	}
	n.sum = t.codec.summarize(n)
	right.sum = t.codec.summarize(right)

	id, err := t.store.Reserve()
	if err != nil {
		return nil, err
	}
	fl := t.mu.flank[n.level]
	oldNext := n.nextID()
	var stale blockstore.LogicalID
	if !fl.persisted && fl.node.id == id {
		// The reserved id was predicted for the open node of this level.
		// Predict again; the left neighbor of the open node, unless it is
		// n, is relinked once the split is written.
		p := t.store.NextID()
		if oldNext == id {
			oldNext = p
		} else {
			stale = fl.node.prev
		}
		t.opts.EventListener.FlankRepaired(RepairInfo{
			Level: n.level, Neighbor: fl.node.prev, Predicted: id, Actual: p,
		})
		t.mu.metrics.Repairs++
		fl.node.id = p
	}
	right.id = id
	right.prev = n.id
	right.next = int64(oldNext)
	n.next = int64(id)
	buf, err := t.codec.encode(right)
	if err != nil {
		return nil, err
	}
	if err := t.store.Write(id, buf); err != nil {
		return nil, err
	}
	if err := t.updateNodeLocked(n); err != nil {
		return nil, err
	}
	if oldNext != 0 {
		if oldNext == fl.node.id {
			fl.node.prev = id
		} else if err := t.relinkLocked(n.level, oldNext, func(nn *node) { nn.prev = id }); err != nil {
			return nil, err
		}
	}
	if stale != 0 {
		p := int64(fl.node.id)
		if err := t.relinkLocked(n.level, stale, func(nn *node) { nn.next = p }); err != nil {
			return nil, err
		}
	}
	t.mu.metrics.Splits++
	return &childSplit{left: n.entry(), right: right.entry()}, nil
}
