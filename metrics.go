// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/redact"
	"github.com/tsindex/flank/blockstore"
)

// treeMetrics are the counters maintained by the appender under Tree.mu.
type treeMetrics struct {
	NodesFinalized     int64
	WriteBehindFlushes int64
	Repairs            int64
	OutOfOrder         int64
	Drains             int64
	Splits             int64
	Flushes            int64
}

// Metrics holds metrics for various subsystems of the tree such as the
// block store, the right flank and the out-of-order queue.
type Metrics struct {
	Store blockstore.Metrics

	Tree struct {
		// Events is the number of events in the tree, including queued
		// out-of-order events.
		Events uint64
		Height int
		// Pending is the number of finalized nodes in the write-behind
		// buffer.
		Pending int
		// NodesFinalized counts nodes of the flank that filled up.
		NodesFinalized int64
		// WriteBehindFlushes counts writes of the write-behind buffer.
		WriteBehindFlushes int64
		// Repairs counts links rewritten because a predicted id was wrong.
		Repairs int64
		// Flushes counts flushes of the tree, including those ending drains
		// and the one made by Close.
		Flushes int64
	}

	OutOfOrder struct {
		// Inserted counts events routed through the out-of-order queue.
		Inserted int64
		// Queued is the current length of the queue.
		Queued int
		Drains int64
		// Splits counts persisted nodes split by drains.
		Splits int64
	}

	// Recovery describes the recovery performed when the tree was opened.
	Recovery RecoveryInfo
}

func (m *Metrics) String() string {
	return redact.StringWithoutMarkers(m)
}

// SafeFormat implements redact.SafeFormatter.
func (m *Metrics) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("tree: %s events, height %d, %d pending\n",
		crhumanize.Count(m.Tree.Events, crhumanize.Compact), redact.Safe(m.Tree.Height), redact.Safe(m.Tree.Pending))
	w.Printf("flank: %s finalized, %d write-behind flushes, %d repairs, %d flushes\n",
		crhumanize.Count(m.Tree.NodesFinalized, crhumanize.Compact), redact.Safe(m.Tree.WriteBehindFlushes),
		redact.Safe(m.Tree.Repairs), redact.Safe(m.Tree.Flushes))
	w.Printf("out-of-order: %s inserted, %d queued, %d drains, %d splits\n",
		crhumanize.Count(m.OutOfOrder.Inserted, crhumanize.Compact), redact.Safe(m.OutOfOrder.Queued),
		redact.Safe(m.OutOfOrder.Drains), redact.Safe(m.OutOfOrder.Splits))
	if m.Recovery.Method != RecoveryNone {
		w.Printf("recovery: %s\n", m.Recovery)
	}
	m.Store.SafeFormat(w, 's')
}

// Metrics returns the current metrics of the tree.
func (t *Tree) Metrics() *Metrics {
	m := &Metrics{}
	if t.store != nil {
		m.Store = t.store.Metrics()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m.Tree.Events = t.mu.stats.count + uint64(t.mu.queue.len())
	m.Tree.Height = len(t.mu.flank)
	m.Tree.Pending = len(t.mu.pending)
	m.Tree.NodesFinalized = t.mu.metrics.NodesFinalized
	m.Tree.WriteBehindFlushes = t.mu.metrics.WriteBehindFlushes
	m.Tree.Repairs = t.mu.metrics.Repairs
	m.Tree.Flushes = t.mu.metrics.Flushes
	m.OutOfOrder.Inserted = t.mu.metrics.OutOfOrder
	m.OutOfOrder.Queued = t.mu.queue.len()
	m.OutOfOrder.Drains = t.mu.metrics.Drains
	m.OutOfOrder.Splits = t.mu.metrics.Splits
	m.Recovery = t.recovery
	return m
}
