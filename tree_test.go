// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"cmp"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"github.com/tsindex/flank/blockstore"
	"github.com/tsindex/flank/internal/base"
	"github.com/tsindex/flank/schema"
	"github.com/tsindex/flank/vfs"
)

const testDir = "db"

var testSchema = &schema.Schema{Attributes: []schema.Attribute{
	{Name: "v", Type: schema.Float64, Aggregated: true},
	{Name: "n", Type: schema.Int32, Aggregated: true},
	{Name: "f", Type: schema.Bool},
}}

// testOptions returns options with the default geometry.
func testOptions(fs vfs.FS) *Options {
	return &Options{
		FS:     fs,
		Logger: base.NoopLogger{},
		Schema: testSchema,
	}
}

// smallOptions returns options with tiny nodes, so that a few hundred events
// build a tree of several levels.
func smallOptions(fs vfs.FS) *Options {
	return &Options{
		FS:                 fs,
		Logger:             base.NoopLogger{},
		Schema:             testSchema,
		BlockSize:          256,
		MacroBlockSize:     1024,
		CacheSize:          8,
		LeafCapacity:       8,
		IndexCapacity:      6,
		WriteBehind:        4,
		OutOfOrderCapacity: 16,
	}
}

// testEvent returns an event with key ts. Values are small integers, so sums
// are exact in any order.
func testEvent(ts int64) schema.Event {
	return schema.Event{
		Timestamp: ts,
		Values: []schema.Value{
			schema.FloatValue(float64(ts % 97)),
			schema.IntValue(ts % 13),
			schema.BoolValue(ts%2 == 0),
		},
	}
}

func openTree(t *testing.T, opts *Options) *Tree {
	t.Helper()
	tr, err := Open(testDir, opts)
	require.NoError(t, err)
	return tr
}

func insertRange(t *testing.T, tr *Tree, from, to, step int64) {
	t.Helper()
	for ts := from; ts < to; ts += step {
		require.NoError(t, tr.Insert(testEvent(ts)))
	}
}

// scanKeys returns the keys of the events in [lo, hi], in iteration order.
func scanKeys(t *testing.T, tr *Tree, lo, hi int64) []int64 {
	t.Helper()
	iter, err := tr.NewIter(lo, hi)
	require.NoError(t, err)
	var keys []int64
	for valid := iter.First(); valid; valid = iter.Next() {
		keys = append(keys, iter.Key())
	}
	require.NoError(t, iter.Close())
	return keys
}

func scanAll(t *testing.T, tr *Tree) []int64 {
	return scanKeys(t, tr, math.MinInt64, math.MaxInt64)
}

func requireCheck(t *testing.T, tr *Tree) CheckStats {
	t.Helper()
	stats, err := tr.Check()
	require.NoError(t, err)
	require.Equal(t, tr.Count(), stats.Events)
	return stats
}

func seq(from, to, step int64) []int64 {
	var res []int64
	for ts := from; ts < to; ts += step {
		res = append(res, ts)
	}
	return res
}

func TestInsertInOrderCloseReopen(t *testing.T) {
	defer leaktest.AfterTest(t)()
	for name, mkOpts := range map[string]func(vfs.FS) *Options{
		"default": testOptions,
		"small":   smallOptions,
	} {
		t.Run(name, func(t *testing.T) {
			fs := vfs.NewMem()
			tr := openTree(t, mkOpts(fs))
			insertRange(t, tr, 0, 10000, 1)
			require.Equal(t, uint64(10000), tr.Count())
			requireCheck(t, tr)
			require.NoError(t, tr.Close())

			exists, err := vfs.Exists(fs, fs.PathJoin(testDir, "events.meta"))
			require.NoError(t, err)
			require.True(t, exists)
			exists, err = vfs.Exists(fs, fs.PathJoin(testDir, "events.meta-work"))
			require.NoError(t, err)
			require.False(t, exists)

			tr = openTree(t, mkOpts(fs))
			require.Equal(t, RecoveryNone, tr.Metrics().Recovery.Method)
			require.Equal(t, uint64(10000), tr.Count())
			require.Equal(t, seq(0, 10000, 1), scanAll(t, tr))
			requireCheck(t, tr)

			// The reopened tree keeps appending where it left off.
			insertRange(t, tr, 10000, 12000, 1)
			require.Equal(t, seq(0, 12000, 1), scanAll(t, tr))
			requireCheck(t, tr)
			require.NoError(t, tr.Close())
		})
	}
}

func TestCheckEmptyOpenNodes(t *testing.T) {
	// 8 events fill the first leaf; 48 fill six leaves and the first inner
	// node, leaving both open nodes below the root empty.
	for _, n := range []int64{8, 16, 48} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			fs := vfs.NewMem()
			tr := openTree(t, smallOptions(fs))
			insertRange(t, tr, 0, n, 1)
			tr.mu.Lock()
			require.Equal(t, 0, tr.mu.flank[0].node.len())
			tr.mu.Unlock()

			stats := requireCheck(t, tr)
			require.Equal(t, int(n/8), stats.Nodes[0])
			require.NoError(t, tr.Flush())
			requireCheck(t, tr)
			require.NoError(t, tr.Close())

			tr = openTree(t, smallOptions(fs))
			requireCheck(t, tr)
			insertRange(t, tr, n, n+3, 1)
			requireCheck(t, tr)
			require.Equal(t, seq(0, n+3, 1), scanAll(t, tr))
			require.NoError(t, tr.Close())
		})
	}
}

func TestOutOfOrderInterleaved(t *testing.T) {
	defer leaktest.AfterTest(t)()
	fs := vfs.NewMem()
	opts := smallOptions(fs)
	opts.OutOfOrderCapacity = 10
	tr := openTree(t, opts)
	insertRange(t, tr, 0, 10000, 10)
	for j := int64(0); j < 10; j++ {
		require.NoError(t, tr.Insert(testEvent(j*1000+5)))
	}
	m := tr.Metrics()
	require.Equal(t, int64(10), m.OutOfOrder.Inserted)
	require.Equal(t, int64(1), m.OutOfOrder.Drains)
	require.Equal(t, 0, m.OutOfOrder.Queued)

	want := append(seq(0, 10000, 10), seq(5, 10000, 1000)...)
	slices.Sort(want)
	require.Equal(t, uint64(1010), tr.Count())
	require.Equal(t, want, scanAll(t, tr))
	requireCheck(t, tr)

	require.NoError(t, tr.Close())
	tr = openTree(t, opts)
	require.Equal(t, want, scanAll(t, tr))
	requireCheck(t, tr)
	require.NoError(t, tr.Close())
}

func TestOutOfOrderCascadingSplits(t *testing.T) {
	defer leaktest.AfterTest(t)()
	fs := vfs.NewMem()
	opts := smallOptions(fs)
	tr := openTree(t, opts)
	insertRange(t, tr, 0, 2000, 10)
	before := requireCheck(t, tr)

	// Double the events below 600. Leaves split, and so do the persisted
	// level-1 nodes above them.
	for ts := int64(5); ts < 600; ts += 10 {
		require.NoError(t, tr.Insert(testEvent(ts)))
	}
	require.NoError(t, tr.Flush())
	after := requireCheck(t, tr)
	require.Greater(t, after.Nodes[0], before.Nodes[0])
	require.Greater(t, after.Nodes[1], before.Nodes[1])
	require.Greater(t, tr.Metrics().OutOfOrder.Splits, int64(after.Nodes[1]-before.Nodes[1]))

	want := append(seq(0, 2000, 10), seq(5, 600, 10)...)
	slices.Sort(want)
	require.Equal(t, want, scanAll(t, tr))
	require.NoError(t, tr.Close())

	tr = openTree(t, opts)
	require.Equal(t, want, scanAll(t, tr))
	requireCheck(t, tr)
	require.NoError(t, tr.Close())
}

func TestCompressionWorkers(t *testing.T) {
	defer leaktest.AfterTest(t)()
	fs := vfs.NewMem()
	opts := smallOptions(fs)
	opts.CompressionWorkers = 4
	tr := openTree(t, opts)
	insertRange(t, tr, 0, 3000, 1)
	require.NoError(t, tr.Close())

	tr = openTree(t, opts)
	require.Equal(t, seq(0, 3000, 1), scanAll(t, tr))
	requireCheck(t, tr)
	require.NoError(t, tr.Close())
}

func TestOutOfOrderRetroactiveFirst(t *testing.T) {
	tr := openTree(t, smallOptions(vfs.NewMem()))
	insertRange(t, tr, 100, 200, 1)
	require.NoError(t, tr.Insert(testEvent(3)))

	s, err := tr.NewSnapshot()
	require.NoError(t, err)
	first, err := s.First()
	require.NoError(t, err)
	require.Equal(t, int64(3), first.Timestamp)
	require.NoError(t, tr.Close())
}

// modelEvents returns the events of a model in the order the tree iterates
// them: by key, equal keys in insertion order.
func modelEvents(events []schema.Event) []schema.Event {
	res := slices.Clone(events)
	slices.SortStableFunc(res, func(a, b schema.Event) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	return res
}

func TestRandomizedAggregates(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	tr := openTree(t, smallOptions(vfs.NewMem()))
	var model []schema.Event
	var last int64
	for i := 0; i < 3000; i++ {
		ts := last + rng.Int64N(3)
		if rng.IntN(10) == 0 && last > 0 {
			ts = rng.Int64N(last)
		} else {
			last = ts
		}
		e := testEvent(ts)
		require.NoError(t, tr.Insert(e))
		model = append(model, e)
	}
	want := modelEvents(model)

	iter, err := tr.NewIter(math.MinInt64, math.MaxInt64)
	require.NoError(t, err)
	var got []schema.Event
	for valid := iter.First(); valid; valid = iter.Next() {
		got = append(got, iter.Event())
	}
	require.NoError(t, iter.Close())
	require.Equal(t, len(want), len(got))
	for i := range want {
		require.Equal(t, want[i].Timestamp, got[i].Timestamp, "event %d", i)
		require.Equal(t, want[i].Values[0].Float(), got[i].Values[0].Float(), "event %d", i)
	}
	requireCheck(t, tr)

	s, err := tr.NewSnapshot()
	require.NoError(t, err)
	for q := 0; q < 300; q++ {
		lo := rng.Int64N(last + 10)
		hi := lo + rng.Int64N(last/4+1)
		expV, expN := MakeAggregation(), MakeAggregation()
		for _, e := range want {
			if e.Timestamp >= lo && e.Timestamp <= hi {
				expV.Add(e.Values[0].Float())
				expN.Add(e.Values[1].Float())
			}
		}
		aggV, err := s.Aggregate("v", lo, hi)
		require.NoError(t, err)
		require.Equal(t, expV, aggV, "[%d, %d]", lo, hi)
		aggN, err := s.Aggregate("n", lo, hi)
		require.NoError(t, err)
		require.Equal(t, expN, aggN, "[%d, %d]", lo, hi)
		n, err := s.CountRange(lo, hi)
		require.NoError(t, err)
		require.Equal(t, expV.Count, n)
	}

	_, err = s.Aggregate("f", 0, 10)
	require.Error(t, err)
	_, err = s.Aggregate("nope", 0, 10)
	require.Error(t, err)
	require.NoError(t, tr.Close())
}

func TestGet(t *testing.T) {
	tr := openTree(t, smallOptions(vfs.NewMem()))
	insertRange(t, tr, 0, 1000, 2)
	e, err := tr.Get(500)
	require.NoError(t, err)
	require.Equal(t, testEvent(500).Timestamp, e.Timestamp)
	require.Equal(t, testEvent(500).Values[1].Int(), e.Values[1].Int())
	_, err = tr.Get(501)
	require.True(t, errors.Is(err, ErrNotFound))
	_, err = tr.Get(-1)
	require.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, tr.Close())
}

func TestWalkLevel(t *testing.T) {
	tr := openTree(t, smallOptions(vfs.NewMem()))
	insertRange(t, tr, 0, 2000, 1)
	height := tr.Height()
	require.Greater(t, height, 2)
	for level := 0; level < height; level++ {
		var count uint64
		prevMax := int64(math.MinInt64)
		require.NoError(t, tr.WalkLevel(level, func(info NodeInfo) error {
			require.Equal(t, level, info.Level)
			require.LessOrEqual(t, info.MinKey, info.MaxKey)
			require.Greater(t, info.MinKey, prevMax)
			require.Len(t, info.Aggregations, 2)
			require.Equal(t, info.Count, info.Aggregations[0].Count)
			prevMax = info.MaxKey
			count += info.Count
			return nil
		}))
		require.Equal(t, uint64(2000), count, "level %d", level)
	}
	require.Error(t, tr.WalkLevel(height, func(NodeInfo) error { return nil }))

	stop := errors.New("stop")
	require.ErrorIs(t, tr.WalkLevel(0, func(NodeInfo) error { return stop }), stop)
	require.NoError(t, tr.Close())
}

func TestSnapshotIsolation(t *testing.T) {
	tr := openTree(t, smallOptions(vfs.NewMem()))
	insertRange(t, tr, 0, 100, 1)
	s, err := tr.NewSnapshot()
	require.NoError(t, err)
	insertRange(t, tr, 100, 500, 1)

	require.Equal(t, uint64(100), s.Count())
	n, err := s.CountRange(math.MinInt64, math.MaxInt64)
	require.NoError(t, err)
	require.Equal(t, uint64(100), n)
	_, err = s.Check()
	require.NoError(t, err)
	require.NoError(t, tr.Close())
}

func TestRecoverFlushedWithoutClose(t *testing.T) {
	fs := vfs.NewCrashableMem()
	tr := openTree(t, testOptions(fs))
	insertRange(t, tr, 1000, 1500, 1)
	require.NoError(t, tr.Flush())

	crashed := fs.CrashClone()
	exists, err := vfs.Exists(crashed, crashed.PathJoin(testDir, "events.meta-work"))
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = vfs.Exists(crashed, crashed.PathJoin(testDir, "events.meta"))
	require.NoError(t, err)
	require.False(t, exists)

	r := openTree(t, testOptions(crashed))
	m := r.Metrics()
	require.Equal(t, RecoveryFragments, m.Recovery.Method)
	require.Equal(t, uint64(500), r.Count())
	s, err := r.NewSnapshot()
	require.NoError(t, err)
	first, err := s.First()
	require.NoError(t, err)
	require.Equal(t, int64(1000), first.Timestamp)
	agg, err := s.Aggregate("n", math.MinInt64, math.MaxInt64)
	require.NoError(t, err)
	require.Equal(t, uint64(500), agg.Count)
	keys := scanAll(t, r)
	require.Equal(t, int64(1499), keys[len(keys)-1])
	requireCheck(t, r)

	require.NoError(t, r.Close())
	require.NoError(t, tr.Close())
}

// crashAfterAppends builds a tree of several levels, flushes it, appends more
// events and writes the write-behind buffer without flushing the flank, so a
// crash loses the open nodes. It returns the crashed file system and the
// number of events that survive: every event but those of the open leaf.
func crashAfterAppends(t *testing.T) (*vfs.MemFS, int64) {
	fs := vfs.NewCrashableMem()
	tr := openTree(t, smallOptions(fs))
	insertRange(t, tr, 0, 300, 1)
	require.NoError(t, tr.Flush())
	insertRange(t, tr, 300, 1003, 1)

	tr.mu.Lock()
	require.NoError(t, tr.settleLocked(true))
	require.NoError(t, tr.store.Sync())
	lost := tr.mu.flank[0].node.len()
	tr.mu.Unlock()

	crashed := fs.CrashClone()
	require.NoError(t, tr.Close())
	return crashed, int64(1003 - lost)
}

func TestRecoverHeuristic(t *testing.T) {
	defer leaktest.AfterTest(t)()
	crashed, survivors := crashAfterAppends(t)
	r := openTree(t, smallOptions(crashed))
	m := r.Metrics()
	require.Equal(t, RecoveryHeuristic, m.Recovery.Method)
	require.Greater(t, m.Recovery.Anchored, 0)
	require.Equal(t, uint64(survivors), r.Count())
	require.Equal(t, seq(0, survivors, 1), scanAll(t, r))
	requireCheck(t, r)

	// The recovered tree accepts appends and closes cleanly.
	insertRange(t, r, survivors, 2000, 1)
	require.Equal(t, seq(0, 2000, 1), scanAll(t, r))
	requireCheck(t, r)
	require.NoError(t, r.Close())

	r = openTree(t, smallOptions(crashed))
	require.Equal(t, RecoveryNone, r.Metrics().Recovery.Method)
	require.Equal(t, uint64(2000), r.Count())
	requireCheck(t, r)
	require.NoError(t, r.Close())
}

func TestRecoverBruteForce(t *testing.T) {
	crashed, survivors := crashAfterAppends(t)

	// A working meta file claiming more levels than the tree has defeats
	// the heuristic.
	path := crashed.PathJoin(testDir, "events.meta-work")
	var w workMeta
	require.NoError(t, readMeta(crashed, path, &w))
	w.Height = 9
	require.NoError(t, writeMeta(crashed, path, &w))

	var logger base.InMemLogger
	opts := smallOptions(crashed)
	opts.Logger = &logger
	r := openTree(t, opts)
	require.Equal(t, RecoveryBruteForce, r.Metrics().Recovery.Method)
	require.Contains(t, logger.String(), "heuristic recovery of db failed")
	require.Equal(t, uint64(survivors), r.Count())
	require.Equal(t, seq(0, survivors, 1), scanAll(t, r))
	requireCheck(t, r)
	require.NoError(t, r.Close())
}

func TestRecoverBruteForceMatchesHeuristic(t *testing.T) {
	crashed, _ := crashAfterAppends(t)
	r := openTree(t, smallOptions(crashed))
	defer func() { require.NoError(t, r.Close()) }()

	// On a tree built in order both searches find the same rightmost
	// nodes, one for every level below the root. The fragment of the root
	// written by the first Flush is still in the store and is skipped.
	r.mu.Lock()
	defer r.mu.Unlock()
	height := len(r.mu.flank)
	require.Equal(t, 4, height)
	h, err := r.heuristicPathLocked(height, nil)
	require.NoError(t, err)
	b, err := r.bruteForcePathLocked(nil)
	require.NoError(t, err)
	require.Len(t, h, height-1)
	require.Len(t, b, height-1)
	for level := range b {
		require.Equal(t, b[level].id, h[level].id, "level %d", level)
	}
}

func TestRecoverIdempotent(t *testing.T) {
	crashed, survivors := crashAfterAppends(t)
	c1, c2 := crashed.CrashClone(), crashed.CrashClone()

	flankIDs := func(tr *Tree) []int64 {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		var ids []int64
		for _, fl := range tr.mu.flank {
			ids = append(ids, int64(fl.node.id))
		}
		return ids
	}
	r1 := openTree(t, smallOptions(c1))
	r2 := openTree(t, smallOptions(c2))
	require.Equal(t, flankIDs(r1), flankIDs(r2))
	require.Equal(t, r1.store.NextID(), r2.store.NextID())
	require.Equal(t, r1.Metrics().Recovery.Store, r2.Metrics().Recovery.Store)
	require.Equal(t, uint64(survivors), r1.Count())
	require.Equal(t, scanAll(t, r1), scanAll(t, r2))
	require.NoError(t, r1.Close())
	require.NoError(t, r2.Close())
}

func TestRecoverEmpty(t *testing.T) {
	fs := vfs.NewCrashableMem()
	tr := openTree(t, smallOptions(fs))
	insertRange(t, tr, 0, 5, 1)
	crashed := fs.CrashClone()
	require.NoError(t, tr.Close())

	r := openTree(t, smallOptions(crashed))
	require.Equal(t, uint64(0), r.Count())
	require.Equal(t, 1, r.Height())
	insertRange(t, r, 0, 100, 1)
	require.Equal(t, seq(0, 100, 1), scanAll(t, r))
	requireCheck(t, r)
	require.NoError(t, r.Close())
}

func TestRecoverTwice(t *testing.T) {
	crashed, survivors := crashAfterAppends(t)
	fs := crashed.CrashClone()
	r := openTree(t, smallOptions(fs))
	insertRange(t, r, survivors, survivors+200, 1)
	require.NoError(t, r.Flush())
	again := fs.CrashClone()
	require.NoError(t, r.Close())

	r = openTree(t, smallOptions(again))
	require.Equal(t, RecoveryFragments, r.Metrics().Recovery.Method)
	require.Equal(t, seq(0, survivors+200, 1), scanAll(t, r))
	requireCheck(t, r)
	require.NoError(t, r.Close())
}

func TestSideLogReplay(t *testing.T) {
	defer leaktest.AfterTest(t)()
	fs := vfs.NewCrashableMem()
	tr := openTree(t, smallOptions(fs))
	insertRange(t, tr, 0, 1000, 10)
	require.NoError(t, tr.Flush())
	for _, ts := range []int64{5, 15, 25, 35, 45} {
		require.NoError(t, tr.Insert(testEvent(ts)))
	}
	require.Equal(t, 5, tr.Metrics().OutOfOrder.Queued)
	crashed := fs.CrashClone()
	require.NoError(t, tr.Close())

	r := openTree(t, smallOptions(crashed))
	m := r.Metrics()
	require.Equal(t, 5, m.Recovery.Replayed)
	require.Equal(t, 5, m.OutOfOrder.Queued)
	require.Equal(t, uint64(105), r.Count())
	want := append(seq(0, 1000, 10), 5, 15, 25, 35, 45)
	slices.Sort(want)
	require.Equal(t, want, scanAll(t, r))
	requireCheck(t, r)
	require.NoError(t, r.Close())

	// The side log was emptied by the drain.
	r = openTree(t, smallOptions(crashed))
	require.Equal(t, 0, r.Metrics().OutOfOrder.Queued)
	require.Equal(t, want, scanAll(t, r))
	require.NoError(t, r.Close())
}

func TestReadOnly(t *testing.T) {
	fs := vfs.NewCrashableMem()
	tr := openTree(t, smallOptions(fs))
	insertRange(t, tr, 0, 100, 1)
	require.NoError(t, tr.Flush())
	crashed := fs.CrashClone()
	require.NoError(t, tr.Close())

	opts := smallOptions(fs)
	opts.ReadOnly = true
	ro := openTree(t, opts)
	require.Equal(t, seq(0, 100, 1), scanAll(t, ro))
	require.ErrorIs(t, ro.Insert(testEvent(100)), ErrReadOnly)
	require.ErrorIs(t, ro.Flush(), ErrReadOnly)
	require.NoError(t, ro.Close())

	// A tree that needs recovery cannot be opened read-only.
	opts = smallOptions(crashed)
	opts.ReadOnly = true
	_, err := Open(testDir, opts)
	require.ErrorIs(t, err, ErrReadOnly)

	// Nor can a tree that does not exist.
	opts = smallOptions(vfs.NewMem())
	opts.ReadOnly = true
	_, err = Open(testDir, opts)
	require.Error(t, err)
}

func TestClosed(t *testing.T) {
	tr := openTree(t, smallOptions(vfs.NewMem()))
	require.NoError(t, tr.Close())
	require.ErrorIs(t, tr.Close(), ErrClosed)
	require.ErrorIs(t, tr.Insert(testEvent(1)), ErrClosed)
	require.ErrorIs(t, tr.Flush(), ErrClosed)
	_, err := tr.NewSnapshot()
	require.ErrorIs(t, err, ErrClosed)
}

func TestReopenOptions(t *testing.T) {
	fs := vfs.NewMem()
	tr := openTree(t, smallOptions(fs))
	insertRange(t, tr, 0, 500, 1)
	require.NoError(t, tr.Close())

	// Persisted capacities take precedence.
	opts := smallOptions(fs)
	opts.LeafCapacity, opts.IndexCapacity = 20, 20
	tr = openTree(t, opts)
	require.Equal(t, 8, tr.leafCap)
	require.Equal(t, 6, tr.indexCap)
	insertRange(t, tr, 500, 1000, 1)
	requireCheck(t, tr)
	require.NoError(t, tr.Close())

	opts = smallOptions(fs)
	opts.Schema = &schema.Schema{Attributes: []schema.Attribute{{Name: "v", Type: schema.Float64}}}
	_, err := Open(testDir, opts)
	require.Error(t, err)
}

func TestInsertArity(t *testing.T) {
	tr := openTree(t, smallOptions(vfs.NewMem()))
	require.Error(t, tr.Insert(schema.Event{Timestamp: 1}))
	require.NoError(t, tr.Insert(testEvent(1)))
	require.NoError(t, tr.Close())
}

func histogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestMetricsAndEvents(t *testing.T) {
	var flushes, drains, begins, ends int
	var lastRecovery RecoveryInfo
	opts := smallOptions(vfs.NewCrashableMem())
	opts.OutOfOrderCapacity = 4
	opts.FlushLatency = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "flush_latency_seconds"})
	opts.DrainLatency = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "drain_latency_seconds"})
	opts.EventListener = &EventListener{
		FlushEnd:        func(FlushInfo) { flushes++ },
		OutOfOrderDrain: func(DrainInfo) { drains++ },
		RecoveryBegin:   func(RecoveryInfo) { begins++ },
		RecoveryEnd: func(info RecoveryInfo) {
			ends++
			lastRecovery = info
		},
	}
	fs := opts.FS.(*vfs.MemFS)
	tr := openTree(t, opts)
	insertRange(t, tr, 100, 400, 1)
	for _, ts := range []int64{1, 2, 3, 4} {
		require.NoError(t, tr.Insert(testEvent(ts)))
	}
	require.Equal(t, 1, drains)
	require.Equal(t, 1, flushes)
	require.NoError(t, tr.Flush())
	require.Equal(t, 2, flushes)
	require.Equal(t, uint64(2), histogramCount(t, opts.FlushLatency))
	require.Equal(t, uint64(1), histogramCount(t, opts.DrainLatency))

	m := tr.Metrics()
	require.Equal(t, uint64(304), m.Tree.Events)
	require.Equal(t, int64(2), m.Tree.Flushes)
	require.Greater(t, m.Tree.NodesFinalized, int64(0))
	require.Greater(t, m.Store.NextID, blockstore.LogicalID(1))
	require.Contains(t, m.String(), "out-of-order:")

	crashed := fs.CrashClone()
	require.NoError(t, tr.Close())
	require.Equal(t, 3, flushes)

	opts.FS = crashed
	r := openTree(t, opts)
	require.Equal(t, 1, begins)
	require.Equal(t, 1, ends)
	require.NoError(t, lastRecovery.Err)
	require.Equal(t, RecoveryFragments, lastRecovery.Method)
	require.Contains(t, lastRecovery.String(), "fragments")
	require.NoError(t, r.Close())
}
