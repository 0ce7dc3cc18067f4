// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/tsindex/flank/schema"
	"golang.org/x/sync/errgroup"
)

const (
	minLatency = 10 * time.Nanosecond
	maxLatency = 10 * time.Second
)

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
}

// benchT implements the benchmarks.
type benchT struct {
	Root   *cobra.Command
	Append *cobra.Command

	t *T
	// Flags.
	events     int
	outOfOrder float64
	readers    int
	seed       uint64
	flushEvery int
}

func newBench(t *T) *benchT {
	b := &benchT{t: t}
	b.Root = &cobra.Command{
		Use:   "bench",
		Short: "benchmarks",
	}
	b.Append = &cobra.Command{
		Use:   "append <dir>",
		Short: "benchmark event insertion",
		Long: `
Insert synthetic events into the tree in dir, creating it if needed. A fraction
of the events (--ooo) arrive out of order. Concurrent readers (--readers)
aggregate random key ranges while the events are inserted.
`,
		Args: cobra.ExactArgs(1),
		Run:  b.runAppend,
	}
	b.Append.Flags().IntVarP(&b.events, "events", "n", 100000, "number of events to insert")
	b.Append.Flags().Float64Var(&b.outOfOrder, "ooo", 0, "fraction of out-of-order events")
	b.Append.Flags().IntVar(&b.readers, "readers", 0, "number of concurrent readers")
	b.Append.Flags().Uint64Var(&b.seed, "seed", 1, "random seed")
	b.Append.Flags().IntVar(&b.flushEvery, "flush-every", 0, "flush after this many events (0 to never flush)")
	b.Root.AddCommand(b.Append)
	return b
}

// randomEvent returns an event with key ts and random values.
func randomEvent(rng *rand.Rand, s *schema.Schema, ts int64) schema.Event {
	e := schema.Event{Timestamp: ts, Values: make([]schema.Value, len(s.Attributes))}
	for i, a := range s.Attributes {
		switch a.Type {
		case schema.Int32, schema.Int64:
			e.Values[i] = schema.IntValue(rng.Int64N(1000))
		case schema.Float32, schema.Float64:
			e.Values[i] = schema.FloatValue(float64(rng.IntN(100000)) / 100)
		case schema.Bool:
			e.Values[i] = schema.BoolValue(rng.IntN(2) == 0)
		}
	}
	return e
}

func (b *benchT) runAppend(cmd *cobra.Command, args []string) {
	tr, err := b.t.openTree(args[0], false)
	if err != nil {
		fail("%s", err)
		return
	}
	var aggAttr string
	if agg := tr.Schema().Aggregated(); len(agg) > 0 {
		aggAttr = tr.Schema().Attributes[agg[0]].Name
	}

	insertHist, readHist := newHistogram(), newHistogram()
	var reads atomic.Int64
	var last atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	readerHists := make([]*hdrhistogram.Histogram, b.readers)
	for r := 0; r < b.readers && aggAttr != ""; r++ {
		h := newHistogram()
		readerHists[r] = h
		rng := rand.New(rand.NewPCG(b.seed, uint64(r)+1))
		g.Go(func() error {
			for gctx.Err() == nil {
				hi := last.Load()
				lo := rng.Int64N(hi + 1)
				start := time.Now()
				if _, err := tr.Aggregate(aggAttr, lo, hi); err != nil {
					return err
				}
				_ = h.RecordValue(time.Since(start).Nanoseconds())
				reads.Add(1)
			}
			return nil
		})
	}

	rng := rand.New(rand.NewPCG(b.seed, 0))
	start := time.Now()
	var ts int64
	for i := 0; i < b.events && err == nil; i++ {
		key := ts
		if b.outOfOrder > 0 && ts > 0 && rng.Float64() < b.outOfOrder {
			key = rng.Int64N(ts)
		} else {
			ts += 1 + rng.Int64N(10)
			key = ts
			last.Store(ts)
		}
		opStart := time.Now()
		err = tr.Insert(randomEvent(rng, tr.Schema(), key))
		_ = insertHist.RecordValue(time.Since(opStart).Nanoseconds())
		if err == nil && b.flushEvery > 0 && (i+1)%b.flushEvery == 0 {
			err = tr.Flush()
		}
	}
	elapsed := time.Since(start)
	cancel()
	if gerr := g.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) {
		err = errors.CombineErrors(err, gerr)
	}
	for _, h := range readerHists {
		if h != nil {
			readHist.Merge(h)
		}
	}
	m := tr.Metrics()
	if cerr := tr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fail("%s", err)
		return
	}

	tbl := tablewriter.NewWriter(stdout)
	tbl.SetHeader([]string{"Op", "Count", "ops/sec", "p50(µs)", "p95(µs)", "p99(µs)", "pMax(µs)"})
	for _, row := range []struct {
		name string
		h    *hdrhistogram.Histogram
	}{{"insert", insertHist}, {"aggregate", readHist}} {
		if row.h.TotalCount() == 0 {
			continue
		}
		tbl.Append([]string{
			row.name,
			fmt.Sprint(row.h.TotalCount()),
			fmt.Sprintf("%.0f", float64(row.h.TotalCount())/elapsed.Seconds()),
			fmt.Sprintf("%.1f", float64(row.h.ValueAtQuantile(50))/1000),
			fmt.Sprintf("%.1f", float64(row.h.ValueAtQuantile(95))/1000),
			fmt.Sprintf("%.1f", float64(row.h.ValueAtQuantile(99))/1000),
			fmt.Sprintf("%.1f", float64(row.h.Max())/1000),
		})
	}
	tbl.Render()
	fmt.Fprintf(stdout, "%d events in %s, %d reads\n", b.events, elapsed.Round(time.Millisecond), reads.Load())
	fmt.Fprintf(stdout, "%s", m)
}
