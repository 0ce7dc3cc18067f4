// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/stretchr/testify/require"
)

// parseAggregation builds an aggregation from a line of space separated
// values. An empty line is the empty aggregation.
func parseAggregation(t *testing.T, line string) Aggregation {
	a := MakeAggregation()
	for _, f := range strings.Fields(line) {
		v, err := strconv.ParseFloat(f, 64)
		require.NoError(t, err)
		a.Add(v)
	}
	return a
}

func TestAggregation(t *testing.T) {
	datadriven.RunTest(t, "testdata/aggregation", func(t *testing.T, td *datadriven.TestData) string {
		switch td.Cmd {
		case "add":
			a := parseAggregation(t, td.Input)
			return fmt.Sprintf("%s\nmean=%g\n", a, a.Mean())

		case "combine":
			// Every input line is one aggregation; they are combined left to
			// right.
			acc := MakeAggregation()
			for _, line := range strings.Split(td.Input, "\n") {
				acc.Combine(parseAggregation(t, line))
			}
			return acc.String() + "\n"

		default:
			return fmt.Sprintf("unknown command: %s", td.Cmd)
		}
	})
}

func TestAggregationEncoding(t *testing.T) {
	for _, a := range []Aggregation{
		MakeAggregation(),
		{Sum: 10.5, Min: -1, Max: 7, Count: 4},
		{Sum: math.MaxFloat64, Min: math.SmallestNonzeroFloat64, Max: math.Inf(1), Count: math.MaxUint64},
	} {
		buf := make([]byte, aggregationSize)
		a.encode(buf)
		require.Equal(t, a, decodeAggregation(buf))
	}
}

func TestSummaryCombine(t *testing.T) {
	c := makeNodeCodec(testSchema, TimestampKey)
	n := c.newNode(0)
	whole := makeSummary(len(c.aggIdx))
	for ts := int64(10); ts < 40; ts++ {
		c.appendEvent(n, testEvent(ts))
		whole.addEvent(ts, testEvent(ts), c.aggIdx)
	}
	require.True(t, n.sum.equal(&whole))
	require.Equal(t, int64(10), n.sum.minKey)
	require.Equal(t, int64(39), n.sum.maxKey)
	require.Equal(t, uint64(30), n.sum.count)

	// Splitting the events in two and combining the halves gives the same
	// summary.
	left, right := makeSummary(len(c.aggIdx)), makeSummary(len(c.aggIdx))
	for ts := int64(10); ts < 40; ts++ {
		if ts%3 == 0 {
			left.addEvent(ts, testEvent(ts), c.aggIdx)
		} else {
			right.addEvent(ts, testEvent(ts), c.aggIdx)
		}
	}
	left.combine(&right)
	require.True(t, left.equal(&whole))

	empty := makeSummary(len(c.aggIdx))
	whole.combine(&empty)
	require.True(t, whole.equal(&n.sum))
	require.False(t, empty.equal(&whole))

	cl := whole.clone()
	cl.aggs[0].Add(1000)
	require.False(t, cl.equal(&whole))
	require.True(t, sumsClose(0.1+0.2, 0.3))
	require.False(t, sumsClose(1, 1.001))
}
