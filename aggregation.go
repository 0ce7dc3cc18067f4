// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/redact"
	"github.com/tsindex/flank/schema"
)

// aggregationSize is the encoded size of an Aggregation.
const aggregationSize = 32

// Aggregation summarizes the values of one attribute over a set of events.
// The zero value is not empty; use MakeAggregation.
type Aggregation struct {
	Sum   float64
	Min   float64
	Max   float64
	Count uint64
}

// MakeAggregation returns the empty aggregation.
func MakeAggregation() Aggregation {
	return Aggregation{Min: math.Inf(+1), Max: math.Inf(-1)}
}

// Empty returns true if the aggregation covers no values.
func (a Aggregation) Empty() bool { return a.Count == 0 }

// Add folds a single value into the aggregation.
func (a *Aggregation) Add(v float64) {
	a.Sum += v
	a.Min = min(a.Min, v)
	a.Max = max(a.Max, v)
	a.Count++
}

// Combine folds o into the aggregation. Combine is commutative and
// associative up to floating point rounding of Sum.
func (a *Aggregation) Combine(o Aggregation) {
	if o.Count == 0 {
		return
	}
	a.Sum += o.Sum
	a.Min = min(a.Min, o.Min)
	a.Max = max(a.Max, o.Max)
	a.Count += o.Count
}

// Mean returns Sum/Count, or NaN for an empty aggregation.
func (a Aggregation) Mean() float64 {
	if a.Count == 0 {
		return math.NaN()
	}
	return a.Sum / float64(a.Count)
}

// String implements fmt.Stringer.
func (a Aggregation) String() string {
	return redact.StringWithoutMarkers(a)
}

// SafeFormat implements redact.SafeFormatter.
func (a Aggregation) SafeFormat(w redact.SafePrinter, _ rune) {
	if a.Count == 0 {
		w.Printf("count=0")
		return
	}
	w.Printf("count=%d sum=%g min=%g max=%g", a.Count, a.Sum, a.Min, a.Max)
}

func (a Aggregation) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], math.Float64bits(a.Sum))
	binary.LittleEndian.PutUint64(dst[8:], math.Float64bits(a.Min))
	binary.LittleEndian.PutUint64(dst[16:], math.Float64bits(a.Max))
	binary.LittleEndian.PutUint64(dst[24:], a.Count)
}

func decodeAggregation(src []byte) Aggregation {
	return Aggregation{
		Sum:   math.Float64frombits(binary.LittleEndian.Uint64(src[0:])),
		Min:   math.Float64frombits(binary.LittleEndian.Uint64(src[8:])),
		Max:   math.Float64frombits(binary.LittleEndian.Uint64(src[16:])),
		Count: binary.LittleEndian.Uint64(src[24:]),
	}
}

// summary is the aggregate state of a subtree: its key range, its event
// count and one Aggregation per aggregated attribute.
type summary struct {
	minKey, maxKey int64
	count          uint64
	aggs           []Aggregation
}

func makeSummary(n int) summary {
	s := summary{minKey: math.MaxInt64, maxKey: math.MinInt64, aggs: make([]Aggregation, n)}
	for i := range s.aggs {
		s.aggs[i] = MakeAggregation()
	}
	return s
}

// addEvent folds a single event into s. aggIdx lists the attribute
// positions of the aggregation slots.
func (s *summary) addEvent(key int64, e schema.Event, aggIdx []int) {
	s.minKey = min(s.minKey, key)
	s.maxKey = max(s.maxKey, key)
	s.count++
	for i, attr := range aggIdx {
		s.aggs[i].Add(e.Values[attr].Float())
	}
}

// combine folds the summary of a child into s.
func (s *summary) combine(o *summary) {
	if o.count == 0 {
		return
	}
	s.minKey = min(s.minKey, o.minKey)
	s.maxKey = max(s.maxKey, o.maxKey)
	s.count += o.count
	for i := range s.aggs {
		s.aggs[i].Combine(o.aggs[i])
	}
}

func (s *summary) clone() summary {
	c := *s
	c.aggs = append([]Aggregation(nil), s.aggs...)
	return c
}

func (s *summary) equal(o *summary) bool {
	if s.count != o.count {
		return false
	}
	if s.count > 0 && (s.minKey != o.minKey || s.maxKey != o.maxKey) {
		return false
	}
	for i := range s.aggs {
		a, b := s.aggs[i], o.aggs[i]
		if a.Count != b.Count || (a.Count > 0 && (a.Min != b.Min || a.Max != b.Max || !sumsClose(a.Sum, b.Sum))) {
			return false
		}
	}
	return true
}

// sumsClose compares two sums computed in different orders.
func sumsClose(a, b float64) bool {
	if a == b {
		return true
	}
	return math.Abs(a-b) <= 1e-9*max(math.Abs(a), math.Abs(b))
}
