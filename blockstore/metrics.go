// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockstore

import (
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/redact"
)

// Metrics holds the counters of a store since it was opened.
type Metrics struct {
	MacroBlocksStarted       int64
	MacroBlocksWritten       int64
	MacroBlockRewrites       int64
	TranslationBlocksWritten int64
	TranslationRewrites      int64

	SlotsWritten int64
	// BytesIn is the uncompressed size of the payloads written, and
	// BytesStored their size after compression.
	BytesIn      int64
	BytesStored  int64
	RawFallbacks int64
	Splits       int64

	InPlaceUpdates int64
	Relocations    int64
	Removed        int64
	Syncs          int64

	CacheHits   int64
	CacheMisses int64

	NextID            LogicalID
	ContainerBlocks   uint64
	TranslationLevels int
}

// CompressionRatio returns BytesIn / BytesStored, or 0 if nothing was
// written.
func (m *Metrics) CompressionRatio() float64 {
	if m.BytesStored == 0 {
		return 0
	}
	return float64(m.BytesIn) / float64(m.BytesStored)
}

func (m *Metrics) String() string {
	return redact.StringWithoutMarkers(m)
}

// SafeFormat implements redact.SafeFormatter.
func (m *Metrics) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("container: %s blocks, next id %d, %d translation levels\n",
		crhumanize.Count(m.ContainerBlocks, crhumanize.Compact), redact.Safe(m.NextID), redact.Safe(m.TranslationLevels))
	w.Printf("slots: %s written, %s in, %s stored (ratio %.2f), %d raw, %d split\n",
		crhumanize.Count(m.SlotsWritten, crhumanize.Compact),
		crhumanize.Bytes(m.BytesIn, crhumanize.Compact, crhumanize.OmitI),
		crhumanize.Bytes(m.BytesStored, crhumanize.Compact, crhumanize.OmitI),
		redact.Safe(m.CompressionRatio()), redact.Safe(m.RawFallbacks), redact.Safe(m.Splits))
	w.Printf("updates: %d in place, %d relocated, %d removed\n",
		redact.Safe(m.InPlaceUpdates), redact.Safe(m.Relocations), redact.Safe(m.Removed))
	w.Printf("macro blocks: %d started, %d written, %d rewritten\n",
		redact.Safe(m.MacroBlocksStarted), redact.Safe(m.MacroBlocksWritten), redact.Safe(m.MacroBlockRewrites))
	w.Printf("translation blocks: %d written, %d rewritten\n",
		redact.Safe(m.TranslationBlocksWritten), redact.Safe(m.TranslationRewrites))
	w.Printf("cache: %d hits, %d misses; %d syncs\n",
		redact.Safe(m.CacheHits), redact.Safe(m.CacheMisses), redact.Safe(m.Syncs))
}
