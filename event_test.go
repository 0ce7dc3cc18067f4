// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tsindex/flank/internal/base"
	"github.com/tsindex/flank/vfs"
)

func TestLoggingEventListener(t *testing.T) {
	var logger base.InMemLogger
	var drains, flushes int
	counting := EventListener{
		OutOfOrderDrain: func(DrainInfo) { drains++ },
		FlushEnd:        func(FlushInfo) { flushes++ },
	}
	logging := MakeLoggingEventListener(&logger)
	el := TeeEventListener(logging, counting)

	opts := smallOptions(vfs.NewCrashableMem())
	opts.EventListener = &el
	opts.OutOfOrderCapacity = 2
	tr := openTree(t, opts)
	insertRange(t, tr, 10, 200, 1)
	require.NoError(t, tr.Insert(testEvent(1)))
	require.NoError(t, tr.Insert(testEvent(2)))
	require.Equal(t, 1, drains)
	require.Equal(t, 1, flushes)
	require.NoError(t, tr.Close())
	require.Equal(t, 2, flushes)

	out := logger.String()
	require.Contains(t, out, "drained 2 out-of-order events")
	require.Contains(t, out, "flushed; ")
	require.Contains(t, out, "closed; ")
	require.Contains(t, out, "macro slots=")
}

func TestEventInfoStrings(t *testing.T) {
	require.Equal(t, "flank L1: relinked node 4 from predicted 9 to 11",
		RepairInfo{Level: 1, Neighbor: 4, Predicted: 9, Actual: 11}.String())
	require.Equal(t, "brute-force", RecoveryBruteForce.String())
	require.Equal(t, "unknown", RecoveryMethod(9).String())
	require.Contains(t, DrainInfo{Events: 3}.String(), "drained 3 out-of-order events")
}
