// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"time"

	"github.com/cockroachdb/redact"
	"github.com/tsindex/flank/blockstore"
)

// RecoveryMethod names how the right flank of a tree was restored.
type RecoveryMethod int8

const (
	// RecoveryNone means the tree was closed cleanly or created fresh.
	RecoveryNone RecoveryMethod = iota
	// RecoveryFragments means the flank was loaded from a complete set of
	// fragments written by Flush.
	RecoveryFragments
	// RecoveryHeuristic means the flank was rebuilt by walking right from
	// the newest nodes.
	RecoveryHeuristic
	// RecoveryBruteForce means the flank was rebuilt from a scan of every
	// node in the container.
	RecoveryBruteForce
)

var recoveryMethodNames = [...]string{"none", "fragments", "heuristic", "brute-force"}

// String implements fmt.Stringer.
func (m RecoveryMethod) String() string {
	if int(m) < len(recoveryMethodNames) {
		return recoveryMethodNames[m]
	}
	return "unknown"
}

// SafeFormat implements redact.SafeFormatter.
func (m RecoveryMethod) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(m.String()))
}

// RecoveryInfo contains the info for a recovery event.
type RecoveryInfo struct {
	// Path is the container being recovered.
	Path string
	// Store describes the translation recovery pass.
	Store blockstore.RecoveryStats
	// Method is the way the right flank was restored.
	Method RecoveryMethod
	// Height is the height of the recovered tree.
	Height int
	// Anchored is the number of index entries re-inserted into the flank.
	Anchored int
	// Discarded is the number of trailing fragments removed.
	Discarded int
	// Replayed is the number of out-of-order events replayed from the side
	// log.
	Replayed int
	Duration time.Duration
	Err      error
}

func (i RecoveryInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i RecoveryInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("recovery of %s error: %s", redact.Safe(i.Path), i.Err)
		return
	}
	w.Printf("recovered %s (%s): %s; height %d, %d anchored, %d discarded, %d replayed, in %.1fs",
		redact.Safe(i.Path), i.Method, i.Store, i.Height, i.Anchored, i.Discarded, i.Replayed,
		redact.Safe(i.Duration.Seconds()))
}

// DrainInfo contains the info for an out-of-order drain event.
type DrainInfo struct {
	// Events is the number of queued events inserted into the tree.
	Events int
	// Splits is the number of persisted nodes split by the drain.
	Splits int
	// Repairs is the number of neighbor links rewritten because ids
	// predicted for the flank were consumed.
	Repairs  int
	Duration time.Duration
	Err      error
}

func (i DrainInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i DrainInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("out-of-order drain error: %s", i.Err)
		return
	}
	w.Printf("drained %d out-of-order events; %d splits, %d repairs, in %.3fs",
		i.Events, i.Splits, i.Repairs, redact.Safe(i.Duration.Seconds()))
}

// RepairInfo contains the info for a flank repair event: the node finalized
// at Level received an id other than the one its left neighbor was told.
type RepairInfo struct {
	Level     int
	Neighbor  blockstore.LogicalID
	Predicted blockstore.LogicalID
	Actual    blockstore.LogicalID
}

func (i RepairInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i RepairInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("flank L%d: relinked node %d from predicted %d to %d",
		i.Level, i.Neighbor, i.Predicted, i.Actual)
}

// FlushInfo contains the info for a flush event.
type FlushInfo struct {
	// Fragments is the number of flank nodes written.
	Fragments int
	// Close is set for the flush performed by Close.
	Close    bool
	Duration time.Duration
	Err      error
}

func (i FlushInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i FlushInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("flush error: %s", i.Err)
		return
	}
	verb := redact.SafeString("flushed")
	if i.Close {
		verb = "closed"
	}
	w.Printf("%s; %d flank fragments, in %.3fs", verb, i.Fragments, redact.Safe(i.Duration.Seconds()))
}

// EventListener contains a set of functions that will be invoked when various
// significant tree events occur. Note that the functions should not run for
// an excessive amount of time as they are invoked synchronously by the tree
// and may block continued operations.
type EventListener struct {
	// BackgroundError is invoked whenever an error occurs that does not
	// surface through the return value of an operation.
	BackgroundError func(error)

	// RecoveryBegin is invoked before a tree that was not closed cleanly is
	// recovered.
	RecoveryBegin func(RecoveryInfo)

	// RecoveryEnd is invoked after a recovery completes.
	RecoveryEnd func(RecoveryInfo)

	// UnitWritten is invoked after the block store writes a macro block or
	// a translation block.
	UnitWritten func(blockstore.UnitInfo)

	// OutOfOrderDrain is invoked after the out-of-order queue is drained.
	OutOfOrderDrain func(DrainInfo)

	// FlankRepaired is invoked when a neighbor link written with a predicted
	// id is rewritten.
	FlankRepaired func(RepairInfo)

	// FlushEnd is invoked after Flush or Close forced the flank to disk.
	FlushEnd func(FlushInfo)
}

// EnsureDefaults ensures that background error events are logged to the
// specified logger if a handler for those events hasn't been otherwise
// specified. Ensure all handlers are non-nil so that we don't have to check
// for nil-ness before invoking.
func (l *EventListener) EnsureDefaults(logger Logger) {
	if l.BackgroundError == nil {
		if logger != nil {
			l.BackgroundError = func(err error) {
				logger.Errorf("background error: %s", err)
			}
		} else {
			l.BackgroundError = func(error) {}
		}
	}
	if l.RecoveryBegin == nil {
		l.RecoveryBegin = func(info RecoveryInfo) {}
	}
	if l.RecoveryEnd == nil {
		l.RecoveryEnd = func(info RecoveryInfo) {}
	}
	if l.UnitWritten == nil {
		l.UnitWritten = func(info blockstore.UnitInfo) {}
	}
	if l.OutOfOrderDrain == nil {
		l.OutOfOrderDrain = func(info DrainInfo) {}
	}
	if l.FlankRepaired == nil {
		l.FlankRepaired = func(info RepairInfo) {}
	}
	if l.FlushEnd == nil {
		l.FlushEnd = func(info FlushInfo) {}
	}
}

// MakeLoggingEventListener creates an EventListener that logs all events to the
// specified logger.
func MakeLoggingEventListener(logger Logger) EventListener {
	if logger == nil {
		logger = DefaultLogger
	}
	return EventListener{
		BackgroundError: func(err error) {
			logger.Errorf("background error: %s", err)
		},
		RecoveryBegin: func(info RecoveryInfo) {
			logger.Infof("recovering %s", info.Path)
		},
		RecoveryEnd: func(info RecoveryInfo) {
			logger.Infof("%s", info)
		},
		UnitWritten: func(info blockstore.UnitInfo) {
			logger.Infof("%s", info)
		},
		OutOfOrderDrain: func(info DrainInfo) {
			logger.Infof("%s", info)
		},
		FlankRepaired: func(info RepairInfo) {
			logger.Infof("%s", info)
		},
		FlushEnd: func(info FlushInfo) {
			logger.Infof("%s", info)
		},
	}
}

// TeeEventListener wraps two EventListeners, forwarding all events to both.
func TeeEventListener(a, b EventListener) EventListener {
	a.EnsureDefaults(nil)
	b.EnsureDefaults(nil)
	return EventListener{
		BackgroundError: func(err error) {
			a.BackgroundError(err)
			b.BackgroundError(err)
		},
		RecoveryBegin: func(info RecoveryInfo) {
			a.RecoveryBegin(info)
			b.RecoveryBegin(info)
		},
		RecoveryEnd: func(info RecoveryInfo) {
			a.RecoveryEnd(info)
			b.RecoveryEnd(info)
		},
		UnitWritten: func(info blockstore.UnitInfo) {
			a.UnitWritten(info)
			b.UnitWritten(info)
		},
		OutOfOrderDrain: func(info DrainInfo) {
			a.OutOfOrderDrain(info)
			b.OutOfOrderDrain(info)
		},
		FlankRepaired: func(info RepairInfo) {
			a.FlankRepaired(info)
			b.FlankRepaired(info)
		},
		FlushEnd: func(info FlushInfo) {
			a.FlushEnd(info)
			b.FlushEnd(info)
		},
	}
}
