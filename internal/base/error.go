// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "github.com/cockroachdb/errors"

// ErrNotFound means that a lookup did not find the requested block or key.
var ErrNotFound = errors.New("flank: not found")

// ErrCorruption is a marker to indicate that data in a file (container, meta
// data file or side log) is corrupted or violates a structural invariant.
var ErrCorruption = errors.New("flank: corruption")

// ErrCapacity is returned when a payload does not fit into any space the store
// can offer.
var ErrCapacity = errors.New("flank: capacity exceeded")

// MarkCorruptionError marks given error as a corruption error.
func MarkCorruptionError(err error) error {
	if errors.Is(err, ErrCorruption) {
		return err
	}
	return errors.Mark(err, ErrCorruption)
}

// CorruptionErrorf formats according to a format specifier and returns
// the string as an error value that is marked as a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// IsCorruptionError returns true if the given error indicates corruption.
func IsCorruptionError(err error) bool {
	return errors.Is(err, ErrCorruption)
}
