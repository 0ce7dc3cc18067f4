// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build invariants || race

package invariants

// Enabled reports whether the checks are compiled in.
const Enabled = true

// Lifetime records that a block store released its file.
type Lifetime struct {
	released bool
}

// Release panics if the store was already released.
func (l *Lifetime) Release() {
	if l.released {
		panic("flank: block store released twice")
	}
	l.released = true
}

// Released reports whether Release was called.
func (l *Lifetime) Released() bool { return l.released }
