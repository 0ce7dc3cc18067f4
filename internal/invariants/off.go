// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !invariants && !race

package invariants

// Enabled reports whether the checks are compiled in.
const Enabled = false

// Lifetime records that a block store released its file. It tracks nothing
// without the invariants tag.
type Lifetime struct{}

// Release does nothing without the invariants tag.
func (l *Lifetime) Release() {}

// Released always returns false without the invariants tag.
func (l *Lifetime) Released() bool { return false }
