// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package invariants gates the consistency checks of flank that are too
// expensive or too strict for production builds. Build with the "invariants"
// tag (or with -race) to enable them. With the tag, finalizing a node
// recomputes its summary from scratch and compares it with the incrementally
// maintained one, and a block store panics when it is released twice.
package invariants
