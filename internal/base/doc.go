// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package base defines the error taxonomy and logging interface shared by the
// block store and the tree.
//
// Errors fall into three classes:
//
//   - Structural or consistency errors are marked with ErrCorruption. During
//     recovery they abort the current strategy and trigger a fallback where
//     one exists.
//   - Capacity errors (ErrCapacity) are fatal to the operation that raised
//     them but leave the store usable.
//   - Not-found errors (ErrNotFound) are reported to the caller and are never
//     fatal to the store.
//
// I/O errors are propagated unchanged and never retried.
package base
