// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package invariants

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLifetime(t *testing.T) {
	var l Lifetime
	require.False(t, l.Released())
	l.Release()
	require.Equal(t, Enabled, l.Released())
	if Enabled {
		require.Panics(t, l.Release)
	} else {
		require.NotPanics(t, l.Release)
	}
}
