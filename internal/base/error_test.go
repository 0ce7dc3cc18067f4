// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestCorruptionMarker(t *testing.T) {
	err := CorruptionErrorf("bad block %d", 7)
	require.True(t, IsCorruptionError(err))
	require.Equal(t, "bad block 7", err.Error())

	wrapped := errors.Wrap(err, "recovering")
	require.True(t, IsCorruptionError(wrapped))

	plain := errors.New("disk on fire")
	require.False(t, IsCorruptionError(plain))
	marked := MarkCorruptionError(plain)
	require.True(t, IsCorruptionError(marked))
	require.True(t, errors.Is(marked, plain))
	require.Equal(t, marked, MarkCorruptionError(marked))

	require.False(t, IsCorruptionError(ErrNotFound))
}

func TestInMemLogger(t *testing.T) {
	var l InMemLogger
	l.Infof("hello %d", 1)
	l.Errorf("world\n")
	require.Equal(t, "hello 1\nworld\n", l.String())
	l.Reset()
	require.Equal(t, "", l.String())
	require.Panics(t, func() { l.Fatalf("boom") })
	require.Equal(t, "boom\n", l.String())
}
