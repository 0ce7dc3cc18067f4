// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tsindex/flank/vfs"
)

func TestParseFilename(t *testing.T) {
	fs := vfs.NewMem()
	testCases := map[string]struct {
		name string
		ft   fileType
		ok   bool
	}{
		"events.flank":     {"events", fileTypeContainer, true},
		"events.meta":      {"events", fileTypeMeta, true},
		"events.meta-work": {"events", fileTypeMetaWork, true},
		"cpu.load.ooo":     {"cpu.load", fileTypeSideLog, true},
		"db/events.meta":   {"events", fileTypeMeta, true},
		".meta":            {"", 0, false},
		"events.meta.tmp":  {"", 0, false},
		"events.ooo.tmp":   {"", 0, false},
		"events":           {"", 0, false},
		"LOCK":             {"", 0, false},
	}
	for filename, tc := range testCases {
		name, ft, ok := parseFilename(fs, filename)
		require.Equal(t, tc.ok, ok, filename)
		if ok {
			require.Equal(t, tc.name, name, filename)
			require.Equal(t, tc.ft, ft, filename)
		}
	}
}

func TestFilenameRoundTrip(t *testing.T) {
	fs := vfs.NewMem()
	for _, ft := range []fileType{fileTypeContainer, fileTypeMeta, fileTypeMetaWork, fileTypeSideLog} {
		path := makeFilepath(fs, "dir", "trades", ft)
		name, got, ok := parseFilename(fs, path)
		require.True(t, ok)
		require.Equal(t, "trades", name)
		require.Equal(t, ft, got)
	}
}
