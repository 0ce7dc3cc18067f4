// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockstore

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/tsindex/flank/internal/base"
	"github.com/tsindex/flank/internal/compression"
	"github.com/tsindex/flank/vfs"
)

const testPath = "test.flank"

// smallOptions returns options with a small geometry so that tests exercise
// splits and translation cascades quickly: fanout is 27.
func smallOptions(fs vfs.FS) *Options {
	return &Options{
		FS:             fs,
		Logger:         base.NoopLogger{},
		BlockSize:      256,
		MacroBlockSize: 1024,
		SpareRatio:     0.1,
		Compression:    compression.SnappySetting,
		CacheSize:      4,
	}
}

// testPayload returns a mildly compressible payload of n bytes.
func testPayload(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		if rng.IntN(4) == 0 {
			b[i] = byte(rng.Uint32())
		} else {
			b[i] = byte('a' + i%7)
		}
	}
	return b
}

func checkPayloads(t *testing.T, s *Store, payloads map[LogicalID][]byte) {
	t.Helper()
	for id, want := range payloads {
		got, err := s.Get(id)
		require.NoError(t, err, "id %d", id)
		require.True(t, bytes.Equal(want, got), "id %d: payload mismatch", id)
	}
}

func TestStoreRoundtrip(t *testing.T) {
	for _, setting := range []compression.Setting{
		compression.None,
		compression.SnappySetting,
		compression.ZstdLevel1,
		compression.MinLZFastest,
	} {
		t.Run(setting.String(), func(t *testing.T) {
			fs := vfs.NewMem()
			opts := smallOptions(fs)
			opts.Compression = setting
			s, err := Create(testPath, opts)
			require.NoError(t, err)

			rng := rand.New(rand.NewPCG(1, uint64(setting.Algorithm)))
			payloads := make(map[LogicalID][]byte)
			for i := 0; i < 500; i++ {
				p := testPayload(rng, rng.IntN(300))
				id, err := s.Append(p)
				require.NoError(t, err)
				require.Equal(t, LogicalID(i+1), id)
				payloads[id] = p
			}
			checkPayloads(t, s, payloads)

			state, err := s.Close()
			require.NoError(t, err)
			require.Equal(t, LogicalID(501), state.NextID)

			pre, err := ReadPreamble(fs, testPath)
			require.NoError(t, err)
			require.Equal(t, StateClean, pre.State)
			require.Equal(t, setting, pre.Compression)

			s, err = Open(testPath, &Options{FS: fs, Logger: base.NoopLogger{}}, state)
			require.NoError(t, err)
			require.Equal(t, 256, s.Preamble().BlockSize)
			checkPayloads(t, s, payloads)

			// Appending after reopen continues the id sequence.
			id, err := s.Append([]byte("after reopen"))
			require.NoError(t, err)
			require.Equal(t, LogicalID(501), id)
			payloads[id] = []byte("after reopen")
			state, err = s.Close()
			require.NoError(t, err)

			s, err = Open(testPath, &Options{FS: fs, Logger: base.NoopLogger{}}, state)
			require.NoError(t, err)
			checkPayloads(t, s, payloads)
			_, err = s.Close()
			require.NoError(t, err)
		})
	}
}

func TestGetNotFound(t *testing.T) {
	s, err := Create(testPath, smallOptions(vfs.NewMem()))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(1)
	require.True(t, errors.Is(err, base.ErrNotFound))
	_, err = s.Append([]byte("x"))
	require.NoError(t, err)
	_, err = s.Get(0)
	require.True(t, errors.Is(err, base.ErrNotFound))
	_, err = s.Get(2)
	require.True(t, errors.Is(err, base.ErrNotFound))
	require.True(t, errors.Is(s.Update(2, []byte("y")), base.ErrNotFound))
}

func TestOpenDirtyContainer(t *testing.T) {
	fs := vfs.NewMem()
	s, err := Create(testPath, smallOptions(fs))
	require.NoError(t, err)
	_, err = s.Append([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	_, err = Open(testPath, smallOptions(fs), StoreState{})
	require.True(t, errors.Is(err, ErrDirty))
	_, err = s.Close()
	require.NoError(t, err)
}

func TestCapacityBoundary(t *testing.T) {
	setup := func(t *testing.T) *Store {
		opts := smallOptions(vfs.NewMem())
		opts.Compression = compression.None
		opts.SpareRatio = 0
		s, err := Create(testPath, opts)
		require.NoError(t, err)
		_, err = s.Append(make([]byte, 100))
		require.NoError(t, err)
		// 1024 - 32 byte header - (17 + 100) byte slot - 17 byte slot header.
		require.Equal(t, 858, s.FreeSpace())
		return s
	}

	t.Run("exact", func(t *testing.T) {
		s := setup(t)
		defer s.Close()
		p := bytes.Repeat([]byte{7}, s.FreeSpace())
		id, err := s.Append(p)
		require.NoError(t, err)
		m := s.Metrics()
		require.EqualValues(t, 1, m.MacroBlocksStarted)
		require.EqualValues(t, 0, m.Splits)
		require.Equal(t, 0, s.FreeSpace())
		got, err := s.Get(id)
		require.NoError(t, err)
		require.Equal(t, p, got)
	})

	t.Run("one-byte-larger", func(t *testing.T) {
		s := setup(t)
		defer s.Close()
		p := bytes.Repeat([]byte{7}, s.FreeSpace()+1)
		id, err := s.Append(p)
		require.NoError(t, err)
		m := s.Metrics()
		require.EqualValues(t, 2, m.MacroBlocksStarted)
		require.EqualValues(t, 1, m.Splits)
		got, err := s.Get(id)
		require.NoError(t, err)
		require.Equal(t, p, got)
	})

	t.Run("too-large", func(t *testing.T) {
		s := setup(t)
		defer s.Close()
		_, err := s.Append(make([]byte, s.MaxPayloadSize()+1))
		require.True(t, errors.Is(err, base.ErrCapacity))
		// The failed write does not consume an id.
		id, err := s.Append(make([]byte, s.MaxPayloadSize()))
		require.NoError(t, err)
		require.Equal(t, LogicalID(2), id)
	})
}

func TestFlushWhenSplitTooSmall(t *testing.T) {
	opts := smallOptions(vfs.NewMem())
	opts.Compression = compression.None
	opts.SpareRatio = 0
	s, err := Create(testPath, opts)
	require.NoError(t, err)
	defer s.Close()

	// Leave exactly refSize bytes of payload room: too little to split.
	_, err = s.Append(make([]byte, s.FreeSpace()-refSize-slotHeaderSize))
	require.NoError(t, err)
	require.Equal(t, refSize, s.FreeSpace())
	_, err = s.Append(make([]byte, refSize+1))
	require.NoError(t, err)
	m := s.Metrics()
	require.EqualValues(t, 2, m.MacroBlocksStarted)
	require.EqualValues(t, 0, m.Splits)
	require.EqualValues(t, 1, m.MacroBlocksWritten)
}

func TestUpdate(t *testing.T) {
	fs := vfs.NewMem()
	opts := smallOptions(fs)
	opts.Compression = compression.None
	opts.SpareRatio = 0.5
	s, err := Create(testPath, opts)
	require.NoError(t, err)

	id, err := s.Append(bytes.Repeat([]byte("a"), 100))
	require.NoError(t, err)
	other, err := s.Append([]byte("neighbour"))
	require.NoError(t, err)

	// Fits the 150 byte capacity.
	require.NoError(t, s.Update(id, bytes.Repeat([]byte("b"), 140)))
	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte("b"), 140), got)
	require.EqualValues(t, 1, s.Metrics().InPlaceUpdates)

	// Does not fit: relocated under a hidden id.
	require.NoError(t, s.Update(id, bytes.Repeat([]byte("c"), 200)))
	got, err = s.Get(id)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte("c"), 200), got)
	require.EqualValues(t, 1, s.Metrics().Relocations)
	require.Equal(t, LogicalID(4), s.NextID())

	// The relocated slot has capacity 300 and absorbs the next update.
	require.NoError(t, s.Update(id, bytes.Repeat([]byte("d"), 280)))
	require.EqualValues(t, 2, s.Metrics().InPlaceUpdates)

	got, err = s.Get(other)
	require.NoError(t, err)
	require.Equal(t, []byte("neighbour"), got)

	state, err := s.Close()
	require.NoError(t, err)
	s, err = Open(testPath, opts, state)
	require.NoError(t, err)
	got, err = s.Get(id)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte("d"), 280), got)
	_, err = s.Close()
	require.NoError(t, err)
}

func TestUpdateSplitSlot(t *testing.T) {
	fs := vfs.NewMem()
	opts := smallOptions(fs)
	opts.Compression = compression.None
	opts.SpareRatio = 0.2
	s, err := Create(testPath, opts)
	require.NoError(t, err)

	_, err = s.Append(make([]byte, 500))
	require.NoError(t, err)
	// 600 byte slot + 100 byte slot fill more than the macro block holds.
	id, err := s.Append(bytes.Repeat([]byte("x"), 300))
	require.NoError(t, err)
	require.EqualValues(t, 1, s.Metrics().Splits)
	// Flush the successor so that both halves live on disk.
	for i := 0; i < 20; i++ {
		_, err = s.Append(make([]byte, 100))
		require.NoError(t, err)
	}

	p := bytes.Repeat([]byte("y"), 340)
	require.NoError(t, s.Update(id, p))
	require.EqualValues(t, 1, s.Metrics().InPlaceUpdates)
	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, p, got)

	state, err := s.Close()
	require.NoError(t, err)
	s, err = Open(testPath, opts, state)
	require.NoError(t, err)
	got, err = s.Get(id)
	require.NoError(t, err)
	require.Equal(t, p, got)
	_, err = s.Close()
	require.NoError(t, err)
}

func TestTranslationCascade(t *testing.T) {
	fs := vfs.NewMem()
	opts := smallOptions(fs)
	opts.Compression = compression.None
	s, err := Create(testPath, opts)
	require.NoError(t, err)
	require.Equal(t, 27, s.Fanout())

	payload := func(id LogicalID) []byte { return []byte(fmt.Sprintf("payload-%05d", id)) }
	appendUpTo := func(n LogicalID) {
		for s.NextID() <= n {
			id := s.NextID()
			got, err := s.Append(payload(id))
			require.NoError(t, err)
			require.Equal(t, id, got)
		}
	}
	check := func(n LogicalID) {
		for id := LogicalID(1); id <= n; id++ {
			got, err := s.Get(id)
			require.NoError(t, err, "id %d", id)
			require.Equal(t, payload(id), got)
		}
		_, err := s.Get(n + 1)
		require.True(t, errors.Is(err, base.ErrNotFound))
	}

	appendUpTo(800)
	// 800/27 = 29 full level-0 blocks, one full level-1 block.
	require.Equal(t, 3, s.Metrics().TranslationLevels)
	check(800)

	for s.NextID() > 701 {
		require.NoError(t, s.RemoveLast())
	}
	require.Equal(t, 2, s.Metrics().TranslationLevels)
	check(700)

	appendUpTo(820)
	require.Equal(t, 3, s.Metrics().TranslationLevels)
	check(820)

	state, err := s.Close()
	require.NoError(t, err)
	s, err = Open(testPath, opts, state)
	require.NoError(t, err)
	check(820)
	appendUpTo(900)
	check(900)
	_, err = s.Close()
	require.NoError(t, err)
}

func TestReserveWriteOrder(t *testing.T) {
	s, err := Create(testPath, smallOptions(vfs.NewMem()))
	require.NoError(t, err)
	defer s.Close()

	a, err := s.Reserve()
	require.NoError(t, err)
	b, err := s.Reserve()
	require.NoError(t, err)
	require.Error(t, s.Write(b, []byte("b")))
	// Update is refused while reservations are outstanding.
	require.NoError(t, s.Write(a, []byte("a")))
	require.Error(t, s.Update(a, []byte("aa")))
	require.NoError(t, s.Write(b, []byte("b")))
	require.NoError(t, s.Update(a, []byte("aa")))
}

func TestReadOnly(t *testing.T) {
	fs := vfs.NewMem()
	s, err := Create(testPath, smallOptions(fs))
	require.NoError(t, err)
	_, err = s.Append([]byte("x"))
	require.NoError(t, err)
	state, err := s.Close()
	require.NoError(t, err)

	opts := smallOptions(fs)
	opts.ReadOnly = true
	s, err = Open(testPath, opts, state)
	require.NoError(t, err)
	got, err := s.Get(1)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), got)
	_, err = s.Append([]byte("y"))
	require.True(t, errors.Is(err, ErrReadOnly))
	_, err = s.Close()
	require.NoError(t, err)

	_, _, err = Recover(testPath, opts)
	require.True(t, errors.Is(err, ErrReadOnly))
}

func TestCloseTwice(t *testing.T) {
	for _, readOnly := range []bool{false, true} {
		t.Run(fmt.Sprintf("readonly=%t", readOnly), func(t *testing.T) {
			fs := vfs.NewMem()
			s, err := Create(testPath, smallOptions(fs))
			require.NoError(t, err)
			state, err := s.Close()
			require.NoError(t, err)
			if readOnly {
				opts := smallOptions(fs)
				opts.ReadOnly = true
				s, err = Open(testPath, opts, state)
				require.NoError(t, err)
				_, err = s.Close()
				require.NoError(t, err)
			}
			_, err = s.Close()
			require.True(t, errors.Is(err, ErrClosed))
		})
	}
}

func TestUnitsAndMetrics(t *testing.T) {
	fs := vfs.NewMem()
	opts := smallOptions(fs)
	var written []UnitInfo
	opts.OnUnitWritten = func(u UnitInfo) { written = append(written, u) }
	s, err := Create(testPath, opts)
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 200; i++ {
		p := append(bytes.Repeat([]byte("metric"), 10), testPayload(rng, 4)...)
		_, err := s.Append(p)
		require.NoError(t, err)
	}
	_, err = s.Close()
	require.NoError(t, err)

	require.NotEmpty(t, written)
	var macros, translations int
	for _, u := range written {
		switch u.Kind {
		case MacroBlockUnit:
			macros++
		case TranslationBlockUnit:
			translations++
		}
	}
	m := s.Metrics()
	require.EqualValues(t, macros, m.MacroBlocksWritten)
	require.EqualValues(t, translations, m.TranslationBlocksWritten)
	require.EqualValues(t, 200, m.SlotsWritten)
	require.Less(t, m.BytesStored, m.BytesIn)
	require.Contains(t, m.String(), "200 written")

	opts = smallOptions(fs)
	opts.ReadOnly = true
	s, err = Open(testPath, opts, StoreState{})
	require.NoError(t, err)
	units, err := s.Units()
	require.NoError(t, err)
	require.Equal(t, len(written), len(units))
	for i := range units {
		require.Equal(t, written[i].Pos, units[i].Pos)
		require.Equal(t, written[i].Kind, units[i].Kind)
	}
	_, err = s.Close()
	require.NoError(t, err)
}

func TestOptionsValidate(t *testing.T) {
	for _, tc := range []struct {
		opts Options
		err  string
	}{
		{Options{BlockSize: 100}, "block size 100 out of range"},
		{Options{BlockSize: 4096, MacroBlockSize: 6000}, "must be a multiple"},
		{Options{BlockSize: 4096, MacroBlockSize: 4096}, "must be a multiple"},
		{Options{SpareRatio: 2}, "spare ratio"},
	} {
		opts := tc.opts
		err := opts.EnsureDefaults().Validate()
		require.ErrorContains(t, err, tc.err)
	}
	require.NoError(t, (&Options{}).EnsureDefaults().Validate())
}
