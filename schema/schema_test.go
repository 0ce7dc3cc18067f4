// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventEncoding(t *testing.T) {
	s, err := Parse("a:int32:agg b:int64 c:float32:agg d:float64:idx:agg e:bool")
	require.NoError(t, err)
	require.Equal(t, 8+4+8+4+8+1, s.EventSize())
	require.Equal(t, []int{0, 2, 3}, s.Aggregated())

	e := Event{
		Timestamp: -42,
		Values: []Value{
			IntValue(-7), IntValue(1 << 40), FloatValue(1.5), FloatValue(-2.25), BoolValue(true),
		},
	}
	buf, err := s.AppendEvent([]byte("prefix"), e)
	require.NoError(t, err)
	require.Len(t, buf, len("prefix")+s.EventSize())

	got, rest, err := s.DecodeEvent(buf[len("prefix"):])
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, e.Timestamp, got.Timestamp)
	require.Equal(t, int64(-7), got.Values[0].Int())
	require.Equal(t, int64(1<<40), got.Values[1].Int())
	require.Equal(t, 1.5, got.Values[2].Float())
	require.Equal(t, -2.25, got.Values[3].Float())
	require.True(t, got.Values[4].Bool())
	require.Equal(t, "-42 -7 1099511627776 1.5 -2.25 1", got.String())

	_, _, err = s.DecodeEvent(buf[:10])
	require.Error(t, err)
	_, err = s.AppendEvent(nil, Event{Values: []Value{IntValue(1)}})
	require.Error(t, err)
}

func TestSchemaParse(t *testing.T) {
	const str = "price:float64:idx:agg qty:int32:agg flag:bool"
	s, err := Parse(str)
	require.NoError(t, err)
	require.Equal(t, str, s.String())
	i, ok := s.Index("qty")
	require.True(t, ok)
	require.Equal(t, 1, i)
	_, ok = s.Index("nope")
	require.False(t, ok)

	s2, err := Parse(s.String())
	require.NoError(t, err)
	require.True(t, s.Equal(s2))

	for _, bad := range []string{"x", "x:string", "x:int32:bogus", "x:int32 x:int64"} {
		_, err := Parse(bad)
		require.Error(t, err, bad)
	}

	empty, err := Parse("")
	require.NoError(t, err)
	require.Equal(t, 8, empty.EventSize())
}

func TestParseEvent(t *testing.T) {
	s, err := Parse("price:float64:agg qty:int32:agg flag:bool")
	require.NoError(t, err)

	e, err := s.ParseEvent("1700000000, 12.5, 3, true")
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), e.Timestamp)
	require.Equal(t, 12.5, e.Values[0].Float())
	require.Equal(t, int64(3), e.Values[1].Int())
	require.True(t, e.Values[2].Bool())
	require.Equal(t, "1700000000 12.5 3 1", e.String())

	e, err = s.ParseEvent("-5 0 -7 f")
	require.NoError(t, err)
	require.Equal(t, int64(-5), e.Timestamp)
	require.False(t, e.Values[2].Bool())

	for _, bad := range []string{
		"1 2 3",
		"x 1 2 true",
		"1 abc 2 true",
		"1 2 99999999999 true",
		"1 2 3 maybe",
	} {
		_, err := s.ParseEvent(bad)
		require.Error(t, err, bad)
	}
}
