// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ioregion

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegionReadWriteRoundTrip(t *testing.T) {
	f := NewMemFile()
	require.NoError(t, f.Truncate(64))
	r := NewRegion(f, 16, 32)

	require.NoError(t, r.WriteAt([]byte("hello"), 0))
	got := make([]byte, 5)
	require.NoError(t, r.ReadAt(got, 0))
	require.Equal(t, "hello", string(got))
}

func TestRegionWriteIsRelativeToOffset(t *testing.T) {
	f := NewMemFile()
	require.NoError(t, f.Truncate(64))
	r := NewRegion(f, 16, 32)
	require.NoError(t, r.WriteAt([]byte("x"), 0))

	raw := make([]byte, 1)
	n, err := f.ReadAt(raw, 16)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, byte('x'), raw[0])
}

func TestRegionRejectsOutOfRangeAccess(t *testing.T) {
	f := NewMemFile()
	require.NoError(t, f.Truncate(64))
	r := NewRegion(f, 0, 8)

	require.Error(t, r.WriteAt([]byte("123456789"), 0))
	require.Error(t, r.ReadAt(make([]byte, 4), 6))
	require.Error(t, r.ReadAt(make([]byte, 4), -1))
}

func TestRegionSubNestsWithinParent(t *testing.T) {
	f := NewMemFile()
	require.NoError(t, f.Truncate(64))
	parent := NewRegion(f, 10, 20)
	child := parent.Sub(4, 8)
	require.Equal(t, int64(8), child.Size())

	require.NoError(t, child.WriteAt([]byte("abc"), 0))
	raw := make([]byte, 3)
	_, err := f.ReadAt(raw, 14)
	require.NoError(t, err)
	require.Equal(t, "abc", string(raw))
}

func TestRegionSize(t *testing.T) {
	f := NewMemFile()
	r := NewRegion(f, 0, 42)
	require.Equal(t, int64(42), r.Size())
}

func TestMemFileGrowsOnWrite(t *testing.T) {
	f := NewMemFile()
	n, err := f.WriteAt([]byte("abcd"), 10)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	got := make([]byte, 4)
	_, err = f.ReadAt(got, 10)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(got))
}

func TestMemFileReadPastEndReportsEOF(t *testing.T) {
	f := NewMemFile()
	require.NoError(t, f.Truncate(4))
	_, err := f.ReadAt(make([]byte, 4), 10)
	require.Error(t, err)
}

func TestMemFileTruncateShrinksAndGrows(t *testing.T) {
	f := NewMemFile()
	require.NoError(t, f.Truncate(8))
	_, err := f.WriteAt([]byte("12345678"), 0)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(4))
	got := make([]byte, 4)
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, "1234", string(got))

	require.NoError(t, f.Truncate(8))
	got = make([]byte, 8)
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, "1234\x00\x00\x00\x00", string(got))
}
