// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package chunkname

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNameZoneStable(t *testing.T) {
	var n Name
	n[6], n[7], n[8], n[9] = 0, 0, 0, 5

	require.Equal(t, 0, n.Zone(1))
	z := n.Zone(4)
	require.Equal(t, z, n.Zone(4), "Zone must be a pure function of the name")
	require.GreaterOrEqual(t, z, 0)
	require.Less(t, z, 4)
}

func TestNameIsSampleRateOne(t *testing.T) {
	var n Name
	n[0] = 0xFF
	require.True(t, n.IsSample(0), "a zero sample rate must be treated as 1 (every name sampled)")
	require.True(t, n.IsSample(1))
}

func TestNameIsSampleDeterministic(t *testing.T) {
	var n Name
	n[0], n[1], n[2] = 1, 2, 3
	first := n.IsSample(4)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, n.IsSample(4))
	}
}

func TestChapterIndexBytesUsesTailBytes(t *testing.T) {
	var a, b Name
	a[10] = 1
	b[10] = 2
	require.NotEqual(t, a.ChapterIndexBytes(), b.ChapterIndexBytes())

	var c Name
	c[0] = 0xFF // a leading byte outside the chapter-index range
	require.Equal(t, Name{}.ChapterIndexBytes(), c.ChapterIndexBytes())
}

func TestNameString(t *testing.T) {
	var n Name
	n[0] = 0xAB
	require.Contains(t, n.String(), "ab")
}
