// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package geometry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newScenarioGeometry(t *testing.T) *Geometry {
	t.Helper()
	g, err := New(16*BytesPerRecord, 4, 8, 2, 4, 0, 0)
	require.NoError(t, err)
	return g
}

func TestNewDerivesScenarioFixture(t *testing.T) {
	g := newScenarioGeometry(t)
	require.Equal(t, 16, g.RecordsPerPage)
	require.Equal(t, 64, g.RecordsPerChapter)
	require.Equal(t, uint64(512), g.RecordsPerVolume)
	require.Equal(t, 6, g.DenseChaptersPerVolume)
	require.True(t, g.IsSparse())
}

func TestNewRejectsPageSmallerThanRecord(t *testing.T) {
	_, err := New(BytesPerRecord-1, 4, 8, 2, 4, 0, 0)
	require.Error(t, err)
}

func TestNewRejectsSparseNotLessThanTotal(t *testing.T) {
	_, err := New(16*BytesPerRecord, 4, 8, 8, 4, 0, 0)
	require.Error(t, err)
}

func TestNewRejectsNonDefaultRemap(t *testing.T) {
	_, err := New(16*BytesPerRecord, 4, 8, 2, 4, 1, 1)
	require.Error(t, err)
}

func TestNewDefaultsZeroSampleRateToOne(t *testing.T) {
	g, err := New(16*BytesPerRecord, 4, 8, 2, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), g.SparseSampleRate)
}

func TestMapToPhysicalChapterWraps(t *testing.T) {
	g := newScenarioGeometry(t)
	require.Equal(t, 0, g.MapToPhysicalChapter(0))
	require.Equal(t, 0, g.MapToPhysicalChapter(uint64(g.ChaptersPerVolume)))
	require.Equal(t, 3, g.MapToPhysicalChapter(uint64(g.ChaptersPerVolume)+3))
}

func TestIsChapterSparse(t *testing.T) {
	g := newScenarioGeometry(t)
	// A window narrower than DenseChaptersPerVolume has no sparse tail yet.
	require.False(t, g.IsChapterSparse(0, 3, 0))
	// Once the window exceeds the dense capacity, the oldest chapters in the
	// window are sparse.
	oldest, newest := uint64(0), uint64(g.DenseChaptersPerVolume)+2
	require.True(t, g.IsChapterSparse(oldest, newest, 0))
	require.False(t, g.IsChapterSparse(oldest, newest, newest))
}

func TestChaptersToExpire(t *testing.T) {
	g := newScenarioGeometry(t)
	require.Equal(t, 0, g.ChaptersToExpire(uint64(g.ChaptersPerVolume-1)))
	require.Equal(t, 1, g.ChaptersToExpire(uint64(g.ChaptersPerVolume)))
}

func TestInt64BytesPerVolumeMatchesField(t *testing.T) {
	g := newScenarioGeometry(t)
	require.Equal(t, g.BytesPerVolume, g.Int64BytesPerVolume())
	require.Greater(t, g.Int64BytesPerVolume(), int64(0))
}
