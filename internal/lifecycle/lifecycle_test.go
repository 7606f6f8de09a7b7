// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/KnightKu/vdo/internal/chunkname"
	"github.com/KnightKu/vdo/internal/ioregion"
	"github.com/KnightKu/vdo/internal/layout"
	"github.com/KnightKu/vdo/internal/openchapter"
	"github.com/KnightKu/vdo/internal/testgeometry"
	"github.com/KnightKu/vdo/internal/volume"
	"github.com/KnightKu/vdo/internal/volumeindex"
)

func name(b byte) chunkname.Name {
	var n chunkname.Name
	n[0] = b
	return n
}

func TestSnapshotBudgetIsPositiveAndScalesWithZones(t *testing.T) {
	g := testgeometry.New()
	one := SnapshotBudget(g, 1)
	two := SnapshotBudget(g, 2)
	require.Positive(t, one)
	require.Equal(t, one*2, two)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	g := testgeometry.New()
	f := ioregion.NewMemFile()
	l, err := layout.Create(f, g, SnapshotBudget(g, testgeometry.ZoneCount))
	require.NoError(t, err)

	vi := volumeindex.New(g, testgeometry.ZoneCount)
	require.NoError(t, vi.Zone(0).Put(name(1), 3))
	require.NoError(t, vi.Zone(1).Put(name(2), 5))

	opens := make([]*openchapter.Chapter, testgeometry.ZoneCount)
	for z := range opens {
		c := openchapter.New(g.RecordsPerChapter)
		_, err := c.Put(name(byte(10+z)), chunkname.Metadata{})
		require.NoError(t, err)
		opens[z] = c
	}

	require.NoError(t, Save(l, vi, opens, 0, 4, layout.SaveModeSave))

	restoredVI := volumeindex.New(g, testgeometry.ZoneCount)
	state, err := Load(l, g, restoredVI)
	require.NoError(t, err)
	require.Equal(t, uint64(0), state.Oldest)
	require.Equal(t, uint64(4), state.Newest)
	require.Len(t, state.OpenChapters, testgeometry.ZoneCount)

	rec := restoredVI.Zone(0).GetRecord(name(1))
	require.True(t, rec.Found)
	require.Equal(t, uint64(3), rec.VCN)

	_, ok := state.OpenChapters[0].Search(name(10))
	require.True(t, ok)
}

func TestLoadWithoutSaveReportsNotSavedCleanly(t *testing.T) {
	g := testgeometry.New()
	f := ioregion.NewMemFile()
	l, err := layout.Create(f, g, SnapshotBudget(g, 1))
	require.NoError(t, err)

	vi := volumeindex.New(g, 1)
	_, err = Load(l, g, vi)
	require.Error(t, err)
}

func TestSaveRejectsWrongOpenChapterCount(t *testing.T) {
	g := testgeometry.New()
	f := ioregion.NewMemFile()
	l, err := layout.Create(f, g, SnapshotBudget(g, 2))
	require.NoError(t, err)
	vi := volumeindex.New(g, 2)

	err = Save(l, vi, []*openchapter.Chapter{openchapter.New(1)}, 0, 0, layout.SaveModeSave)
	require.Error(t, err)
}

func TestRebuildReplaysRecordsFromVolume(t *testing.T) {
	g := testgeometry.New()
	f := ioregion.NewMemFile()
	require.NoError(t, f.Truncate(g.BytesPerVolume))
	region := ioregion.NewRegion(f, 0, g.BytesPerVolume)
	vol, err := volume.New(g, region, 2, 4)
	require.NoError(t, err)

	indexPages := make([][]byte, g.IndexPagesPerChapter)
	for i := range indexPages {
		indexPages[i] = make([]byte, g.BytesPerPage)
	}
	records := []openchapter.Record{{Name: name(7), Metadata: chunkname.Metadata{}}}
	require.NoError(t, vol.WriteChapter(0, 0, indexPages, records))

	vi := volumeindex.New(g, testgeometry.ZoneCount)
	decodeVCN := func(physical int) (uint64, bool) {
		if physical == 0 {
			return 0, true
		}
		return 0, false
	}
	state, err := Rebuild(context.Background(), g, vol, vi, decodeVCN)
	require.NoError(t, err)
	require.Equal(t, uint64(1), state.Newest)

	rec := vi.ZoneFor(name(7)).GetRecord(name(7))
	require.True(t, rec.Found)
	require.Equal(t, uint64(0), rec.VCN)
}

func TestRebuildReplaysRecordsUsingVolumeChapterHeader(t *testing.T) {
	g := testgeometry.New()
	f := ioregion.NewMemFile()
	require.NoError(t, f.Truncate(g.BytesPerVolume))
	region := ioregion.NewRegion(f, 0, g.BytesPerVolume)
	vol, err := volume.New(g, region, 2, 4)
	require.NoError(t, err)

	indexPages := make([][]byte, g.IndexPagesPerChapter)
	for i := range indexPages {
		indexPages[i] = make([]byte, g.BytesPerPage)
	}
	records := []openchapter.Record{{Name: name(9), Metadata: chunkname.Metadata{}}}
	require.NoError(t, vol.WriteChapter(0, 0, indexPages, records))

	// A fresh Volume over the same region, as a restarted process would
	// construct, must be able to rebuild using only the on-disk chapter
	// header — no hand-supplied decodeVCN standing in for it.
	reopened, err := volume.New(g, region, 2, 4)
	require.NoError(t, err)

	vi := volumeindex.New(g, testgeometry.ZoneCount)
	state, err := Rebuild(context.Background(), g, reopened, vi, reopened.ReadChapterHeader)
	require.NoError(t, err)
	require.Equal(t, uint64(1), state.Newest)

	rec := vi.ZoneFor(name(9)).GetRecord(name(9))
	require.True(t, rec.Found)
	require.Equal(t, uint64(0), rec.VCN)
}

func TestRebuildWithNoValidChaptersReturnsEmptyState(t *testing.T) {
	g := testgeometry.New()
	f := ioregion.NewMemFile()
	require.NoError(t, f.Truncate(g.BytesPerVolume))
	region := ioregion.NewRegion(f, 0, g.BytesPerVolume)
	vol, err := volume.New(g, region, 2, 4)
	require.NoError(t, err)

	vi := volumeindex.New(g, 1)
	state, err := Rebuild(context.Background(), g, vol, vi, func(int) (uint64, bool) { return 0, false })
	require.NoError(t, err)
	require.Zero(t, state.Oldest)
	require.Zero(t, state.Newest)
}
