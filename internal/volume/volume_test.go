// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package volume

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/KnightKu/vdo/internal/chunkname"
	"github.com/KnightKu/vdo/internal/deltaindex"
	"github.com/KnightKu/vdo/internal/ioregion"
	"github.com/KnightKu/vdo/internal/openchapter"
	"github.com/KnightKu/vdo/internal/testgeometry"
)

func newTestVolume(t *testing.T) *Volume {
	t.Helper()
	g := testgeometry.New()
	f := ioregion.NewMemFile()
	require.NoError(t, f.Truncate(g.BytesPerVolume))
	region := ioregion.NewRegion(f, 0, g.BytesPerVolume)
	v, err := New(g, region, 2, 4)
	require.NoError(t, err)
	return v
}

func name(b byte) chunkname.Name {
	var n chunkname.Name
	n[0] = b
	return n
}

func meta(b byte) chunkname.Metadata {
	var m chunkname.Metadata
	m[0] = b
	return m
}

func TestWriteChapterThenGetRecordPage(t *testing.T) {
	v := newTestVolume(t)
	records := []openchapter.Record{
		{Name: name(5), Metadata: meta(5)},
		{Name: name(1), Metadata: meta(1)},
		{Name: name(3), Metadata: meta(3)},
	}
	indexPages := make([][]byte, v.geo.IndexPagesPerChapter)
	for i := range indexPages {
		indexPages[i] = make([]byte, v.geo.BytesPerPage)
	}
	require.NoError(t, v.WriteChapter(0, 0, indexPages, records))

	got, err := v.GetRecordPage(context.Background(), 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, got)

	m, ok := SearchRecordPage(got, name(3))
	require.True(t, ok)
	require.Equal(t, meta(3), m)

	_, ok = SearchRecordPage(got, name(9))
	require.False(t, ok)
}

func TestWriteChapterRejectsWrongIndexPageCount(t *testing.T) {
	v := newTestVolume(t)
	err := v.WriteChapter(0, 0, [][]byte{{1, 2, 3}}, nil)
	require.Error(t, err)
}

func TestGetIndexPageRoundTrip(t *testing.T) {
	v := newTestVolume(t)
	indexPages := make([][]byte, v.geo.IndexPagesPerChapter)
	for i := range indexPages {
		page := make([]byte, v.geo.BytesPerPage)
		page[0] = byte(i + 1)
		indexPages[i] = page
	}
	require.NoError(t, v.WriteChapter(0, 0, indexPages, nil))

	got, err := v.GetIndexPage(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Equal(t, byte(1), got[0])
}

func TestForgetChapterInvalidatesSlot(t *testing.T) {
	v := newTestVolume(t)
	indexPages := make([][]byte, v.geo.IndexPagesPerChapter)
	for i := range indexPages {
		indexPages[i] = make([]byte, v.geo.BytesPerPage)
	}
	require.NoError(t, v.WriteChapter(0, 0, indexPages, nil))

	oldest, newest, found := v.FindVolumeChapterBoundaries(func(int) (uint64, bool) { return 0, true })
	require.True(t, found)
	require.Equal(t, uint64(0), oldest)
	require.Equal(t, uint64(0), newest)

	v.ForgetChapter(0)
	_, _, found = v.FindVolumeChapterBoundaries(func(int) (uint64, bool) { return 0, true })
	require.False(t, found)
}

func TestFindVolumeChapterBoundariesAcrossChapters(t *testing.T) {
	v := newTestVolume(t)
	indexPages := make([][]byte, v.geo.IndexPagesPerChapter)
	for i := range indexPages {
		indexPages[i] = make([]byte, v.geo.BytesPerPage)
	}
	require.NoError(t, v.WriteChapter(1, 9, indexPages, nil))
	require.NoError(t, v.WriteChapter(3, 11, indexPages, nil))

	vcns := map[int]uint64{1: 9, 3: 11}
	oldest, newest, found := v.FindVolumeChapterBoundaries(func(physical int) (uint64, bool) {
		vcn, ok := vcns[physical]
		return vcn, ok
	})
	require.True(t, found)
	require.Equal(t, uint64(9), oldest)
	require.Equal(t, uint64(11), newest)
}

func TestMarkChapterValidWithoutWriteChapter(t *testing.T) {
	v := newTestVolume(t)
	v.MarkChapterValid(2)
	oldest, newest, found := v.FindVolumeChapterBoundaries(func(int) (uint64, bool) { return 4, true })
	require.True(t, found)
	require.Equal(t, uint64(4), oldest)
	require.Equal(t, uint64(4), newest)
}

func TestReadChapterHeaderRoundTrip(t *testing.T) {
	v := newTestVolume(t)
	indexPages := make([][]byte, v.geo.IndexPagesPerChapter)
	for i := range indexPages {
		indexPages[i] = make([]byte, v.geo.BytesPerPage)
	}
	require.NoError(t, v.WriteChapter(2, 17, indexPages, nil))

	vcn, ok := v.ReadChapterHeader(2)
	require.True(t, ok)
	require.Equal(t, uint64(17), vcn)

	_, ok = v.ReadChapterHeader(5)
	require.False(t, ok, "a chapter slot never written must report absent")
}

func TestNewRecoversValidChaptersFromDiskHeader(t *testing.T) {
	g := testgeometry.New()
	f := ioregion.NewMemFile()
	require.NoError(t, f.Truncate(g.BytesPerVolume))
	region := ioregion.NewRegion(f, 0, g.BytesPerVolume)

	first, err := New(g, region, 2, 4)
	require.NoError(t, err)
	indexPages := make([][]byte, g.IndexPagesPerChapter)
	for i := range indexPages {
		indexPages[i] = make([]byte, g.BytesPerPage)
	}
	require.NoError(t, first.WriteChapter(0, 6, indexPages, nil))
	require.NoError(t, first.WriteChapter(2, 8, indexPages, nil))

	// A brand-new Volume over the same region, as a restarted process would
	// construct, must recover both written slots without any in-memory
	// state surviving the "restart" (spec.md §4.9 "Rebuild").
	reopened, err := New(g, region, 2, 4)
	require.NoError(t, err)
	oldest, newest, found := reopened.FindVolumeChapterBoundaries(reopened.ReadChapterHeader)
	require.True(t, found)
	require.Equal(t, uint64(6), oldest)
	require.Equal(t, uint64(8), newest)
}

func TestDecodeChapterIndexRoundTrip(t *testing.T) {
	v := newTestVolume(t)
	flat := deltaindex.NewIndex(v.geo).Encode()
	indexPages := deltaindex.SplitPages(flat, v.geo.IndexPagesPerChapter, v.geo.BytesPerPage)
	require.NoError(t, v.WriteChapter(0, 0, indexPages, nil))

	idx, err := v.DecodeChapterIndex(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, idx)
}
