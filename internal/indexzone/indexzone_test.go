// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package indexzone

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KnightKu/vdo/internal/chapterwriter"
	"github.com/KnightKu/vdo/internal/chunkname"
	"github.com/KnightKu/vdo/internal/errkind"
	"github.com/KnightKu/vdo/internal/ioregion"
	"github.com/KnightKu/vdo/internal/sparsecache"
	"github.com/KnightKu/vdo/internal/testgeometry"
	"github.com/KnightKu/vdo/internal/volume"
	"github.com/KnightKu/vdo/internal/volumeindex"
)

func name(b byte) chunkname.Name {
	var n chunkname.Name
	n[0] = b
	n[1] = b >> 4
	return n
}

func meta(b byte) chunkname.Metadata {
	var m chunkname.Metadata
	m[0] = b
	return m
}

func newTestZone(t *testing.T, doneCh chan chapterwriter.Done) (*Zone, *chapterwriter.Writer) {
	t.Helper()
	g := testgeometry.New()
	f := ioregion.NewMemFile()
	require.NoError(t, f.Truncate(g.BytesPerVolume))
	region := ioregion.NewRegion(f, 0, g.BytesPerVolume)
	vol, err := volume.New(g, region, 2, 4)
	require.NoError(t, err)

	vi := volumeindex.New(g, 1)
	cache := sparsecache.New(2)
	writer := chapterwriter.New(g, vol, 1, doneCh)
	z := New(0, g, vi.Zone(0), vol, cache, writer)
	return z, writer
}

func submitAndWait(t *testing.T, ctx context.Context, z *Zone, typ RequestType, n chunkname.Name, m chunkname.Metadata) Result {
	t.Helper()
	req := NewRequest(typ, n, m)
	z.Submit(req)
	res, err := req.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestPostQueryDeleteRoundTrip(t *testing.T) {
	doneCh := make(chan chapterwriter.Done, 4)
	z, _ := newTestZone(t, doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go z.Run(ctx)

	n := name(1)
	res := submitAndWait(t, ctx, z, Post, n, meta(1))
	require.False(t, res.Found)

	res = submitAndWait(t, ctx, z, Query, n, chunkname.Metadata{})
	require.True(t, res.Found)
	require.Equal(t, meta(1), res.Location)

	res = submitAndWait(t, ctx, z, Delete, n, chunkname.Metadata{})
	require.True(t, res.Found)

	res = submitAndWait(t, ctx, z, Query, n, chunkname.Metadata{})
	require.False(t, res.Found)
}

func TestPostOfExistingNameIsNoOp(t *testing.T) {
	doneCh := make(chan chapterwriter.Done, 4)
	z, _ := newTestZone(t, doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go z.Run(ctx)

	n := name(2)
	submitAndWait(t, ctx, z, Post, n, meta(5))
	res := submitAndWait(t, ctx, z, Post, n, meta(9))
	require.True(t, res.Found)
	require.Equal(t, meta(5), res.Location, "a second POST must not overwrite the existing metadata")
}

func TestUpdateChangesMetadata(t *testing.T) {
	doneCh := make(chan chapterwriter.Done, 4)
	z, _ := newTestZone(t, doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go z.Run(ctx)

	n := name(3)
	submitAndWait(t, ctx, z, Post, n, meta(1))
	res := submitAndWait(t, ctx, z, Update, n, meta(2))
	require.True(t, res.Found)
	require.Equal(t, meta(1), res.OldMetadata)
	require.Equal(t, meta(2), res.NewMetadata)

	res = submitAndWait(t, ctx, z, Query, n, chunkname.Metadata{})
	require.Equal(t, meta(2), res.Location)
}

func TestUpdateOfAbsentNameInserts(t *testing.T) {
	doneCh := make(chan chapterwriter.Done, 4)
	z, _ := newTestZone(t, doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go z.Run(ctx)

	n := name(4)
	res := submitAndWait(t, ctx, z, Update, n, meta(7))
	require.False(t, res.Found)

	res = submitAndWait(t, ctx, z, Query, n, chunkname.Metadata{})
	require.True(t, res.Found)
	require.Equal(t, meta(7), res.Location)
}

func TestSnapshotReturnsIndependentCopy(t *testing.T) {
	doneCh := make(chan chapterwriter.Done, 4)
	z, _ := newTestZone(t, doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go z.Run(ctx)

	submitAndWait(t, ctx, z, Post, name(1), meta(1))

	chapter, oldest, newest, err := z.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), oldest)
	require.Equal(t, uint64(0), newest)
	require.Equal(t, 1, chapter.Count())

	submitAndWait(t, ctx, z, Post, name(2), meta(2))
	require.Equal(t, 1, chapter.Count(), "the snapshot must not observe writes made after it was taken")
}

func TestDisabledAfterWriterFailure(t *testing.T) {
	doneCh := make(chan chapterwriter.Done, 4)
	z, _ := newTestZone(t, doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go z.Run(ctx)

	z.HandleWriterDone(chapterwriter.Done{VirtualChapter: 0, Err: errkind.New(errkind.BadState, "writer died")})
	require.True(t, z.Disabled())

	res := submitAndWait(t, ctx, z, Query, name(1), chunkname.Metadata{})
	require.Error(t, res.Err)
	require.Equal(t, errkind.Disabled, errkind.Of(res.Err))
}

func TestCloseOpenChapterAdvancesWindowAndNotifiesWriter(t *testing.T) {
	doneCh := make(chan chapterwriter.Done, 4)
	z, writer := newTestZone(t, doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go z.Run(ctx)
	go writer.Run(ctx)

	g := testgeometry.New()
	for i := 0; i < g.RecordsPerChapter; i++ {
		var n chunkname.Name
		n[0] = byte(i)
		n[1] = byte(i >> 8)
		submitAndWait(t, ctx, z, Post, n, meta(1))
	}

	select {
	case d := <-doneCh:
		require.Equal(t, uint64(0), d.VirtualChapter)
		require.NoError(t, d.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the chapter writer to close chapter 0")
	}

	oldest, newest := z.Window()
	require.Equal(t, uint64(0), oldest)
	require.Equal(t, uint64(1), newest)
}

// TestAnnounceChapterClosedAdvancesPeerZone matches spec.md §8 scenario 2
// ("post 64 distinct names per zone; the 65th post in zone 0 must cause
// newest_vcn to increment to 1 ... and emit ANNOUNCE_CHAPTER_CLOSED(0) to
// zone 1"): zone 0 fills and closes its own chapter, and zone 1 — which
// never received enough posts to close naturally — must close in response
// to the broadcast so the writer can pack both zones' contributions.
func TestAnnounceChapterClosedAdvancesPeerZone(t *testing.T) {
	g := testgeometry.New()
	f := ioregion.NewMemFile()
	require.NoError(t, f.Truncate(g.BytesPerVolume))
	region := ioregion.NewRegion(f, 0, g.BytesPerVolume)
	vol, err := volume.New(g, region, 2, 4)
	require.NoError(t, err)

	vi := volumeindex.New(g, 2)
	cache := sparsecache.New(2)
	doneCh := make(chan chapterwriter.Done, 4)
	writer := chapterwriter.New(g, vol, 2, doneCh)

	z0 := New(0, g, vi.Zone(0), vol, cache, writer)
	z1 := New(1, g, vi.Zone(1), vol, cache, writer)
	z0.SetPeers([]*Zone{z1})
	z1.SetPeers([]*Zone{z0})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go z0.Run(ctx)
	go z1.Run(ctx)
	go writer.Run(ctx)

	for i := 0; i < g.RecordsPerChapter; i++ {
		var n chunkname.Name
		n[0] = byte(i)
		n[1] = byte(i >> 8)
		submitAndWait(t, ctx, z0, Post, n, meta(1))
	}

	select {
	case d := <-doneCh:
		require.Equal(t, uint64(0), d.VirtualChapter)
		require.NoError(t, d.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the chapter writer to pack chapter 0")
	}

	require.Eventually(t, func() bool {
		_, newest := z1.Window()
		return newest == 1
	}, time.Second, time.Millisecond, "zone 1 must close its own chapter in response to zone 0's ANNOUNCE_CHAPTER_CLOSED broadcast")
}
