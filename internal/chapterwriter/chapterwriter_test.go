// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package chapterwriter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KnightKu/vdo/internal/chunkname"
	"github.com/KnightKu/vdo/internal/ioregion"
	"github.com/KnightKu/vdo/internal/openchapter"
	"github.com/KnightKu/vdo/internal/testgeometry"
	"github.com/KnightKu/vdo/internal/volume"
)

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

func newTestWriter(t *testing.T, doneCh chan Done) (*Writer, *volume.Volume) {
	t.Helper()
	g := testgeometry.New()
	f := ioregion.NewMemFile()
	require.NoError(t, f.Truncate(g.BytesPerVolume))
	region := ioregion.NewRegion(f, 0, g.BytesPerVolume)
	v, err := volume.New(g, region, 2, 4)
	require.NoError(t, err)
	return New(g, v, testgeometry.ZoneCount, doneCh), v
}

func TestPackAndWriteProducesReadableChapter(t *testing.T) {
	doneCh := make(chan Done, 1)
	w, v := newTestWriter(t, doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	zone0 := openchapter.New(4)
	_, err := zone0.Put(name(1), meta(1))
	require.NoError(t, err)
	zone1 := openchapter.New(4)
	_, err = zone1.Put(name(2), meta(2))
	require.NoError(t, err)

	w.Submit(Submission{Zone: 0, VirtualChapter: 0, Chapter: zone0})
	w.Submit(Submission{Zone: 1, VirtualChapter: 0, Chapter: zone1})

	select {
	case d := <-doneCh:
		require.Equal(t, uint64(0), d.VirtualChapter)
		require.NoError(t, d.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Done")
	}
	cancel()
	<-runErr

	page, err := v.GetRecordPage(context.Background(), 0, 0)
	require.NoError(t, err)
	_, ok := volume.SearchRecordPage(page, name(1))
	require.True(t, ok)
}

func TestPackAndWriteOverflowDisablesWriter(t *testing.T) {
	doneCh := make(chan Done, 1)
	w, _ := newTestWriter(t, doneCh)
	g := testgeometry.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	// Overfill one zone's contribution past RecordsPerChapter so the merged
	// group cannot fit in a single chapter.
	capacity := g.RecordsPerChapter + 1
	zone0 := openchapter.New(capacity)
	for i := 0; i < capacity; i++ {
		var n chunkname.Name
		n[0] = byte(i)
		n[1] = byte(i >> 8)
		_, err := zone0.Put(n, meta(1))
		require.NoError(t, err)
	}
	zone1 := openchapter.New(1)

	w.Submit(Submission{Zone: 0, VirtualChapter: 0, Chapter: zone0})
	w.Submit(Submission{Zone: 1, VirtualChapter: 0, Chapter: zone1})

	select {
	case d := <-doneCh:
		require.Error(t, d.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Done")
	}
	err := <-runErr
	require.Error(t, err)
	require.Error(t, w.Disabled())
}
