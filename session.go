// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vdo

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/KnightKu/vdo/internal/chapterwriter"
	"github.com/KnightKu/vdo/internal/errkind"
	"github.com/KnightKu/vdo/internal/geometry"
	"github.com/KnightKu/vdo/internal/indexzone"
	"github.com/KnightKu/vdo/internal/ioregion"
	"github.com/KnightKu/vdo/internal/layout"
	"github.com/KnightKu/vdo/internal/lifecycle"
	"github.com/KnightKu/vdo/internal/openchapter"
	"github.com/KnightKu/vdo/internal/sparsecache"
	"github.com/KnightKu/vdo/internal/stats"
	"github.com/KnightKu/vdo/internal/volume"
	"github.com/KnightKu/vdo/internal/volumeindex"
)

// Mode selects how OpenIndex brings an index into memory, matching
// spec.md §6.
type Mode int

const (
	// ModeCreate lays out a new volume at Config.Name, creating the file
	// if it does not exist. An existing file is not rejected: it is
	// reused under the new layout.
	ModeCreate Mode = iota
	// ModeLoad recovers a previously-saved index from its latest valid
	// save slot. Returns an error tagged errkind.NotSavedCleanly if no
	// slot is usable; callers that want automatic fallback should retry
	// with ModeRebuild.
	ModeLoad
	// ModeRebuild discards any existing save state and reconstructs the
	// volume index by rescanning every chapter on disk.
	ModeRebuild
)

// Session is a single open index: its on-disk volume, in-memory volume
// index, zone workers, and the background chapter writer, per spec.md §5.
type Session struct {
	cfg  Config
	geo  *geometry.Geometry
	file ioregion.File
	lock io.Closer
	l    *layout.Layout

	vi     *volumeindex.VolumeIndex
	vol    *volume.Volume
	cache  *sparsecache.Cache
	writer *chapterwriter.Writer
	zones  []*indexzone.Zone
	stats  *stats.Stats

	doneCh chan chapterwriter.Done

	ctx    context.Context
	cancel context.CancelFunc
	// eg tracks the zone-worker and chapter-writer goroutines the way
	// pebble/replay.go supervises its workload goroutines: Wait reports the
	// first genuine failure among them, instead of a bare WaitGroup that
	// can only say "all done", never "why".
	eg errgroup.Group

	mu                  sync.Mutex
	suspended           bool
	closed              bool
	chaptersSinceCkpt   int
	checkpointFrequency int
}

// OpenIndex brings an index into memory according to mode, starting its
// zone workers and chapter writer.
func OpenIndex(cfg Config, mode Mode) (*Session, error) {
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	geo, err := geometry.New(cfg.BytesPerPage, cfg.RecordPagesPerChapter, cfg.ChaptersPerVolume, cfg.SparseChaptersPerVolume, cfg.SparseSampleRate, 0, 0)
	if err != nil {
		return nil, err
	}

	factory := ioregion.Open(cfg.Name, 0)
	lock, err := factory.Lock()
	if err != nil {
		return nil, errkind.Wrap(errkind.BadState, err)
	}
	budget := lifecycle.SnapshotBudget(geo, cfg.ZoneCount)

	var file ioregion.File
	var l *layout.Layout
	switch mode {
	case ModeCreate:
		file, err = factory.CreateOrOpen(0)
		if err != nil {
			lock.Close()
			return nil, err
		}
		l, err = layout.Create(file, geo, budget)
		if err != nil {
			file.Close()
			lock.Close()
			return nil, err
		}
		if err := l.WriteConfig(layout.NewConfigRecord(geo, cfg.CacheChapters, cfg.ZoneCount)); err != nil {
			file.Close()
			lock.Close()
			return nil, err
		}
	case ModeLoad, ModeRebuild:
		file, err = factory.CreateOrOpen(0)
		if err != nil {
			lock.Close()
			return nil, err
		}
		l = layout.Open(file, geo, budget)
		stored, err := l.ReadConfig()
		if err != nil {
			file.Close()
			lock.Close()
			return nil, errkind.Wrap(errkind.CorruptFile, err)
		}
		if int(stored.ZoneCount) != cfg.ZoneCount {
			file.Close()
			lock.Close()
			return nil, errkind.Newf(errkind.InvalidArgument, "volume was configured with %d zones, reopening with %d", stored.ZoneCount, cfg.ZoneCount)
		}
	default:
		lock.Close()
		return nil, errkind.Newf(errkind.InvalidArgument, "unknown mode %d", mode)
	}

	vi := volumeindex.New(geo, cfg.ZoneCount)
	region := l.IndexRegion()
	vol, err := volume.New(geo, region, cfg.CacheChapters, cfg.ReadThreads)
	if err != nil {
		file.Close()
		lock.Close()
		return nil, err
	}
	cache := sparsecache.New(cfg.CacheChapters)
	st := stats.New(cfg.Registry)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg: cfg, geo: geo, file: file, lock: lock, l: l,
		vi: vi, vol: vol, cache: cache, stats: st,
		doneCh:              make(chan chapterwriter.Done, cfg.ZoneCount*2),
		ctx:                 ctx,
		cancel:              cancel,
		checkpointFrequency: cfg.CheckpointFrequency,
	}
	s.writer = chapterwriter.New(geo, vol, cfg.ZoneCount, s.doneCh)

	opens := make([]*openchapter.Chapter, cfg.ZoneCount)
	var oldest, newest uint64
	switch mode {
	case ModeLoad:
		state, err := lifecycle.Load(l, geo, vi)
		if err != nil {
			s.Close()
			return nil, err
		}
		oldest, newest = state.Oldest, state.Newest
		for z := range opens {
			if state.OpenChapters[z] != nil {
				opens[z] = state.OpenChapters[z]
			} else {
				opens[z] = openchapter.New(geo.RecordsPerChapter)
			}
		}
	case ModeRebuild:
		l.DiscardSaves()
		state, err := lifecycle.Rebuild(ctx, geo, vol, vi, vol.ReadChapterHeader)
		if err != nil {
			s.Close()
			return nil, err
		}
		oldest, newest = state.Oldest, state.Newest
		for z := range opens {
			opens[z] = openchapter.New(geo.RecordsPerChapter)
		}
		st.RecordRebuild()
	default: // ModeCreate
		for z := range opens {
			opens[z] = openchapter.New(geo.RecordsPerChapter)
		}
	}

	s.zones = make([]*indexzone.Zone, cfg.ZoneCount)
	for z := 0; z < cfg.ZoneCount; z++ {
		zone := indexzone.New(z, geo, vi.Zone(z), vol, cache, s.writer)
		zone.Resume(oldest, newest)
		s.zones[z] = zone
	}
	for _, zone := range s.zones {
		var peers []*indexzone.Zone
		for _, other := range s.zones {
			if other != zone {
				peers = append(peers, other)
			}
		}
		zone.SetPeers(peers)
	}

	s.eg.Go(func() error {
		if err := s.writer.Run(ctx); err != nil && ctx.Err() == nil {
			cfg.Logger.Errorf("uds: chapter writer stopped: %v", err)
			return err
		}
		return nil
	})
	for _, z := range s.zones {
		zone := z
		s.eg.Go(func() error {
			if err := zone.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	go s.dispatchWriterDone()

	return s, nil
}

// dispatchWriterDone fans chapter-writer completion signals out to every
// zone, since a single writer serves all zones (spec.md §4.6).
func (s *Session) dispatchWriterDone() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case done, ok := <-s.doneCh:
			if !ok {
				return
			}
			for _, z := range s.zones {
				z.HandleWriterDone(done)
			}
			if done.Err == nil {
				s.maybeCheckpoint()
			}
		}
	}
}

// Close performs a final Save and shuts the session down, releasing the
// backing file lock. Further requests on s return errkind.NoIndex; a
// second Close returns nil.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var saveErr error
	if s.zones != nil {
		saveErr = s.Save(s.ctx)
	}

	s.cancel()
	if err := s.eg.Wait(); err != nil && saveErr == nil {
		saveErr = err
	}
	if s.file != nil {
		s.file.Close()
	}
	if s.lock != nil {
		s.lock.Close()
	}
	return saveErr
}

// Destroy closes the session and discards all saved state, so a
// subsequent ModeLoad will report errkind.NotSavedCleanly. The backing
// file itself is left in place (removing it is the caller's decision, not
// this package's — spec.md §1 "out of scope: the IO factory").
func (s *Session) Destroy() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.l.DiscardSaves()

	s.cancel()
	_ = s.eg.Wait()
	if s.file != nil {
		s.file.Close()
	}
	if s.lock != nil {
		s.lock.Close()
	}
	return nil
}

func (s *Session) maybeCheckpoint() {
	if s.checkpointFrequency <= 0 {
		return
	}
	s.mu.Lock()
	s.chaptersSinceCkpt++
	due := s.chaptersSinceCkpt >= s.checkpointFrequency
	if due {
		s.chaptersSinceCkpt = 0
	}
	s.mu.Unlock()
	if due {
		if err := s.checkpoint(); err != nil {
			s.cfg.Logger.Errorf("uds: automatic checkpoint failed: %v", err)
		}
	}
}
