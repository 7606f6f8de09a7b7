// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vdo

import (
	"context"

	"github.com/KnightKu/vdo/internal/errkind"
	"github.com/KnightKu/vdo/internal/indexzone"
	"github.com/KnightKu/vdo/internal/layout"
	"github.com/KnightKu/vdo/internal/lifecycle"
	"github.com/KnightKu/vdo/internal/openchapter"
	"github.com/KnightKu/vdo/internal/stats"
)

// Post adds name -> metadata to the index, or is a no-op returning the
// existing entry if name is already present (spec.md §6).
func (s *Session) Post(ctx context.Context, name Name, metadata Metadata) (Callback, error) {
	cb, err := s.dispatch(ctx, indexzone.Post, name, metadata, false)
	if err == nil {
		s.stats.RecordPost(cb.Found)
	}
	return cb, err
}

// Update sets name's metadata, inserting it if absent (spec.md §6).
func (s *Session) Update(ctx context.Context, name Name, metadata Metadata) (Callback, error) {
	cb, err := s.dispatch(ctx, indexzone.Update, name, metadata, false)
	if err == nil {
		s.stats.RecordUpdate(cb.Found)
	}
	return cb, err
}

// Query looks up name without modifying the index, unless updateIndex
// requests the recency-refresh side effect spec.md §4.4 allows.
func (s *Session) Query(ctx context.Context, name Name, updateIndex bool) (Callback, error) {
	cb, err := s.dispatch(ctx, indexzone.Query, name, Metadata{}, updateIndex)
	if err == nil {
		s.stats.RecordQuery()
	}
	return cb, err
}

// Delete removes name from the index, if present.
func (s *Session) Delete(ctx context.Context, name Name) (Callback, error) {
	cb, err := s.dispatch(ctx, indexzone.Delete, name, Metadata{}, false)
	if err == nil {
		s.stats.RecordDelete(cb.Found)
	}
	return cb, err
}

func (s *Session) dispatch(ctx context.Context, typ indexzone.RequestType, name Name, metadata Metadata, updateIndex bool) (Callback, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Callback{}, errkind.New(errkind.NoIndex, "uds: session is closed")
	}
	if s.suspended {
		s.mu.Unlock()
		return Callback{}, errkind.New(errkind.Busy, "uds: session is suspended")
	}
	s.mu.Unlock()

	zoneID := name.Zone(len(s.zones))
	req := indexzone.NewRequest(typ, name, metadata)
	req.UpdateIndex = updateIndex
	s.zones[zoneID].Submit(req)
	res, err := req.Wait(ctx)
	if err != nil {
		return Callback{}, err
	}
	if res.Err != nil {
		return Callback{}, res.Err
	}
	return callbackFromResult(res), nil
}

// Suspend pauses the session: in-flight requests complete, but no new
// request is dispatched until Resume (spec.md §6).
func (s *Session) Suspend() {
	s.mu.Lock()
	s.suspended = true
	s.mu.Unlock()
}

// Resume un-pauses a session suspended by Suspend.
func (s *Session) Resume() {
	s.mu.Lock()
	s.suspended = false
	s.mu.Unlock()
}

// Flush blocks until every zone's queue has been drained at least once,
// giving the caller a point-in-time "everything submitted so far has been
// applied" guarantee. It does not wait for the chapter writer to persist
// anything to disk; use Save/checkpoint for that.
func (s *Session) Flush(ctx context.Context) error {
	for _, z := range s.zones {
		if _, _, _, err := z.Snapshot(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SetCheckpointFrequency changes how many closed chapters elapse between
// automatic checkpoints. 0 disables automatic checkpointing.
func (s *Session) SetCheckpointFrequency(n int) {
	s.mu.Lock()
	s.checkpointFrequency = n
	s.chaptersSinceCkpt = 0
	s.mu.Unlock()
}

// Save performs a clean-shutdown-quality save: every zone's open chapter
// and volume-index shard is snapshotted and committed to a fresh save
// slot (spec.md §4.9).
func (s *Session) Save(ctx context.Context) error {
	return s.saveAs(ctx, layout.SaveModeSave)
}

// checkpoint performs a periodic checkpoint, the same mechanism as Save
// but tagged SaveModeCheckpoint (spec.md §4.7).
func (s *Session) checkpoint() error {
	err := s.saveAs(s.ctx, layout.SaveModeCheckpoint)
	if err == nil {
		s.stats.RecordCheckpoint()
	}
	return err
}

func (s *Session) saveAs(ctx context.Context, mode layout.SaveMode) error {
	opens := make([]*openchapter.Chapter, len(s.zones))
	var oldest, newest uint64
	for i, z := range s.zones {
		chapter, zOldest, zNewest, err := z.Snapshot(ctx)
		if err != nil {
			return err
		}
		opens[i] = chapter
		oldest, newest = zOldest, zNewest // every zone shares one window
	}
	return lifecycle.Save(s.l, s.vi, opens, oldest, newest, mode)
}

// GetStats returns a point-in-time snapshot of the session's counters
// (spec.md §6).
func (s *Session) GetStats() Stats {
	return s.stats.Snapshot()
}

// Stats mirrors stats.Snapshot at the public API boundary.
type Stats = stats.Snapshot
