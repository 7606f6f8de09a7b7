// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package chapterwriter implements the single background writer described
// by spec.md §4.6: it receives closed open-chapter snapshots from every
// zone for the same virtual chapter, packs them into one sorted on-disk
// chapter, writes it, and signals completion back to the zones so they can
// advance their windows.
package chapterwriter

import (
	"context"
	"sync"

	"github.com/KnightKu/vdo/internal/deltaindex"
	"github.com/KnightKu/vdo/internal/errkind"
	"github.com/KnightKu/vdo/internal/geometry"
	"github.com/KnightKu/vdo/internal/openchapter"
	"github.com/KnightKu/vdo/internal/volume"
)

// Submission is one zone's contribution to closing a virtual chapter: a
// copied (not borrowed) snapshot of that zone's open chapter, per §4.2
// "copy not borrow".
type Submission struct {
	Zone           int
	VirtualChapter uint64
	Chapter        *openchapter.Chapter
}

// Done is delivered once per virtual chapter, after every zone's
// submission for it has been packed and written (or the attempt failed).
type Done struct {
	VirtualChapter uint64
	Err            error
}

// Writer owns the single chapter-writer goroutine. Zones submit through
// Submit; Writer replies on the doneCh channel passed to New.
type Writer struct {
	geo     *geometry.Geometry
	vol     *volume.Volume
	zones   int
	submit  chan Submission
	pending map[uint64][]Submission
	doneCh  chan<- Done

	mu           sync.Mutex
	disabled     error
	submitCounts map[uint64]int
}

// New constructs a Writer over vol, expecting exactly zones submissions
// (one per zone) to close each virtual chapter.
func New(geo *geometry.Geometry, vol *volume.Volume, zones int, doneCh chan<- Done) *Writer {
	return &Writer{
		geo:     geo,
		vol:     vol,
		zones:   zones,
		submit:  make(chan Submission, zones*2),
		pending: make(map[uint64][]Submission),
		doneCh:  doneCh,
	}
}

// Submit hands one zone's closed-chapter snapshot to the writer and returns
// the number of zones that have now submitted for s.VirtualChapter,
// matching start_closing_chapter's return value in spec.md §4.6 — the
// caller uses a result of 1 to decide whether it was the first zone to
// close this VCN (spec.md §4.4 step 8, zone-skew control). It never blocks
// the caller past the channel buffer (sized 2x the zone count), matching
// the "circular ownership handoff" design note in spec.md §9.
func (w *Writer) Submit(s Submission) int {
	w.mu.Lock()
	if w.submitCounts == nil {
		w.submitCounts = make(map[uint64]int)
	}
	w.submitCounts[s.VirtualChapter]++
	n := w.submitCounts[s.VirtualChapter]
	if n >= w.zones {
		delete(w.submitCounts, s.VirtualChapter)
	}
	w.mu.Unlock()

	w.submit <- s
	return n
}

// Disabled reports the error that caused Run to give up, if any. Once set
// it is permanent: spec.md §7 treats a chapter-writer failure as fatal to
// the session (the session moves to a disabled, read-only state).
func (w *Writer) Disabled() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disabled
}

// Run processes submissions until ctx is canceled, packing and writing
// each virtual chapter once every zone has submitted for it. It is meant
// to run as the body of the single chapter-writer goroutine
// (spec.md §5).
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-w.submit:
			w.pending[s.VirtualChapter] = append(w.pending[s.VirtualChapter], s)
			if len(w.pending[s.VirtualChapter]) < w.zones {
				continue
			}
			group := w.pending[s.VirtualChapter]
			delete(w.pending, s.VirtualChapter)

			err := w.packAndWrite(s.VirtualChapter, group)
			if err != nil {
				w.mu.Lock()
				w.disabled = err
				w.mu.Unlock()
			}
			select {
			case w.doneCh <- Done{VirtualChapter: s.VirtualChapter, Err: err}:
			case <-ctx.Done():
				return ctx.Err()
			}
			if err != nil {
				return err
			}
		}
	}
}

// packAndWrite merges every zone's records for virtualChapter (later zones
// never conflict: each name belongs to exactly one zone, spec.md §3), sorts
// them, builds the chapter's delta index from the same records, and writes
// the resulting physical chapter.
func (w *Writer) packAndWrite(virtualChapter uint64, group []Submission) error {
	var records []openchapter.Record
	for _, s := range group {
		records = append(records, s.Chapter.Records()...)
	}
	if len(records) > w.geo.RecordsPerChapter {
		return errkind.Newf(errkind.BadState, "chapter %d has %d records, geometry allows %d", virtualChapter, len(records), w.geo.RecordsPerChapter)
	}

	idx := deltaindex.NewIndex(w.geo)
	for i, r := range records {
		list, addr := idx.Addr(r.Name.ChapterIndexBytes())
		if err := idx.List(list).Put(addr, deltaindex.Payload{VCN: uint64(i)}); err != nil {
			// An index-build overflow here means the chapter's own records
			// don't fit the per-list capacity budget; surfacing it as a
			// fatal write error matches spec.md §7's "chapter-writer
			// failures are fatal" rule, since it implies miscomputed
			// geometry rather than a recoverable per-put overflow.
			return errkind.Wrap(errkind.BadState, err)
		}
	}
	flat := idx.Encode()
	indexPages := deltaindex.SplitPages(flat, w.geo.IndexPagesPerChapter, w.geo.BytesPerPage)

	physical := w.geo.MapToPhysicalChapter(virtualChapter)
	return w.vol.WriteChapter(physical, virtualChapter, indexPages, records)
}
