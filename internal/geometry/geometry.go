// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package geometry holds the immutable, per-instance parameters that define
// the layout of a UDS index volume, and the quantities derived from them.
// The derivation mirrors original_source/utils/uds/geometry.c.
package geometry

import (
	"github.com/KnightKu/vdo/internal/chunkname"
	"github.com/KnightKu/vdo/internal/errkind"
)

// BytesPerRecord is the on-disk size of one record: a chunk name plus its
// metadata.
const BytesPerRecord = chunkname.Size + chunkname.MetadataSize

// defaultChapterMeanDeltaBits fixes the mean gap between successive
// addresses in a delta list (1<<16 == 65536), matching
// DEFAULT_CHAPTER_MEAN_DELTA_BITS in the original source.
const defaultChapterMeanDeltaBits = 16

// defaultOpenChapterLoadRatio bounds how densely the open chapter's hash
// table may be packed before a put starts probing far from its home slot.
const defaultOpenChapterLoadRatio = 2

// ChapterHeaderEntrySize is the on-disk size of one physical chapter's
// header entry in the volume's reserved header pages: a one-byte validity
// flag plus the 8-byte big-endian virtual chapter number it holds. This is
// the per-chapter header page spec.md §4.9 "Rebuild" assumes exists; Volume
// writes it alongside each chapter so a fresh process can recover
// oldest/newest without any in-memory state surviving a restart.
const ChapterHeaderEntrySize = 9

// Geometry is immutable once constructed by New.
type Geometry struct {
	BytesPerPage           int
	RecordPagesPerChapter  int
	ChaptersPerVolume      int
	SparseChaptersPerVolume int
	DenseChaptersPerVolume int

	// RemappedVirtual/RemappedPhysical record the one-chapter shrink
	// tolerance introduced by the 8.02 config record (spec.md §4.8, §9c).
	// A non-default remap is rejected by New; see DESIGN.md.
	RemappedVirtual  uint64
	RemappedPhysical uint64

	RecordsPerPage    int
	RecordsPerChapter int
	RecordsPerVolume  uint64

	OpenChapterLoadRatio int

	ChapterMeanDelta     int
	ChapterPayloadBits   int
	ChapterDeltaListBits int
	DeltaListsPerChapter int
	ChapterAddressBits   int

	IndexPagesPerChapter int
	PagesPerChapter      int
	PagesPerVolume       int
	HeaderPagesPerVolume int
	BytesPerVolume       int64

	// SparseSampleRate selects which names are tracked in the sparse
	// portion of the volume index (spec.md §3).
	SparseSampleRate uint32
}

func computeBits(maxValue int) int {
	bits := 0
	for maxValue > 0 {
		maxValue >>= 1
		bits++
	}
	return bits
}

// New validates and constructs a Geometry, deriving every dependent field
// the way initialize_geometry does in original_source/utils/uds/geometry.c.
func New(bytesPerPage, recordPagesPerChapter, chaptersPerVolume, sparseChaptersPerVolume int, sampleRate uint32, remappedVirtual, remappedPhysical uint64) (*Geometry, error) {
	if bytesPerPage < BytesPerRecord {
		return nil, errkind.Newf(errkind.InvalidArgument, "page (%d bytes) is smaller than a record (%d bytes)", bytesPerPage, BytesPerRecord)
	}
	if sparseChaptersPerVolume >= chaptersPerVolume {
		return nil, errkind.Newf(errkind.InvalidArgument, "sparse chapters per volume (%d) must be less than chapters per volume (%d)", sparseChaptersPerVolume, chaptersPerVolume)
	}
	if remappedVirtual != 0 || remappedPhysical != 0 {
		// spec.md §9c: the chapter-remap fields are under-specified in the
		// source; we start by rejecting any non-default remap.
		return nil, errkind.Newf(errkind.InvalidArgument, "non-default chapter remap (virtual=%d physical=%d) is not supported", remappedVirtual, remappedPhysical)
	}
	if sampleRate == 0 {
		sampleRate = 1
	}

	g := &Geometry{
		BytesPerPage:            bytesPerPage,
		RecordPagesPerChapter:   recordPagesPerChapter,
		ChaptersPerVolume:       chaptersPerVolume,
		SparseChaptersPerVolume: sparseChaptersPerVolume,
		DenseChaptersPerVolume:  chaptersPerVolume - sparseChaptersPerVolume,
		RemappedVirtual:         remappedVirtual,
		RemappedPhysical:        remappedPhysical,
		OpenChapterLoadRatio:    defaultOpenChapterLoadRatio,
		SparseSampleRate:        sampleRate,
	}

	g.RecordsPerPage = bytesPerPage / BytesPerRecord
	g.RecordsPerChapter = g.RecordsPerPage * recordPagesPerChapter
	g.RecordsPerVolume = uint64(g.RecordsPerChapter) * uint64(chaptersPerVolume)

	g.ChapterMeanDelta = 1 << defaultChapterMeanDeltaBits
	g.ChapterPayloadBits = computeBits(recordPagesPerChapter - 1)
	// "| 077" (63) ensures the computation doesn't underflow for tiny
	// chapters, matching the original.
	g.ChapterDeltaListBits = computeBits((g.RecordsPerChapter-1)|63) - 6
	if g.ChapterDeltaListBits < 0 {
		g.ChapterDeltaListBits = 0
	}
	g.DeltaListsPerChapter = 1 << g.ChapterDeltaListBits
	g.ChapterAddressBits = defaultChapterMeanDeltaBits - g.ChapterDeltaListBits + computeBits(g.RecordsPerChapter-1)

	g.IndexPagesPerChapter = deltaIndexPageCount(g.RecordsPerChapter, g.DeltaListsPerChapter, g.ChapterMeanDelta, g.ChapterPayloadBits, bytesPerPage)
	g.PagesPerChapter = g.IndexPagesPerChapter + recordPagesPerChapter
	g.PagesPerVolume = g.PagesPerChapter * chaptersPerVolume

	headerBytes := chaptersPerVolume * ChapterHeaderEntrySize
	g.HeaderPagesPerVolume = (headerBytes + bytesPerPage - 1) / bytesPerPage
	if g.HeaderPagesPerVolume < 1 {
		g.HeaderPagesPerVolume = 1
	}
	g.BytesPerVolume = int64(bytesPerPage) * int64(g.PagesPerVolume+g.HeaderPagesPerVolume)

	return g, nil
}

// deltaIndexPageCount estimates how many index pages a chapter's packed
// delta index needs, from the expected bits-per-entry. This mirrors
// get_delta_index_page_count: (mean delta needs ~meanDeltaBits bits, plus
// the payload bits, plus ~1 bit of list-boundary overhead) per record,
// rounded up to whole pages.
func deltaIndexPageCount(recordsPerChapter, deltaListsPerChapter, chapterMeanDelta, payloadBits, bytesPerPage int) int {
	bitsPerDelta := computeBits(chapterMeanDelta) + 1
	bitsPerEntry := bitsPerDelta + payloadBits
	totalBits := recordsPerChapter*bitsPerEntry + deltaListsPerChapter*guardBitsPerList
	totalBytes := (totalBits + 7) / 8
	pages := (totalBytes + bytesPerPage - 1) / bytesPerPage
	if pages < 1 {
		pages = 1
	}
	return pages
}

// guardBitsPerList is the per-list header overhead (list length, guard
// bits) budgeted into each delta list's on-disk encoding.
const guardBitsPerList = 8

// IsSparse reports whether this geometry has any sparse chapters at all.
func (g *Geometry) IsSparse() bool {
	return g.SparseChaptersPerVolume > 0
}

// HasSparseChapters reports whether the *current* window [oldest, newest]
// is wide enough to contain any sparse chapters (spec.md §3 "A chapter is
// sparse iff...").
func (g *Geometry) HasSparseChapters(oldest, newest uint64) bool {
	return g.IsSparse() && (newest-oldest+1) > uint64(g.DenseChaptersPerVolume)
}

// IsChapterSparse reports whether virtualChapter falls within the sparse
// tail of the window [oldest, newest].
func (g *Geometry) IsChapterSparse(oldest, newest, virtualChapter uint64) bool {
	return g.HasSparseChapters(oldest, newest) &&
		virtualChapter+uint64(g.DenseChaptersPerVolume) <= newest
}

// MapToPhysicalChapter converts a virtual chapter number to its physical
// slot in the circular volume.
func (g *Geometry) MapToPhysicalChapter(virtualChapter uint64) int {
	return int(virtualChapter % uint64(g.ChaptersPerVolume))
}

// ChaptersToExpire returns how many chapters should be reaped from the
// oldest end of the window after closing the chapter that becomes
// newestChapter, matching chapters_to_expire in the original source (with
// the remap fast path omitted: remaps are rejected by New).
func (g *Geometry) ChaptersToExpire(newestChapter uint64) int {
	if newestChapter < uint64(g.ChaptersPerVolume) {
		return 0
	}
	return 1
}

// Int64BytesPerVolume returns BytesPerVolume, satisfying the narrow
// structural interface the layout package uses to size the index region
// without importing this package.
func (g *Geometry) Int64BytesPerVolume() int64 {
	return g.BytesPerVolume
}
