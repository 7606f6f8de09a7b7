// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package volume implements the on-disk chapter store and its page cache
// (spec.md §4.3): a circular array of chapters, each holding record pages
// (binary-searchable by name) and index pages (the packed delta index for
// that chapter), plus a shared, fixed-capacity cache of recently-read
// pages and a bounded pool of concurrent readers.
package volume

import (
	"context"
	"encoding/binary"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/KnightKu/vdo/internal/chunkname"
	"github.com/KnightKu/vdo/internal/deltaindex"
	"github.com/KnightKu/vdo/internal/errkind"
	"github.com/KnightKu/vdo/internal/geometry"
	"github.com/KnightKu/vdo/internal/ioregion"
	"github.com/KnightKu/vdo/internal/openchapter"
)

// pageKey identifies one physical page within the volume region: a
// chapter-relative page index, globalized by physical chapter number.
type pageKey struct {
	physicalChapter int
	pageInChapter   int
}

// Record is one on-disk (name, metadata) pair as stored in a record page,
// kept sorted by name within the page so SearchRecordPage can binary
// search it (spec.md §4.3 "record pages support binary search").
type Record struct {
	Name     chunkname.Name
	Metadata chunkname.Metadata
}

// page is the decoded content of either a record page or an index page.
// Only one of records/indexRaw is populated, depending on which region of
// the chapter the page belongs to.
type page struct {
	records  []Record // sorted by Name, for record pages
	indexRaw []byte   // opaque packed delta-index bytes, for index pages
}

// Volume owns the on-disk chapter store: reads of committed chapters,
// backed by a shared page cache and a bounded concurrent read pool.
type Volume struct {
	geo    *geometry.Geometry
	region *ioregion.Region

	cache *lru.Cache[pageKey, *page]
	sem   *semaphore.Weighted

	// validChapter tracks which physical chapter slots hold committed
	// data, so FindVolumeChapterBoundaries doesn't need to probe every
	// slot's header on every call.
	validChapter []bool
}

// New constructs a Volume over region, sized by geo, with a page cache
// holding cacheChapters worth of pages and up to readThreads concurrent
// page reads in flight.
func New(geo *geometry.Geometry, region *ioregion.Region, cacheChapters, readThreads int) (*Volume, error) {
	if cacheChapters < 1 {
		cacheChapters = 1
	}
	cacheSize := cacheChapters * geo.PagesPerChapter
	cache, err := lru.New[pageKey, *page](cacheSize)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidArgument, err)
	}
	if readThreads < 1 {
		readThreads = 1
	}
	v := &Volume{
		geo:          geo,
		region:       region,
		cache:        cache,
		sem:          semaphore.NewWeighted(int64(readThreads)),
		validChapter: make([]bool, geo.ChaptersPerVolume),
	}

	// A fresh process has no in-memory record of which slots are valid;
	// recover it from the on-disk chapter-header table so
	// FindVolumeChapterBoundaries works the same whether this Volume was
	// just created or is reopening a volume a prior process wrote to
	// (spec.md §4.9 "Rebuild").
	for physical := 0; physical < geo.ChaptersPerVolume; physical++ {
		if _, ok := v.ReadChapterHeader(physical); ok {
			v.validChapter[physical] = true
		}
	}

	return v, nil
}

func (v *Volume) chapterOffset(physicalChapter int) int64 {
	return int64(physicalChapter) * int64(v.geo.PagesPerChapter) * int64(v.geo.BytesPerPage)
}

// headerTableOffset returns the byte offset of the reserved chapter-header
// table, which lives in the geo.HeaderPagesPerVolume pages past every
// chapter's data (spec.md §4.3, §4.9).
func (v *Volume) headerTableOffset() int64 {
	return int64(v.geo.PagesPerVolume) * int64(v.geo.BytesPerPage)
}

// writeChapterHeader persists which virtual chapter physicalChapter now
// holds, so a later process can recover it without any in-memory state
// (spec.md §4.9 "Rebuild").
func (v *Volume) writeChapterHeader(physicalChapter int, virtualChapter uint64) error {
	buf := make([]byte, geometry.ChapterHeaderEntrySize)
	buf[0] = 1
	binary.BigEndian.PutUint64(buf[1:], virtualChapter)
	off := v.headerTableOffset() + int64(physicalChapter)*int64(geometry.ChapterHeaderEntrySize)
	return v.region.WriteAt(buf, off)
}

// ReadChapterHeader reads back the virtual chapter number physicalChapter's
// on-disk header records, if any. A short or corrupt read is treated as
// "chapter absent" rather than an error, matching the SHORT_READ tolerance
// spec.md §9 Open Question (b) calls for during a rebuild scan.
func (v *Volume) ReadChapterHeader(physicalChapter int) (virtualChapter uint64, ok bool) {
	buf := make([]byte, geometry.ChapterHeaderEntrySize)
	off := v.headerTableOffset() + int64(physicalChapter)*int64(geometry.ChapterHeaderEntrySize)
	if err := v.region.ReadAt(buf, off); err != nil {
		return 0, false
	}
	if buf[0] == 0 {
		return 0, false
	}
	return binary.BigEndian.Uint64(buf[1:]), true
}

// readPage reads and decodes one physical page, without consulting
// or populating the cache. isIndexPage distinguishes the two page
// encodings this volume stores.
func (v *Volume) readPage(ctx context.Context, key pageKey, isIndexPage bool) (*page, error) {
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer v.sem.Release(1)

	off := v.chapterOffset(key.physicalChapter) + int64(key.pageInChapter)*int64(v.geo.BytesPerPage)
	buf := make([]byte, v.geo.BytesPerPage)
	if err := v.region.ReadAt(buf, off); err != nil {
		return nil, errkind.Wrap(errkind.ShortRead, err)
	}

	if isIndexPage {
		return &page{indexRaw: buf}, nil
	}
	return &page{records: decodeRecordPage(buf, v.geo.RecordsPerPage)}, nil
}

// GetRecordPage returns the decoded, name-sorted record page
// recordPageIndex (0-based within the chapter) of physicalChapter,
// consulting the shared page cache first and populating it on a miss.
// A miss is read synchronously on the caller's goroutine, bounded only by
// the read semaphore; the request is not queued or handed to another
// goroutine while the page is read.
func (v *Volume) GetRecordPage(ctx context.Context, physicalChapter, recordPageIndex int) ([]Record, error) {
	key := pageKey{physicalChapter, v.geo.IndexPagesPerChapter + recordPageIndex}
	p, err := v.getPage(ctx, key, false)
	if err != nil {
		return nil, err
	}
	return p.records, nil
}

// GetIndexPage returns the raw packed delta-index bytes for index page
// indexPageIndex of physicalChapter.
func (v *Volume) GetIndexPage(ctx context.Context, physicalChapter, indexPageIndex int) ([]byte, error) {
	key := pageKey{physicalChapter, indexPageIndex}
	p, err := v.getPage(ctx, key, true)
	if err != nil {
		return nil, err
	}
	return p.indexRaw, nil
}

func (v *Volume) getPage(ctx context.Context, key pageKey, isIndexPage bool) (*page, error) {
	if p, ok := v.cache.Get(key); ok {
		return p, nil
	}
	p, err := v.readPage(ctx, key, isIndexPage)
	if err != nil {
		return nil, err
	}
	v.cache.Add(key, p)
	return p, nil
}

// SearchRecordPage binary searches a decoded record page for name,
// matching spec.md §4.3's "binary search in place" requirement.
func SearchRecordPage(records []Record, name chunkname.Name) (chunkname.Metadata, bool) {
	i := sort.Search(len(records), func(i int) bool {
		return string(records[i].Name[:]) >= string(name[:])
	})
	if i < len(records) && records[i].Name == name {
		return records[i].Metadata, true
	}
	return chunkname.Metadata{}, false
}

// WriteChapter persists one physical chapter's full contents (index pages
// then record pages, matching the layout geometry derives) and the
// virtual chapter number it now holds, overwriting whatever chapter
// previously lived in that slot. It is only ever called by the chapter
// writer (spec.md §4.6). Zones may read the same physical chapter while it
// is written; each page's cache entry is dropped after that page is
// written.
func (v *Volume) WriteChapter(physicalChapter int, virtualChapter uint64, indexPages [][]byte, records []openchapter.Record) error {
	if len(indexPages) != v.geo.IndexPagesPerChapter {
		return errkind.Newf(errkind.BadState, "chapter writer produced %d index pages, geometry wants %d", len(indexPages), v.geo.IndexPagesPerChapter)
	}
	base := v.chapterOffset(physicalChapter)
	for i, ip := range indexPages {
		if len(ip) != v.geo.BytesPerPage {
			return errkind.Newf(errkind.BadState, "index page %d is %d bytes, want %d", i, len(ip), v.geo.BytesPerPage)
		}
		off := base + int64(i)*int64(v.geo.BytesPerPage)
		if err := v.region.WriteAt(ip, off); err != nil {
			return err
		}
		v.cache.Remove(pageKey{physicalChapter, i})
	}

	sorted := append([]openchapter.Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool {
		return string(sorted[i].Name[:]) < string(sorted[j].Name[:])
	})
	for pageIdx := 0; pageIdx < v.geo.RecordPagesPerChapter; pageIdx++ {
		buf := make([]byte, v.geo.BytesPerPage)
		start := pageIdx * v.geo.RecordsPerPage
		end := start + v.geo.RecordsPerPage
		if end > len(sorted) {
			end = len(sorted)
		}
		if start < len(sorted) {
			encodeRecordPage(buf, sorted[start:end])
		}
		off := base + int64(v.geo.IndexPagesPerChapter+pageIdx)*int64(v.geo.BytesPerPage)
		if err := v.region.WriteAt(buf, off); err != nil {
			return err
		}
		v.cache.Remove(pageKey{physicalChapter, v.geo.IndexPagesPerChapter + pageIdx})
	}

	if err := v.writeChapterHeader(physicalChapter, virtualChapter); err != nil {
		return err
	}

	v.validChapter[physicalChapter] = true
	return nil
}

// ForgetChapter evicts every cached page belonging to physicalChapter and
// marks the slot invalid, called when the chapter rotates out of the
// volume's window (spec.md §4.3 "ForgetChapter(vcn, EXPIRE)").
func (v *Volume) ForgetChapter(physicalChapter int) {
	for i := 0; i < v.geo.PagesPerChapter; i++ {
		v.cache.Remove(pageKey{physicalChapter, i})
	}
	v.validChapter[physicalChapter] = false
}

// FindVolumeChapterBoundaries scans every physical chapter slot marked
// valid and returns the oldest/newest virtual chapter numbers recoverable
// from disk, used during Load/Rebuild (spec.md §4.3, §4.9). A chapter slot
// with no recorded validity (never written, or forgotten) is skipped.
func (v *Volume) FindVolumeChapterBoundaries(readVirtualChapter func(physicalChapter int) (uint64, bool)) (oldest, newest uint64, found bool) {
	for physical, valid := range v.validChapter {
		if !valid {
			continue
		}
		vcn, ok := readVirtualChapter(physical)
		if !ok {
			continue
		}
		if !found || vcn < oldest {
			oldest = vcn
		}
		if !found || vcn > newest {
			newest = vcn
		}
		found = true
	}
	return oldest, newest, found
}

// DecodeChapterIndex reads every index page of physicalChapter and decodes
// them back into a deltaindex.Index, for admission into the sparse cache
// (spec.md §4.4 "update_sparse_cache").
func (v *Volume) DecodeChapterIndex(ctx context.Context, physicalChapter int) (*deltaindex.Index, error) {
	pages := make([][]byte, v.geo.IndexPagesPerChapter)
	for i := range pages {
		raw, err := v.GetIndexPage(ctx, physicalChapter, i)
		if err != nil {
			return nil, err
		}
		pages[i] = raw
	}
	flat, err := deltaindex.JoinPages(pages)
	if err != nil {
		return nil, err
	}
	idx := deltaindex.NewIndex(v.geo)
	if err := idx.Decode(flat); err != nil {
		return nil, err
	}
	return idx, nil
}

// MarkChapterValid records that physicalChapter holds committed data, used
// when Load/Rebuild discovers a chapter's contents without going through
// WriteChapter.
func (v *Volume) MarkChapterValid(physicalChapter int) {
	v.validChapter[physicalChapter] = true
}

func decodeRecordPage(buf []byte, recordsPerPage int) []Record {
	recordSize := chunkname.Size + chunkname.MetadataSize
	records := make([]Record, 0, recordsPerPage)
	for i := 0; i < recordsPerPage; i++ {
		off := i * recordSize
		if off+recordSize > len(buf) {
			break
		}
		var name chunkname.Name
		var meta chunkname.Metadata
		copy(name[:], buf[off:off+chunkname.Size])
		copy(meta[:], buf[off+chunkname.Size:off+recordSize])
		if name == (chunkname.Name{}) && meta == (chunkname.Metadata{}) {
			continue
		}
		records = append(records, Record{Name: name, Metadata: meta})
	}
	return records
}

func encodeRecordPage(buf []byte, records []openchapter.Record) {
	recordSize := chunkname.Size + chunkname.MetadataSize
	for i, r := range records {
		off := i * recordSize
		if off+recordSize > len(buf) {
			break
		}
		copy(buf[off:], r.Name[:])
		copy(buf[off+chunkname.Size:], r.Metadata[:])
	}
}
