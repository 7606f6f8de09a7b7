// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package lifecycle implements the three ways an index comes into memory
// (spec.md §4.9): Load from a clean save, Save (or checkpoint) a running
// index's state, and Rebuild by rescanning the volume itself when no save
// is usable.
package lifecycle

import (
	"context"
	"encoding/binary"

	"github.com/klauspost/compress/zstd"

	"github.com/KnightKu/vdo/internal/errkind"
	"github.com/KnightKu/vdo/internal/geometry"
	"github.com/KnightKu/vdo/internal/layout"
	"github.com/KnightKu/vdo/internal/openchapter"
	"github.com/KnightKu/vdo/internal/volume"
	"github.com/KnightKu/vdo/internal/volumeindex"
)

// SnapshotBudget returns a generous, deterministic upper bound on the
// bytes a single save slot needs to hold one zone's full volume-index
// snapshot (dense plus sparse) and open-chapter snapshot, for every zone,
// plus component headers. Deriving it purely from geo and zoneCount (with
// comfortable slack) lets Load recompute the exact same region layout
// Create used, without persisting a separate "snapshot size" field.
func SnapshotBudget(geo *geometry.Geometry, zoneCount int) int64 {
	// The dense+sparse volume index together never hold more than
	// RecordsPerVolume entries; the open chapter holds at most
	// RecordsPerChapter. 32 bytes/entry is a generous upper bound for
	// Encode's varint-tuple format (address-delta, VCN, flag, optional
	// 6-byte collision suffix).
	perZone := (int64(geo.RecordsPerVolume) + int64(geo.RecordsPerChapter)) * 32
	return int64(zoneCount) * perZone
}

// Component names recorded in each save slot (spec.md §4.8).
const (
	componentVolumeIndex  = "volume-index"
	componentOpenChapters = "open-chapters"
	componentIndexState   = "index-state"
)

// State is the recovered (or freshly built) in-memory window a caller
// needs to resume serving requests: the oldest/newest virtual chapter
// bounds and, for Load, each zone's recovered open chapter.
type State struct {
	Oldest       uint64
	Newest       uint64
	OpenChapters []*openchapter.Chapter // one per zone, nil entries if absent
}

// Load reads the latest valid save slot in l and replays it into vi's
// zones, returning the recovered window and per-zone open-chapter
// snapshots. It reports errkind.NotSavedCleanly if no slot holds a
// complete save (spec.md §4.9 "NOT_SAVED_CLEANLY").
func Load(l *layout.Layout, geo *geometry.Geometry, vi *volumeindex.VolumeIndex) (*State, error) {
	slot, numZones, ok := l.FindLatestSaveSlot()
	if !ok {
		return nil, errkind.New(errkind.NotSavedCleanly, "uds: no save slot holds a complete save")
	}
	if numZones != vi.ZoneCount() {
		return nil, errkind.Newf(errkind.InvalidArgument, "save was made with %d zones, index configured for %d", numZones, vi.ZoneCount())
	}

	stateBuf, err := l.ReadComponent(slot, componentIndexState)
	if err != nil {
		return nil, errkind.Wrap(errkind.CorruptComponent, err)
	}
	stateBuf, err = decompressComponent(stateBuf)
	if err != nil {
		return nil, err
	}
	oldest, newest, err := decodeIndexState(stateBuf)
	if err != nil {
		return nil, err
	}

	viBuf, err := l.ReadComponent(slot, componentVolumeIndex)
	if err != nil {
		return nil, errkind.Wrap(errkind.CorruptComponent, err)
	}
	viBuf, err = decompressComponent(viBuf)
	if err != nil {
		return nil, err
	}
	if err := decodeVolumeIndex(viBuf, vi); err != nil {
		return nil, err
	}

	openBuf, err := l.ReadComponent(slot, componentOpenChapters)
	if err != nil {
		return nil, errkind.Wrap(errkind.CorruptComponent, err)
	}
	openBuf, err = decompressComponent(openBuf)
	if err != nil {
		return nil, err
	}
	chapters, err := decodeOpenChapters(openBuf, geo, numZones)
	if err != nil {
		return nil, err
	}

	for z := 0; z < vi.ZoneCount(); z++ {
		vi.Zone(z).SetOpenChapter(oldest, newest)
	}

	return &State{Oldest: oldest, Newest: newest, OpenChapters: chapters}, nil
}

// Save writes vi's zones and each zone's open chapter to a fresh save
// slot, committing it as the latest valid save (or checkpoint, per mode).
// A failure here leaves the previously-committed slot untouched, matching
// the prev_save semantics spec.md §4.9 describes.
func Save(l *layout.Layout, vi *volumeindex.VolumeIndex, opens []*openchapter.Chapter, oldest, newest uint64, mode layout.SaveMode) error {
	if len(opens) != vi.ZoneCount() {
		return errkind.Newf(errkind.InvalidArgument, "save got %d open chapters for %d zones", len(opens), vi.ZoneCount())
	}

	slot := l.SetupSaveSlot()
	l.WriteComponent(slot, componentIndexState, compressComponent(encodeIndexState(oldest, newest)))
	l.WriteComponent(slot, componentVolumeIndex, compressComponent(encodeVolumeIndex(vi)))
	l.WriteComponent(slot, componentOpenChapters, compressComponent(encodeOpenChapters(opens)))

	if err := l.CommitSave(slot, mode, vi.ZoneCount(), oldest, newest); err != nil {
		l.CancelSave(slot)
		return err
	}
	return nil
}

// Rebuild rescans every valid chapter on disk and replays its records into
// vi, used when Load reports errkind.NotSavedCleanly (spec.md §4.9
// "Rebuild"). decodeVCN extracts the virtual chapter number a physical
// chapter slot actually holds (normally read from a per-chapter header
// page this package does not otherwise model); a SHORT_READ from it is
// treated as "chapter absent" and the scan simply skips that slot,
// resolving Open Question (b) from spec.md §9.
func Rebuild(ctx context.Context, geo *geometry.Geometry, vol *volume.Volume, vi *volumeindex.VolumeIndex, decodeVCN func(physicalChapter int) (uint64, bool)) (*State, error) {
	oldest, newest, found := vol.FindVolumeChapterBoundaries(decodeVCN)
	if !found {
		return &State{}, nil
	}

	for vcn := oldest; vcn <= newest; vcn++ {
		physical := geo.MapToPhysicalChapter(vcn)
		for p := 0; p < geo.RecordPagesPerChapter; p++ {
			records, err := vol.GetRecordPage(ctx, physical, p)
			if err != nil {
				continue
			}
			for _, r := range records {
				z := vi.ZoneFor(r.Name)
				// DuplicateName/Overflow are expected and harmless during
				// replay (spec.md §7): the record may already be present
				// from a later chapter's hint, or the list may be at
				// capacity from skewed rebuild traffic.
				if err := z.Put(r.Name, vcn); err != nil && errkind.Of(err) != errkind.Overflow {
					return nil, err
				}
			}
		}
	}

	newestPlusOne := newest + 1
	openWindowOldest := oldest
	if newestPlusOne >= uint64(geo.ChaptersPerVolume) {
		openWindowOldest = newestPlusOne - uint64(geo.ChaptersPerVolume) + uint64(geo.ChaptersToExpire(newestPlusOne))
	}
	for z := 0; z < vi.ZoneCount(); z++ {
		vi.Zone(z).SetOpenChapter(openWindowOldest, newestPlusOne)
	}

	return &State{Oldest: openWindowOldest, Newest: newestPlusOne}, nil
}

func encodeIndexState(oldest, newest uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], oldest)
	binary.BigEndian.PutUint64(buf[8:16], newest)
	return buf
}

func decodeIndexState(buf []byte) (oldest, newest uint64, err error) {
	if len(buf) < 16 {
		return 0, 0, errkind.Newf(errkind.CorruptComponent, "index-state component too short")
	}
	return binary.BigEndian.Uint64(buf[0:8]), binary.BigEndian.Uint64(buf[8:16]), nil
}

func encodeVolumeIndex(vi *volumeindex.VolumeIndex) []byte {
	var buf []byte
	buf = appendUint32(buf, uint32(vi.ZoneCount()))
	for z := 0; z < vi.ZoneCount(); z++ {
		enc := vi.Zone(z).Encode()
		buf = appendUint32(buf, uint32(len(enc)))
		buf = append(buf, enc...)
	}
	return buf
}

func decodeVolumeIndex(buf []byte, vi *volumeindex.VolumeIndex) error {
	count, rest, err := readUint32(buf)
	if err != nil {
		return err
	}
	if int(count) != vi.ZoneCount() {
		return errkind.Newf(errkind.CorruptComponent, "volume-index snapshot has %d zones, index configured for %d", count, vi.ZoneCount())
	}
	for z := 0; z < vi.ZoneCount(); z++ {
		size, next, err := readUint32(rest)
		if err != nil {
			return err
		}
		if len(next) < int(size) {
			return errkind.Newf(errkind.CorruptComponent, "volume-index snapshot truncated for zone %d", z)
		}
		if err := vi.Zone(z).Decode(next[:size]); err != nil {
			return err
		}
		rest = next[size:]
	}
	return nil
}

func encodeOpenChapters(opens []*openchapter.Chapter) []byte {
	var buf []byte
	buf = appendUint32(buf, uint32(len(opens)))
	for _, c := range opens {
		enc := c.Encode()
		buf = appendUint32(buf, uint32(len(enc)))
		buf = append(buf, enc...)
	}
	return buf
}

func decodeOpenChapters(buf []byte, geo *geometry.Geometry, numZones int) ([]*openchapter.Chapter, error) {
	count, rest, err := readUint32(buf)
	if err != nil {
		return nil, err
	}
	if int(count) != numZones {
		return nil, errkind.Newf(errkind.CorruptComponent, "open-chapters snapshot has %d zones, index configured for %d", count, numZones)
	}
	chapters := make([]*openchapter.Chapter, numZones)
	for z := 0; z < numZones; z++ {
		size, next, err := readUint32(rest)
		if err != nil {
			return nil, err
		}
		if len(next) < int(size) {
			return nil, errkind.Newf(errkind.CorruptComponent, "open-chapters snapshot truncated for zone %d", z)
		}
		chapter, err := openchapter.Decode(next[:size], geo.RecordsPerChapter)
		if err != nil {
			return nil, err
		}
		chapters[z] = chapter
		rest = next[size:]
	}
	return chapters, nil
}

// compressComponent zstd-compresses a save-slot component before it is
// handed to Layout.WriteComponent, the same one-shot EncodeAll idiom
// sstable/compression_nocgo.go uses for pebble's block compressor.
func compressComponent(b []byte) []byte {
	encoder, _ := zstd.NewWriter(nil)
	defer encoder.Close()
	return encoder.EncodeAll(b, nil)
}

// decompressComponent reverses compressComponent. A malformed frame (a
// save slot truncated mid-write, or written by something other than this
// package) surfaces as errkind.CorruptComponent, the same error Load
// already reports for other kinds of component corruption.
func decompressComponent(b []byte) ([]byte, error) {
	decoder, _ := zstd.NewReader(nil)
	defer decoder.Close()
	out, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.CorruptComponent, err)
	}
	return out, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, errkind.Newf(errkind.CorruptComponent, "truncated length prefix")
	}
	v := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	return v, buf[4:], nil
}
