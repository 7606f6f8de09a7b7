// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package volumeindex implements the name -> VCN hint structure of
// spec.md §4.1: a dense delta index covering every chapter plus, for
// sampled names only, a sparse delta index tracking a longer window. It is
// sharded into zone_count independent sub-indexes; a name belongs to
// exactly one zone (spec.md §3 "Invariants").
package volumeindex

import (
	"sync"

	"github.com/KnightKu/vdo/internal/chunkname"
	"github.com/KnightKu/vdo/internal/deltaindex"
	"github.com/KnightKu/vdo/internal/geometry"
)

// Record is the result of a lookup against a zone's volume index.
type Record struct {
	Found       bool
	IsCollision bool
	VCN         uint64
}

// Triage is the cheap, non-mutating result used by the triage stage
// (spec.md §4.5) to decide whether to broadcast a sparse-cache barrier.
type Triage struct {
	InSampledChapter bool
	VirtualChapter   uint64
}

// Zone is one shard of the volume index, owning the names for exactly one
// zone.
type Zone struct {
	mu   sync.Mutex
	geo  *geometry.Geometry
	zone int

	dense  *deltaindex.Index
	sparse *deltaindex.Index // nil if geo is not sparse

	oldest uint64
	newest uint64
}

// VolumeIndex is the full, zone-sharded name -> VCN index.
type VolumeIndex struct {
	geo   *geometry.Geometry
	zones []*Zone
}

// New builds a VolumeIndex with zoneCount independent zones.
func New(geo *geometry.Geometry, zoneCount int) *VolumeIndex {
	vi := &VolumeIndex{geo: geo, zones: make([]*Zone, zoneCount)}
	for z := range vi.zones {
		zone := &Zone{geo: geo, zone: z, dense: deltaindex.NewIndex(geo)}
		if geo.IsSparse() {
			zone.sparse = deltaindex.NewIndex(geo)
		}
		vi.zones[z] = zone
	}
	return vi
}

// ZoneCount returns the number of zone shards.
func (vi *VolumeIndex) ZoneCount() int { return len(vi.zones) }

// Zone returns the shard owning the given zone id.
func (vi *VolumeIndex) Zone(z int) *Zone { return vi.zones[z] }

// ZoneFor returns the shard owning name, per chunkname.Name.Zone.
func (vi *VolumeIndex) ZoneFor(name chunkname.Name) *Zone {
	return vi.zones[name.Zone(len(vi.zones))]
}

// isSparseChapter reports whether vcn currently falls in the sparse tail
// of this zone's window.
func (z *Zone) isSparseChapter(vcn uint64) bool {
	return z.geo.IsChapterSparse(z.oldest, z.newest, vcn)
}

// indexFor returns the delta index (dense or sparse) that should hold vcn,
// given the zone's current window.
func (z *Zone) indexFor(vcn uint64) *deltaindex.Index {
	if z.sparse != nil && z.isSparseChapter(vcn) {
		return z.sparse
	}
	return z.dense
}

// Lookup performs the cheap, read-only check used by the triage stage: is
// this name a sparse sample that currently resolves into a sparse chapter?
// It does not acquire the delta-list cursor used by GetRecord and never
// mutates state.
func (z *Zone) Lookup(name chunkname.Name) Triage {
	if z.sparse == nil || !name.IsSample(z.geo.SparseSampleRate) {
		return Triage{}
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	list, addr := z.sparse.Addr(name.ChapterIndexBytes())
	payload, found := z.sparse.List(list).Get(addr)
	if !found {
		return Triage{}
	}
	return Triage{InSampledChapter: true, VirtualChapter: payload.VCN}
}

// GetRecord looks up name on its owning zone, consulting the sparse index
// only when the name is a sample (spec.md §4.1).
func (z *Zone) GetRecord(name chunkname.Name) Record {
	z.mu.Lock()
	defer z.mu.Unlock()

	if payload, ok := z.lookupLocked(z.dense, name); ok {
		return Record{Found: true, IsCollision: payload.IsCollision, VCN: payload.VCN}
	}
	if z.sparse != nil && name.IsSample(z.geo.SparseSampleRate) {
		if payload, ok := z.lookupLocked(z.sparse, name); ok {
			return Record{Found: true, IsCollision: payload.IsCollision, VCN: payload.VCN}
		}
	}
	return Record{}
}

func (z *Zone) lookupLocked(idx *deltaindex.Index, name chunkname.Name) (deltaindex.Payload, bool) {
	list, addr := idx.Addr(name.ChapterIndexBytes())
	return idx.List(list).Get(addr)
}

// Put inserts a non-collision hint for name pointing at vcn. Overflow is
// returned to the caller (errkind.Overflow), who must drop the write
// silently per spec.md §4.1.
func (z *Zone) Put(name chunkname.Name, vcn uint64) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	idx := z.indexFor(vcn)
	list, addr := idx.Addr(name.ChapterIndexBytes())
	return idx.List(list).Put(addr, deltaindex.Payload{VCN: vcn})
}

// SetChapter updates an existing hint (or inserts one) to point at a new
// vcn, used to refresh an entry without changing its collision status.
func (z *Zone) SetChapter(name chunkname.Name, vcn uint64) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	idx := z.indexFor(vcn)
	list, addr := idx.Addr(name.ChapterIndexBytes())
	payload, found := idx.List(list).Get(addr)
	if !found {
		payload = deltaindex.Payload{}
	}
	payload.VCN = vcn
	return idx.List(list).Put(addr, payload)
}

// PutCollision records name as a collision entry: authoritative, carrying
// the remaining name bytes so two names that share an address within a
// chapter can be told apart without consulting a record page.
func (z *Zone) PutCollision(name chunkname.Name, vcn uint64) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	idx := z.indexFor(vcn)
	list, addr := idx.Addr(name.ChapterIndexBytes())
	rest := append([]byte(nil), name[10:]...)
	return idx.List(list).Put(addr, deltaindex.Payload{VCN: vcn, IsCollision: true, CollisionName: rest})
}

// Remove deletes name's entry from whichever index currently holds it.
func (z *Zone) Remove(name chunkname.Name) {
	z.mu.Lock()
	defer z.mu.Unlock()
	list, addr := z.dense.Addr(name.ChapterIndexBytes())
	if z.dense.List(list).Remove(addr) {
		return
	}
	if z.sparse != nil {
		list, addr = z.sparse.Addr(name.ChapterIndexBytes())
		z.sparse.List(list).Remove(addr)
	}
}

// SetOpenChapter advances the rolling window to [oldest, newest), purging
// dense entries that point at the physical chapter about to be reused.
// This is the per-zone mechanic behind §3's "reaped" lifecycle note.
func (z *Zone) SetOpenChapter(oldest, newest uint64) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.setOpenChapterLocked(oldest, newest)
}

func (z *Zone) setOpenChapterLocked(oldest, newest uint64) {
	if newest >= uint64(z.geo.ChaptersPerVolume) {
		victim := newest - uint64(z.geo.ChaptersPerVolume)
		z.purgeChapterLocked(victim)
	}
	z.oldest, z.newest = oldest, newest
}

// purgeChapterLocked removes every dense entry pointing at virtualChapter.
// It is O(records in chapter) in the worst case, same cost class as the
// original's delta-index truncation.
func (z *Zone) purgeChapterLocked(virtualChapter uint64) {
	for i := 0; i < z.dense.NumLists(); i++ {
		list := z.dense.List(i)
		var toRemove []uint32
		list.Each(func(address uint32, payload deltaindex.Payload) {
			if payload.VCN == virtualChapter {
				toRemove = append(toRemove, address)
			}
		})
		for _, addr := range toRemove {
			list.Remove(addr)
		}
	}
}

// Window returns the zone's current [oldest, newest) view, mostly for
// tests and stats.
func (z *Zone) Window() (oldest, newest uint64) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.oldest, z.newest
}

// Encode serializes this zone's dense and (if present) sparse delta
// indexes into one snapshot blob, for a save-slot component (spec.md
// §4.8, §4.9).
func (z *Zone) Encode() []byte {
	z.mu.Lock()
	defer z.mu.Unlock()
	dense := z.dense.Encode()
	var sparse []byte
	if z.sparse != nil {
		sparse = z.sparse.Encode()
	}
	buf := make([]byte, 0, 8+len(dense)+len(sparse))
	buf = appendUint32(buf, uint32(len(dense)))
	buf = append(buf, dense...)
	buf = appendUint32(buf, uint32(len(sparse)))
	buf = append(buf, sparse...)
	return buf
}

// Decode replays a snapshot produced by Encode into this zone's (already
// constructed, empty) dense and sparse indexes.
func (z *Zone) Decode(buf []byte) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	denseLen, rest, err := readUint32(buf)
	if err != nil {
		return err
	}
	if len(rest) < int(denseLen) {
		return errShortSnapshot
	}
	if err := z.dense.Decode(rest[:denseLen]); err != nil {
		return err
	}
	rest = rest[denseLen:]

	sparseLen, rest, err := readUint32(rest)
	if err != nil {
		return err
	}
	if len(rest) < int(sparseLen) {
		return errShortSnapshot
	}
	if sparseLen > 0 && z.sparse != nil {
		if err := z.sparse.Decode(rest[:sparseLen]); err != nil {
			return err
		}
	}
	return nil
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, errShortSnapshot
	}
	v := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	return v, buf[4:], nil
}

var errShortSnapshot = shortSnapshotError{}

type shortSnapshotError struct{}

func (shortSnapshotError) Error() string { return "uds: truncated volume index zone snapshot" }

