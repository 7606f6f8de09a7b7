// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package openchapter implements the in-memory, zone-local staging table
// described by spec.md §4.2: a hash-addressed table that absorbs puts
// until full, with insertion order preserved (Records) for packing and for
// save-slot snapshots.
package openchapter

import (
	"encoding/binary"
	"sort"

	"github.com/KnightKu/vdo/internal/chunkname"
)

type slotState int8

const (
	slotEmpty slotState = iota
	slotLive
	slotDeleted
)

type slot struct {
	state slotState
	name  chunkname.Name
	meta  chunkname.Metadata
	// order is this record's position in insertion order, used to rebuild
	// the dense array a closed chapter needs for packing.
	order int
}

// Chapter is a zone's open (in-progress) chapter.
type Chapter struct {
	capacity int
	slots    []slot
	index    map[chunkname.Name]int // name -> slot index, for live/deleted slots
	count    int                    // live records
	nextOrder int
}

// New constructs an empty open chapter with room for capacity records
// (geometry.RecordsPerChapter).
func New(capacity int) *Chapter {
	// Size the table beyond capacity so linear probing stays cheap even
	// as the chapter approaches full (matches the original's use of a
	// load ratio on an addressable table larger than the promised
	// capacity).
	tableSize := capacity * 2
	if tableSize < 1 {
		tableSize = 1
	}
	return &Chapter{
		capacity: capacity,
		slots:    make([]slot, tableSize),
		index:    make(map[chunkname.Name]int, capacity),
	}
}

func (c *Chapter) hashSlot(name chunkname.Name) int {
	h := name.ChapterIndexBytes()
	return int(h % uint64(len(c.slots)))
}

// Put inserts or overwrites name -> metadata. It returns the number of
// slots remaining (capacity - live count) after the put; when the result
// is 0 the zone must close the chapter (spec.md §4.2).
func (c *Chapter) Put(name chunkname.Name, meta chunkname.Metadata) (remaining int, err error) {
	if i, ok := c.index[name]; ok {
		c.slots[i].meta = meta
		if c.slots[i].state == slotDeleted {
			c.slots[i].state = slotLive
			c.count++
		}
		return c.capacity - c.count, nil
	}

	start := c.hashSlot(name)
	for i := 0; i < len(c.slots); i++ {
		probe := (start + i) % len(c.slots)
		if c.slots[probe].state == slotEmpty {
			c.slots[probe] = slot{state: slotLive, name: name, meta: meta, order: c.nextOrder}
			c.nextOrder++
			c.index[name] = probe
			c.count++
			return c.capacity - c.count, nil
		}
	}
	// The probing table is sized at 2x capacity specifically so this
	// cannot happen before Put's caller observes remaining == 0 and closes
	// the chapter first.
	return 0, errFull
}

// Search looks up name, returning its metadata and whether it was found
// (and live).
func (c *Chapter) Search(name chunkname.Name) (chunkname.Metadata, bool) {
	i, ok := c.index[name]
	if !ok || c.slots[i].state != slotLive {
		return chunkname.Metadata{}, false
	}
	return c.slots[i].meta, true
}

// Remove marks name's slot deleted. The slot itself is only reclaimed when
// the chapter is Reset (spec.md §4.2).
func (c *Chapter) Remove(name chunkname.Name) bool {
	i, ok := c.index[name]
	if !ok || c.slots[i].state != slotLive {
		return false
	}
	c.slots[i].state = slotDeleted
	c.count--
	return true
}

// Count returns the number of live records.
func (c *Chapter) Count() int { return c.count }

// Full reports whether the chapter has no remaining capacity.
func (c *Chapter) Full() bool { return c.count >= c.capacity }

// Record is one (name, metadata) pair, returned by Records in insertion
// order for packing into an on-disk chapter.
type Record struct {
	Name     chunkname.Name
	Metadata chunkname.Metadata
}

// Records returns every live record in the order it was inserted. The
// volume sorts them by name when the chapter is written (see
// volume.WriteChapter).
func (c *Chapter) Records() []Record {
	type ordered struct {
		Record
		order int
	}
	tmp := make([]ordered, 0, c.count)
	for i := range c.slots {
		if c.slots[i].state == slotLive {
			tmp = append(tmp, ordered{Record{Name: c.slots[i].name, Metadata: c.slots[i].meta}, c.slots[i].order})
		}
	}
	sort.Slice(tmp, func(i, j int) bool { return tmp[i].order < tmp[j].order })
	out := make([]Record, len(tmp))
	for i, o := range tmp {
		out[i] = o.Record
	}
	return out
}

// Reset clears the chapter back to empty, reclaiming deleted slots, ready
// to absorb the next chapter's writes.
func (c *Chapter) Reset() {
	for i := range c.slots {
		c.slots[i] = slot{}
	}
	for k := range c.index {
		delete(c.index, k)
	}
	c.count = 0
	c.nextOrder = 0
}

// Copy returns a deep copy of the chapter's contents, used when handing a
// closed chapter's image to the chapter writer without borrowing the live
// table the zone is about to reset (spec.md §4.2 "copied, not borrowed").
func (c *Chapter) Copy() *Chapter {
	dup := New(c.capacity)
	for _, r := range c.Records() {
		_, _ = dup.Put(r.Name, r.Metadata)
	}
	return dup
}

// Encode serializes every live record in insertion order, for a save-slot
// snapshot of this zone's open chapter (spec.md §4.8, §4.9).
func (c *Chapter) Encode() []byte {
	records := c.Records()
	recordSize := chunkname.Size + chunkname.MetadataSize
	buf := make([]byte, 4+len(records)*recordSize)
	binary.BigEndian.PutUint32(buf, uint32(len(records)))
	off := 4
	for _, r := range records {
		copy(buf[off:], r.Name[:])
		copy(buf[off+chunkname.Size:], r.Metadata[:])
		off += recordSize
	}
	return buf
}

// Decode replays a snapshot produced by Encode into a freshly constructed
// Chapter of the same capacity, preserving insertion order.
func Decode(buf []byte, capacity int) (*Chapter, error) {
	if len(buf) < 4 {
		return nil, errShort
	}
	count := binary.BigEndian.Uint32(buf)
	recordSize := chunkname.Size + chunkname.MetadataSize
	want := 4 + int(count)*recordSize
	if len(buf) < want {
		return nil, errShort
	}
	c := New(capacity)
	off := 4
	for i := uint32(0); i < count; i++ {
		var name chunkname.Name
		var meta chunkname.Metadata
		copy(name[:], buf[off:off+chunkname.Size])
		copy(meta[:], buf[off+chunkname.Size:off+recordSize])
		if _, err := c.Put(name, meta); err != nil {
			return nil, err
		}
		off += recordSize
	}
	return c, nil
}

var errShort = shortSnapshotError{}

type shortSnapshotError struct{}

func (shortSnapshotError) Error() string { return "uds: truncated open chapter snapshot" }

var errFull = chapterFullError{}

type chapterFullError struct{}

func (chapterFullError) Error() string { return "uds: open chapter probing table exhausted" }
