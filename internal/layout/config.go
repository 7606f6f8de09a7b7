// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package layout

import (
	"encoding/binary"

	"github.com/KnightKu/vdo/internal/errkind"
	"github.com/KnightKu/vdo/internal/geometry"
)

// ConfigVersion distinguishes the two on-disk config record encodings
// named in spec.md §4.8 and §6.
type ConfigVersion uint32

const (
	// ConfigVersion602 is the base config record: geometry parameters
	// only.
	ConfigVersion602 ConfigVersion = 602
	// ConfigVersion802 adds the chapter-remap fields that tolerate a
	// one-chapter shrink (spec.md §9c).
	ConfigVersion802 ConfigVersion = 802
)

// ConfigMagic identifies the config region.
const ConfigMagic = 0x55445343 // "UDSC"

// ConfigRecord is the decoded form of the config region: the geometry
// parameters needed to reopen an existing volume, plus the remap fields
// carried by the 8.02 variant.
type ConfigRecord struct {
	Version ConfigVersion

	BytesPerPage            uint32
	RecordPagesPerChapter   uint32
	ChaptersPerVolume       uint32
	SparseChaptersPerVolume uint32
	SparseSampleRate        uint32

	CacheChapters uint32
	ZoneCount     uint32

	// RemappedVirtual/RemappedPhysical are only meaningful (and only
	// encoded) for ConfigVersion802.
	RemappedVirtual  uint64
	RemappedPhysical uint64
}

// Geometry reconstructs a geometry.Geometry from the config record.
func (c ConfigRecord) Geometry() (*geometry.Geometry, error) {
	return geometry.New(
		int(c.BytesPerPage),
		int(c.RecordPagesPerChapter),
		int(c.ChaptersPerVolume),
		int(c.SparseChaptersPerVolume),
		c.SparseSampleRate,
		c.RemappedVirtual,
		c.RemappedPhysical,
	)
}

// NewConfigRecord derives a ConfigRecord from a geometry and the runtime
// parameters that accompany it, choosing the 8.02 encoding only when a
// remap is actually in effect.
func NewConfigRecord(g *geometry.Geometry, cacheChapters, zoneCount int) ConfigRecord {
	version := ConfigVersion602
	if g.RemappedVirtual != 0 || g.RemappedPhysical != 0 {
		version = ConfigVersion802
	}
	return ConfigRecord{
		Version:                 version,
		BytesPerPage:            uint32(g.BytesPerPage),
		RecordPagesPerChapter:   uint32(g.RecordPagesPerChapter),
		ChaptersPerVolume:       uint32(g.ChaptersPerVolume),
		SparseChaptersPerVolume: uint32(g.SparseChaptersPerVolume),
		SparseSampleRate:        g.SparseSampleRate,
		CacheChapters:           uint32(cacheChapters),
		ZoneCount:               uint32(zoneCount),
		RemappedVirtual:         g.RemappedVirtual,
		RemappedPhysical:        g.RemappedPhysical,
	}
}

// baseConfigSize is the encoded size of the 6.02 fields.
const baseConfigSize = 4*8 + 4 // version + 7 uint32 fields, then 4 unused bytes

// Encode serializes the config record, selecting the 6.02 or 8.02 layout
// from c.Version.
func (c ConfigRecord) Encode() []byte {
	size := baseConfigSize
	if c.Version == ConfigVersion802 {
		size += 16
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(c.Version))
	binary.LittleEndian.PutUint32(buf[4:8], c.BytesPerPage)
	binary.LittleEndian.PutUint32(buf[8:12], c.RecordPagesPerChapter)
	binary.LittleEndian.PutUint32(buf[12:16], c.ChaptersPerVolume)
	binary.LittleEndian.PutUint32(buf[16:20], c.SparseChaptersPerVolume)
	binary.LittleEndian.PutUint32(buf[20:24], c.SparseSampleRate)
	binary.LittleEndian.PutUint32(buf[24:28], c.CacheChapters)
	binary.LittleEndian.PutUint32(buf[28:32], c.ZoneCount)
	if c.Version == ConfigVersion802 {
		binary.LittleEndian.PutUint64(buf[32:40], c.RemappedVirtual)
		binary.LittleEndian.PutUint64(buf[40:48], c.RemappedPhysical)
	}
	return buf
}

// DecodeConfigRecord parses a ConfigRecord encoded by Encode.
func DecodeConfigRecord(buf []byte) (ConfigRecord, error) {
	if len(buf) < baseConfigSize {
		return ConfigRecord{}, errkind.Newf(errkind.CorruptComponent, "config record too short: %d bytes", len(buf))
	}
	c := ConfigRecord{
		Version:                 ConfigVersion(binary.LittleEndian.Uint32(buf[0:4])),
		BytesPerPage:            binary.LittleEndian.Uint32(buf[4:8]),
		RecordPagesPerChapter:   binary.LittleEndian.Uint32(buf[8:12]),
		ChaptersPerVolume:       binary.LittleEndian.Uint32(buf[12:16]),
		SparseChaptersPerVolume: binary.LittleEndian.Uint32(buf[16:20]),
		SparseSampleRate:        binary.LittleEndian.Uint32(buf[20:24]),
		CacheChapters:           binary.LittleEndian.Uint32(buf[24:28]),
		ZoneCount:               binary.LittleEndian.Uint32(buf[28:32]),
	}
	switch c.Version {
	case ConfigVersion602:
	case ConfigVersion802:
		if len(buf) < baseConfigSize+16 {
			return ConfigRecord{}, errkind.Newf(errkind.CorruptComponent, "8.02 config record missing remap fields")
		}
		c.RemappedVirtual = binary.LittleEndian.Uint64(buf[32:40])
		c.RemappedPhysical = binary.LittleEndian.Uint64(buf[40:48])
	default:
		return ConfigRecord{}, errkind.Newf(errkind.CorruptComponent, "unknown config version %d", c.Version)
	}
	return c, nil
}
