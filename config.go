// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package vdo implements a standalone Go rework of the Universal
// Deduplication Service (UDS) index: an on-disk, content-addressed
// deduplication advice index. Callers post/update/query/delete 16-byte
// chunk names and get back {found, location} hints at the physical block
// a matching chunk was last seen at.
package vdo

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/KnightKu/vdo/internal/chunkname"
	"github.com/KnightKu/vdo/internal/errkind"
)

// Name is a 16-byte content-addressed chunk identifier.
type Name = chunkname.Name

// Metadata is the caller-supplied payload bound to a Name (typically a
// physical block address in the consuming block store).
type Metadata = chunkname.Metadata

// Logger is the narrow logging surface Config threads through every
// component, matching the shape pebble's base.Logger exposes so call
// sites read the same way the teacher's do.
type Logger interface {
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type stdLogger struct{}

func (stdLogger) Infof(format string, args ...interface{})    { log.Printf("INFO: "+format, args...) }
func (stdLogger) Warningf(format string, args ...interface{}) { log.Printf("WARN: "+format, args...) }
func (stdLogger) Errorf(format string, args ...interface{})   { log.Printf("ERROR: "+format, args...) }

// DefaultLogger writes to the standard library's default logger.
var DefaultLogger Logger = stdLogger{}

// Config describes the backing storage, geometry, and runtime parameters
// for one index. The zero value is invalid until EnsureDefaults fills in
// the runtime fields and Validate confirms the geometry fields.
type Config struct {
	// Name is the backing file's path (spec.md §6 index name). A future
	// "offset=" / "size=" suffix convention is out of scope here: callers
	// that need a sub-range of a shared block device should open it
	// themselves and is not modeled by this field.
	Name string

	// Geometry parameters (spec.md §3 / §4.8).
	BytesPerPage            int
	RecordPagesPerChapter   int
	ChaptersPerVolume       int
	SparseChaptersPerVolume int
	SparseSampleRate        uint32

	// Runtime parameters (spec.md §5).
	ZoneCount           int
	ReadThreads         int
	CacheChapters       int
	CheckpointFrequency int // chapters closed between automatic checkpoints; 0 disables

	Logger   Logger
	Registry prometheus.Registerer
}

// EnsureDefaults fills in zero-valued runtime fields with the teacher's
// "always return a usable Options" convention (mirroring
// pebble.Options.EnsureDefaults), leaving geometry fields untouched —
// those have no safe default and are caught by Validate instead.
func (c *Config) EnsureDefaults() *Config {
	if c.ZoneCount == 0 {
		c.ZoneCount = 1
	}
	if c.ReadThreads == 0 {
		c.ReadThreads = c.ZoneCount * 2
	}
	if c.CacheChapters == 0 {
		c.CacheChapters = 7
	}
	if c.Logger == nil {
		c.Logger = DefaultLogger
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	return c
}

// Validate rejects a Config whose geometry parameters cannot form a valid
// Geometry, matching the assertions initialize_geometry makes in
// original_source/utils/uds/geometry.c.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errkind.New(errkind.InvalidArgument, "uds: Config.Name is required")
	}
	if c.SparseChaptersPerVolume >= c.ChaptersPerVolume {
		return errkind.Newf(errkind.InvalidArgument, "sparse chapters per volume (%d) must be less than chapters per volume (%d)", c.SparseChaptersPerVolume, c.ChaptersPerVolume)
	}
	if c.ZoneCount < 1 {
		return errkind.Newf(errkind.InvalidArgument, "zone count must be positive, got %d", c.ZoneCount)
	}
	return nil
}
