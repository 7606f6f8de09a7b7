// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package chunkname defines the 16-byte chunk name and metadata types that
// flow through the deduplication index, along with the byte-range
// extraction helpers used to derive sampling, zone, and addressing bits
// from a name.
package chunkname

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/redact"
)

// Size is the fixed length of a chunk name in bytes.
const Size = 16

// MetadataSize is the fixed length of the caller-supplied metadata stored
// alongside a name (a physical block address, from the caller's point of
// view).
const MetadataSize = 16

// Name is a 16-byte content-addressed identifier, typically a strong hash
// of a data block. It is treated as an opaque, effectively random bit
// string: no part of this package interprets the hash algorithm that
// produced it.
type Name [Size]byte

// String renders the name as hex. Implements fmt.Stringer.
func (n Name) String() string {
	return fmt.Sprintf("%x", [Size]byte(n))
}

// SafeFormat implements redact.SafeFormatter so names can appear in logged
// errors without being treated as sensitive payload.
func (n Name) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%x", redact.SafeString(n.String()))
}

// Metadata is the caller-supplied payload bound to a Name (a physical
// block address in the consuming block store).
type Metadata [MetadataSize]byte

func (m Metadata) String() string {
	return fmt.Sprintf("%x", [MetadataSize]byte(m))
}

// Byte ranges within a Name, matching spec.md §3: bytes 0..5 select a
// volume-index sample bit pattern, bytes 6..9 select a zone, the remaining
// bytes seed delta-index addressing and the open-chapter hash.
const (
	sampleOffset = 0
	sampleLen    = 6
	zoneOffset   = 6
	zoneLen      = 4
	chapterOffset = 10
)

// SampleBits extracts the bit pattern used to decide whether a name is
// tracked by the sparse portion of the volume index.
func (n Name) SampleBits() uint64 {
	var buf [8]byte
	copy(buf[8-sampleLen:], n[sampleOffset:sampleOffset+sampleLen])
	return binary.BigEndian.Uint64(buf[:])
}

// IsSample reports whether this name is selected for sparse sampling at the
// given sample rate. A rate of N means roughly 1-in-N names are sampled.
func (n Name) IsSample(sampleRate uint32) bool {
	if sampleRate <= 1 {
		return true
	}
	return uint32(n.SampleBits()%uint64(sampleRate)) == 0
}

// Zone derives the owning zone for this name. It depends only on the name
// and zoneCount, never on volume contents or nonce, so it is stable across
// process restarts (spec.md §4.1 "Zone routing").
func (n Name) Zone(zoneCount int) int {
	if zoneCount <= 1 {
		return 0
	}
	z := binary.BigEndian.Uint32(n[zoneOffset : zoneOffset+zoneLen])
	return int(z % uint32(zoneCount))
}

// ChapterIndexBytes extracts the portion of the name used to address the
// delta index: the chapter delta list and the in-list delta address.
func (n Name) ChapterIndexBytes() uint64 {
	var buf [8]byte
	copy(buf[8-(Size-chapterOffset):], n[chapterOffset:])
	return binary.BigEndian.Uint64(buf[:])
}
