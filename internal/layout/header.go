// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package layout implements the on-disk region map described by spec.md
// §4.8 and §6: a superblock, a config region, the circular index region,
// and N rotating save slots. Every region begins with a small header
// carrying a magic, a version, a size, and a payload checksum, matching
// the shape (and the xxhash64 checksum family) pebble/sstable/block uses
// for its block trailers.
package layout

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/KnightKu/vdo/internal/errkind"
)

// HeaderSize is the encoded size, in bytes, of a Header.
const HeaderSize = 4 + 4 + 4 + 8 + 4

// Header prefixes every region on disk: {magic, version_major,
// version_minor, size, payload_checksum}, little-endian throughout
// (spec.md §6 "On-disk format").
type Header struct {
	Magic           uint32
	VersionMajor    uint32
	VersionMinor    uint32
	Size            uint64
	PayloadChecksum uint32
}

// Encode serializes h into a HeaderSize-byte buffer.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.VersionMajor)
	binary.LittleEndian.PutUint32(buf[8:12], h.VersionMinor)
	binary.LittleEndian.PutUint64(buf[12:20], h.Size)
	binary.LittleEndian.PutUint32(buf[20:24], h.PayloadChecksum)
	return buf
}

// DecodeHeader parses a Header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errkind.Newf(errkind.ShortRead, "region header needs %d bytes, got %d", HeaderSize, len(buf))
	}
	return Header{
		Magic:           binary.LittleEndian.Uint32(buf[0:4]),
		VersionMajor:    binary.LittleEndian.Uint32(buf[4:8]),
		VersionMinor:    binary.LittleEndian.Uint32(buf[8:12]),
		Size:            binary.LittleEndian.Uint64(buf[12:20]),
		PayloadChecksum: binary.LittleEndian.Uint32(buf[20:24]),
	}, nil
}

// Checksum computes the payload checksum pebble/sstable/block also uses
// for its xxhash64 block checksum type: the low 32 bits of the 64-bit
// digest.
func Checksum(payload []byte) uint32 {
	return uint32(xxhash.Sum64(payload))
}

// EncodeRegion serializes a header for payload and returns header||payload,
// ready to be written as one region.
func EncodeRegion(magic, versionMajor, versionMinor uint32, payload []byte) []byte {
	h := Header{
		Magic:           magic,
		VersionMajor:    versionMajor,
		VersionMinor:    versionMinor,
		Size:            uint64(len(payload)),
		PayloadChecksum: Checksum(payload),
	}
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, h.Encode()...)
	out = append(out, payload...)
	return out
}

// DecodeRegion parses header||payload produced by EncodeRegion, validating
// magic and the payload checksum.
func DecodeRegion(buf []byte, wantMagic uint32) (Header, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	if h.Magic != wantMagic {
		return Header{}, nil, errkind.Newf(errkind.CorruptComponent, "region magic mismatch: got %#x want %#x", h.Magic, wantMagic)
	}
	end := HeaderSize + int(h.Size)
	if end > len(buf) {
		return Header{}, nil, errkind.Newf(errkind.CorruptComponent, "region claims %d byte payload but only %d available", h.Size, len(buf)-HeaderSize)
	}
	payload := buf[HeaderSize:end]
	if Checksum(payload) != h.PayloadChecksum {
		return Header{}, nil, errkind.Newf(errkind.CorruptData, "region payload checksum mismatch")
	}
	return h, payload, nil
}

