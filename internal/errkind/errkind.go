// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package errkind implements the error taxonomy of spec.md §7 as a small
// registry of sentinel errors, each tagged with a Kind. Unlike the original
// uds C sources, which return small integer codes, errors here carry their
// Kind. The registry is package-level: the kinds and sentinels such as
// ErrQueued are shared by every Config and Session in the process.
package errkind

import (
	"github.com/cockroachdb/errors"
)

// Kind classifies an error into the taxonomy described by spec.md §7.
type Kind int

const (
	// None marks an error (or nil) that does not belong to this taxonomy.
	None Kind = iota
	// CorruptComponent indicates structural failure decoding one on-disk
	// component (a save-slot component, a chapter index page, ...).
	CorruptComponent
	// CorruptData indicates a checksum or structural mismatch within an
	// otherwise-located region.
	CorruptData
	// CorruptFile indicates the volume file itself is not a valid UDS
	// volume (bad magic, truncated header, ...).
	CorruptFile
	// NotSavedCleanly indicates no valid save slot was found at load time;
	// the caller may choose to rebuild.
	NotSavedCleanly
	// ShortRead indicates fewer bytes were read than requested.
	ShortRead
	// EndOfFile indicates a read ran past the end of a region.
	EndOfFile
	// OutOfRange indicates an index or offset fell outside its valid
	// bounds.
	OutOfRange
	// Overflow indicates a delta list has no room for a new entry. Not
	// fatal: the affected write is dropped, per spec.md §4.1.
	Overflow
	// DuplicateName indicates an insert raced with an existing entry in a
	// way the caller must treat as a no-op (replay only).
	DuplicateName
	// BadState indicates an internal invariant was violated.
	BadState
	// InvalidArgument indicates a caller-supplied parameter was rejected.
	InvalidArgument
	// Queued is not an error: it signals that a request suspended on a
	// page-cache miss and was handed to the read pool. It must never reach
	// a user callback.
	Queued
	// Disabled indicates the session has been placed into a disabled
	// (read-only-on-failure) state by a prior chapter-writer error.
	Disabled
	// NoIndex indicates the session has no open index (already
	// closed/destroyed).
	NoIndex
	// Busy indicates an operation was interrupted by a concurrent
	// suspend/resume transition.
	Busy
)

func (k Kind) String() string {
	switch k {
	case CorruptComponent:
		return "corrupt component"
	case CorruptData:
		return "corrupt data"
	case CorruptFile:
		return "corrupt file"
	case NotSavedCleanly:
		return "not saved cleanly"
	case ShortRead:
		return "short read"
	case EndOfFile:
		return "end of file"
	case OutOfRange:
		return "out of range"
	case Overflow:
		return "overflow"
	case DuplicateName:
		return "duplicate name"
	case BadState:
		return "bad state"
	case InvalidArgument:
		return "invalid argument"
	case Queued:
		return "queued"
	case Disabled:
		return "disabled"
	case NoIndex:
		return "no index"
	case Busy:
		return "busy"
	default:
		return "none"
	}
}

type kindError struct {
	kind Kind
	error
}

func (e *kindError) Unwrap() error { return e.error }

// New returns a new error of the given kind with the supplied message.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, error: errors.New(msg)}
}

// Newf returns a new error of the given kind, formatted like errors.Newf.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, error: errors.Newf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving it in the error
// chain so errors.Is/errors.As and Of all continue to work.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, error: err}
}

// Of walks the error chain and returns the first Kind attached to it, or
// None if the error (or any cause in its chain) was never tagged.
func Of(err error) Kind {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind
		}
		err = errors.UnwrapOnce(err)
	}
	return None
}

// Is reports whether err is tagged with the given kind anywhere in its
// chain.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}

// ErrQueued is the distinguished, non-fatal "suspended on IO" signal
// described in spec.md §7. It must never be surfaced to a user callback.
var ErrQueued = New(Queued, "uds: request queued for page read")
