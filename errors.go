// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vdo

import "github.com/KnightKu/vdo/internal/errkind"

// ErrorKind classifies an error returned by this package, matching the
// taxonomy of spec.md §7.
type ErrorKind = errkind.Kind

// Exported error kinds, re-exported from internal/errkind so callers can
// compare against them without importing an internal package.
const (
	ErrCorruptComponent = errkind.CorruptComponent
	ErrCorruptData      = errkind.CorruptData
	ErrCorruptFile      = errkind.CorruptFile
	ErrNotSavedCleanly  = errkind.NotSavedCleanly
	ErrInvalidArgument  = errkind.InvalidArgument
	ErrDisabled         = errkind.Disabled
	ErrNoIndex          = errkind.NoIndex
	ErrBusy             = errkind.Busy
)

// KindOf returns the ErrorKind tagged onto err, or errkind.None if err (or
// nothing in its chain) carries one.
func KindOf(err error) ErrorKind {
	return errkind.Of(err)
}
