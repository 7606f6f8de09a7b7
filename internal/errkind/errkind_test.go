// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package errkind

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestOfRoundTrips(t *testing.T) {
	err := New(Overflow, "list full")
	require.Equal(t, Overflow, Of(err))
	require.True(t, Is(err, Overflow))
	require.False(t, Is(err, BadState))
}

func TestOfUnwrapsThroughWrap(t *testing.T) {
	base := errors.New("disk error")
	wrapped := Wrap(CorruptFile, base)
	require.Equal(t, CorruptFile, Of(wrapped))

	doubleWrapped := errors.Wrap(wrapped, "while reading super block")
	require.Equal(t, CorruptFile, Of(doubleWrapped), "Of must walk through non-kind wrappers")
}

func TestOfUntaggedError(t *testing.T) {
	require.Equal(t, None, Of(errors.New("plain")))
	require.Equal(t, None, Of(nil))
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, Wrap(BadState, nil))
}

func TestNewfFormats(t *testing.T) {
	err := Newf(InvalidArgument, "zone count %d invalid", -1)
	require.Contains(t, err.Error(), "-1")
	require.Equal(t, InvalidArgument, Of(err))
}

func TestErrQueuedIsQueued(t *testing.T) {
	require.Equal(t, Queued, Of(ErrQueued))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "overflow", Overflow.String())
	require.Equal(t, "none", None.String())
	require.Equal(t, "none", Kind(999).String())
}
