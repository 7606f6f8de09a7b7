// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sparsecache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdmitAndGet(t *testing.T) {
	c := New(2)
	c.Admit(1, "chapter-1")
	v, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, "chapter-1", v)
	require.True(t, c.Contains(1))
}

func TestGetMissReportsFalse(t *testing.T) {
	c := New(2)
	_, ok := c.Get(42)
	require.False(t, ok)
	require.False(t, c.Contains(42))
}

func TestAdmitEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	c.Admit(1, "a")
	c.Admit(2, "b")
	// Touch 1 so 2 becomes the LRU victim.
	_, _ = c.Get(1)
	c.Admit(3, "c")

	require.True(t, c.Contains(1))
	require.False(t, c.Contains(2), "2 was least-recently-used and should have been evicted")
	require.True(t, c.Contains(3))
	require.Equal(t, 2, c.Len())
}

func TestAdmitRefreshesExistingEntry(t *testing.T) {
	c := New(1)
	c.Admit(1, "old")
	c.Admit(1, "new")
	v, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, "new", v)
	require.Equal(t, 1, c.Len())
}

func TestEvict(t *testing.T) {
	c := New(2)
	c.Admit(1, "a")
	c.Evict(1)
	require.False(t, c.Contains(1))
	require.Equal(t, 0, c.Len())
	// Evicting an absent key is a no-op, not an error.
	c.Evict(99)
}

func TestNewClampsCapacityToOne(t *testing.T) {
	c := New(0)
	c.Admit(1, "a")
	c.Admit(2, "b")
	require.Equal(t, 1, c.Len())
}
