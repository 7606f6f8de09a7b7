// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vdo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureDefaultsFillsRuntimeFields(t *testing.T) {
	cfg := (&Config{Name: "x"}).EnsureDefaults()
	require.Equal(t, 1, cfg.ZoneCount)
	require.Equal(t, 2, cfg.ReadThreads)
	require.Equal(t, 7, cfg.CacheChapters)
	require.NotNil(t, cfg.Logger)
	require.NotNil(t, cfg.Registry)
}

func TestEnsureDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := (&Config{Name: "x", ZoneCount: 4, ReadThreads: 9, CacheChapters: 3}).EnsureDefaults()
	require.Equal(t, 4, cfg.ZoneCount)
	require.Equal(t, 9, cfg.ReadThreads)
	require.Equal(t, 3, cfg.CacheChapters)
}

func TestValidateRejectsMissingName(t *testing.T) {
	cfg := Config{ChaptersPerVolume: 8, ZoneCount: 1}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsSparseNotLessThanTotal(t *testing.T) {
	cfg := Config{Name: "x", ChaptersPerVolume: 4, SparseChaptersPerVolume: 4, ZoneCount: 1}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveZoneCount(t *testing.T) {
	cfg := Config{Name: "x", ChaptersPerVolume: 8, ZoneCount: 0}
	require.Error(t, cfg.Validate())
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := Config{Name: "x", ChaptersPerVolume: 8, SparseChaptersPerVolume: 2, ZoneCount: 2}
	require.NoError(t, cfg.Validate())
}
