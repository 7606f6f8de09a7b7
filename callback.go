// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vdo

import "github.com/KnightKu/vdo/internal/indexzone"

// Callback is the result of a Post/Update/Query/Delete call, matching the
// {found, location, old_metadata, new_metadata} shape of spec.md §6.
type Callback struct {
	// Found reports whether the name was already present in the index
	// before this call.
	Found bool
	// Location is the metadata the name carried before this call when
	// Found is true (for Update, the same value as OldMetadata); it is
	// zero when Found is false.
	Location Metadata
	// OldMetadata is populated only by Update when the name already
	// existed: the metadata it carried before being overwritten.
	OldMetadata Metadata
	// NewMetadata is populated when a Post inserts a new name or an Update
	// writes one: the metadata now on record for the name (the caller's
	// input, echoed back for convenience). A Post of a name already
	// present leaves it zero.
	NewMetadata Metadata
}

func callbackFromResult(r indexzone.Result) Callback {
	return Callback{
		Found:       r.Found,
		Location:    r.Location,
		OldMetadata: r.OldMetadata,
		NewMetadata: r.NewMetadata,
	}
}
