// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package sparsecache implements the fixed-capacity LRU of decoded sparse
// chapter indexes shared by all zones (spec.md §4.3, §9 "Sparse cache").
// It is adapted from pebble/cache/clockpro.go's CLOCK-Pro cache, keyed by
// VCN instead of (file, offset) and narrowed to the admission pattern this
// system actually needs: chapters are admitted only from each zone's
// triage step (spec.md §5 "Shared-resource policy"), so unlike pebble's cache this cache commits to
// strict LRU rather than CLOCK-Pro's hot/cold/test approximation — there's
// no benefit to CLOCK-Pro's scan resistance when admission is already
// gated to "the chapter we are about to need".
package sparsecache

import (
	"container/list"
	"sync"
)

// ChapterIndex is the decoded, read-only sparse chapter index content a
// cache entry holds. The volume package supplies the concrete decoder; this
// package only manages admission and eviction.
type ChapterIndex interface{}

type entry struct {
	vcn     uint64
	index   ChapterIndex
	element *list.Element
}

// Cache is an LRU of decoded sparse chapter indexes keyed by VCN.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	entries  map[uint64]*entry
	order    *list.List // front = most recently used
}

// New returns a Cache admitting up to capacity chapters (geometry's
// cache_chapters).
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[uint64]*entry, capacity),
		order:    list.New(),
	}
}

// Get returns the cached chapter index for vcn, if resident, bumping it to
// most-recently-used. The lookup takes the read lock; the bump takes the
// write lock.
func (c *Cache) Get(vcn uint64) (ChapterIndex, bool) {
	c.mu.RLock()
	e, ok := c.entries[vcn]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	c.order.MoveToFront(e.element)
	c.mu.Unlock()
	return e.index, true
}

// Admit inserts (or refreshes) the decoded index for vcn, evicting the
// least-recently-used chapter if the cache is at capacity. Admit is called
// from each zone's triage step on that zone's goroutine, so admissions
// from different zones are serialized by the write lock.
func (c *Cache) Admit(vcn uint64, index ChapterIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[vcn]; ok {
		e.index = index
		c.order.MoveToFront(e.element)
		return
	}

	if len(c.entries) >= c.capacity {
		back := c.order.Back()
		if back != nil {
			victim := back.Value.(*entry)
			c.order.Remove(back)
			delete(c.entries, victim.vcn)
		}
	}

	e := &entry{vcn: vcn, index: index}
	e.element = c.order.PushFront(e)
	c.entries[vcn] = e
}

// Contains reports whether vcn is currently resident, without affecting
// LRU order. Useful for barrier dedup checks.
func (c *Cache) Contains(vcn uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[vcn]
	return ok
}

// Evict removes vcn from the cache unconditionally, used when a chapter
// rotates out of the volume entirely and its cached decode is no longer
// useful to anyone.
func (c *Cache) Evict(vcn uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[vcn]
	if !ok {
		return
	}
	c.order.Remove(e.element)
	delete(c.entries, vcn)
}

// Len returns the number of resident chapters, for stats/tests.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
