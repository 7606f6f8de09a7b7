// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package funnelqueue implements the intrusive multi-producer,
// single-consumer queue described by spec.md §5 ("Request queue") and
// §9 ("Funnel queue"), translating
// original_source/utils/uds/util/funnelQueue.c's lock-free design into Go
// with atomic.Pointer in place of a hand-rolled xchg.
//
// Producers never block. The consumer (a single goroutine per queue: a
// zone worker or the triage worker) polls and must tolerate Poll
// momentarily reporting empty even though a concurrent Put is in flight —
// the same "brief gap" the original documents as a weak progress
// guarantee, not a correctness one.
package funnelqueue

import "sync/atomic"

// Entry must be embedded (by value, as the first field) in whatever the
// caller links onto the queue.
type Entry struct {
	next atomic.Pointer[Entry]
}

// Queue is a dynamically growing MPSC funnel queue of *Entry. newest and
// oldest are never nil: both start out pointing at the queue's own stub
// entry, exactly as make_funnel_queue establishes in the original.
type Queue struct {
	newest atomic.Pointer[Entry]
	oldest *Entry // owned by the single consumer; never nil
	stub   Entry
}

// New returns an empty queue.
func New() *Queue {
	q := &Queue{}
	q.oldest = &q.stub
	q.newest.Store(&q.stub)
	return q
}

// Put appends entry to the queue. Safe to call from any number of
// goroutines concurrently.
func (q *Queue) Put(entry *Entry) {
	entry.next.Store(nil)
	previous := q.newest.Swap(entry)
	// A consumer that preempts here will see the queue as empty (or
	// idle-but-for-the-stub) until this store lands: the documented
	// "brief gap".
	previous.next.Store(entry)
}

// getOldest returns the current oldest retrievable entry without
// unlinking it, or nil if the queue is (possibly only transiently) empty.
func (q *Queue) getOldest() *Entry {
	oldest := q.oldest
	next := oldest.next.Load()

	if oldest == &q.stub {
		if next == nil {
			// The stub has no successor: the queue is empty (for now).
			return nil
		}
		// The stub can be dequeued and ignored without breaking the
		// queue's invariants.
		oldest = next
		q.oldest = oldest
		next = oldest.next.Load()
	}

	if next == nil {
		// oldest lacks a successor. If it isn't the newest entry, a
		// producer has swung `newest` but not yet linked `previous.next`
		// (the "brief gap"), so report empty for now. If it is the newest,
		// put the stub back behind it so oldest gains a successor and can
		// be unlinked without emptying the list, and recheck.
		newest := q.newest.Load()
		if oldest != newest {
			return nil
		}
		q.Put(&q.stub)
		next = oldest.next.Load()
		if next == nil {
			return nil
		}
	}
	return oldest
}

// Poll removes and returns the oldest entry, or nil if the queue is
// (possibly only transiently) empty. Must only be called from the single
// consumer goroutine.
func (q *Queue) Poll() *Entry {
	oldest := q.getOldest()
	if oldest == nil {
		return nil
	}
	q.oldest = oldest.next.Load()
	oldest.next.Store(nil)
	return oldest
}

// IsEmpty reports whether the queue has no entry currently retrievable by
// Poll. Like Poll, it may spuriously report empty during a concurrent Put.
func (q *Queue) IsEmpty() bool {
	return q.getOldest() == nil
}
