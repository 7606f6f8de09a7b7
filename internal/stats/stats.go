// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package stats exposes the counters spec.md §6's GetStats call returns,
// both as a plain snapshot struct and as Prometheus metrics, matching how
// the teacher repo exposes its own internal counters through
// github.com/prometheus/client_golang rather than a hand-rolled counter
// struct with no export path.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Snapshot is the point-in-time counter set returned by GetStats.
type Snapshot struct {
	PostsFound     uint64
	PostsNotFound  uint64
	UpdatesFound   uint64
	UpdatesNotFound uint64
	Deletes        uint64
	Queries        uint64

	EntriesIndexed uint64

	DiskUsed  int64
	DiskAvailable int64

	// Overflows counts delta-list-full events swallowed per spec.md §7;
	// a deployment that sees this climb needs a bigger geometry, not a
	// crash.
	Overflows uint64
	// Collisions counts PutCollision entries recorded (two distinct
	// names sharing a delta-index address).
	Collisions uint64
	// Checkpoints / Rebuilds count completed lifecycle operations.
	Checkpoints uint64
	Rebuilds    uint64
}

// Stats owns the live counters, atomically updated from any zone or
// background goroutine, and registered as Prometheus metrics under the
// "uds_" namespace.
type Stats struct {
	postsFound      prometheus.Counter
	postsNotFound   prometheus.Counter
	updatesFound    prometheus.Counter
	updatesNotFound prometheus.Counter
	deletes         prometheus.Counter
	queries         prometheus.Counter
	entriesIndexed  prometheus.Gauge
	overflows       prometheus.Counter
	collisions      prometheus.Counter
	checkpoints     prometheus.Counter
	rebuilds        prometheus.Counter
}

// New constructs a Stats and registers its metrics with reg. Passing a
// fresh prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// lets a process host more than one index session without collector
// name collisions.
func New(reg prometheus.Registerer) *Stats {
	s := &Stats{
		postsFound:      newCounter("posts_found_total", "Posts that found an existing entry."),
		postsNotFound:   newCounter("posts_not_found_total", "Posts that inserted a new entry."),
		updatesFound:    newCounter("updates_found_total", "Updates that found an existing entry."),
		updatesNotFound: newCounter("updates_not_found_total", "Updates that inserted a new entry."),
		deletes:         newCounter("deletes_total", "Delete requests processed."),
		queries:         newCounter("queries_total", "Query requests processed."),
		entriesIndexed:  newGauge("entries_indexed", "Current number of names held in the index."),
		overflows:       newCounter("delta_list_overflows_total", "Delta-list-full events where a write was dropped."),
		collisions:      newCounter("collisions_total", "Distinct names recorded as colliding at the same delta-index address."),
		checkpoints:     newCounter("checkpoints_total", "Checkpoints completed."),
		rebuilds:        newCounter("rebuilds_total", "Rebuilds completed."),
	}
	reg.MustRegister(
		s.postsFound, s.postsNotFound, s.updatesFound, s.updatesNotFound,
		s.deletes, s.queries, s.entriesIndexed, s.overflows, s.collisions,
		s.checkpoints, s.rebuilds,
	)
	return s
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: "uds", Name: name, Help: help})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "uds", Name: name, Help: help})
}

// RecordPost updates post counters given whether the name already existed.
func (s *Stats) RecordPost(found bool) {
	if found {
		s.postsFound.Inc()
		return
	}
	s.postsNotFound.Inc()
	s.entriesIndexed.Inc()
}

// RecordUpdate updates update counters given whether the name already
// existed.
func (s *Stats) RecordUpdate(found bool) {
	if found {
		s.updatesFound.Inc()
		return
	}
	s.updatesNotFound.Inc()
	s.entriesIndexed.Inc()
}

// RecordDelete updates delete counters, decrementing the live entry gauge
// only if the name was actually present.
func (s *Stats) RecordDelete(found bool) {
	s.deletes.Inc()
	if found {
		s.entriesIndexed.Dec()
	}
}

// RecordQuery increments the query counter.
func (s *Stats) RecordQuery() { s.queries.Inc() }

// RecordOverflow increments the swallowed-overflow counter.
func (s *Stats) RecordOverflow() { s.overflows.Inc() }

// RecordCollision increments the collision counter.
func (s *Stats) RecordCollision() { s.collisions.Inc() }

// RecordCheckpoint increments the completed-checkpoint counter.
func (s *Stats) RecordCheckpoint() { s.checkpoints.Inc() }

// RecordRebuild increments the completed-rebuild counter.
func (s *Stats) RecordRebuild() { s.rebuilds.Inc() }

// Snapshot reads every counter's current value via the Prometheus metric
// family dump, for GetStats's plain-struct return.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		PostsFound:      counterValue(s.postsFound),
		PostsNotFound:   counterValue(s.postsNotFound),
		UpdatesFound:    counterValue(s.updatesFound),
		UpdatesNotFound: counterValue(s.updatesNotFound),
		Deletes:         counterValue(s.deletes),
		Queries:         counterValue(s.queries),
		EntriesIndexed:  uint64(gaugeValue(s.entriesIndexed)),
		Overflows:       counterValue(s.overflows),
		Collisions:      counterValue(s.collisions),
		Checkpoints:     counterValue(s.checkpoints),
		Rebuilds:        counterValue(s.rebuilds),
	}
}

func counterValue(c prometheus.Counter) uint64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
