// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package metrics exposes build-lifecycle counters through
// prometheus/client_golang, replacing the hand-rolled secondary/stats
// package (avgvar/histogram over storage-engine counters, which has no
// bearing on a build coordinator). The gauge/counter shape here follows
// how percona-percona-clustersync-mongodb wires client_golang directly
// onto its own replication/sync coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors holds every metric the coordinator publishes. Construct one
// per process and register it with a prometheus.Registerer.
type Collectors struct {
	InProgressBuilds *prometheus.GaugeVec
	BuildsStarted    prometheus.Counter
	BuildsCommitted  prometheus.Counter
	BuildsAborted    *prometheus.CounterVec
	RecoveryRebuilds prometheus.Counter
	CommitGateWaits  prometheus.Histogram
}

// New constructs a Collectors and registers every metric with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		InProgressBuilds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "indexbuild",
			Name:      "in_progress_builds",
			Help:      "Number of index builds currently registered, by protocol.",
		}, []string{"protocol"}),
		BuildsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "indexbuild",
			Name:      "builds_started_total",
			Help:      "Total number of index builds registered.",
		}),
		BuildsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "indexbuild",
			Name:      "builds_committed_total",
			Help:      "Total number of index builds that reached Phase 3 commit.",
		}),
		BuildsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexbuild",
			Name:      "builds_aborted_total",
			Help:      "Total number of index builds that aborted, by reason.",
		}, []string{"reason"}),
		RecoveryRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "indexbuild",
			Name:      "recovery_rebuilds_total",
			Help:      "Total number of indexes rebuilt by the crash-recovery path.",
		}),
		CommitGateWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "indexbuild",
			Name:      "commit_gate_wait_seconds",
			Help:      "Time a two-phase build spent blocked at the commit gate.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.InProgressBuilds,
		c.BuildsStarted,
		c.BuildsCommitted,
		c.BuildsAborted,
		c.RecoveryRebuilds,
		c.CommitGateWaits,
	)
	return c
}
