// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package wal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirrors the teacher's walMetrics (github.com/dreamsxin/wal,
// metrics.go) renamed from Raft log-index counters to this spec's
// put/flush/drain vocabulary.
type metrics struct {
	bytesWritten          prometheus.Counter
	recordsWritten        prometheus.Counter
	appends               prometheus.Counter
	segmentRotations      prometheus.Counter
	malformedTailsDropped prometheus.Counter
	drainFailures         *prometheus.CounterVec
	sealedSegmentsPending prometheus.Gauge
	lastSegmentAgeSeconds prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &metrics{
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_bytes_written",
			Help: "wal_bytes_written counts the bytes of record payload appended," +
				" before frame headers.",
		}),
		recordsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_records_written",
			Help: "wal_records_written counts the number of records appended.",
		}),
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_appends",
			Help: "wal_appends counts the number of calls to Put.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_segment_rotations",
			Help: "wal_segment_rotations counts how many times the tail segment was sealed and replaced.",
		}),
		malformedTailsDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_malformed_tails_dropped",
			Help: "wal_malformed_tails_dropped counts segments recovered with a truncated tail.",
		}),
		drainFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "wal_drain_failures",
				Help: "wal_drain_failures counts failed attempts to hand a sealed segment off to storage.",
			},
			[]string{"stage"},
		),
		sealedSegmentsPending: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "wal_sealed_segments_pending",
			Help: "wal_sealed_segments_pending is the number of sealed segments not yet drained into storage.",
		}),
		lastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "wal_last_segment_age_seconds",
			Help: "wal_last_segment_age_seconds records how long the most recently sealed segment was open before rotation.",
		}),
	}
}
