package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	uploads         prometheus.Counter
	uploadedRecords prometheus.Counter
	removes         prometheus.Counter

	chunksWritten      prometheus.Counter
	compactions        prometheus.Counter
	compactionFailures prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &metrics{
		uploads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storage_uploads",
			Help: "storage_uploads counts upload sessions committed into the live index.",
		}),
		uploadedRecords: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storage_uploaded_records",
			Help: "storage_uploaded_records counts distinct keys merged across all upload sessions.",
		}),
		removes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storage_removes",
			Help: "storage_removes counts remove sessions committed into the live index.",
		}),
		chunksWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storage_chunks_written",
			Help: "storage_chunks_written counts chunk files written for upload and remove sessions.",
		}),
		compactions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storage_compactions",
			Help: "storage_compactions counts completed background compaction passes.",
		}),
		compactionFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storage_compaction_failures",
			Help: "storage_compaction_failures counts background compaction passes that returned an error.",
		}),
	}
}
