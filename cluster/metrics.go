package cluster

import (
	"sync"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics tracks cluster fan-out outcomes. Latency is additionally kept in
// an HdrHistogram per operation — the teacher's go.mod carries
// github.com/HdrHistogram/hdrhistogram-go for exactly this kind of
// high-resolution latency distribution, previously only exercised by its
// dropped benchmark CLI (see DESIGN.md); here it backs the quorum
// operations' own latency accounting.
type metrics struct {
	uploads   prometheus.Counter
	downloads prometheus.Counter
	removes   prometheus.Counter
	exhausted *prometheus.CounterVec
	partitionDead prometheus.Counter
	partitionRevived prometheus.Counter

	mu         sync.Mutex
	uploadLat  *hdrhistogram.Histogram
	downloadLat *hdrhistogram.Histogram
}

// latencyMin/Max/Sigfigs bound the histograms to microsecond..10s latencies
// at 3 significant figures, generous enough for cluster RPC fan-out without
// wasting memory on sub-microsecond buckets pure in-process calls hit.
const (
	latencyMinMicros = 1
	latencyMaxMicros = 10_000_000
	latencySigFigs   = 3
)

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &metrics{
		uploads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cluster_uploads",
			Help: "cluster_uploads counts upload sessions that reached quorum.",
		}),
		downloads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cluster_downloads",
			Help: "cluster_downloads counts download sessions that reached quorum.",
		}),
		removes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cluster_removes",
			Help: "cluster_removes counts remove sessions that reached quorum.",
		}),
		exhausted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_exhausted",
			Help: "cluster_exhausted counts operations that failed to reach quorum, by operation.",
		}, []string{"op"}),
		partitionDead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cluster_partition_marked_dead",
			Help: "cluster_partition_marked_dead counts HEALTHY->DEAD transitions across all partitions.",
		}),
		partitionRevived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cluster_partition_revived",
			Help: "cluster_partition_revived counts DEAD->HEALTHY transitions across all partitions.",
		}),
		uploadLat:   hdrhistogram.New(latencyMinMicros, latencyMaxMicros, latencySigFigs),
		downloadLat: hdrhistogram.New(latencyMinMicros, latencyMaxMicros, latencySigFigs),
	}
}

func (m *metrics) recordUploadLatency(micros int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.uploadLat.RecordValue(micros)
}

func (m *metrics) recordDownloadLatency(micros int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.downloadLat.RecordValue(micros)
}

// UploadLatencyPercentile returns the p-th percentile (0..100) observed
// upload latency in microseconds.
func (m *metrics) UploadLatencyPercentile(p float64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploadLat.ValueAtPercentile(p)
}
