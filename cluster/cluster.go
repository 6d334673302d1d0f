// Package cluster implements cluster storage (SPEC_FULL.md §4.6): it wraps
// a local partition and a set of remote partitions under the same
// upload/download/remove interface as package storage, fanning out to the
// rendezvous-selected top-R replicas of each key under a quorum policy.
//
// The partition HEALTHY/DEAD bookkeeping is grounded on torua's
// health_monitor.go (NodeHealth/HealthMonitor), adapted from a polling
// HTTP check to a transport/ack-outcome-driven state machine (see
// partition.go). The R-way K-ordered download merge uses container/heap —
// no library in the retrieval pack offers a generic k-way merge primitive,
// so this is one of the few spots built directly on the standard library
// (see DESIGN.md).
package cluster

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	crdtstore "github.com/dreamsxin/crdtstore"
	"github.com/dreamsxin/crdtstore/codec"
	"github.com/dreamsxin/crdtstore/crdt"
	"github.com/dreamsxin/crdtstore/shard"
)

// errTransient marks I/O/timeout/DEAD-peer failures observed while talking
// to one partition. Per spec.md §7 it is never surfaced directly — the
// quorum layer swallows it and only reports crdtstore.ErrExhausted if too
// many partitions fail.
var errTransient = errors.New("cluster: transient partition failure")

// UploadSink, KeySink and Source mirror package storage's upload/remove/
// download surface (§4.3) so that a storage.Store satisfies PartitionStorage
// structurally, without this package importing storage.
type UploadSink[K any, S any] interface {
	Put(codec.Record[K, S]) error
	Close() error
}

type KeySink[K any] interface {
	Put(K) error
	Close() error
}

type Source[K any, S any] interface {
	Next() (codec.Record[K, S], bool)
}

// PartitionStorage is the per-partition storage surface cluster fans out
// to — satisfied by *storage.Store and by any RPC-backed remote stub
// (package transport).
type PartitionStorage[K any, S any] interface {
	Upload() UploadSink[K, S]
	Download(ts *int64) Source[K, S]
	Remove(ts int64) KeySink[K]
}

// Config configures a ClusterStore.
type Config[K comparable, S any] struct {
	// Partitions maps every partition identifier in `current` (including
	// the local one) to its storage surface.
	Partitions map[string]PartitionStorage[K, S]
	// Sharder ranks partitions per key; its partition set must equal
	// Partitions' key set.
	Sharder *shard.Sharder
	// R is the replication factor: Upload/Remove fan out to the top R
	// partitions for each key.
	R int
	// W is the write quorum, 1 <= W <= R. Zero defaults to R (strict).
	W int

	KeyString func(K) string
	Merge     crdt.Func[S]
	Less      func(a, b K) bool

	// Cooldown is how long a partition stays DEAD before it is eligible
	// for a probe (spec.md §4.6).
	Cooldown time.Duration
	// Probe, if set, is invoked on a DEAD-but-cooled-down partition before
	// it is tried again; nil means the cooldown alone suffices.
	Probe func(partition string) error

	Registerer prometheus.Registerer
}

// QuorumStrict returns W=R: every replica must ack before an upload or
// remove succeeds. This is the default when Config.W is left zero.
func QuorumStrict(r int) int { return r }

// QuorumMajority returns W=⌊R/2⌋+1, the smallest quorum that still
// guarantees any two successful writes share at least one replica.
func QuorumMajority(r int) int { return r/2 + 1 }

func (c *Config[K, S]) validate() error {
	if len(c.Partitions) == 0 {
		return errors.New("cluster: Config.Partitions is required")
	}
	if c.Sharder == nil {
		return errors.New("cluster: Config.Sharder is required")
	}
	if c.R <= 0 {
		return errors.New("cluster: Config.R must be positive")
	}
	if c.W == 0 {
		c.W = c.R
	}
	if c.W > c.R {
		return errors.New("cluster: Config.W must be <= R")
	}
	if c.KeyString == nil {
		return errors.New("cluster: Config.KeyString is required")
	}
	if c.Merge.Merge == nil || c.Merge.Extract == nil {
		return errors.New("cluster: Config.Merge is required")
	}
	if c.Less == nil {
		return errors.New("cluster: Config.Less is required")
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return nil
}

// ClusterStore fans upload/download/remove out across replicated
// partitions under a quorum policy.
type ClusterStore[K comparable, S any] struct {
	cfg     Config[K, S]
	health  map[string]*partitionHealth
	metrics *metrics
}

// New builds a ClusterStore. cfg.Sharder's partition set must match the
// keys of cfg.Partitions.
func New[K comparable, S any](cfg Config[K, S]) (*ClusterStore[K, S], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	health := make(map[string]*partitionHealth, len(cfg.Partitions))
	for id := range cfg.Partitions {
		health[id] = newPartitionHealth(cfg.Cooldown)
	}
	return &ClusterStore[K, S]{cfg: cfg, health: health, metrics: newMetrics(cfg.Registerer)}, nil
}

// usablePartition reports whether partition p should be attempted right
// now, performing the DEAD->HEALTHY probe transition if the cooldown has
// elapsed.
func (c *ClusterStore[K, S]) usablePartition(p string) bool {
	h := c.health[p]
	if h == nil {
		return false
	}
	if !h.usable() {
		return false
	}
	if h.isDead() {
		// Cooldown elapsed: the partition only becomes usable again once
		// a probe succeeds (spec.md §4.6).
		if c.cfg.Probe != nil {
			if err := c.cfg.Probe(p); err != nil {
				return false
			}
		}
		h.markHealthy()
		c.metrics.partitionRevived.Inc()
	}
	return true
}

func (c *ClusterStore[K, S]) markDead(p string) {
	if h := c.health[p]; h != nil && !h.isDead() {
		h.markDead()
		c.metrics.partitionDead.Inc()
	}
}

// topUsable returns the top-R partitions for key, filtered to those
// currently usable, in ranked order.
func (c *ClusterStore[K, S]) topUsable(key K) []string {
	ranked := c.cfg.Sharder.Top(c.cfg.KeyString(key), c.cfg.R)
	out := make([]string, 0, len(ranked))
	for _, p := range ranked {
		if c.usablePartition(p) {
			out = append(out, p)
		}
	}
	return out
}

// Upload returns a sink that tees each incoming Record to the top-R
// partitions for its key, lazily opening a per-partition session on first
// use. Close succeeds once at least W sessions ack.
func (c *ClusterStore[K, S]) Upload() UploadSink[K, S] {
	return &clusterUploadSink[K, S]{cs: c, sinks: make(map[string]UploadSink[K, S])}
}

type clusterUploadSink[K comparable, S any] struct {
	cs      *ClusterStore[K, S]
	mu      sync.Mutex
	sinks   map[string]UploadSink[K, S]
	failed  map[string]error
	started time.Time
}

func (u *clusterUploadSink[K, S]) sinkFor(partition string) UploadSink[K, S] {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failed == nil {
		u.failed = make(map[string]error)
	}
	if _, bad := u.failed[partition]; bad {
		return nil
	}
	if s, ok := u.sinks[partition]; ok {
		return s
	}
	s := u.cs.cfg.Partitions[partition].Upload()
	u.sinks[partition] = s
	return s
}

func (u *clusterUploadSink[K, S]) Put(rec codec.Record[K, S]) error {
	if u.started.IsZero() {
		u.started = now()
	}
	for _, p := range u.cs.topUsable(rec.Key) {
		s := u.sinkFor(p)
		if s == nil {
			continue
		}
		if err := s.Put(rec); err != nil {
			u.fail(p, err)
		}
	}
	return nil
}

func (u *clusterUploadSink[K, S]) fail(partition string, err error) {
	u.mu.Lock()
	u.failed[partition] = err
	delete(u.sinks, partition)
	u.mu.Unlock()
	u.cs.markDead(partition)
}

func (u *clusterUploadSink[K, S]) Close() error {
	u.mu.Lock()
	sinks := u.sinks
	failed := u.failed
	u.mu.Unlock()

	var attempted []crdtstore.PartitionError
	acks := 0
	for p, s := range sinks {
		if err := s.Close(); err != nil {
			attempted = append(attempted, crdtstore.PartitionError{Partition: p, Err: err})
			u.cs.markDead(p)
			continue
		}
		acks++
	}
	for p, err := range failed {
		attempted = append(attempted, crdtstore.PartitionError{Partition: p, Err: err})
	}

	if !u.started.IsZero() {
		u.cs.metrics.recordUploadLatency(time.Since(u.started).Microseconds())
	}

	want := u.cs.cfg.W
	if acks < want {
		u.cs.metrics.exhausted.WithLabelValues("upload").Inc()
		return &crdtstore.PartitionErrors{Op: "cluster: upload", Want: want, Got: acks, Attempt: attempted}
	}
	u.cs.metrics.uploads.Inc()
	return nil
}

// Remove returns a sink of K values that fan out to the top-R partitions
// for each key, identical to Upload's fan-out but succeeding on W acks
// because remove is idempotent (spec.md §4.6).
func (c *ClusterStore[K, S]) Remove(ts int64) KeySink[K] {
	return &clusterRemoveSink[K, S]{cs: c, ts: ts, sinks: make(map[string]KeySink[K])}
}

type clusterRemoveSink[K comparable, S any] struct {
	cs     *ClusterStore[K, S]
	ts     int64
	mu     sync.Mutex
	sinks  map[string]KeySink[K]
	failed map[string]error
}

func (r *clusterRemoveSink[K, S]) sinkFor(partition string) KeySink[K] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed == nil {
		r.failed = make(map[string]error)
	}
	if _, bad := r.failed[partition]; bad {
		return nil
	}
	if s, ok := r.sinks[partition]; ok {
		return s
	}
	s := r.cs.cfg.Partitions[partition].Remove(r.ts)
	r.sinks[partition] = s
	return s
}

func (r *clusterRemoveSink[K, S]) Put(key K) error {
	for _, p := range r.cs.topUsable(key) {
		s := r.sinkFor(p)
		if s == nil {
			continue
		}
		if err := s.Put(key); err != nil {
			r.mu.Lock()
			r.failed[p] = err
			delete(r.sinks, p)
			r.mu.Unlock()
			r.cs.markDead(p)
		}
	}
	return nil
}

func (r *clusterRemoveSink[K, S]) Close() error {
	r.mu.Lock()
	sinks := r.sinks
	failed := r.failed
	r.mu.Unlock()

	var attempted []crdtstore.PartitionError
	acks := 0
	for p, s := range sinks {
		if err := s.Close(); err != nil {
			attempted = append(attempted, crdtstore.PartitionError{Partition: p, Err: err})
			r.cs.markDead(p)
			continue
		}
		acks++
	}
	for p, err := range failed {
		attempted = append(attempted, crdtstore.PartitionError{Partition: p, Err: err})
	}

	want := r.cs.cfg.W
	if acks < want {
		r.cs.metrics.exhausted.WithLabelValues("remove").Inc()
		return &crdtstore.PartitionErrors{Op: "cluster: remove", Want: want, Got: acks, Attempt: attempted}
	}
	r.cs.metrics.removes.Inc()
	return nil
}

// Download opens a download session on every usable partition and merges
// them into a single K-ordered stream, resolving collisions with Merge.
// Partitions that are not usable (DEAD) are skipped; if more than R-W are
// skipped, the download fails with *PartitionErrors. A stream that stops
// early after it was opened is not detected: Source carries no error, so
// the merge treats it as finished.
func (c *ClusterStore[K, S]) Download(ts *int64) (Source[K, S], error) {
	started := now()
	tolerate := c.cfg.R - c.cfg.W

	type stream struct {
		partition string
		src       Source[K, S]
	}
	var streams []stream
	var attempted []crdtstore.PartitionError

	for id, store := range c.cfg.Partitions {
		if !c.usablePartition(id) {
			attempted = append(attempted, crdtstore.PartitionError{Partition: id, Err: errTransient})
			continue
		}
		streams = append(streams, stream{partition: id, src: store.Download(ts)})
	}
	// Sort for determinism: map iteration order is random and would
	// otherwise make tie-break order between equal-weight streams flaky.
	sort.Slice(streams, func(i, j int) bool { return streams[i].partition < streams[j].partition })

	if len(attempted) > tolerate {
		c.metrics.exhausted.WithLabelValues("download").Inc()
		return nil, &crdtstore.PartitionErrors{Op: "cluster: download", Want: len(c.cfg.Partitions) - tolerate, Got: len(streams), Attempt: attempted}
	}

	srcs := make([]Source[K, S], len(streams))
	for i, s := range streams {
		srcs[i] = s.src
	}
	c.metrics.recordDownloadLatency(time.Since(started).Microseconds())
	c.metrics.downloads.Inc()
	return newMergeSource(srcs, c.cfg.Less, c.cfg.Merge), nil
}
