// Package storage implements the local keyed store (SPEC_FULL.md §4.3): a
// materialized merge-reduction of every Record ingested for a key, with
// atomic upload/download semantics.
//
// The copy-on-write snapshot swapped under a single mutation lock mirrors
// the state-management shape the teacher (github.com/dreamsxin/wal) uses
// for its own in-memory WAL state (wal.go's atomic.Value-backed `state`),
// reused here for the live key→state index instead of the segment list.
package storage

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/crdtstore/codec"
	"github.com/dreamsxin/crdtstore/crdt"
)

// CompactionConfig controls Store's background chunk compaction.
type CompactionConfig struct {
	// Interval between compaction passes. Zero disables background
	// compaction entirely (CompactNow can still be called directly).
	Interval time.Duration
	// Retention is how long a tombstoned key is kept once merged; past it,
	// a compaction pass drops the key outright rather than carrying it
	// forward into the new chunk, per spec.md §4.3's "background
	// compaction... drops fully-tombstoned keys". Zero means tombstones
	// are kept forever.
	Retention time.Duration
}

// Config configures a Store for key type K and state type S.
type Config[K comparable, S any] struct {
	// Less totally orders K, used to produce key-ordered Download streams
	// (spec.md §3: "Key (K): total-ordered").
	Less func(a, b K) bool
	// Merge is the CRDT contract for S.
	Merge crdt.Func[S]
	// Tombstone builds the deletion marker merged in by Remove, stamped
	// with the timestamp the tombstone takes effect at.
	Tombstone func(ts int64) S

	// Dir is the storage root chunk files are written under. Empty means
	// the Store holds state purely in memory with no durability — fine
	// for tests, but a caller wiring a WAL in front of this Store (so the
	// WAL's sealed segments get deleted once Upload().Close() returns)
	// needs Dir set, or a crash loses every record the WAL already
	// handed off.
	Dir string
	// Codec encodes/decodes Records to the chunk file payloads Dir holds.
	// Required when Dir is set.
	Codec codec.Codec[K, S]

	Compaction CompactionConfig

	Registerer prometheus.Registerer
}

// Store is a keyed store that materializes S as the merge-reduction of
// every ingested Record for K (spec.md §4.3). Store's upload/download
// sinks and sources use codec.Record so that a Store satisfies the
// wal.Storage/wal.UploadSink interfaces structurally, without the wal
// package needing to import this one.
type Store[K comparable, S any] struct {
	cfg Config[K, S]

	mu     sync.Mutex   // serializes installs (uploads, removes, and compaction)
	state  atomic.Value // *index[K,S]
	chunks *chunkFiler  // nil when cfg.Dir == ""

	stopCompact chan struct{}
	compactDone chan struct{}

	metrics *metrics
}

type index[K comparable, S any] struct {
	data map[K]S
}

func (ix *index[K, S]) clone() *index[K, S] {
	out := &index[K, S]{data: make(map[K]S, len(ix.data))}
	for k, v := range ix.data {
		out.data[k] = v
	}
	return out
}

// New constructs a Store, recovering its live state from cfg.Dir's chunk
// files if cfg.Dir is set. Recovery replays every chunk file in ascending
// (creation) order, merging each record into the same in-memory index an
// equivalent sequence of Upload/Remove calls would have produced — so a
// process restart after a crash observes exactly the state the last
// successful Upload().Close()/Remove().Close() call committed.
func New[K comparable, S any](cfg Config[K, S]) (*Store[K, S], error) {
	if cfg.Less == nil {
		return nil, fmt.Errorf("storage: Config.Less is required")
	}
	if cfg.Merge.Merge == nil || cfg.Merge.Extract == nil {
		return nil, fmt.Errorf("storage: Config.Merge is required")
	}
	if cfg.Dir != "" && cfg.Codec == nil {
		return nil, fmt.Errorf("storage: Config.Codec is required when Config.Dir is set")
	}

	st := &Store[K, S]{cfg: cfg, metrics: newMetrics(cfg.Registerer)}
	data := make(map[K]S)

	if cfg.Dir != "" {
		chunks, ids, err := newChunkFiler(cfg.Dir)
		if err != nil {
			return nil, err
		}
		st.chunks = chunks
		for _, id := range ids {
			payloads, err := chunks.read(id)
			if err != nil {
				return nil, fmt.Errorf("storage: recover chunk %d: %w", id, err)
			}
			for _, payload := range payloads {
				rec, err := cfg.Codec.Decode(payload)
				if err != nil {
					return nil, fmt.Errorf("storage: decode recovered record: %w", err)
				}
				if existing, ok := data[rec.Key]; ok {
					data[rec.Key] = cfg.Merge.Merge(existing, rec.State)
				} else {
					data[rec.Key] = rec.State
				}
			}
		}
	}

	st.state.Store(&index[K, S]{data: data})

	if cfg.Dir != "" && cfg.Compaction.Interval > 0 {
		st.stopCompact = make(chan struct{})
		st.compactDone = make(chan struct{})
		go st.compactLoop()
	}
	return st, nil
}

// Close stops background compaction, if running. It does not close or
// flush any in-memory state; Store has no dirty buffer to drain beyond
// what Upload/Remove have already fsynced to chunk files.
func (s *Store[K, S]) Close() error {
	if s.stopCompact == nil {
		return nil
	}
	close(s.stopCompact)
	<-s.compactDone
	return nil
}

func (s *Store[K, S]) load() *index[K, S] {
	return s.state.Load().(*index[K, S])
}

// UploadSink accepts Records; its effects are invisible to readers until
// Close commits them atomically.
type UploadSink[K any, S any] interface {
	Put(codec.Record[K, S]) error
	Close() error
}

// KeySink accepts bare keys (used by Remove).
type KeySink[K any] interface {
	Put(K) error
	Close() error
}

// Source yields Records in key order.
type Source[K any, S any] interface {
	// Next returns the next Record, or ok=false when the stream is
	// exhausted.
	Next() (rec codec.Record[K, S], ok bool)
}

type uploadSink[K comparable, S any] struct {
	store   *Store[K, S]
	pending map[K]S
	closed  bool
}

// Upload returns a sink that accepts Records; on Close its contents are
// merged per key into the live state in one atomic install, matching
// spec.md §4.3's "uploads are atomic with respect to downloads".
func (s *Store[K, S]) Upload() UploadSink[K, S] {
	return &uploadSink[K, S]{store: s, pending: make(map[K]S)}
}

func (u *uploadSink[K, S]) Put(rec codec.Record[K, S]) error {
	if u.closed {
		return fmt.Errorf("storage: upload: Put after Close")
	}
	if existing, ok := u.pending[rec.Key]; ok {
		u.pending[rec.Key] = u.store.cfg.Merge.Merge(existing, rec.State)
	} else {
		u.pending[rec.Key] = rec.State
	}
	return nil
}

func (u *uploadSink[K, S]) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true

	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	if u.store.chunks != nil {
		if err := u.store.writeChunkLocked(u.pending); err != nil {
			return err
		}
	}

	cur := u.store.load()
	next := cur.clone()
	for k, incoming := range u.pending {
		if existing, ok := next.data[k]; ok {
			next.data[k] = u.store.cfg.Merge.Merge(existing, incoming)
		} else {
			next.data[k] = incoming
		}
	}
	u.store.state.Store(next)
	u.store.metrics.uploads.Inc()
	u.store.metrics.uploadedRecords.Add(float64(len(u.pending)))
	return nil
}

// removeSink implements KeySink[K] (spec.md §4.3: "a stream of K values
// that become tombstones with a timestamp"), merging a tombstone state
// into each named key on Close.
type removeSink[K comparable, S any] struct {
	store   *Store[K, S]
	ts      int64
	pending []K
	closed  bool
}

// Remove returns a sink of K values that become tombstones stamped with ts.
func (s *Store[K, S]) Remove(ts int64) KeySink[K] {
	return &removeSink[K, S]{store: s, ts: ts}
}

func (r *removeSink[K, S]) Put(key K) error {
	r.pending = append(r.pending, key)
	return nil
}

func (r *removeSink[K, S]) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	s := r.store

	s.mu.Lock()
	defer s.mu.Unlock()

	tomb := s.cfg.Tombstone(r.ts)

	if s.chunks != nil {
		pending := make(map[K]S, len(r.pending))
		for _, k := range r.pending {
			pending[k] = tomb
		}
		if err := s.writeChunkLocked(pending); err != nil {
			return err
		}
	}

	cur := s.load()
	next := cur.clone()
	for _, k := range r.pending {
		if existing, ok := next.data[k]; ok {
			next.data[k] = s.cfg.Merge.Merge(existing, tomb)
		} else {
			next.data[k] = tomb
		}
	}
	s.state.Store(next)
	s.metrics.removes.Inc()
	return nil
}

// Download returns an ordered-by-K stream of Records whose Extract(state,
// ts) is visible. ts of nil means "all live state" (no tombstone cutoff
// applied — every key is returned as-is). The snapshot is fixed at call
// time: a concurrent Upload during iteration is not observed, per spec.md
// §4.3.
func (s *Store[K, S]) Download(ts *int64) Source[K, S] {
	snap := s.load()
	keys := make([]K, 0, len(snap.data))
	for k := range snap.data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return s.cfg.Less(keys[i], keys[j]) })

	cutoff := int64(0)
	apply := false
	if ts != nil {
		cutoff = *ts
		apply = true
	}
	return &boundedSource[K, S]{keys: keys, data: snap.data, cutoff: cutoff, apply: apply, f: s.cfg.Merge}
}

type boundedSource[K comparable, S any] struct {
	keys   []K
	data   map[K]S
	cutoff int64
	apply  bool
	f      crdt.Func[S]
	i      int
}

func (b *boundedSource[K, S]) Next() (codec.Record[K, S], bool) {
	for b.i < len(b.keys) {
		k := b.keys[b.i]
		b.i++
		state := b.data[k]
		if !b.apply {
			return codec.Record[K, S]{Key: k, State: state}, true
		}
		extracted, ok := b.f.Extract(state, b.cutoff)
		if !ok {
			continue
		}
		return codec.Record[K, S]{Key: k, State: extracted}, true
	}
	return codec.Record[K, S]{}, false
}

// Size returns the approximate number of live keys.
func (s *Store[K, S]) Size() int {
	return len(s.load().data)
}

// writeChunkLocked encodes pending through cfg.Codec and durably writes it
// as one new chunk file before the caller installs the equivalent
// in-memory merge — so a crash between the two leaves the chunk on disk
// to be replayed on the next New, never the reverse. Callers must hold
// s.mu.
func (s *Store[K, S]) writeChunkLocked(pending map[K]S) error {
	payloads := make([][]byte, 0, len(pending))
	for k, v := range pending {
		payload, err := s.cfg.Codec.Encode(codec.Record[K, S]{Key: k, State: v})
		if err != nil {
			return fmt.Errorf("storage: encode chunk record: %w", err)
		}
		payloads = append(payloads, payload)
	}
	id := s.chunks.allocID()
	if err := s.chunks.write(id, payloads); err != nil {
		return err
	}
	s.metrics.chunksWritten.Inc()
	return nil
}

// compactLoop runs CompactNow on cfg.Compaction.Interval until Close stops
// it — the same rotation-goroutine periodic-task shape the teacher (and
// this repo's own repair.Loop) use for background work, applied here to
// chunk compaction (spec.md §4.3: "background compaction merges chunks
// and drops fully-tombstoned keys").
func (s *Store[K, S]) compactLoop() {
	defer close(s.compactDone)
	ticker := time.NewTicker(s.cfg.Compaction.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCompact:
			return
		case <-ticker.C:
			if err := s.CompactNow(time.Now().UnixNano()); err != nil {
				s.metrics.compactionFailures.Inc()
			}
		}
	}
}

// CompactNow merges every chunk file under cfg.Dir into a single new
// chunk, dropping any key whose merged state no longer extracts at
// now - cfg.Compaction.Retention (a fully-expired tombstone), then removes
// the superseded chunk files. It is a no-op when cfg.Dir is unset or at
// most one chunk file exists. now is caller-supplied so tests don't
// depend on wall-clock time; the background compactLoop passes
// time.Now().UnixNano().
func (s *Store[K, S]) CompactNow(now int64) error {
	if s.chunks == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ids, err := newChunkFiler(s.cfg.Dir)
	if err != nil {
		return err
	}
	if len(ids) <= 1 {
		return nil
	}

	cur := s.load()
	kept := make(map[K]S, len(cur.data))
	for k, v := range cur.data {
		if s.cfg.Compaction.Retention > 0 {
			cutoff := now - int64(s.cfg.Compaction.Retention)
			if _, ok := s.cfg.Merge.Extract(v, cutoff); !ok {
				continue
			}
		}
		kept[k] = v
	}

	payloads := make([][]byte, 0, len(kept))
	for k, v := range kept {
		payload, err := s.cfg.Codec.Encode(codec.Record[K, S]{Key: k, State: v})
		if err != nil {
			return fmt.Errorf("storage: encode compacted record: %w", err)
		}
		payloads = append(payloads, payload)
	}
	newID := s.chunks.allocID()
	if err := s.chunks.write(newID, payloads); err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.chunks.remove(id); err != nil {
			return fmt.Errorf("storage: remove superseded chunk %d: %w", id, err)
		}
	}

	s.state.Store(&index[K, S]{data: kept})
	s.metrics.compactions.Inc()
	return nil
}
