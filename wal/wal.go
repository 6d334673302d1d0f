// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package wal implements the crash-safe write-ahead log (SPEC_FULL.md §4.2):
// a per-node durable append log with atomic segment rotation and
// at-least-once handoff to local storage.
//
// The state-management shape — an immutable snapshot swapped under a single
// writer lock, with a background goroutine handling rotation so the caller
// isn't blocked on file-system work — is adapted from the teacher
// (github.com/dreamsxin/wal, a retrieved slice of HashiCorp's raft-wal):
// see wal.go's Open/StoreLogs/mutateStateLocked there. This package keeps
// that shape but replaces Raft log-index semantics with this spec's
// (K, S, τ) Record semantics, and its segment I/O with the uvarint framing
// in package codec.
package wal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/crdtstore/codec"
	"github.com/dreamsxin/crdtstore/wal/segment"
	"github.com/dreamsxin/crdtstore/wal/types"
)

// DefaultSegmentSize is used when Config.SegmentSize is zero.
const DefaultSegmentSize int64 = 64 * 1024 * 1024

// Re-exported sentinel errors, matching the teacher's re-export of
// types.Err* at the wal package's top level.
var (
	ErrClosed = types.ErrClosed
	ErrCorrupt = types.ErrCorrupt
)

// UploadSink accepts records drained from a sealed segment and atomically
// commits them into storage when Close returns (spec.md §4.3's "uploads are
// invisible until end-of-stream" contract). It is satisfied structurally by
// storage.Store's upload sink — this package never imports package storage.
type UploadSink[K any, S any] interface {
	Put(codec.Record[K, S]) error
	Close() error
}

// Storage is the minimal surface the WAL needs from local storage.
type Storage[K any, S any] interface {
	Upload() UploadSink[K, S]
}

// Config configures one WAL instance. Dir, NodeID, Codec and Storage are
// required.
type Config[K any, S any] struct {
	Dir     string
	NodeID  string
	Codec   codec.Codec[K, S]
	Storage Storage[K, S]

	// SegmentSize is the size threshold (in approximate bytes) that
	// triggers an automatic rotation. Defaults to DefaultSegmentSize.
	SegmentSize int64
	// RotationInterval, if non-zero, also rotates the tail on this
	// wall-clock cadence even if it hasn't hit SegmentSize.
	RotationInterval time.Duration
	// SyncOnPut calls fsync after every append before Put returns.
	SyncOnPut bool

	Logger     log.Logger
	Registerer prometheus.Registerer
}

func (c *Config[K, S]) validate() error {
	if c.Dir == "" {
		return errors.New("wal: Config.Dir is required")
	}
	if c.NodeID == "" {
		return errors.New("wal: Config.NodeID is required")
	}
	if c.Codec == nil {
		return errors.New("wal: Config.Codec is required")
	}
	if c.Storage == nil {
		return errors.New("wal: Config.Storage is required")
	}
	if c.SegmentSize <= 0 {
		c.SegmentSize = DefaultSegmentSize
	}
	return nil
}

// WAL is a write-ahead log: Put appends a Record durably; Flush seals the
// current segment and drains it into storage; Stop does a final flush and
// refuses further writes.
type WAL[K any, S any] struct {
	cfg     Config[K, S]
	filer   *segment.Filer
	logger  log.Logger
	metrics *metrics

	writeMu sync.Mutex
	tail    *segment.Writer
	nextSeq uint64

	// pendingMu guards pending, the set of sealed segments not yet drained
	// into storage — tracked the same way the teacher tracks its own
	// sealed/tail segments (wal.go's `segments *immutable.SortedMap[uint64,
	// segmentState]`), generalized here to "segments awaiting drain"
	// instead of "all segments in the log".
	pendingMu sync.Mutex
	pending   *immutable.SortedMap[uint64, types.SegmentInfo]

	closed uint32

	rotateTicker *time.Ticker
	stopCh       chan struct{}
	drainWG      sync.WaitGroup
}

// Open scans dir for existing segments, recovers any sealed ones into
// storage, seals and recovers a leftover open segment if one is found, and
// returns a WAL ready to accept writes. dir must already exist.
func Open[K any, S any](cfg Config[K, S]) (*WAL[K, S], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	w := &WAL[K, S]{
		cfg:     cfg,
		filer:   segment.NewFiler(cfg.Dir, cfg.NodeID),
		logger:  logger,
		metrics: newMetrics(cfg.Registerer),
		stopCh:  make(chan struct{}),
		pending: &immutable.SortedMap[uint64, types.SegmentInfo]{},
	}

	if err := w.recover(); err != nil {
		return nil, err
	}

	if cfg.RotationInterval > 0 {
		w.rotateTicker = time.NewTicker(cfg.RotationInterval)
		go w.rotateLoop()
	}

	return w, nil
}

// recover implements the crash-recovery algorithm of spec.md §4.2: list the
// directory, reseal any leftover open segment, drain every sealed segment
// into storage, then start a fresh open tail.
func (w *WAL[K, S]) recover() error {
	infos, err := w.filer.List()
	if err != nil {
		return fmt.Errorf("wal: recover: %w", err)
	}

	var maxSeq uint64
	var sealed []types.SegmentInfo
	for _, info := range infos {
		if info.Sequence > maxSeq {
			maxSeq = info.Sequence
		}
		if !info.Sealed() {
			resealed, err := w.filer.Seal(info)
			if err != nil {
				return fmt.Errorf("wal: recover: seal leftover open segment %d: %w", info.Sequence, err)
			}
			info = resealed
		}
		sealed = append(sealed, info)
	}

	for _, info := range sealed {
		w.markPending(info)
		if err := w.drainSegment(info); err != nil {
			// Uploader error during handoff: the segment stays on disk and
			// in PendingSegments, and the next Open retries it; Flush does
			// not.
			level.Warn(w.logger).Log("msg", "failed to drain sealed WAL segment during recovery, will retry later", "segment", info.Sequence, "err", err)
			w.metrics.drainFailures.WithLabelValues("recover").Inc()
			continue
		}
		w.clearPending(info.Sequence)
	}

	w.nextSeq = maxSeq + 1
	return w.openNewTailLocked()
}

// drainSegment streams a sealed segment's records into a fresh storage
// upload session, truncating and discarding a malformed tail, and unlinks
// the segment file once the session acknowledges receipt of everything
// recovered. It is safe to call outside writeMu: it only touches the named
// segment's own file.
func (w *WAL[K, S]) drainSegment(info types.SegmentInfo) error {
	size, err := w.filer.Size(info)
	if err != nil {
		return fmt.Errorf("wal: drain: stat segment %d: %w", info.Sequence, err)
	}
	if size == 0 {
		// Empty file: nothing was ever durably appended to it.
		return w.filer.Remove(info)
	}

	reader, err := w.filer.OpenReader(info)
	if err != nil {
		return fmt.Errorf("wal: drain: open segment %d: %w", info.Sequence, err)
	}
	defer reader.Close()

	sink := w.cfg.Storage.Upload()
	recovered := 0
	validLength, readErr := reader.ReadAll(func(payload []byte) error {
		rec, derr := w.cfg.Codec.Decode(payload)
		if derr != nil {
			return fmt.Errorf("%w: decode record: %v", codec.ErrMalformed, derr)
		}
		if perr := sink.Put(rec); perr != nil {
			return perr
		}
		recovered++
		return nil
	})

	if readErr != nil {
		if errors.Is(readErr, codec.ErrMalformed) {
			level.Warn(w.logger).Log("msg", "malformed WAL tail discarded", "segment", info.Sequence, "valid_bytes", validLength, "records_recovered", recovered)
			w.metrics.malformedTailsDropped.Inc()
			if validLength == 0 {
				// Fully malformed: nothing recoverable, delete outright.
				_ = sink.Close()
				return w.filer.Remove(info)
			}
			if terr := w.filer.TruncateTo(info, validLength); terr != nil {
				return fmt.Errorf("wal: drain: truncate malformed tail: %w", terr)
			}
			// Fall through: commit what was recovered before the tail.
		} else {
			// A genuine storage error (not a framing problem): retain the
			// segment on disk for the next Open to retry.
			w.metrics.drainFailures.WithLabelValues("put").Inc()
			return readErr
		}
	}

	if err := sink.Close(); err != nil {
		w.metrics.drainFailures.WithLabelValues("ack").Inc()
		return fmt.Errorf("wal: drain: storage did not ack segment %d: %w", info.Sequence, err)
	}

	return w.filer.Remove(info)
}

func (w *WAL[K, S]) openNewTailLocked() error {
	seq := w.nextSeq
	w.nextSeq++
	writer, err := w.filer.Create(seq, w.cfg.SegmentSize)
	if err != nil {
		return fmt.Errorf("wal: create segment %d: %w", seq, err)
	}
	w.tail = writer
	return nil
}

// Put appends one Record to the current open segment and returns once the
// frame is in the OS write buffer (and, if SyncOnPut is set, fsync has
// returned). Concurrent Puts are ordered by arrival at writeMu, matching
// spec.md §4.2's "ordering of concurrent puts is the order in which they
// enter the segment".
func (w *WAL[K, S]) Put(ctx context.Context, key K, state S, timestamp int64) error {
	if atomic.LoadUint32(&w.closed) == 1 {
		return ErrClosed
	}
	payload, err := w.cfg.Codec.Encode(codec.Record[K, S]{Key: key, State: state, Timestamp: timestamp})
	if err != nil {
		return fmt.Errorf("wal: encode record: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if atomic.LoadUint32(&w.closed) == 1 {
		return ErrClosed
	}

	if err := w.tail.Append(payload, w.cfg.SyncOnPut); err != nil {
		// I/O error while appending: seal what we have (best-effort) so
		// the next Put opens a fresh segment rather than reusing a
		// possibly-corrupt file handle.
		_ = w.sealLocked(false)
		return fmt.Errorf("wal: append: %w", err)
	}

	w.metrics.appends.Inc()
	w.metrics.recordsWritten.Inc()
	w.metrics.bytesWritten.Add(float64(len(payload)))

	if w.tail.Size() >= w.cfg.SegmentSize {
		return w.sealLocked(true)
	}
	return nil
}

// sealLocked seals the current tail and opens a new one. If async is true,
// the sealed segment is drained into storage in a background goroutine so
// the caller (an over-threshold Put) isn't blocked on it; Flush instead
// drains synchronously. writeMu must be held.
func (w *WAL[K, S]) sealLocked(async bool) error {
	sealed, err := w.filer.Seal(w.tail.Info())
	if err != nil {
		return fmt.Errorf("wal: seal segment: %w", err)
	}
	if err := w.tail.Close(); err != nil {
		return fmt.Errorf("wal: close sealed segment handle: %w", err)
	}
	w.metrics.segmentRotations.Inc()
	w.metrics.sealedSegmentsPending.Inc()
	w.metrics.lastSegmentAgeSeconds.Set(time.Since(sealed.CreateTime).Seconds())
	w.markPending(sealed)

	if err := w.openNewTailLocked(); err != nil {
		return err
	}

	drain := func() {
		defer w.metrics.sealedSegmentsPending.Dec()
		if err := w.drainSegment(sealed); err != nil {
			level.Warn(w.logger).Log("msg", "failed to drain sealed WAL segment, will retry on next flush or restart", "segment", sealed.Sequence, "err", err)
			return
		}
		w.clearPending(sealed.Sequence)
	}

	if async {
		w.drainWG.Add(1)
		go func() {
			defer w.drainWG.Done()
			drain()
		}()
		return nil
	}
	drain()
	return nil
}

// Flush seals the current segment (if it has any records) and blocks until
// storage has acknowledged the merge of every record it contained. Sealed
// segments whose earlier drain failed are not retried here; Open retries
// them.
func (w *WAL[K, S]) Flush(ctx context.Context) error {
	if atomic.LoadUint32(&w.closed) == 1 {
		return ErrClosed
	}
	w.writeMu.Lock()
	if w.tail.Size() == 0 {
		w.writeMu.Unlock()
		return nil
	}
	err := w.sealLocked(false)
	w.writeMu.Unlock()
	return err
}

// Stop performs a final Flush and then refuses all further writes. It waits
// for any in-flight background drains to complete.
func (w *WAL[K, S]) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&w.closed, 0, 1) {
		return nil // already stopped
	}
	if w.rotateTicker != nil {
		w.rotateTicker.Stop()
	}
	close(w.stopCh)

	w.writeMu.Lock()
	var err error
	if w.tail.Size() > 0 {
		err = w.sealLocked(false)
	} else if w.tail != nil {
		err = w.tail.Close()
	}
	w.writeMu.Unlock()

	w.drainWG.Wait()
	return err
}

func (w *WAL[K, S]) markPending(info types.SegmentInfo) {
	w.pendingMu.Lock()
	w.pending = w.pending.Set(info.Sequence, info)
	w.pendingMu.Unlock()
	w.metrics.sealedSegmentsPending.Inc()
}

func (w *WAL[K, S]) clearPending(seq uint64) {
	w.pendingMu.Lock()
	w.pending = w.pending.Delete(seq)
	w.pendingMu.Unlock()
	w.metrics.sealedSegmentsPending.Dec()
}

// PendingSegments returns the sequence numbers of sealed segments not yet
// acknowledged by storage, in ascending order — an operational signal for
// "is the drain pipeline keeping up" that complements the
// sealedSegmentsPending gauge with the actual identities involved.
func (w *WAL[K, S]) PendingSegments() []uint64 {
	w.pendingMu.Lock()
	pending := w.pending
	w.pendingMu.Unlock()

	out := make([]uint64, 0, pending.Len())
	it := pending.Iterator()
	for !it.Done() {
		seq, _, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, seq)
	}
	return out
}

func (w *WAL[K, S]) rotateLoop() {
	for {
		select {
		case <-w.rotateTicker.C:
			if err := w.Flush(context.Background()); err != nil {
				level.Warn(w.logger).Log("msg", "periodic WAL rotation failed", "err", err)
			}
		case <-w.stopCh:
			return
		}
	}
}
