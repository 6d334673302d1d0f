// Package repair implements background anti-entropy (SPEC_FULL.md §4.8):
// periodically pull from a peer, merge into local storage, and — during a
// rebalance — migrate keys from a retiring partition to its replacement.
//
// The ticker-driven hand-off shape (a timer goroutine signalling a worker
// over a channel, with a manual trigger the caller can also fire) is
// adapted from the teacher's rotation goroutine (wal.go's
// rotateTicker/rotateLoop), generalized here from "rotate the WAL" to "run
// one repair pass".
package repair

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dreamsxin/crdtstore/codec"
)

// Source and Sink mirror the download/upload surface used throughout the
// core (package storage, package cluster) via structural typing.
type Source[K any, S any] interface {
	Next() (codec.Record[K, S], bool)
}

type Sink[K any, S any] interface {
	Put(codec.Record[K, S]) error
	Close() error
}

// Peer is one anti-entropy partner: something repair can download(τ) from
// and upload into.
type Peer[K any, S any] interface {
	Download(ts *int64) Source[K, S]
	Upload() Sink[K, S]
}

// PickPeer selects the next peer to repair against (e.g. round-robin or
// random over `current`).
type PickPeer[K any, S any] func() Peer[K, S]

// Config configures a Loop.
type Config[K any, S any] struct {
	Local    Peer[K, S]
	PickPeer PickPeer[K, S]
	Interval time.Duration

	// Rebalance, if non-nil, is consulted each tick for an in-progress
	// migration. A nil return means no rebalance is active.
	Rebalance func() *Rebalance[K, S]

	Logger     log.Logger
	Registerer prometheus.Registerer
}

// Rebalance describes an in-progress topology change: pull from Retiring,
// push into Incoming, and track which keys have been observed in Incoming
// so Retiring can eventually be retired (SPEC_FULL.md §4.8, grounded on
// aistore's dfc/rebalance.go pull-then-push-then-retire pass).
type Rebalance[K any, S any] struct {
	Retiring Peer[K, S]
	Incoming Peer[K, S]
	// Seen records which keys have been observed at least once in
	// Incoming; it is the caller's watermark and is mutated by Loop.
	Seen SeenSet[K]
	// Retire is invoked once every key the loop has observed in Incoming
	// satisfies Seen — the caller decides what "retire" means (e.g. drop
	// the partition from the scheme).
	Retire func()
}

// SeenSet tracks which keys have been migrated into the incoming
// partition during a rebalance.
type SeenSet[K any] interface {
	Mark(K)
	// AllMarked reports whether every key the caller cares about
	// (typically everything the retiring partition still holds) has been
	// marked.
	AllMarked(retiringKeys func() []K) bool
}

// Loop runs repair passes on a ticker and exposes Trigger for an immediate
// out-of-band pass.
type Loop[K any, S any] struct {
	cfg        Config[K, S]
	lastRepair int64

	mu      sync.Mutex
	metrics *repairMetrics

	triggerCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

type repairMetrics struct {
	cycles  prometheus.Counter
	errors  prometheus.Counter
	retired prometheus.Counter
}

func newRepairMetrics(reg prometheus.Registerer) *repairMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &repairMetrics{
		cycles: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "repair_cycles",
			Help: "repair_cycles counts completed anti-entropy passes.",
		}),
		errors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "repair_errors",
			Help: "repair_errors counts failed anti-entropy passes.",
		}),
		retired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "repair_rebalance_retirements",
			Help: "repair_rebalance_retirements counts retiring-partition retirements triggered by the rebalance substate.",
		}),
	}
}

// New constructs a Loop. Call Start to begin the ticker.
func New[K any, S any](cfg Config[K, S]) *Loop[K, S] {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cfg.Logger = logger
	return &Loop[K, S]{
		cfg:       cfg,
		metrics:   newRepairMetrics(cfg.Registerer),
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the ticker loop in a background goroutine until Stop is
// called.
func (l *Loop[K, S]) Start() {
	l.wg.Add(1)
	go l.run()
}

// Trigger requests an immediate out-of-band repair pass, coalesced with
// any already-pending trigger.
func (l *Loop[K, S]) Trigger() {
	select {
	case l.triggerCh <- struct{}{}:
	default:
	}
}

// Stop halts the ticker loop and waits for any in-flight pass to finish.
func (l *Loop[K, S]) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Loop[K, S]) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runOnce()
		case <-l.triggerCh:
			l.runOnce()
		case <-l.stopCh:
			return
		}
	}
}

// RunOnce performs a single repair pass synchronously, bypassing the
// ticker — useful for tests and for an operator-triggered one-shot repair
// outside the background loop.
func (l *Loop[K, S]) RunOnce() {
	l.runOnce()
}

// runOnce performs one anti-entropy pass, grounded on spec.md §4.8: pick a
// peer, download(τ=lastRepair) from it, upload into local storage; because
// merge is idempotent and commutative, repair is safe regardless of order.
func (l *Loop[K, S]) runOnce() {
	ctx := context.Background()

	peer := l.cfg.PickPeer()
	if peer != nil {
		if err := l.pullFrom(peer); err != nil {
			level.Warn(l.cfg.Logger).Log("msg", "repair pass failed", "err", err)
			l.metrics.errors.Inc()
			return
		}
	}

	if l.cfg.Rebalance != nil {
		if reb := l.cfg.Rebalance(); reb != nil {
			l.rebalancePass(ctx, reb)
		}
	}

	l.mu.Lock()
	l.lastRepair = nowUnix()
	l.mu.Unlock()
	l.metrics.cycles.Inc()
}

func (l *Loop[K, S]) pullFrom(peer Peer[K, S]) error {
	l.mu.Lock()
	ts := l.lastRepair
	l.mu.Unlock()

	src := peer.Download(&ts)
	sink := l.cfg.Local.Upload()
	for {
		rec, ok := src.Next()
		if !ok {
			break
		}
		if err := sink.Put(rec); err != nil {
			return err
		}
	}
	return sink.Close()
}

// rebalancePass implements the rebalancing substate (spec.md §4.8): pull
// everything from the retiring partition and push it into the incoming
// one, marking each key as migrated; once every key known to be on the
// retiring side has been marked, retire it.
func (l *Loop[K, S]) rebalancePass(ctx context.Context, reb *Rebalance[K, S]) {
	src := reb.Retiring.Download(nil)
	sink := reb.Incoming.Upload()

	var keys []K
	for {
		rec, ok := src.Next()
		if !ok {
			break
		}
		if err := sink.Put(rec); err != nil {
			level.Warn(l.cfg.Logger).Log("msg", "rebalance push failed", "err", err)
			_ = sink.Close()
			return
		}
		keys = append(keys, rec.Key)
		reb.Seen.Mark(rec.Key)
	}
	if err := sink.Close(); err != nil {
		level.Warn(l.cfg.Logger).Log("msg", "rebalance push session did not ack", "err", err)
		return
	}

	if reb.Seen.AllMarked(func() []K { return keys }) && reb.Retire != nil {
		reb.Retire()
		l.metrics.retired.Inc()
	}
}

// nowUnix is a var so tests can control the repair watermark without
// sleeping.
var nowUnix = func() int64 { return time.Now().Unix() }
