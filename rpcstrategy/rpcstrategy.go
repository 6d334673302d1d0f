// Package rpcstrategy implements the thin RPC client front ends of
// SPEC_FULL.md §4.9: compositions over cluster storage that resolve which
// endpoint handles a given request. Each strategy also exposes its
// Discovery so a caller can union sub-discoveries for topology-change
// propagation, grounded on torua's shard_registry.go registry-of-registries
// composition style (GetNodeForKey routing, RebalanceShards topology
// changes) generalized here from a single registry to pluggable strategies.
package rpcstrategy

import (
	"context"
	"errors"

	"github.com/cespare/xxhash/v2"

	"github.com/dreamsxin/crdtstore/cluster"
	"github.com/dreamsxin/crdtstore/discovery"
)

// ErrNoSender is returned when a strategy has no usable endpoint for a
// request.
var ErrNoSender = errors.New("rpcstrategy: no sender available")

// Endpoint is one routable destination: a cluster storage surface that may
// currently be unavailable (Sender returning nil), plus the discovery
// watcher that tracks its topology.
type Endpoint[K any, S any] interface {
	Sender() cluster.PartitionStorage[K, S]
	Discovery() discovery.Watcher
}

// TypeDispatch maps a request class to a substrategy, falling back to
// Default for unknown classes (spec.md §4.9).
type TypeDispatch[K any, S any] struct {
	Routes  map[string]Endpoint[K, S]
	Default Endpoint[K, S]
}

func (t *TypeDispatch[K, S]) Resolve(class string) (Endpoint[K, S], error) {
	if e, ok := t.Routes[class]; ok {
		return e, nil
	}
	if t.Default != nil {
		return t.Default, nil
	}
	return nil, ErrNoSender
}

func (t *TypeDispatch[K, S]) Discovery() discovery.Watcher {
	watchers := make([]discovery.Watcher, 0, len(t.Routes)+1)
	for _, e := range t.Routes {
		watchers = append(watchers, e.Discovery())
	}
	if t.Default != nil {
		watchers = append(watchers, t.Default.Discovery())
	}
	return unionWatcher{watchers: watchers}
}

// FirstAvailable tries Candidates in order and resolves to the first whose
// Sender is non-nil (spec.md §4.9).
type FirstAvailable[K any, S any] struct {
	Candidates []Endpoint[K, S]
}

func (f *FirstAvailable[K, S]) Resolve() (Endpoint[K, S], error) {
	for _, c := range f.Candidates {
		if c.Sender() != nil {
			return c, nil
		}
	}
	return nil, ErrNoSender
}

func (f *FirstAvailable[K, S]) Discovery() discovery.Watcher {
	watchers := make([]discovery.Watcher, len(f.Candidates))
	for i, c := range f.Candidates {
		watchers[i] = c.Discovery()
	}
	return unionWatcher{watchers: watchers}
}

// Sharding hashes the request key to deterministically pick one of
// Candidates, failing if that candidate has no sender (spec.md §4.9).
type Sharding[K any, S any] struct {
	Candidates []Endpoint[K, S]
	KeyString  func(K) string
}

func (s *Sharding[K, S]) Resolve(key K) (Endpoint[K, S], error) {
	if len(s.Candidates) == 0 {
		return nil, ErrNoSender
	}
	idx := xxhash.Sum64String(s.KeyString(key)) % uint64(len(s.Candidates))
	e := s.Candidates[idx]
	if e.Sender() == nil {
		return nil, ErrNoSender
	}
	return e, nil
}

func (s *Sharding[K, S]) Discovery() discovery.Watcher {
	watchers := make([]discovery.Watcher, len(s.Candidates))
	for i, c := range s.Candidates {
		watchers[i] = c.Discovery()
	}
	return unionWatcher{watchers: watchers}
}

// unionWatcher composes several Watchers, resolving as soon as any one of
// them does (spec.md §4.9: "discovery services compose as a union").
type unionWatcher struct {
	watchers []discovery.Watcher
}

func (u unionWatcher) Watch(ctx context.Context, prev *discovery.Scheme) (discovery.Scheme, discovery.Revision, error) {
	type result struct {
		scheme discovery.Scheme
		rev    discovery.Revision
		err    error
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan result, len(u.watchers))
	for _, w := range u.watchers {
		w := w
		go func() {
			scheme, rev, err := w.Watch(ctx, prev)
			select {
			case ch <- result{scheme, rev, err}:
			case <-ctx.Done():
			}
		}()
	}

	res := <-ch
	return res.scheme, res.rev, res.err
}
