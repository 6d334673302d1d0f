// Package discovery supplies and refreshes the cluster's partition scheme
// (SPEC_FULL.md §4.7): a (current, target) pair of partition-id → endpoint
// maps, where a non-nil target indicates an in-progress rebalance.
package discovery

import (
	"context"
	"reflect"
)

// Scheme is the partition scheme spec.md §3 describes: current is always
// populated; target is nil outside a rebalance.
type Scheme struct {
	Current map[string]string
	Target  map[string]string
}

// Equal compares both the current and target maps (spec.md §4.7: "equality
// compares both current and target maps").
func (s Scheme) Equal(o Scheme) bool {
	return reflect.DeepEqual(s.Current, o.Current) && reflect.DeepEqual(s.Target, o.Target)
}

// Revision is an opaque marker a Watcher returns with each scheme it
// delivers. Its numbering is the Watcher's own: Static always returns 1,
// and Poller counts the fetches of a single Watch call.
type Revision uint64

// Watcher resolves only when a change is detected relative to prev. prev
// may be nil on the first call.
type Watcher interface {
	Watch(ctx context.Context, prev *Scheme) (Scheme, Revision, error)
}

// Static is a Watcher that resolves exactly once with a fixed scheme, then
// blocks until ctx is cancelled (spec.md §4.7: "a constant-scheme
// implementation resolves exactly once").
type Static struct {
	Scheme Scheme
}

func (s Static) Watch(ctx context.Context, prev *Scheme) (Scheme, Revision, error) {
	if prev == nil {
		return s.Scheme, 1, nil
	}
	<-ctx.Done()
	return Scheme{}, 0, ctx.Err()
}
