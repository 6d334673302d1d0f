package discovery

import (
	"context"
	"time"
)

// Poller is a Watcher that calls Fetch on each tick of Interval and
// resolves Watch only once the fetched Scheme differs from prev — the
// compare-then-resolve idiom mirrors the teacher's compare-then-swap
// snapshot install (wal.go's atomic.Value-backed state), applied here to
// scheme change detection instead of WAL state.
type Poller struct {
	Fetch    func(ctx context.Context) (Scheme, error)
	Interval time.Duration
}

// Watch blocks, polling Fetch every Interval, until the fetched scheme
// differs from prev (by Scheme.Equal) or ctx is cancelled. prev == nil is
// treated as "no scheme observed yet" — any successfully fetched scheme
// resolves immediately.
func (p Poller) Watch(ctx context.Context, prev *Scheme) (Scheme, Revision, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var revision Revision
	for {
		scheme, err := p.Fetch(ctx)
		if err != nil {
			return Scheme{}, 0, err
		}
		revision++
		if prev == nil || !scheme.Equal(*prev) {
			return scheme, revision, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Scheme{}, 0, ctx.Err()
		}
	}
}
