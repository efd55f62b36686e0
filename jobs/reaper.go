package jobs

import (
	"context"
	"log/slog"
	"time"
)

// Reaper requeues working jobs whose updated_at heartbeat has gone
// stale: crashed workers, lost hosts, hung parses. Combined with the
// attempt cap, repeated staleness converges on failed.
type Reaper struct {
	store     *Store
	log       *slog.Logger
	threshold time.Duration
	interval  time.Duration

	// OnReset, when set, observes the count of every non-empty sweep.
	OnReset func(ctx context.Context, n int64)
}

// NewReaper builds a reaper that requeues working jobs older than
// threshold, sweeping every interval (floor 5s).
func NewReaper(store *Store, log *slog.Logger, threshold, interval time.Duration) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	return &Reaper{store: store, log: log, threshold: threshold, interval: interval}
}

// Run sweeps once immediately, recovering jobs abandoned by a previous
// boot, then on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	r.sweep(ctx)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	n, err := r.store.ResetStale(ctx, r.threshold)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error("reset stale failed", "error", err)
		}
		return
	}
	if n > 0 {
		r.log.Warn("requeued stale jobs", "count", n)
		if r.OnReset != nil {
			r.OnReset(ctx, n)
		}
	}
}
