package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/lexpipe/dbopen"
)

// Handler processes one claimed job. Implementations must be idempotent
// and perform artifact writes, the document status transition and the
// next-stage enqueue in a single transaction; the pool marks the job
// afterwards.
type Handler func(ctx context.Context, job *Job) error

// FatalError wraps an error that must fail its job immediately, skipping
// the retry path.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// PoolOptions tunes the worker pool. Zero values fall back to the
// documented defaults.
type PoolOptions struct {
	Parallelism  int           // workers, default 1
	PollInterval time.Duration // empty-claim sleep, floor 50ms
	IdleWarn     time.Duration // idle time before one warning, default 1m
	MaxAttempts  int           // attempts before terminal failure, default 3
}

// Pool runs P worker goroutines over the job store. Workers coordinate
// only through the database.
type Pool struct {
	store    *Store
	log      *slog.Logger
	opts     PoolOptions
	handlers map[string]Handler

	// OnFail, when set, runs after a job is marked failed terminally.
	// Set before Run.
	OnFail func(ctx context.Context, job *Job, cause error)
}

// NewPool builds a pool. Register all handlers before calling Run.
func NewPool(store *Store, log *slog.Logger, opts PoolOptions) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.PollInterval < 50*time.Millisecond {
		opts.PollInterval = 50 * time.Millisecond
	}
	if opts.IdleWarn <= 0 {
		opts.IdleWarn = time.Minute
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	return &Pool{
		store:    store,
		log:      log,
		opts:     opts,
		handlers: map[string]Handler{},
	}
}

// RegisterHandler binds a job type to its handler. Not safe to call once
// Run has started.
func (p *Pool) RegisterHandler(typ string, h Handler) {
	p.handlers[typ] = h
}

// Run claims and processes jobs until ctx is done, then waits for
// in-flight handlers to return. Jobs left working at shutdown are
// recovered by the reaper.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("worker pool started", "parallelism", p.opts.Parallelism)
	var wg sync.WaitGroup
	for i := range p.opts.Parallelism {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, i)
		}()
	}
	wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, n int) {
	log := p.log.With("worker", n)
	var idleSince time.Time
	idleWarned := false

	for ctx.Err() == nil {
		job, queued, err := p.store.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim failed", "error", err)
			if dbopen.SleepCtx(ctx, p.opts.PollInterval) != nil {
				return
			}
			continue
		}
		if job == nil {
			if queued > 0 {
				log.Debug("claim contention", "queued", queued)
			}
			if idleSince.IsZero() {
				idleSince = time.Now()
			} else if !idleWarned && time.Since(idleSince) > p.opts.IdleWarn {
				log.Warn("worker idle", "since", idleSince.Format(time.RFC3339))
				idleWarned = true
			}
			if dbopen.SleepCtx(ctx, p.opts.PollInterval) != nil {
				return
			}
			continue
		}
		idleSince = time.Time{}
		idleWarned = false
		p.process(ctx, log, job)
	}
}

func (p *Pool) process(ctx context.Context, log *slog.Logger, job *Job) {
	start := time.Now()
	h, ok := p.handlers[job.Type]
	if !ok {
		p.fail(ctx, log, job, fmt.Errorf("no handler for type=%s", job.Type))
		return
	}

	err := h(ctx, job)
	if err == nil {
		if err := p.store.MarkDone(ctx, job.ID); err != nil {
			log.Error("mark done failed", "job", job.ID, "error", err)
			return
		}
		log.Info("job done", "job", job.ID, "type", job.Type,
			"duration_ms", time.Since(start).Milliseconds())
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-handler. The row stays working; the reaper
		// requeues it on the next boot.
		log.Info("job interrupted", "job", job.ID, "type", job.Type)
		return
	}
	p.fail(ctx, log, job, err)
}

// fail is the retry controller: bump attempts, fail terminally at the
// attempt cap or on a fatal error, otherwise back off in-worker and
// requeue.
func (p *Pool) fail(ctx context.Context, log *slog.Logger, job *Job, cause error) {
	attempts := job.Attempts + 1
	msg := cause.Error()

	var fatal *FatalError
	if errors.As(cause, &fatal) || attempts >= p.opts.MaxAttempts {
		if err := p.store.MarkFailed(ctx, job.ID, attempts, msg); err != nil {
			log.Error("mark failed errored", "job", job.ID, "error", err)
			return
		}
		log.Error("job failed", "job", job.ID, "type", job.Type,
			"attempts", attempts, "error", msg)
		if p.OnFail != nil {
			p.OnFail(ctx, job, cause)
		}
		return
	}

	backoff := backoffDelay(attempts)
	log.Warn("job errored, retrying", "job", job.ID, "type", job.Type,
		"attempts", attempts, "backoff", backoff.String(), "error", msg)
	if dbopen.SleepCtx(ctx, backoff) != nil {
		// Shutdown during backoff: the row stays working for the reaper.
		return
	}
	if err := p.store.Requeue(ctx, job.ID, attempts, msg); err != nil {
		log.Error("requeue failed", "job", job.ID, "error", err)
	}
}

// backoffDelay is min(8, 2^attempts) seconds.
func backoffDelay(attempts int) time.Duration {
	if attempts >= 3 {
		return 8 * time.Second
	}
	return time.Duration(1<<attempts) * time.Second
}
