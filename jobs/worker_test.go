package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/lexpipe/jobs"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPoolProcessesQueue(t *testing.T) {
	_, q := openQueue(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int64
	pool := jobs.NewPool(q, nil, jobs.PoolOptions{Parallelism: 4})
	pool.RegisterHandler("PARSE_DOC", func(ctx context.Context, job *jobs.Job) error {
		handled.Add(1)
		return nil
	})

	for i := range 10 {
		key := fmt.Sprintf("parse::doc_%d::sum", i)
		if _, err := q.Enqueue(ctx, "PARSE_DOC", fmt.Sprintf("doc_%d", i), "{}", key); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool {
		counts, err := q.CountByStatus(context.Background())
		return err == nil && counts[jobs.StatusDone] == 10
	})
	cancel()
	<-done

	// Every job dispatched to exactly one worker.
	if got := handled.Load(); got != 10 {
		t.Fatalf("handled %d jobs, want 10", got)
	}
}

func TestPoolRetriesThenFails(t *testing.T) {
	_, q := openQueue(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	pool := jobs.NewPool(q, nil, jobs.PoolOptions{MaxAttempts: 2})
	pool.RegisterHandler("EXTRACT_NORMALIZE", func(ctx context.Context, job *jobs.Job) error {
		calls.Add(1)
		return errors.New("no text to extract")
	})

	id, err := q.Enqueue(ctx, "EXTRACT_NORMALIZE", "doc_1", "{}", "extract::doc_1::v1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	// One retry with a 2s in-worker backoff, then terminal failure.
	waitFor(t, 10*time.Second, func() bool {
		j, err := q.Get(context.Background(), id)
		return err == nil && j != nil && j.Status == jobs.StatusFailed
	})
	cancel()
	<-done

	if calls.Load() != 2 {
		t.Fatalf("handler ran %d times, want 2", calls.Load())
	}
	j, err := q.Get(context.Background(), id)
	if err != nil || j == nil {
		t.Fatalf("get: (%+v, %v)", j, err)
	}
	if j.Attempts != 2 || j.FailedAt == nil {
		t.Fatalf("failed row: %+v", j)
	}
	if j.LastError == nil || !strings.Contains(*j.LastError, "no text to extract") {
		t.Fatalf("last error = %v", j.LastError)
	}
}

func TestPoolFatalSkipsRetry(t *testing.T) {
	_, q := openQueue(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	pool := jobs.NewPool(q, nil, jobs.PoolOptions{})
	pool.RegisterHandler("PARSE_DOC", func(ctx context.Context, job *jobs.Job) error {
		calls.Add(1)
		return jobs.Fatal(errors.New("document row missing"))
	})

	id, err := q.Enqueue(ctx, "PARSE_DOC", "doc_1", "{}", "parse::doc_1::sum")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool {
		j, err := q.Get(context.Background(), id)
		return err == nil && j != nil && j.Status == jobs.StatusFailed
	})
	cancel()
	<-done

	if calls.Load() != 1 {
		t.Fatalf("fatal error retried: %d calls", calls.Load())
	}
	j, _ := q.Get(context.Background(), id)
	if j.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", j.Attempts)
	}
}

func TestPoolOnFailHook(t *testing.T) {
	_, q := openQueue(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hooked atomic.Int64
	pool := jobs.NewPool(q, nil, jobs.PoolOptions{})
	pool.RegisterHandler("PARSE_DOC", func(context.Context, *jobs.Job) error {
		return jobs.Fatal(errors.New("blob missing"))
	})
	pool.OnFail = func(_ context.Context, job *jobs.Job, cause error) {
		if job.DocumentID != nil && *job.DocumentID == "doc_1" && cause != nil {
			hooked.Add(1)
		}
	}

	id, err := q.Enqueue(ctx, "PARSE_DOC", "doc_1", "{}", "parse::doc_1::sum")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool {
		j, err := q.Get(context.Background(), id)
		return err == nil && j != nil && j.Status == jobs.StatusFailed
	})
	cancel()
	<-done

	if hooked.Load() != 1 {
		t.Fatalf("OnFail fired %d times, want 1", hooked.Load())
	}
}

func TestPoolNoHandler(t *testing.T) {
	_, q := openQueue(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := jobs.NewPool(q, nil, jobs.PoolOptions{MaxAttempts: 1})

	id, err := q.Enqueue(ctx, "UNKNOWN_STAGE", "doc_1", "{}", "u1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool {
		j, err := q.Get(context.Background(), id)
		return err == nil && j != nil && j.Status == jobs.StatusFailed
	})
	cancel()
	<-done

	j, _ := q.Get(context.Background(), id)
	if j.LastError == nil || !strings.Contains(*j.LastError, "no handler for type=UNKNOWN_STAGE") {
		t.Fatalf("last error = %v", j.LastError)
	}
}

func TestPoolShutdownLeavesWorkingForReaper(t *testing.T) {
	db, q := openQueue(t, "")
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	pool := jobs.NewPool(q, nil, jobs.PoolOptions{})
	pool.RegisterHandler("BAND_MAP_GRAPH", func(ctx context.Context, job *jobs.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	id, err := q.Enqueue(ctx, "BAND_MAP_GRAPH", "doc_1", "{}", "band::doc_1::v1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	<-started
	cancel()
	<-done

	// Cancellation must not re-mark the job.
	j, err := q.Get(context.Background(), id)
	if err != nil || j == nil || j.Status != jobs.StatusWorking {
		t.Fatalf("interrupted job = (%+v, %v), want working", j, err)
	}

	// Next boot: the reaper's immediate first sweep recovers it.
	if _, err := db.ExecContext(context.Background(),
		`UPDATE jobs SET updated_at = updated_at - 600 WHERE id = ?`, id); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	rctx, rcancel := context.WithCancel(context.Background())
	reaper := jobs.NewReaper(q, nil, time.Minute, time.Hour)
	rdone := make(chan struct{})
	go func() {
		reaper.Run(rctx)
		close(rdone)
	}()

	waitFor(t, 3*time.Second, func() bool {
		j, err := q.Get(context.Background(), id)
		return err == nil && j != nil && j.Status == jobs.StatusQueued
	})
	rcancel()
	<-rdone

	j, _ = q.Get(context.Background(), id)
	if j.Attempts != 1 || j.LastError == nil || !strings.Contains(*j.LastError, "[reset-stale]") {
		t.Fatalf("recovered row: %+v", j)
	}
}
