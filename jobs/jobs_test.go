package jobs_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/lexpipe/dbopen"
	"github.com/hazyhaar/lexpipe/jobs"
	_ "modernc.org/sqlite"
)

func openQueue(t *testing.T, prefix string) (*sql.DB, *jobs.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := jobs.ApplySchema(context.Background(), db, prefix); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db, jobs.New(db, prefix)
}

func TestEnqueueUpsert(t *testing.T) {
	_, q := openQueue(t, "")
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "PARSE_DOC", "doc_1", `{"mime":"text/plain"}`, "parse::doc_1::sum")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Terminal failure, then the same key again: the canonical row is
	// reset to queued with everything overwritten.
	if err := q.MarkFailed(ctx, id1, 3, "parser exploded"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	id2, err := q.Enqueue(ctx, "PARSE_DOC", "doc_1", `{"mime":"application/pdf"}`, "parse::doc_1::sum")
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if id2 != id1 {
		t.Fatalf("upsert returned %s, want canonical %s", id2, id1)
	}

	j, err := q.Get(ctx, id1)
	if err != nil || j == nil {
		t.Fatalf("get: (%+v, %v)", j, err)
	}
	if j.Status != jobs.StatusQueued || j.Attempts != 0 {
		t.Fatalf("row not reset: %+v", j)
	}
	if j.Payload != `{"mime":"application/pdf"}` {
		t.Fatalf("payload not overwritten: %q", j.Payload)
	}
	if j.LastError != nil || j.FailedAt != nil {
		t.Fatalf("error fields not cleared: %+v", j)
	}

	// Keyless jobs never collide.
	a, err := q.Enqueue(ctx, "ADHOC", "", "", "")
	if err != nil {
		t.Fatalf("enqueue keyless: %v", err)
	}
	b, err := q.Enqueue(ctx, "ADHOC", "", "", "")
	if err != nil {
		t.Fatalf("enqueue keyless: %v", err)
	}
	if a == b {
		t.Fatal("keyless enqueues should create distinct rows")
	}
}

func TestClaimFIFO(t *testing.T) {
	db, q := openQueue(t, "")
	ctx := context.Background()

	var ids []string
	for _, key := range []string{"k1", "k2", "k3"} {
		id, err := q.Enqueue(ctx, "PARSE_DOC", "doc_"+key, "{}", key)
		if err != nil {
			t.Fatalf("enqueue %s: %v", key, err)
		}
		ids = append(ids, id)
	}
	// Force distinct created_at so ordering does not depend on id ties.
	for i, id := range ids {
		if _, err := db.ExecContext(ctx,
			`UPDATE jobs SET created_at = ? WHERE id = ?`, 1000+i, id); err != nil {
			t.Fatalf("set created_at: %v", err)
		}
	}

	for i, want := range ids {
		j, queued, err := q.Claim(ctx)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if j == nil || j.ID != want {
			t.Fatalf("claim %d = %+v, want %s", i, j, want)
		}
		if j.Status != jobs.StatusWorking {
			t.Fatalf("claimed status = %s", j.Status)
		}
		if wantQueued := int64(3 - i); queued != wantQueued {
			t.Fatalf("queued count = %d, want %d", queued, wantQueued)
		}
	}

	j, queued, err := q.Claim(ctx)
	if err != nil || j != nil || queued != 0 {
		t.Fatalf("drained claim = (%+v, %d, %v)", j, queued, err)
	}
}

func TestMarkHelpers(t *testing.T) {
	_, q := openQueue(t, "")
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "ANALYZE", "doc_1", "{}", "analyze::doc_1::v1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.Requeue(ctx, id, 2, "transient"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	j, _ := q.Get(ctx, id)
	if j.Status != jobs.StatusQueued || j.Attempts != 2 || j.LastError == nil || *j.LastError != "transient" {
		t.Fatalf("after requeue: %+v", j)
	}

	if err := q.MarkDone(ctx, id); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	j, _ = q.Get(ctx, id)
	if j.Status != jobs.StatusDone {
		t.Fatalf("after done: %+v", j)
	}

	long := strings.Repeat("x", jobs.MaxErrorLen+500)
	if err := q.MarkFailed(ctx, id, 3, long); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	j, _ = q.Get(ctx, id)
	if j.Status != jobs.StatusFailed || j.FailedAt == nil {
		t.Fatalf("after failed: %+v", j)
	}
	if len(*j.LastError) != jobs.MaxErrorLen {
		t.Fatalf("error len = %d, want %d", len(*j.LastError), jobs.MaxErrorLen)
	}

	if err := q.MarkDone(ctx, "job_nope"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("missing job: %v, want ErrNotFound", err)
	}
}

func TestResetStale(t *testing.T) {
	db, q := openQueue(t, "")
	ctx := context.Background()

	staleID, err := q.Enqueue(ctx, "PARSE_DOC", "doc_1", "{}", "stale")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	freshID, err := q.Enqueue(ctx, "PARSE_DOC", "doc_2", "{}", "fresh")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for range 2 {
		if j, _, err := q.Claim(ctx); err != nil || j == nil {
			t.Fatalf("claim: (%+v, %v)", j, err)
		}
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE jobs SET updated_at = updated_at - 300, last_error = 'slow parse' WHERE id = ?`,
		staleID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := q.ResetStale(ctx, 2*time.Minute)
	if err != nil {
		t.Fatalf("reset stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d rows, want 1", n)
	}

	stale, _ := q.Get(ctx, staleID)
	if stale.Status != jobs.StatusQueued || stale.Attempts != 1 {
		t.Fatalf("stale row: %+v", stale)
	}
	if stale.LastError == nil || *stale.LastError != "slow parse [reset-stale]" {
		t.Fatalf("stale marker: %v", stale.LastError)
	}

	fresh, _ := q.Get(ctx, freshID)
	if fresh.Status != jobs.StatusWorking {
		t.Fatalf("fresh row touched: %+v", fresh)
	}
}

func TestCounts(t *testing.T) {
	_, q := openQueue(t, "")
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, "CHUNK_EMBED", "doc_1", "{}", key); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	j, _, err := q.Claim(ctx)
	if err != nil || j == nil {
		t.Fatalf("claim: (%+v, %v)", j, err)
	}
	if err := q.MarkDone(ctx, j.ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	queued, err := q.QueuedCount(ctx)
	if err != nil || queued != 2 {
		t.Fatalf("queued = (%d, %v)", queued, err)
	}

	counts, err := q.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count by status: %v", err)
	}
	if counts[jobs.StatusQueued] != 2 || counts[jobs.StatusDone] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestActiveJobForDocument(t *testing.T) {
	_, q := openQueue(t, "")
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "PARSE_DOC", "doc_1", "{}", "parse::doc_1::sum")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	j, err := q.ActiveJobForDocument(ctx, "doc_1", "PARSE_DOC")
	if err != nil || j == nil || j.ID != id {
		t.Fatalf("active = (%+v, %v)", j, err)
	}
	none, err := q.ActiveJobForDocument(ctx, "doc_1", "ANALYZE")
	if err != nil || none != nil {
		t.Fatalf("wrong type should miss: (%+v, %v)", none, err)
	}

	if err := q.MarkDone(ctx, id); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	done, err := q.ActiveJobForDocument(ctx, "doc_1", "PARSE_DOC")
	if err != nil || done != nil {
		t.Fatalf("done job should not be active: (%+v, %v)", done, err)
	}
}

func TestJobsForDocument(t *testing.T) {
	_, q := openQueue(t, "")
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "PARSE_DOC", "doc_1", "{}", "p1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "CHUNK_EMBED", "doc_1", "{}", "c1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "PARSE_DOC", "doc_2", "{}", "p2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	list, err := q.JobsForDocument(ctx, "doc_1")
	if err != nil {
		t.Fatalf("jobs for document: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].Type != "PARSE_DOC" || list[1].Type != "CHUNK_EMBED" {
		t.Fatalf("order = %s, %s", list[0].Type, list[1].Type)
	}
}

func TestSchemaPrefix(t *testing.T) {
	db, q := openQueue(t, "lex")
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "PARSE_DOC", "doc_1", "{}", "k"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lex_jobs`).Scan(&n); err != nil {
		t.Fatalf("prefixed table missing: %v", err)
	}
	if n != 1 {
		t.Fatalf("lex_jobs rows = %d", n)
	}
}

func TestGetMissing(t *testing.T) {
	_, q := openQueue(t, "")
	j, err := q.Get(context.Background(), "job_nope")
	if err != nil || j != nil {
		t.Fatalf("missing = (%+v, %v), want (nil, nil)", j, err)
	}
}
