package pipeline_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/lexpipe/blobstore"
	"github.com/hazyhaar/lexpipe/dbopen"
	"github.com/hazyhaar/lexpipe/embed"
	"github.com/hazyhaar/lexpipe/jobs"
	"github.com/hazyhaar/lexpipe/observability"
	"github.com/hazyhaar/lexpipe/pipeline"
	"github.com/hazyhaar/lexpipe/store"
	_ "modernc.org/sqlite"
)

const sampleAgreement = `Shareholders Agreement

The investors shall have a right of first refusal over any transfer of
shares by the founders, exercisable within thirty days of notice.

In the event of a sale of the company, the majority investors may drag
along the remaining shareholders on identical terms.

The series A preferred shall carry broad-based weighted average
anti-dilution protection adjusting the conversion price on a down round.
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPipeline(t *testing.T) (*pipeline.Pipeline, *store.Store, *jobs.Store, *blobstore.Store, *sql.DB) {
	t.Helper()
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	for _, apply := range []func(context.Context, *sql.DB, string) error{
		store.ApplySchema, jobs.ApplySchema, observability.ApplySchema,
	} {
		if err := apply(ctx, db, ""); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	blobs, err := blobstore.New(t.TempDir(), []byte("test-secret"))
	if err != nil {
		t.Fatalf("blobstore: %v", err)
	}
	log := discardLogger()
	st := store.New(db, "")
	q := jobs.New(db, "")
	p := &pipeline.Pipeline{
		DB:       db,
		Store:    st,
		Queue:    q,
		Blobs:    blobs,
		Embedder: embed.New(embed.Config{}),
		Events:   observability.NewEventLog(db, "", log),
		Metrics:  observability.NewRecorder(db, "", log),
		Log:      log,
	}
	return p, st, q, blobs, db
}

func uploadText(t *testing.T, st *store.Store, blobs *blobstore.Store, q *jobs.Store, text string) *store.Document {
	t.Helper()
	ctx := context.Background()
	doc := &store.Document{
		UserID:   "usr_test",
		Filename: "agreement.txt",
		MIME:     "text/plain",
		Checksum: "sum-test",
	}
	if err := st.InsertDocument(ctx, doc); err != nil {
		t.Fatalf("insert document: %v", err)
	}
	doc.BlobPath = "documents/usr_test/" + doc.ID + "/agreement.txt"
	if err := blobs.Put(ctx, doc.BlobPath, doc.MIME, strings.NewReader(text)); err != nil {
		t.Fatalf("put blob: %v", err)
	}
	payload := `{"mime":"text/plain","blob_path":"` + doc.BlobPath + `"}`
	if _, err := q.Enqueue(ctx, pipeline.StageParse, doc.ID, payload,
		pipeline.ParseKey(doc.ID, doc.Checksum)); err != nil {
		t.Fatalf("enqueue parse: %v", err)
	}
	return doc
}

// drive runs a worker pool until the document reaches wantStatus and the
// queue drains, or the deadline hits.
func drive(t *testing.T, p *pipeline.Pipeline, st *store.Store, q *jobs.Store, docID, wantStatus string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := jobs.NewPool(q, discardLogger(), jobs.PoolOptions{
		Parallelism:  2,
		PollInterval: 5 * time.Millisecond,
	})
	p.Register(pool)
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("document %s did not reach %s", docID, wantStatus)
		case <-time.After(10 * time.Millisecond):
		}
		doc, err := st.GetDocument(ctx, docID)
		if err != nil {
			t.Fatalf("get document: %v", err)
		}
		queued, err := q.QueuedCount(ctx)
		if err != nil {
			t.Fatalf("queued count: %v", err)
		}
		if doc != nil && doc.Status == wantStatus && queued == 0 {
			break
		}
	}
	cancel()
	<-done
}

func TestPipelineEndToEnd(t *testing.T) {
	p, st, q, blobs, db := newPipeline(t)
	ctx := context.Background()

	doc := uploadText(t, st, blobs, q, sampleAgreement)
	drive(t, p, st, q, doc.ID, store.StatusAnalyzed)

	got, err := st.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if got.PagesJSON == nil || got.TextPlain == nil {
		t.Fatal("parse artifacts missing")
	}
	if got.GraphJSON == nil {
		t.Fatal("graph_json missing")
	}

	chunks, err := st.ListChunks(ctx, doc.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	for _, c := range chunks {
		if len(c.Embedding) != 0 {
			t.Fatal("embeddings persisted while disabled")
		}
	}

	clauses, err := st.ListClauses(ctx, doc.ID)
	if err != nil {
		t.Fatalf("list clauses: %v", err)
	}
	keys := map[string]bool{}
	for _, cl := range clauses {
		keys[cl.ClauseKey] = true
	}
	for _, want := range []string{"right_of_first_refusal", "drag_along", "anti_dilution"} {
		if !keys[want] {
			t.Errorf("clause %s not extracted, got %v", want, keys)
		}
	}

	analyses, err := st.ListAnalyses(ctx, doc.ID)
	if err != nil {
		t.Fatalf("list analyses: %v", err)
	}
	if len(analyses) != len(clauses) {
		t.Fatalf("analyses = %d, clauses = %d", len(analyses), len(clauses))
	}

	// Every clause is bound to some chunk once page-0 fallback applies.
	for _, cl := range clauses {
		bound := false
		for _, c := range chunks {
			if c.ClauseID != nil && *c.ClauseID == cl.ID {
				bound = true
			}
		}
		if !bound {
			t.Errorf("clause %s/%s not bound to a chunk", cl.ID, cl.ClauseKey)
		}
	}

	events, err := p.Events.ForDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	doneStages := map[string]bool{}
	for _, e := range events {
		if e.Event == observability.EventDone {
			doneStages[e.Stage] = true
		}
	}
	for _, stage := range []string{pipeline.StageParse, pipeline.StageChunk,
		pipeline.StageExtract, pipeline.StageBand, pipeline.StageAnalyze} {
		if !doneStages[stage] {
			t.Errorf("no done event for %s", stage)
		}
	}
	_ = db
}

func TestStageReplaySkips(t *testing.T) {
	p, st, q, blobs, _ := newPipeline(t)
	ctx := context.Background()

	doc := uploadText(t, st, blobs, q, sampleAgreement)
	drive(t, p, st, q, doc.ID, store.StatusAnalyzed)

	before, err := st.ListClauses(ctx, doc.ID)
	if err != nil {
		t.Fatalf("list clauses: %v", err)
	}

	// Re-enqueueing a completed stage resets its canonical job row; the
	// replay must skip work and chain forward without duplicating rows.
	if _, err := q.Enqueue(ctx, pipeline.StageChunk, doc.ID, "{}",
		pipeline.ChunksKey(doc.ID)); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	drive(t, p, st, q, doc.ID, store.StatusAnalyzed)

	after, err := st.ListClauses(ctx, doc.ID)
	if err != nil {
		t.Fatalf("list clauses: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("replay changed clause count: %d -> %d", len(before), len(after))
	}

	events, err := p.Events.ForDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	skips := 0
	for _, e := range events {
		if e.Event == observability.EventSkip {
			skips++
		}
	}
	if skips == 0 {
		t.Fatal("replay produced no skip events")
	}
}

func TestParseMissingDocumentIsFatal(t *testing.T) {
	p, st, q, _, _ := newPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := q.Enqueue(ctx, pipeline.StageParse, "doc_ghost", "{}",
		pipeline.ParseKey("doc_ghost", "sum"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pool := jobs.NewPool(q, discardLogger(), jobs.PoolOptions{
		Parallelism:  1,
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  3,
	})
	p.Register(pool)
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		job, err := q.Get(ctx, id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == jobs.StatusFailed {
			if job.Attempts != 1 {
				t.Fatalf("fatal error retried: attempts = %d", job.Attempts)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job stuck in %s", job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
	_ = st
}

func TestTerminalFailureMarksDocumentFailed(t *testing.T) {
	p, st, q, _, _ := newPipeline(t)
	ctx := context.Background()

	doc := &store.Document{
		UserID:   "usr_test",
		Filename: "agreement.txt",
		MIME:     "text/plain",
		Checksum: "sum-gone",
		BlobPath: "documents/usr_test/gone/agreement.txt",
	}
	if err := st.InsertDocument(ctx, doc); err != nil {
		t.Fatalf("insert document: %v", err)
	}
	// No blob behind the path: PARSE_DOC fails terminally on first attempt.
	payload := `{"mime":"text/plain","blob_path":"` + doc.BlobPath + `"}`
	jobID, err := q.Enqueue(ctx, pipeline.StageParse, doc.ID, payload,
		pipeline.ParseKey(doc.ID, doc.Checksum))
	if err != nil {
		t.Fatalf("enqueue parse: %v", err)
	}

	drive(t, p, st, q, doc.ID, store.StatusFailed)

	job, err := q.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != jobs.StatusFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	got, err := st.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Fatalf("document status = %s, want failed", got.Status)
	}
}

func TestIdempotencyKeys(t *testing.T) {
	if got := pipeline.ParseKey("doc_1", "abc"); got != "parse::doc_1::abc" {
		t.Fatalf("ParseKey = %q", got)
	}
	if got := pipeline.ChunksKey("doc_1"); got != "chunks::doc_1::v1" {
		t.Fatalf("ChunksKey = %q", got)
	}
	if got := pipeline.ExtractKey("doc_1"); got != "extract::doc_1::v1" {
		t.Fatalf("ExtractKey = %q", got)
	}
	if got := pipeline.BandKey("doc_1"); got != "band::doc_1::v1" {
		t.Fatalf("BandKey = %q", got)
	}
	if got := pipeline.AnalyzeKey("doc_1"); got != "analyze::doc_1::v1" {
		t.Fatalf("AnalyzeKey = %q", got)
	}
}
