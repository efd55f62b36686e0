package ingest_test

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/hazyhaar/lexpipe/blobstore"
	"github.com/hazyhaar/lexpipe/dbopen"
	"github.com/hazyhaar/lexpipe/ingest"
	"github.com/hazyhaar/lexpipe/jobs"
	"github.com/hazyhaar/lexpipe/observability"
	"github.com/hazyhaar/lexpipe/pipeline"
	"github.com/hazyhaar/lexpipe/store"
	_ "modernc.org/sqlite"
)

const sampleText = "Shareholders Agreement\n\nThe investors hold a right of first refusal.\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGate(t *testing.T) (*ingest.Gate, *store.Store, *jobs.Store, *sql.DB) {
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
	st := store.New(db, "")
	q := jobs.New(db, "")
	return ingest.NewGate(db, st, q, blobs, discardLogger(), 1<<20), st, q, db
}

func TestUploadEnqueuesParse(t *testing.T) {
	g, _, q, _ := newGate(t)
	ctx := context.Background()

	doc, created, err := g.Upload(ctx, "usr_1", "deal.txt", "text/plain", strings.NewReader(sampleText))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !created {
		t.Fatal("first upload not marked created")
	}
	if doc.Status != store.StatusUploaded {
		t.Fatalf("status = %s", doc.Status)
	}

	sum := sha256.Sum256([]byte(sampleText))
	if doc.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum = %s", doc.Checksum)
	}
	wantBlob := "documents/usr_1/" + doc.ID + "/deal.txt"
	if doc.BlobPath != wantBlob {
		t.Fatalf("blob_path = %s, want %s", doc.BlobPath, wantBlob)
	}
	rc, err := g.Blobs.Get(ctx, doc.BlobPath)
	if err != nil {
		t.Fatalf("blob get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != sampleText {
		t.Fatal("blob bytes differ from upload")
	}

	job, err := q.ActiveJobForDocument(ctx, doc.ID, pipeline.StageParse)
	if err != nil {
		t.Fatalf("active job: %v", err)
	}
	if job == nil {
		t.Fatal("no parse job queued")
	}
	if job.IdempotencyKey == nil || *job.IdempotencyKey != pipeline.ParseKey(doc.ID, doc.Checksum) {
		t.Fatalf("idempotency key = %v", job.IdempotencyKey)
	}
}

func TestUploadChecksumDedup(t *testing.T) {
	g, _, _, _ := newGate(t)
	ctx := context.Background()

	first, _, err := g.Upload(ctx, "usr_1", "deal.txt", "text/plain", strings.NewReader(sampleText))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	second, created, err := g.Upload(ctx, "usr_1", "renamed.txt", "text/plain", strings.NewReader(sampleText))
	if err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	if created {
		t.Fatal("re-upload created a new document")
	}
	if second.ID != first.ID {
		t.Fatalf("dedup returned %s, want %s", second.ID, first.ID)
	}

	// Same bytes from another user is that user's own document.
	other, created, err := g.Upload(ctx, "usr_2", "deal.txt", "text/plain", strings.NewReader(sampleText))
	if err != nil {
		t.Fatalf("other-user upload: %v", err)
	}
	if !created || other.ID == first.ID {
		t.Fatalf("cross-user dedup: created=%v id=%s", created, other.ID)
	}
}

func TestUploadValidation(t *testing.T) {
	g, _, _, _ := newGate(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		filename string
		mime     string
		body     string
	}{
		{"empty file", "deal.txt", "text/plain", ""},
		{"unsupported type", "deal.xyz", "application/x-thing", "data"},
		{"no filename", "", "text/plain", "data"},
	}
	for _, tc := range cases {
		_, _, err := g.Upload(ctx, "usr_1", tc.filename, tc.mime, strings.NewReader(tc.body))
		if !errors.Is(err, ingest.ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", tc.name, err)
		}
	}

	// over the byte cap
	big := strings.Repeat("x", (1<<20)+1)
	if _, _, err := g.Upload(ctx, "usr_1", "big.txt", "text/plain", strings.NewReader(big)); !errors.Is(err, ingest.ErrValidation) {
		t.Errorf("oversize: err = %v, want ErrValidation", err)
	}
}

func TestReuploadLeavesWorkingParseAlone(t *testing.T) {
	g, _, q, _ := newGate(t)
	ctx := context.Background()

	doc, _, err := g.Upload(ctx, "usr_1", "deal.txt", "text/plain", strings.NewReader(sampleText))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	claimed, _, err := q.Claim(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	// The re-upload must not reset the claimed row back to queued.
	if _, _, err := g.Upload(ctx, "usr_1", "deal.txt", "text/plain", strings.NewReader(sampleText)); err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	job, err := q.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != jobs.StatusWorking {
		t.Fatalf("job status = %s, want working", job.Status)
	}
	_ = doc
}

func TestStatusLeavesFailedDocumentAlone(t *testing.T) {
	g, st, q, _ := newGate(t)
	ctx := context.Background()

	doc := &store.Document{
		UserID:   "usr_1",
		Filename: "deal.txt",
		MIME:     "text/plain",
		BlobPath: "documents/usr_1/x/deal.txt",
		Checksum: "deadbeef",
	}
	if err := st.InsertDocument(ctx, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.TransitionStatus(ctx, doc.ID, store.StatusFailed); err != nil {
		t.Fatalf("transition: %v", err)
	}

	got, healed, err := g.Status(ctx, doc.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if healed {
		t.Fatal("failed document was healed")
	}
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	job, err := q.ActiveJobForDocument(ctx, doc.ID, pipeline.StageParse)
	if err != nil {
		t.Fatalf("active job: %v", err)
	}
	if job != nil {
		t.Fatal("status resurrected a job for a failed document")
	}
}

func TestStatusAutoHeal(t *testing.T) {
	g, st, q, _ := newGate(t)
	ctx := context.Background()

	// A document row with no parse job, as after a crash between insert
	// and enqueue on a foreign writer.
	doc := &store.Document{
		UserID:   "usr_1",
		Filename: "deal.txt",
		MIME:     "text/plain",
		BlobPath: "documents/usr_1/x/deal.txt",
		Checksum: "deadbeef",
	}
	if err := st.InsertDocument(ctx, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, healed, err := g.Status(ctx, doc.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !healed {
		t.Fatal("stuck document not healed")
	}
	if got.Status != store.StatusUploaded {
		t.Fatalf("status = %s", got.Status)
	}
	job, err := q.ActiveJobForDocument(ctx, doc.ID, pipeline.StageParse)
	if err != nil || job == nil {
		t.Fatalf("no job after heal: %v %v", job, err)
	}

	// With the job live, a second status call leaves it alone.
	if _, healed, err = g.Status(ctx, doc.ID); err != nil || healed {
		t.Fatalf("second status: healed=%v err=%v", healed, err)
	}

	// Unknown id is just a miss.
	if got, _, err := g.Status(ctx, "doc_ghost"); err != nil || got != nil {
		t.Fatalf("ghost status: %v %v", got, err)
	}
}
