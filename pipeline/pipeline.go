// Package pipeline implements the enrichment stages that take an uploaded
// document from raw bytes to analyzed clauses:
//
//	PARSE_DOC → CHUNK_EMBED → EXTRACT_NORMALIZE → BAND_MAP_GRAPH → ANALYZE
//
// Each stage runs as a queue job handler. A handler first checks whether
// its output already exists (skip → enqueue the next stage → return), then
// does its work and commits artifacts, the document status transition and
// the next-stage enqueue in a single transaction. Crash-and-retry at any
// point re-runs the stage into the skip path, so the chain is safe to
// replay.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/lexpipe/blobstore"
	"github.com/hazyhaar/lexpipe/embed"
	"github.com/hazyhaar/lexpipe/jobs"
	"github.com/hazyhaar/lexpipe/observability"
	"github.com/hazyhaar/lexpipe/store"
)

// Stage names, doubling as job types.
const (
	StageParse   = "PARSE_DOC"
	StageChunk   = "CHUNK_EMBED"
	StageExtract = "EXTRACT_NORMALIZE"
	StageBand    = "BAND_MAP_GRAPH"
	StageAnalyze = "ANALYZE"
)

// ParseKey is the PARSE_DOC idempotency key. It carries the checksum so a
// re-upload of changed bytes under the same document is a distinct job,
// while ingest dedup and the status auto-heal upsert the same row.
func ParseKey(documentID, checksum string) string {
	return "parse::" + documentID + "::" + checksum
}

// ChunksKey is the CHUNK_EMBED idempotency key.
func ChunksKey(documentID string) string { return "chunks::" + documentID + "::v1" }

// ExtractKey is the EXTRACT_NORMALIZE idempotency key.
func ExtractKey(documentID string) string { return "extract::" + documentID + "::v1" }

// BandKey is the BAND_MAP_GRAPH idempotency key.
func BandKey(documentID string) string { return "band::" + documentID + "::v1" }

// AnalyzeKey is the ANALYZE idempotency key.
func AnalyzeKey(documentID string) string { return "analyze::" + documentID + "::v1" }

// Options tunes chunking and embedding.
type Options struct {
	EmbedEnabled       bool
	EmbedBatch         int // texts per EmbedBatch call, default 32
	ChunkMaxTokens     int
	ChunkOverlapTokens int
}

// Pipeline holds the dependencies shared by the stage handlers.
type Pipeline struct {
	DB       *sql.DB
	Store    *store.Store
	Queue    *jobs.Store
	Blobs    *blobstore.Store
	Embedder embed.Embedder
	Events   *observability.EventLog
	Metrics  *observability.Recorder
	Log      *slog.Logger
	Opts     Options
}

// Register wires the five stage handlers and the terminal-failure hook
// into the worker pool.
func (p *Pipeline) Register(pool *jobs.Pool) {
	if p.Log == nil {
		p.Log = slog.Default()
	}
	pool.RegisterHandler(StageParse, p.instrument(StageParse, p.runParse))
	pool.RegisterHandler(StageChunk, p.instrument(StageChunk, p.runChunk))
	pool.RegisterHandler(StageExtract, p.instrument(StageExtract, p.runExtract))
	pool.RegisterHandler(StageBand, p.instrument(StageBand, p.runBand))
	pool.RegisterHandler(StageAnalyze, p.instrument(StageAnalyze, p.runAnalyze))
	pool.OnFail = p.onJobFailed
}

// onJobFailed marks the job's document failed once the retry controller
// gives up. The document status is the user-visible failure signal, and
// the ingest auto-heal leaves failed documents alone.
func (p *Pipeline) onJobFailed(ctx context.Context, job *jobs.Job, cause error) {
	if job.DocumentID == nil || *job.DocumentID == "" {
		return
	}
	docID := *job.DocumentID
	if err := p.Store.TransitionStatus(ctx, docID, store.StatusFailed); err != nil {
		p.Log.Error("document fail transition", "document", docID, "error", err)
		return
	}
	p.recordEvent(ctx, docID, job.ID, job.Type, observability.EventError,
		"terminal: "+cause.Error(), 0)
}

// stageFunc runs one stage and reports the terminal event kind
// (observability.EventDone or EventSkip).
type stageFunc func(ctx context.Context, job *jobs.Job) (string, error)

// instrument wraps a stage with event logging and the duration metric.
func (p *Pipeline) instrument(stage string, fn stageFunc) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job) error {
		started := time.Now()
		docID := ""
		if job.DocumentID != nil {
			docID = *job.DocumentID
		}
		if p.Metrics != nil {
			p.Metrics.Record(ctx, observability.MetricJobsClaimed, 1, `{"stage":"`+stage+`"}`)
		}
		event, err := fn(ctx, job)
		elapsed := time.Since(started)
		if err != nil {
			p.recordEvent(ctx, docID, job.ID, stage, observability.EventError, err.Error(), elapsed)
			return err
		}
		p.recordEvent(ctx, docID, job.ID, stage, event, "", elapsed)
		return nil
	}
}

func (p *Pipeline) recordEvent(ctx context.Context, docID, jobID, stage, event, detail string, elapsed time.Duration) {
	if p.Events != nil {
		p.Events.Record(ctx, observability.StageEvent{
			DocumentID: docID,
			JobID:      jobID,
			Stage:      stage,
			Event:      event,
			Detail:     detail,
			DurationMS: elapsed.Milliseconds(),
		})
	}
	if p.Metrics != nil {
		p.Metrics.Record(ctx, observability.MetricStageDuration,
			float64(elapsed.Milliseconds()), `{"stage":"`+stage+`"}`)
	}
}

// document resolves the job's document. A job pointing at a missing
// document can never succeed, so both cases are fatal.
func (p *Pipeline) document(ctx context.Context, job *jobs.Job) (*store.Document, error) {
	if job.DocumentID == nil || *job.DocumentID == "" {
		return nil, jobs.Fatal(fmt.Errorf("job %s has no document", job.ID))
	}
	doc, err := p.Store.GetDocument(ctx, *job.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, jobs.Fatal(fmt.Errorf("document %s not found", *job.DocumentID))
	}
	return doc, nil
}

func (p *Pipeline) embedBatchSize() int {
	if p.Opts.EmbedBatch > 0 {
		return p.Opts.EmbedBatch
	}
	return 32
}
