// Package jobs implements the durable SQLite-backed job queue: idempotent
// enqueue, FIFO claim, retry with capped backoff, and a stale-job reaper.
// The jobs table is the single source of truth; workers keep no queue
// state in memory.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/lexpipe/dbopen"
	"github.com/hazyhaar/lexpipe/idgen"
)

// Job statuses.
const (
	StatusQueued  = "queued"
	StatusWorking = "working"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// MaxErrorLen caps stored error text.
const MaxErrorLen = 2000

// ErrNotFound is returned when a mark targets a job id that has no row.
var ErrNotFound = errors.New("jobs: not found")

// Job is one row of the queue. updated_at doubles as the liveness
// heartbeat for working rows.
type Job struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	DocumentID     *string `json:"document_id,omitempty"`
	Payload        string  `json:"payload"`
	Status         string  `json:"status"`
	Attempts       int     `json:"attempts"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
	LastError      *string `json:"last_error,omitempty"`
	FailedAt       *int64  `json:"failed_at,omitempty"`
	CreatedAt      int64   `json:"created_at"`
	UpdatedAt      int64   `json:"updated_at"`
}

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]sjobs (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	document_id     TEXT,
	payload         TEXT NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL DEFAULT 'queued',
	attempts        INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT UNIQUE,
	last_error      TEXT,
	failed_at       INTEGER,
	created_at      INTEGER NOT NULL DEFAULT (strftime('%%s','now')),
	updated_at      INTEGER NOT NULL DEFAULT (strftime('%%s','now'))
);

CREATE INDEX IF NOT EXISTS %[1]sjobs_status_idx
	ON %[1]sjobs(status, created_at);

CREATE INDEX IF NOT EXISTS %[1]sjobs_doc_idx
	ON %[1]sjobs(document_id);
`

// Schema renders the queue DDL with table names qualified by prefix.
func Schema(prefix string) string {
	p := ""
	if prefix != "" {
		p = prefix + "_"
	}
	return fmt.Sprintf(schemaTemplate, p)
}

// ApplySchema creates the jobs table and its indexes.
func ApplySchema(ctx context.Context, db *sql.DB, prefix string) error {
	if _, err := db.ExecContext(ctx, Schema(prefix)); err != nil {
		return fmt.Errorf("apply jobs schema: %w", err)
	}
	return nil
}

const jobColumns = `id, type, document_id, payload, status, attempts,
	idempotency_key, last_error, failed_at, created_at, updated_at`

// Store is the queue's data access layer. Statement-level operations run
// on q (a *sql.DB or, through WithTx, a *sql.Tx); Claim always runs its
// own transaction on the root handle.
type Store struct {
	db     *sql.DB
	q      dbopen.DBTX
	prefix string
	newID  idgen.Generator
}

// New returns a Store over db. prefix qualifies the table name.
func New(db *sql.DB, prefix string) *Store {
	return &Store{
		db:     db,
		q:      db,
		prefix: prefix,
		newID:  idgen.Prefixed("job_", idgen.UUIDv7()),
	}
}

// WithTx returns a view whose statements run on tx, so an enqueue can
// commit together with the caller's artifact writes.
func (s *Store) WithTx(tx dbopen.DBTX) *Store {
	c := *s
	c.q = tx
	return &c
}

func (s *Store) table() string {
	return dbopen.Table(s.prefix, "jobs")
}

// Enqueue inserts a queued job. A conflict on idempotency_key resets the
// existing row to queued with attempts 0, overwrites type, document_id
// and payload, clears last_error and failed_at, and bumps updated_at.
// The canonical job id is returned either way; this upsert is the
// durability primitive behind both stage chaining and auto-heal.
func (s *Store) Enqueue(ctx context.Context, typ, documentID, payload, idempotencyKey string) (string, error) {
	if payload == "" {
		payload = "{}"
	}
	var doc, key any
	if documentID != "" {
		doc = documentID
	}
	if idempotencyKey != "" {
		key = idempotencyKey
	}
	now := time.Now().Unix()
	var id string
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO `+s.table()+`
			(id, type, document_id, payload, status, attempts,
			 idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			status = 'queued',
			attempts = 0,
			type = excluded.type,
			document_id = excluded.document_id,
			payload = excluded.payload,
			last_error = NULL,
			failed_at = NULL,
			updated_at = excluded.updated_at
		RETURNING id`,
		s.newID(), typ, doc, payload, key, now, now).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", typ, err)
	}
	return id, nil
}

// Claim atomically moves the FIFO head of the queue to working. It
// returns the claimed job along with the queued count observed in the
// same transaction; no claimable job returns (nil, queuedCount, nil).
// Moving the row out of queued inside a single write transaction is the
// SQLite equivalent of a skip-locked claim: no two claimers can return
// the same job.
func (s *Store) Claim(ctx context.Context) (*Job, int64, error) {
	var (
		job    *Job
		queued int64
	)
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		job = nil
		queued = 0
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM `+s.table()+` WHERE status = 'queued'`).Scan(&queued)
		if err != nil {
			return fmt.Errorf("count queued: %w", err)
		}
		if queued == 0 {
			return nil
		}
		row := tx.QueryRowContext(ctx, `
			UPDATE `+s.table()+` SET status = 'working', updated_at = ?
			WHERE id = (SELECT id FROM `+s.table()+`
			            WHERE status = 'queued'
			            ORDER BY created_at ASC, id ASC LIMIT 1)
			RETURNING `+jobColumns,
			time.Now().Unix())
		j, err := scanJob(row)
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return job, queued, nil
}

// MarkDone finishes a job.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE `+s.table()+` SET status = 'done', updated_at = ?
		WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark done %s: %w", id, err)
	}
	return requireJob(res, "mark done", id)
}

// MarkFailed terminally fails a job, recording the attempts consumed and
// the truncated error.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, errMsg string) error {
	now := time.Now().Unix()
	res, err := s.q.ExecContext(ctx, `
		UPDATE `+s.table()+`
		SET status = 'failed', attempts = ?, last_error = ?, failed_at = ?,
		    updated_at = ?
		WHERE id = ?`,
		attempts, truncateError(errMsg), now, now, id)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return requireJob(res, "mark failed", id)
}

// Requeue returns a job to the queue after a retryable error.
func (s *Store) Requeue(ctx context.Context, id string, attempts int, errMsg string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE `+s.table()+`
		SET status = 'queued', attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		attempts, truncateError(errMsg), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	return requireJob(res, "requeue", id)
}

// ResetStale requeues working jobs whose updated_at is older than the
// threshold, presuming the worker crashed or hung. Attempts increment so
// repeated staleness converges on failed.
func (s *Store) ResetStale(ctx context.Context, threshold time.Duration) (int64, error) {
	now := time.Now().Unix()
	cutoff := now - int64(threshold.Seconds())
	res, err := s.q.ExecContext(ctx, `
		UPDATE `+s.table()+`
		SET status = 'queued', attempts = attempts + 1,
		    last_error = COALESCE(last_error, '') || ' [reset-stale]',
		    updated_at = ?
		WHERE status = 'working' AND updated_at < ?`, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stale: %w", err)
	}
	return n, nil
}

// Get fetches a job by id. Missing rows return (nil, nil).
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM `+s.table()+` WHERE id = ?`, id)
	return scanJob(row)
}

// QueuedCount reports how many jobs are waiting.
func (s *Store) QueuedCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+s.table()+` WHERE status = 'queued'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queued count: %w", err)
	}
	return n, nil
}

// CountByStatus returns job counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM `+s.table()+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// ActiveJobForDocument finds a queued or working job of the given type
// for a document, or (nil, nil). The ingest auto-heal path uses this to
// decide whether a parse job needs re-enqueueing.
func (s *Store) ActiveJobForDocument(ctx context.Context, documentID, typ string) (*Job, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM `+s.table()+`
		WHERE document_id = ? AND type = ? AND status IN ('queued', 'working')
		ORDER BY created_at ASC, id ASC LIMIT 1`, documentID, typ)
	return scanJob(row)
}

// JobsForDocument lists a document's jobs oldest first.
func (s *Store) JobsForDocument(ctx context.Context, documentID string) ([]Job, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM `+s.table()+`
		WHERE document_id = ?
		ORDER BY created_at ASC, id ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("jobs for document %s: %w", documentID, err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Type, &j.DocumentID, &j.Payload, &j.Status,
		&j.Attempts, &j.IdempotencyKey, &j.LastError, &j.FailedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

func requireJob(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return nil
}

func truncateError(msg string) string {
	if len(msg) > MaxErrorLen {
		return msg[:MaxErrorLen]
	}
	return msg
}
