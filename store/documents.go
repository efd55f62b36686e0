package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by write helpers that target a specific row.
// Read helpers return (nil, nil) for missing rows instead.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidTransition is returned when a status change would move a
// document backward along the pipeline.
var ErrInvalidTransition = errors.New("store: invalid status transition")

// CanTransition reports whether a document may move from one status to
// another: forward along the pipeline, to failed from anywhere, or out of
// failed when a retried stage succeeds.
func CanTransition(from, to string) bool {
	if to == StatusFailed {
		return true
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	if from == StatusFailed {
		return true
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// InsertDocument stores a new document row. Missing fields are filled
// with defaults: generated id, status uploaded, default leverage,
// current timestamps.
func (s *Store) InsertDocument(ctx context.Context, d *Document) error {
	if d.ID == "" {
		d.ID = s.newDocID()
	}
	if d.Status == "" {
		d.Status = StatusUploaded
	}
	if d.LeverageJSON == "" {
		d.LeverageJSON = DefaultLeverage
	}
	now := time.Now().Unix()
	if d.CreatedAt == 0 {
		d.CreatedAt = now
	}
	if d.UpdatedAt == 0 {
		d.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+s.table("documents")+`
			(id, user_id, filename, mime, blob_path, checksum, status,
			 pages_json, text_plain, graph_json, leverage_json,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.Filename, d.MIME, d.BlobPath, d.Checksum, d.Status,
		d.PagesJSON, d.TextPlain, d.GraphJSON, d.LeverageJSON,
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument fetches a document by id. Missing rows return (nil, nil).
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, filename, mime, blob_path, checksum, status,
		       pages_json, text_plain, graph_json, leverage_json,
		       created_at, updated_at
		FROM `+s.table("documents")+` WHERE id = ?`, id)
	return scanDocument(row)
}

// GetDocumentByChecksum looks up a user's document by content checksum,
// the upload dedup path. Missing rows return (nil, nil).
func (s *Store) GetDocumentByChecksum(ctx context.Context, userID, checksum string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, filename, mime, blob_path, checksum, status,
		       pages_json, text_plain, graph_json, leverage_json,
		       created_at, updated_at
		FROM `+s.table("documents")+` WHERE user_id = ? AND checksum = ?`,
		userID, checksum)
	return scanDocument(row)
}

// TransitionStatus moves a document to a new status, enforcing forward
// pipeline order. Re-running a completed stage must never regress status;
// handlers check their done predicate before calling this.
func (s *Store) TransitionStatus(ctx context.Context, id, to string) error {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("transition document %s to %s: %w", id, to, ErrNotFound)
	}
	if !CanTransition(doc.Status, to) {
		return fmt.Errorf("document %s: %s to %s: %w", id, doc.Status, to, ErrInvalidTransition)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE `+s.table("documents")+` SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, time.Now().Unix(), id, doc.Status)
	if err != nil {
		return fmt.Errorf("transition document %s: %w", id, err)
	}
	return nil
}

// SetParseArtifacts records the parser output on the document row.
func (s *Store) SetParseArtifacts(ctx context.Context, id, pagesJSON, textPlain string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+s.table("documents")+`
		SET pages_json = ?, text_plain = ?, updated_at = ?
		WHERE id = ?`,
		pagesJSON, textPlain, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set parse artifacts %s: %w", id, err)
	}
	return requireRow(res, "set parse artifacts", id)
}

// SetGraph records the clause graph on the document row.
func (s *Store) SetGraph(ctx context.Context, id, graphJSON string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+s.table("documents")+`
		SET graph_json = ?, updated_at = ?
		WHERE id = ?`,
		graphJSON, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set graph %s: %w", id, err)
	}
	return requireRow(res, "set graph", id)
}

func requireRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return nil
}

func scanDocument(row *sql.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.UserID, &d.Filename, &d.MIME, &d.BlobPath,
		&d.Checksum, &d.Status, &d.PagesJSON, &d.TextPlain, &d.GraphJSON,
		&d.LeverageJSON, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &d, nil
}
