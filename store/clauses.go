package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertClauses stores extracted clauses for a document. IDs and
// timestamps are filled in place so callers can bind chunks afterwards.
func (s *Store) InsertClauses(ctx context.Context, clauses []*Clause) error {
	now := time.Now().Unix()
	for _, c := range clauses {
		if c.ID == "" {
			c.ID = s.newClauseID()
		}
		if c.MetaJSON == "" {
			c.MetaJSON = "{}"
		}
		if c.CreatedAt == 0 {
			c.CreatedAt = now
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO `+s.table("clauses")+`
				(id, document_id, clause_key, title, text, start_idx, end_idx,
				 page_hint, score, meta_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.DocumentID, c.ClauseKey, c.Title, c.Text, c.StartIdx,
			c.EndIdx, c.PageHint, c.Score, c.MetaJSON, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert clause %s/%s: %w", c.DocumentID, c.ClauseKey, err)
		}
	}
	return nil
}

// GetClause fetches a clause by id. Missing rows return (nil, nil).
func (s *Store) GetClause(ctx context.Context, id string) (*Clause, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, clause_key, title, text, start_idx, end_idx,
		       page_hint, score, meta_json, created_at
		FROM `+s.table("clauses")+` WHERE id = ?`, id)
	var c Clause
	err := row.Scan(&c.ID, &c.DocumentID, &c.ClauseKey, &c.Title, &c.Text,
		&c.StartIdx, &c.EndIdx, &c.PageHint, &c.Score, &c.MetaJSON, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan clause: %w", err)
	}
	return &c, nil
}

// ListClauses returns a document's clauses in insertion order.
func (s *Store) ListClauses(ctx context.Context, documentID string) ([]Clause, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, clause_key, title, text, start_idx, end_idx,
		       page_hint, score, meta_json, created_at
		FROM `+s.table("clauses")+`
		WHERE document_id = ?
		ORDER BY created_at ASC, id ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list clauses %s: %w", documentID, err)
	}
	defer rows.Close()

	var out []Clause
	for rows.Next() {
		var c Clause
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ClauseKey, &c.Title,
			&c.Text, &c.StartIdx, &c.EndIdx, &c.PageHint, &c.Score,
			&c.MetaJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan clause: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountClauses reports how many clauses a document has.
func (s *Store) CountClauses(ctx context.Context, documentID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+s.table("clauses")+` WHERE document_id = ?`,
		documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count clauses %s: %w", documentID, err)
	}
	return n, nil
}
