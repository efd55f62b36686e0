package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertChunks stores a document's chunks. IDs and timestamps are filled
// in place. Embeddings, when present, go in with the insert.
func (s *Store) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	now := time.Now().Unix()
	for _, c := range chunks {
		if c.ID == "" {
			c.ID = s.newChunkID()
		}
		if c.Kind == "" {
			c.Kind = "para"
		}
		if c.MetaJSON == "" {
			c.MetaJSON = "{}"
		}
		if c.CreatedAt == 0 {
			c.CreatedAt = now
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO `+s.table("chunks")+`
				(id, document_id, clause_id, block_id, page, kind, text,
				 meta_json, embedding, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.DocumentID, c.ClauseID, c.BlockID, c.Page, c.Kind,
			c.Text, c.MetaJSON, c.Embedding, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert chunk %s p%d: %w", c.DocumentID, c.Page, err)
		}
	}
	return nil
}

// HasChunks reports whether any chunks exist for a document.
func (s *Store) HasChunks(ctx context.Context, documentID string) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+s.table("chunks")+` WHERE document_id = ?`,
		documentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count chunks %s: %w", documentID, err)
	}
	return n > 0, nil
}

// ListChunks returns a document's chunks ordered by page then id.
func (s *Store) ListChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, clause_id, block_id, page, kind, text,
		       meta_json, embedding, created_at
		FROM `+s.table("chunks")+`
		WHERE document_id = ?
		ORDER BY page ASC, id ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks %s: %w", documentID, err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ClauseID, &c.BlockID,
			&c.Page, &c.Kind, &c.Text, &c.MetaJSON, &c.Embedding,
			&c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChunkByBlockID finds the chunk carrying a parser block id, or (nil, nil).
func (s *Store) ChunkByBlockID(ctx context.Context, documentID, blockID string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, clause_id, block_id, page, kind, text,
		       meta_json, embedding, created_at
		FROM `+s.table("chunks")+`
		WHERE document_id = ? AND block_id = ?`, documentID, blockID)
	return scanChunk(row)
}

// FirstChunkOnPage returns the first chunk on a page, or (nil, nil).
func (s *Store) FirstChunkOnPage(ctx context.Context, documentID string, page int) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, clause_id, block_id, page, kind, text,
		       meta_json, embedding, created_at
		FROM `+s.table("chunks")+`
		WHERE document_id = ? AND page = ?
		ORDER BY id ASC LIMIT 1`, documentID, page)
	return scanChunk(row)
}

// AssignClause binds a chunk to an extracted clause.
func (s *Store) AssignClause(ctx context.Context, chunkID, clauseID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+s.table("chunks")+` SET clause_id = ? WHERE id = ?`,
		clauseID, chunkID)
	if err != nil {
		return fmt.Errorf("assign clause %s to chunk %s: %w", clauseID, chunkID, err)
	}
	return requireRow(res, "assign clause", chunkID)
}

func scanChunk(row *sql.Row) (*Chunk, error) {
	var c Chunk
	err := row.Scan(&c.ID, &c.DocumentID, &c.ClauseID, &c.BlockID, &c.Page,
		&c.Kind, &c.Text, &c.MetaJSON, &c.Embedding, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	return &c, nil
}
