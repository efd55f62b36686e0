package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertAnalysis inserts or replaces the analysis for a (document, clause)
// pair. Re-analysis overwrites the band and findings but keeps any stored
// redraft text.
func (s *Store) UpsertAnalysis(ctx context.Context, a *Analysis) error {
	if a.ID == "" {
		a.ID = s.newAnalysisID()
	}
	if a.InputsJSON == "" {
		a.InputsJSON = "{}"
	}
	if a.AnalysisJSON == "" {
		a.AnalysisJSON = "{}"
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+s.table("analyses")+`
			(id, document_id, clause_id, band_name, band_score,
			 inputs_json, analysis_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, clause_id) DO UPDATE SET
			band_name = excluded.band_name,
			band_score = excluded.band_score,
			inputs_json = excluded.inputs_json,
			analysis_json = excluded.analysis_json`,
		a.ID, a.DocumentID, a.ClauseID, a.BandName, a.BandScore,
		a.InputsJSON, a.AnalysisJSON, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert analysis %s/%s: %w", a.DocumentID, a.ClauseID, err)
	}
	return nil
}

// GetAnalysisByClause fetches the analysis bound to a clause, or (nil, nil).
func (s *Store) GetAnalysisByClause(ctx context.Context, clauseID string) (*Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, clause_id, band_name, band_score,
		       inputs_json, analysis_json, redraft_text, created_at
		FROM `+s.table("analyses")+` WHERE clause_id = ?`, clauseID)
	var a Analysis
	err := row.Scan(&a.ID, &a.DocumentID, &a.ClauseID, &a.BandName,
		&a.BandScore, &a.InputsJSON, &a.AnalysisJSON, &a.RedraftText,
		&a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan analysis: %w", err)
	}
	return &a, nil
}

// ListAnalyses returns a document's analyses in insertion order.
func (s *Store) ListAnalyses(ctx context.Context, documentID string) ([]Analysis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, clause_id, band_name, band_score,
		       inputs_json, analysis_json, redraft_text, created_at
		FROM `+s.table("analyses")+`
		WHERE document_id = ?
		ORDER BY created_at ASC, id ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list analyses %s: %w", documentID, err)
	}
	defer rows.Close()

	var out []Analysis
	for rows.Next() {
		var a Analysis
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.ClauseID, &a.BandName,
			&a.BandScore, &a.InputsJSON, &a.AnalysisJSON, &a.RedraftText,
			&a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAnalyses reports how many analyses a document has.
func (s *Store) CountAnalyses(ctx context.Context, documentID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+s.table("analyses")+` WHERE document_id = ?`,
		documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count analyses %s: %w", documentID, err)
	}
	return n, nil
}

// SetRedraft stores redraft text on the analysis bound to a clause.
func (s *Store) SetRedraft(ctx context.Context, clauseID, text string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+s.table("analyses")+` SET redraft_text = ?
		WHERE clause_id = ?`, text, clauseID)
	if err != nil {
		return fmt.Errorf("set redraft %s: %w", clauseID, err)
	}
	return requireRow(res, "set redraft", clauseID)
}
