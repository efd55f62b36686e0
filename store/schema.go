package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaTemplate is the document store DDL. %[1]s expands to the table
// prefix ("" or "<schema>_"); SQLite has no CREATE SCHEMA so a shared
// database is partitioned by name.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]sdocuments (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	filename      TEXT NOT NULL,
	mime          TEXT NOT NULL,
	blob_path     TEXT NOT NULL,
	checksum      TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'uploaded',
	pages_json    TEXT,
	text_plain    TEXT,
	graph_json    TEXT,
	leverage_json TEXT NOT NULL DEFAULT '{"investor":0.6,"founder":0.4}',
	created_at    INTEGER NOT NULL DEFAULT (strftime('%%s','now')),
	updated_at    INTEGER NOT NULL DEFAULT (strftime('%%s','now')),
	UNIQUE(user_id, checksum)
);

CREATE INDEX IF NOT EXISTS %[1]sdocuments_user_idx
	ON %[1]sdocuments(user_id, created_at);

CREATE TABLE IF NOT EXISTS %[1]sclauses (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES %[1]sdocuments(id) ON DELETE CASCADE,
	clause_key  TEXT NOT NULL,
	title       TEXT NOT NULL,
	text        TEXT NOT NULL,
	start_idx   INTEGER NOT NULL DEFAULT 0,
	end_idx     INTEGER NOT NULL DEFAULT 0,
	page_hint   INTEGER,
	score       REAL NOT NULL DEFAULT 0,
	meta_json   TEXT NOT NULL DEFAULT '{}',
	created_at  INTEGER NOT NULL DEFAULT (strftime('%%s','now')),
	UNIQUE(document_id, clause_key)
);

CREATE INDEX IF NOT EXISTS %[1]sclauses_doc_idx
	ON %[1]sclauses(document_id);

CREATE TABLE IF NOT EXISTS %[1]sanalyses (
	id            TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL REFERENCES %[1]sdocuments(id) ON DELETE CASCADE,
	clause_id     TEXT NOT NULL REFERENCES %[1]sclauses(id) ON DELETE CASCADE,
	band_name     TEXT NOT NULL,
	band_score    REAL NOT NULL DEFAULT 0,
	inputs_json   TEXT NOT NULL DEFAULT '{}',
	analysis_json TEXT NOT NULL DEFAULT '{}',
	redraft_text  TEXT,
	created_at    INTEGER NOT NULL DEFAULT (strftime('%%s','now')),
	UNIQUE(document_id, clause_id)
);

CREATE INDEX IF NOT EXISTS %[1]sanalyses_doc_idx
	ON %[1]sanalyses(document_id);

CREATE TABLE IF NOT EXISTS %[1]schunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES %[1]sdocuments(id) ON DELETE CASCADE,
	clause_id   TEXT REFERENCES %[1]sclauses(id) ON DELETE SET NULL,
	block_id    TEXT,
	page        INTEGER NOT NULL DEFAULT 0,
	kind        TEXT NOT NULL DEFAULT 'para',
	text        TEXT NOT NULL,
	meta_json   TEXT NOT NULL DEFAULT '{}',
	embedding   BLOB,
	created_at  INTEGER NOT NULL DEFAULT (strftime('%%s','now')),
	UNIQUE(document_id, block_id)
);

CREATE INDEX IF NOT EXISTS %[1]schunks_doc_idx
	ON %[1]schunks(document_id, page);
`

// Schema renders the store DDL with table names qualified by prefix.
func Schema(prefix string) string {
	p := ""
	if prefix != "" {
		p = prefix + "_"
	}
	return fmt.Sprintf(schemaTemplate, p)
}

// ApplySchema creates the store tables and applies column migrations.
func ApplySchema(ctx context.Context, db *sql.DB, prefix string) error {
	if _, err := db.ExecContext(ctx, Schema(prefix)); err != nil {
		return fmt.Errorf("apply document schema: %w", err)
	}
	p := ""
	if prefix != "" {
		p = prefix + "_"
	}
	migrations := []struct {
		table, column, ddl string
	}{
		{p + "documents", "leverage_json",
			`ALTER TABLE ` + p + `documents ADD COLUMN leverage_json TEXT NOT NULL DEFAULT '{"investor":0.6,"founder":0.4}'`},
		{p + "analyses", "redraft_text",
			`ALTER TABLE ` + p + `analyses ADD COLUMN redraft_text TEXT`},
	}
	for _, m := range migrations {
		if err := applyColumnMigration(ctx, db, m.table, m.column, m.ddl); err != nil {
			return err
		}
	}
	return nil
}

// applyColumnMigration adds a column if the table does not already have it.
func applyColumnMigration(ctx context.Context, db *sql.DB, table, column, ddl string) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("check column %s.%s: %w", table, column, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}
