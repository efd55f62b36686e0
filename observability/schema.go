// Package observability records what the pipeline did: an append-only
// stage event log, worker heartbeats, and a small metrics timeseries.
// All writers are fail-soft: a broken observability table logs an error
// and never blocks the pipeline.
package observability

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]sstage_events (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	job_id      TEXT,
	stage       TEXT NOT NULL,
	event       TEXT NOT NULL,
	detail      TEXT,
	duration_ms INTEGER,
	created_at  INTEGER NOT NULL DEFAULT (strftime('%%s','now'))
);
CREATE INDEX IF NOT EXISTS %[1]sstage_events_doc_idx
	ON %[1]sstage_events(document_id, created_at);

CREATE TABLE IF NOT EXISTS %[1]sworker_heartbeats (
	id         TEXT PRIMARY KEY,
	worker_name TEXT NOT NULL,
	hostname   TEXT NOT NULL,
	pid        INTEGER NOT NULL,
	goroutines INTEGER NOT NULL DEFAULT 0,
	timestamp  INTEGER NOT NULL,
	created_at INTEGER NOT NULL DEFAULT (strftime('%%s','now'))
);
CREATE INDEX IF NOT EXISTS %[1]sworker_heartbeats_idx
	ON %[1]sworker_heartbeats(worker_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS %[1]smetrics_timeseries (
	id          TEXT PRIMARY KEY,
	metric_name TEXT NOT NULL,
	timestamp   INTEGER NOT NULL,
	value       REAL NOT NULL,
	labels      TEXT,
	created_at  INTEGER NOT NULL DEFAULT (strftime('%%s','now'))
);
CREATE INDEX IF NOT EXISTS %[1]smetrics_name_idx
	ON %[1]smetrics_timeseries(metric_name, timestamp DESC);
`

// Schema renders the observability DDL with table names qualified by
// prefix.
func Schema(prefix string) string {
	p := ""
	if prefix != "" {
		p = prefix + "_"
	}
	return fmt.Sprintf(schemaTemplate, p)
}

// ApplySchema creates the observability tables.
func ApplySchema(ctx context.Context, db *sql.DB, prefix string) error {
	if _, err := db.ExecContext(ctx, Schema(prefix)); err != nil {
		return fmt.Errorf("apply observability schema: %w", err)
	}
	return nil
}
