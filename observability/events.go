package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/hazyhaar/lexpipe/dbopen"
	"github.com/hazyhaar/lexpipe/idgen"
)

// Stage event kinds.
const (
	EventStart = "start"
	EventDone  = "done"
	EventSkip  = "skip" // idempotency check short-circuited the stage
	EventError = "error"
)

// StageEvent is one row of the pipeline event log.
type StageEvent struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	JobID      string `json:"job_id,omitempty"`
	Stage      string `json:"stage"`
	Event      string `json:"event"`
	Detail     string `json:"detail,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  int64  `json:"created_at"`
}

// EventLog writes and reads stage events.
type EventLog struct {
	db     *sql.DB
	prefix string
	log    *slog.Logger
	newID  idgen.Generator
}

// NewEventLog builds an event log over db.
func NewEventLog(db *sql.DB, prefix string, log *slog.Logger) *EventLog {
	if log == nil {
		log = slog.Default()
	}
	return &EventLog{
		db:     db,
		prefix: prefix,
		log:    log,
		newID:  idgen.Prefixed("evt_", idgen.Default),
	}
}

func (l *EventLog) table() string {
	return dbopen.Table(l.prefix, "stage_events")
}

// Record appends a stage event. Errors are logged, never returned: the
// event log must not fail a pipeline stage.
func (l *EventLog) Record(ctx context.Context, e StageEvent) {
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO `+l.table()+`
			(id, document_id, job_id, stage, event, detail, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DocumentID, e.JobID, e.Stage, e.Event, e.Detail,
		e.DurationMS, e.CreatedAt)
	if err != nil {
		l.log.Error("stage event write failed", "stage", e.Stage,
			"document", e.DocumentID, "error", err)
	}
}

// ForDocument lists a document's events oldest first.
func (l *EventLog) ForDocument(ctx context.Context, documentID string) ([]StageEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, document_id, COALESCE(job_id, ''), stage, event,
		       COALESCE(detail, ''), COALESCE(duration_ms, 0), created_at
		FROM `+l.table()+`
		WHERE document_id = ?
		ORDER BY created_at ASC, id ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StageEvent
	for rows.Next() {
		var e StageEvent
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.JobID, &e.Stage,
			&e.Event, &e.Detail, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
