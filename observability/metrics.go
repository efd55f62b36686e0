package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/hazyhaar/lexpipe/dbopen"
	"github.com/hazyhaar/lexpipe/idgen"
)

// Metric names emitted by the pipeline.
const (
	MetricStageDuration = "stage_duration_ms"
	MetricJobsClaimed   = "jobs_claimed"
	MetricStaleReset    = "jobs_reset_stale"
)

// Recorder writes metric points. Fail-soft like the event log.
type Recorder struct {
	db     *sql.DB
	prefix string
	log    *slog.Logger
	newID  idgen.Generator
}

// NewRecorder builds a metrics recorder over db.
func NewRecorder(db *sql.DB, prefix string, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		db:     db,
		prefix: prefix,
		log:    log,
		newID:  idgen.Prefixed("met_", idgen.Default),
	}
}

func (r *Recorder) table() string {
	return dbopen.Table(r.prefix, "metrics_timeseries")
}

// Record writes one metric point. labels is optional JSON.
func (r *Recorder) Record(ctx context.Context, name string, value float64, labels string) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO `+r.table()+` (id, metric_name, timestamp, value, labels)
		VALUES (?, ?, ?, ?, ?)`,
		r.newID(), name, time.Now().Unix(), value, nullable(labels))
	if err != nil {
		r.log.Error("metric write failed", "metric", name, "error", err)
	}
}

// Point is one sampled metric value.
type Point struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
	Labels    string  `json:"labels,omitempty"`
}

// Series returns points for a metric since a cutoff, oldest first.
func (r *Recorder) Series(ctx context.Context, name string, since time.Time) ([]Point, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT timestamp, value, COALESCE(labels, '')
		FROM `+r.table()+`
		WHERE metric_name = ? AND timestamp >= ?
		ORDER BY timestamp ASC, id ASC`, name, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Timestamp, &p.Value, &p.Labels); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Cleanup deletes observability rows older than retention. Returns rows
// removed across all three tables.
func Cleanup(ctx context.Context, db *sql.DB, prefix string, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	var total int64
	for _, spec := range []struct{ table, column string }{
		{"stage_events", "created_at"},
		{"worker_heartbeats", "timestamp"},
		{"metrics_timeseries", "timestamp"},
	} {
		res, err := db.ExecContext(ctx,
			`DELETE FROM `+dbopen.Table(prefix, spec.table)+` WHERE `+spec.column+` < ?`, cutoff)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
