package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/hazyhaar/lexpipe/dbopen"
	"github.com/hazyhaar/lexpipe/idgen"
)

// HeartbeatWriter records periodic liveness rows for one worker process.
type HeartbeatWriter struct {
	db         *sql.DB
	prefix     string
	workerName string
	hostname   string
	pid        int
	interval   time.Duration
	log        *slog.Logger
	newID      idgen.Generator
}

// NewHeartbeatWriter builds a writer. Recommended interval: 15s.
func NewHeartbeatWriter(db *sql.DB, prefix, workerName string, interval time.Duration, log *slog.Logger) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HeartbeatWriter{
		db:         db,
		prefix:     prefix,
		workerName: workerName,
		hostname:   hostname,
		pid:        os.Getpid(),
		interval:   interval,
		log:        log,
		newID:      idgen.Prefixed("hb_", idgen.Default),
	}
}

func (hw *HeartbeatWriter) table() string {
	return dbopen.Table(hw.prefix, "worker_heartbeats")
}

// Run writes one heartbeat immediately, then on every tick until ctx is
// done.
func (hw *HeartbeatWriter) Run(ctx context.Context) {
	hw.write(ctx)
	t := time.NewTicker(hw.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hw.write(ctx)
		}
	}
}

func (hw *HeartbeatWriter) write(ctx context.Context) {
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO `+hw.table()+`
			(id, worker_name, hostname, pid, goroutines, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		hw.newID(), hw.workerName, hw.hostname, hw.pid,
		runtime.NumGoroutine(), time.Now().Unix())
	if err != nil && ctx.Err() == nil {
		hw.log.Error("heartbeat write failed", "worker", hw.workerName, "error", err)
	}
}

// Heartbeat is the latest liveness row for a worker, with the staleness
// verdict precomputed.
type Heartbeat struct {
	WorkerName string    `json:"worker_name"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	Goroutines int       `json:"goroutines"`
	Timestamp  time.Time `json:"timestamp"`
	Alive      bool      `json:"alive"`
}

// LatestHeartbeats returns the most recent heartbeat per worker name.
// threshold controls the alive boundary, typically 3x the write interval.
func LatestHeartbeats(ctx context.Context, db *sql.DB, prefix string, threshold time.Duration) ([]Heartbeat, error) {
	table := dbopen.Table(prefix, "worker_heartbeats")
	rows, err := db.QueryContext(ctx, `
		SELECT worker_name, hostname, pid, goroutines, MAX(timestamp)
		FROM `+table+`
		GROUP BY worker_name
		ORDER BY worker_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Heartbeat
	for rows.Next() {
		var (
			hb Heartbeat
			ts int64
		)
		if err := rows.Scan(&hb.WorkerName, &hb.Hostname, &hb.PID,
			&hb.Goroutines, &ts); err != nil {
			return nil, err
		}
		hb.Timestamp = time.Unix(ts, 0)
		hb.Alive = time.Since(hb.Timestamp) <= threshold
		out = append(out, hb)
	}
	return out, rows.Err()
}
