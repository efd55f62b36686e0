// Command lexpipe runs the document enrichment service: HTTP ingest API,
// SQLite-backed job queue with in-process workers, and an optional MCP
// stdio mode (MCP_TRANSPORT=stdio) exposing the read-only tools.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/lexpipe/blobstore"
	"github.com/hazyhaar/lexpipe/config"
	"github.com/hazyhaar/lexpipe/dbopen"
	"github.com/hazyhaar/lexpipe/embed"
	"github.com/hazyhaar/lexpipe/ingest"
	"github.com/hazyhaar/lexpipe/jobs"
	"github.com/hazyhaar/lexpipe/observability"
	"github.com/hazyhaar/lexpipe/pipeline"
	"github.com/hazyhaar/lexpipe/store"
)

const version = "1.0.0"

func main() {
	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	prefix := cfg.DBSchema
	for _, apply := range []func(context.Context, *sql.DB, string) error{
		store.ApplySchema, jobs.ApplySchema, observability.ApplySchema,
	} {
		if err := apply(ctx, db, prefix); err != nil {
			slog.Error("apply schema", "error", err)
			os.Exit(1)
		}
	}

	blobs, err := blobstore.New(cfg.BlobDir, []byte(cfg.SignSecret))
	if err != nil {
		slog.Error("blob store", "error", err)
		os.Exit(1)
	}

	st := store.New(db, prefix)
	queue := jobs.New(db, prefix)
	events := observability.NewEventLog(db, prefix, logger)
	metrics := observability.NewRecorder(db, prefix, logger)

	embedder := embed.New(embed.Config{
		Endpoint:  embedEndpoint(cfg),
		Model:     cfg.Embeddings.Model,
		Dimension: cfg.Embeddings.Dimension,
		BatchSize: cfg.Embeddings.BatchSize,
		Logger:    logger,
	})

	pipe := &pipeline.Pipeline{
		DB:       db,
		Store:    st,
		Queue:    queue,
		Blobs:    blobs,
		Embedder: embedder,
		Events:   events,
		Metrics:  metrics,
		Log:      logger,
		Opts: pipeline.Options{
			EmbedEnabled: cfg.Embeddings.Enabled,
			EmbedBatch:   cfg.Embeddings.BatchSize,
		},
	}

	pool := jobs.NewPool(queue, logger, jobs.PoolOptions{
		Parallelism:  cfg.WorkerParallelism,
		PollInterval: cfg.PollInterval(),
		IdleWarn:     cfg.IdleWarn(),
		MaxAttempts:  cfg.MaxAttempts,
	})
	pipe.Register(pool)
	go pool.Run(ctx)

	reaper := jobs.NewReaper(queue, logger, cfg.StaleJobThreshold(), cfg.StaleCheckInterval())
	reaper.OnReset = func(ctx context.Context, n int64) {
		metrics.Record(ctx, observability.MetricStaleReset, float64(n), "")
	}
	go reaper.Run(ctx)

	host, _ := os.Hostname()
	if host == "" {
		host = "lexpipe"
	}
	go observability.NewHeartbeatWriter(db, prefix, host, 30*time.Second, logger).Run(ctx)

	gate := ingest.NewGate(db, st, queue, blobs, logger, cfg.MaxFileBytes())
	apiKeys := make([]ingest.APIKey, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		apiKeys = append(apiKeys, ingest.APIKey{UserID: k.UserID, KeyHash: k.KeyHash})
	}
	srv := &ingest.Server{
		Gate:         gate,
		DB:           db,
		DBPrefix:     prefix,
		Log:          logger,
		DemoUserID:   cfg.DemoUserID,
		APIKeys:      apiKeys,
		MaxBodyBytes: cfg.MaxFileBytes() + (1 << 20), // multipart overhead headroom
	}

	if os.Getenv("MCP_TRANSPORT") == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "lexpipe", Version: version}, nil)
		srv.RegisterMCP(mcpSrv)
		slog.Info("mcp server starting", "transport", "stdio")
		if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			slog.Error("mcp server", "error", err)
			os.Exit(1)
		}
		return
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("server starting", "addr", cfg.Listen, "workers", cfg.WorkerParallelism)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// embedEndpoint hides the endpoint from the client when embeddings are
// disabled, so the stub takes over regardless of config leftovers.
func embedEndpoint(cfg *config.Config) string {
	if !cfg.Embeddings.Enabled {
		return ""
	}
	return cfg.Embeddings.Endpoint
}
