package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.MaxFileBytes() != 50*1024*1024 {
		t.Errorf("MaxFileBytes = %d", cfg.MaxFileBytes())
	}
	if cfg.PollInterval() != 250*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.PollInterval())
	}
	if cfg.SignSecret == "" {
		t.Error("Validate should have generated a sign secret")
	}
}

func TestLoadConfig(t *testing.T) {
	yaml := `
listen: ":9090"
db_path: "/tmp/test.db"
db_schema: "lex"
blob_dir: "/tmp/blobs"
max_file_mb: 100
worker_parallelism: 4
job_poll_interval_ms: 100
worker_stale_job_seconds: 60
max_attempts: 5
embeddings:
  enabled: true
  endpoint: "http://localhost:8003"
  model: "multilingual-e5-large"
demo_user_id: "usr_demo"
`
	f, err := os.CreateTemp("", "config_test_*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.WriteString(yaml)
	f.Close()

	cfg, err := LoadConfig(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.DBSchema != "lex" {
		t.Errorf("DBSchema = %q", cfg.DBSchema)
	}
	if cfg.WorkerParallelism != 4 {
		t.Errorf("WorkerParallelism = %d", cfg.WorkerParallelism)
	}
	if !cfg.Embeddings.Enabled || cfg.Embeddings.Model != "multilingual-e5-large" {
		t.Errorf("Embeddings = %+v", cfg.Embeddings)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d", cfg.MaxAttempts)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("empty path should load defaults: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("WORKER_PARALLELISM", "8")
	t.Setenv("JOB_POLL_INTERVAL_MS", "10") // below floor, clamped by Validate
	t.Setenv("EMBEDDINGS_ENABLED", "true")
	t.Setenv("DEMO_USER_ID", "usr_env")
	t.Setenv("DB_SCHEMA", "tenant1")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if cfg.WorkerParallelism != 8 {
		t.Errorf("WorkerParallelism = %d", cfg.WorkerParallelism)
	}
	if cfg.JobPollIntervalMS != 50 {
		t.Errorf("JobPollIntervalMS = %d, want floor 50", cfg.JobPollIntervalMS)
	}
	if !cfg.Embeddings.Enabled {
		t.Error("Embeddings.Enabled should be true")
	}
	if cfg.DemoUserID != "usr_env" {
		t.Errorf("DemoUserID = %q", cfg.DemoUserID)
	}
	if cfg.DBSchema != "tenant1" {
		t.Errorf("DBSchema = %q", cfg.DBSchema)
	}
}

func TestValidate_Floors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerParallelism = 0
	cfg.JobPollIntervalMS = 1
	cfg.WorkerStaleCheckSeconds = 1
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.WorkerParallelism != 1 {
		t.Errorf("WorkerParallelism = %d, want 1", cfg.WorkerParallelism)
	}
	if cfg.JobPollIntervalMS != 50 {
		t.Errorf("JobPollIntervalMS = %d, want 50", cfg.JobPollIntervalMS)
	}
	if cfg.WorkerStaleCheckSeconds != 5 {
		t.Errorf("WorkerStaleCheckSeconds = %d, want 5", cfg.WorkerStaleCheckSeconds)
	}
}

func TestValidate_BadAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKeys = []APIKey{{UserID: "u1"}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for api key without hash")
	}
}

func TestValidate_MissingDBPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBPath = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing db_path")
	}
}
