// Package config holds the lexpipe configuration: YAML file merged over
// defaults, then environment overrides, then validation with floors.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full lexpipe configuration.
type Config struct {
	Listen     string `yaml:"listen"`
	DBPath     string `yaml:"db_path"`
	DBSchema   string `yaml:"db_schema"` // optional table-name prefix
	BlobDir    string `yaml:"blob_dir"`
	SignSecret string `yaml:"sign_secret"` // HMAC key for signed blob URLs
	MaxFileMB  int    `yaml:"max_file_mb"`

	WorkerParallelism       int `yaml:"worker_parallelism"`
	JobPollIntervalMS       int `yaml:"job_poll_interval_ms"`
	WorkerStaleSeconds      int `yaml:"worker_stale_seconds"` // idle-warning only
	WorkerStaleJobSeconds   int `yaml:"worker_stale_job_seconds"`
	WorkerStaleCheckSeconds int `yaml:"worker_stale_check_interval_seconds"`
	MaxAttempts             int `yaml:"max_attempts"`

	Embeddings EmbeddingsConfig `yaml:"embeddings"`

	DemoUserID string   `yaml:"demo_user_id"`
	APIKeys    []APIKey `yaml:"api_keys"`

	LogLevel string `yaml:"log_level"`
}

// EmbeddingsConfig configures the optional chunk embedding step.
type EmbeddingsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
}

// APIKey maps a bcrypt key hash to the user it authenticates.
type APIKey struct {
	UserID  string `yaml:"user_id"`
	KeyHash string `yaml:"key_hash"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:                  ":8080",
		DBPath:                  "lexpipe.db",
		BlobDir:                 "blobs",
		MaxFileMB:               50,
		WorkerParallelism:       1,
		JobPollIntervalMS:       250,
		WorkerStaleSeconds:      60,
		WorkerStaleJobSeconds:   120,
		WorkerStaleCheckSeconds: 30,
		MaxAttempts:             3,
		DemoUserID:              "demo",
		LogLevel:                "info",
	}
}

// LoadConfig reads and parses a YAML config file, merges it over defaults,
// applies environment overrides and validates. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// ApplyEnv overrides config fields from the environment. Deployment sets
// these per instance; the YAML file carries the shared baseline.
func (c *Config) ApplyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&c.Listen, "LISTEN_ADDR")
	setStr(&c.DBPath, "DB_PATH")
	setStr(&c.DBSchema, "DB_SCHEMA")
	setStr(&c.BlobDir, "BLOB_DIR")
	setStr(&c.SignSecret, "BLOB_SIGN_SECRET")
	setInt(&c.WorkerParallelism, "WORKER_PARALLELISM")
	setInt(&c.JobPollIntervalMS, "JOB_POLL_INTERVAL_MS")
	setInt(&c.WorkerStaleSeconds, "WORKER_STALE_SECONDS")
	setInt(&c.WorkerStaleJobSeconds, "WORKER_STALE_JOB_SECONDS")
	setInt(&c.WorkerStaleCheckSeconds, "WORKER_STALE_CHECK_INTERVAL_SECONDS")
	setInt(&c.MaxAttempts, "MAX_ATTEMPTS")
	setStr(&c.DemoUserID, "DEMO_USER_ID")
	setStr(&c.LogLevel, "LOG_LEVEL")
	setStr(&c.Embeddings.Endpoint, "EMBEDDINGS_ENDPOINT")
	setStr(&c.Embeddings.Model, "EMBEDDINGS_MODEL")
	if v := os.Getenv("EMBEDDINGS_ENABLED"); v != "" {
		c.Embeddings.Enabled = v == "1" || v == "true" || v == "yes"
	}
}

// Validate checks required fields and clamps values to their floors.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.BlobDir == "" {
		return fmt.Errorf("blob_dir is required")
	}
	if c.MaxFileMB <= 0 {
		return fmt.Errorf("max_file_mb must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	if c.WorkerParallelism < 1 {
		c.WorkerParallelism = 1
	}
	if c.JobPollIntervalMS < 50 {
		c.JobPollIntervalMS = 50
	}
	if c.WorkerStaleCheckSeconds < 5 {
		c.WorkerStaleCheckSeconds = 5
	}
	if c.WorkerStaleJobSeconds <= 0 {
		return fmt.Errorf("worker_stale_job_seconds must be > 0")
	}
	for i, k := range c.APIKeys {
		if k.UserID == "" || k.KeyHash == "" {
			return fmt.Errorf("api_keys[%d]: user_id and key_hash are required", i)
		}
	}
	if c.SignSecret == "" {
		// Random per-boot secret: signed URLs stop verifying across restarts,
		// which is acceptable for short-lived download links.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate sign secret: %w", err)
		}
		c.SignSecret = hex.EncodeToString(buf)
	}
	return nil
}

// MaxFileBytes returns the upload size cap in bytes.
func (c *Config) MaxFileBytes() int64 { return int64(c.MaxFileMB) * 1024 * 1024 }

// PollInterval returns the worker idle poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.JobPollIntervalMS) * time.Millisecond
}

// IdleWarn returns the idle-warning threshold for worker logging.
func (c *Config) IdleWarn() time.Duration {
	return time.Duration(c.WorkerStaleSeconds) * time.Second
}

// StaleJobThreshold returns the age past which a working job is reaped.
func (c *Config) StaleJobThreshold() time.Duration {
	return time.Duration(c.WorkerStaleJobSeconds) * time.Second
}

// StaleCheckInterval returns the reaper period.
func (c *Config) StaleCheckInterval() time.Duration {
	return time.Duration(c.WorkerStaleCheckSeconds) * time.Second
}
