// Package embed converts chunk text to float32 vectors through any
// OpenAI-compatible embedding server (vLLM, Ollama, ONNX Runtime Server,
// OpenAI itself). The pipeline stores vectors on chunk rows as
// little-endian float32 blobs; see EncodeVector.
//
// With no endpoint configured New returns a stub that produces zero
// vectors, which the pipeline recognizes (IsZero) and declines to
// persist.
package embed

import (
	"context"
	"log/slog"
	"time"
)

// Embedder converts text to vectors.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns vectors for multiple texts, batched per HTTP
	// call, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector dimension, or 0 before the first
	// call when auto-detecting.
	Dimension() int

	// Model returns the model name.
	Model() string
}

// Config configures the embedding client.
type Config struct {
	// Endpoint is the base URL of the embedding server. Empty means no
	// server: New returns the zero-vector stub.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Model is the model name sent with each request.
	Model string `json:"model" yaml:"model"`

	// Dimension is the expected vector size. 0 auto-detects on first call.
	Dimension int `json:"dimension" yaml:"dimension"`

	// BatchSize is the maximum texts per HTTP request. Default 32.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// Timeout per HTTP request. Default 30s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New builds an Embedder from config. An empty endpoint yields the
// zero-vector stub so the pipeline can run without an embedding server.
func New(cfg Config) Embedder {
	cfg.defaults()
	if cfg.Endpoint == "" {
		dim := cfg.Dimension
		if dim <= 0 {
			dim = 768
		}
		return &stubEmbedder{dim: dim, model: cfg.Model}
	}
	return newOpenAIClient(cfg)
}

// stubEmbedder produces zero vectors. IsZero identifies its output so
// callers can skip persistence.
type stubEmbedder struct {
	dim   int
	model string
}

func (s *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, s.dim), nil
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, s.dim)
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return s.dim }
func (s *stubEmbedder) Model() string  { return s.model }
