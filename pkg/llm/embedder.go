package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	hfembeddings "github.com/tmc/langchaingo/embeddings/huggingface"
	"github.com/tmc/langchaingo/llms/huggingface"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/xhad/documind/internal/models"
	"golang.org/x/time/rate"
)

type EmbedderConfig struct {
	Provider   string
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
	BatchSize  int
	RateLimit  float64 // requests per second, 0 disables pacing
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Embedder maps text to vectors through a langchaingo embedder. Queries and
// passages go through the same code path, so both sides of a search are
// embedded identically.
type Embedder struct {
	config  EmbedderConfig
	client  embeddings.Embedder
	limiter *rate.Limiter
	logger  *slog.Logger

	mu   sync.Mutex
	dims int
}

// NewEmbedderWithConfig builds the backend named by config.Provider.
func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}

	var (
		client embeddings.Embedder
		err    error
	)

	switch config.Provider {
	case "hash":
		client = NewHashEmbedder(config.Dimensions)
	case "huggingface", "":
		if config.Model == "" {
			config.Model = "sentence-transformers/all-MiniLM-L6-v2"
		}
		opts := []huggingface.Option{huggingface.WithToken(config.APIKey), huggingface.WithModel(config.Model)}
		if config.BaseURL != "" {
			opts = append(opts, huggingface.WithURL(config.BaseURL))
		}
		var hf *huggingface.LLM
		hf, err = huggingface.New(opts...)
		if err == nil {
			client, err = hfembeddings.NewHuggingface(
				hfembeddings.WithClient(*hf),
				hfembeddings.WithModel(config.Model),
				hfembeddings.WithTask("feature-extraction"),
				hfembeddings.WithBatchSize(config.BatchSize),
				hfembeddings.WithStripNewLines(false),
			)
		}
	case "ollama":
		if config.Model == "" {
			config.Model = "nomic-embed-text:latest"
		}
		if config.BaseURL == "" {
			config.BaseURL = "http://localhost:11434"
		}
		var o *ollama.LLM
		o, err = ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
		if err == nil {
			client, err = embeddings.NewEmbedder(o, embeddings.WithBatchSize(config.BatchSize), embeddings.WithStripNewLines(false))
		}
	case "openai":
		opts := []openai.Option{openai.WithToken(config.APIKey), openai.WithEmbeddingModel(config.Model)}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		var o *openai.LLM
		o, err = openai.New(opts...)
		if err == nil {
			client, err = embeddings.NewEmbedder(o, embeddings.WithBatchSize(config.BatchSize), embeddings.WithStripNewLines(false))
		}
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s embedder: %w", config.Provider, err)
	}

	return NewEmbedder(client, config), nil
}

// NewEmbedder wraps an existing langchaingo embedder.
func NewEmbedder(client embeddings.Embedder, config EmbedderConfig) *Embedder {
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	e := &Embedder{
		config: config,
		client: client,
		logger: config.Logger.With("component", "embedder", "provider", config.Provider),
	}
	if config.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}
	if h, ok := client.(*HashEmbedder); ok {
		e.dims = h.Dimensions()
	}
	return e
}

func (e *Embedder) ModelName() string {
	if e.config.Provider == "hash" {
		return fmt.Sprintf("hash-%d", e.Dimensions())
	}
	return e.config.Model
}

// Dimensions returns the vector length, or 0 before the first remote call.
func (e *Embedder) Dimensions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dims
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := min(start+e.config.BatchSize, len(texts))

		batch, err := e.embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (e *Embedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrEmbeddingBackend, err)
		}
	}

	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	started := time.Now()
	vectors, err := e.client.EmbedDocuments(ctx, texts)
	if err != nil {
		e.logger.Error("embedding request failed", "texts", len(texts), "error", err)
		return nil, fmt.Errorf("%w: %w", models.ErrEmbeddingBackend, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", models.ErrEmbeddingBackend, len(vectors), len(texts))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty vector", models.ErrEmbeddingBackend)
		}
		if e.dims == 0 {
			e.dims = len(v)
		}
		if len(v) != e.dims {
			return nil, fmt.Errorf("%w: %w: got %d, want %d",
				models.ErrEmbeddingBackend, models.ErrDimensionMismatch, len(v), e.dims)
		}
	}

	e.logger.Debug("embedded batch", "texts", len(texts), "dims", e.dims, "took", time.Since(started))
	return vectors, nil
}
