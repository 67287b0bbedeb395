package llm

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/huggingface"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/xhad/documind/pkg/config"
)

type BackendConfig struct {
	Provider string
	Task     string
	Model    string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

// NewModel connects to the generation backend. Hugging Face chat models are
// served through the OpenAI-compatible router; plain text generation uses the
// inference API directly.
func NewModel(cfg BackendConfig) (llms.Model, error) {
	httpClient := &http.Client{Timeout: cfg.Timeout}

	var (
		model llms.Model
		err   error
	)

	switch cfg.Provider {
	case "huggingface", "":
		if cfg.Task == config.TaskTextGeneration {
			opts := []huggingface.Option{huggingface.WithToken(cfg.APIKey), huggingface.WithModel(cfg.Model)}
			if cfg.BaseURL != "" {
				opts = append(opts, huggingface.WithURL(cfg.BaseURL))
			}
			model, err = huggingface.New(opts...)
			break
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = config.HuggingFaceRouterURL
		}
		model, err = openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
			openai.WithBaseURL(baseURL),
			openai.WithHTTPClient(httpClient),
		)
	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(baseURL),
			ollama.WithHTTPClient(httpClient),
		)
	case "openai":
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
			openai.WithHTTPClient(httpClient),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}
	return model, nil
}
