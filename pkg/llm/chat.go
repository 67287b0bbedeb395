package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/pkg/config"
)

// ChatConfig configures the answer generator.
type ChatConfig struct {
	Task             string // config.TaskConversational or config.TaskTextGeneration
	SystemPrompt     string
	PromptTemplate   string
	FallbackPhrase   string
	ContextSeparator string
	MaxTokens        int
	Temperature      float64
	Timeout          time.Duration
	MaxContextTokens int
	CountTokens      func(string) int
	Logger           *slog.Logger
}

// ChatEngine fills the prompt template with retrieved passages and asks the
// generation backend for an answer. It never retries.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
	prompt prompts.PromptTemplate
	logger *slog.Logger
}

// NewWithConfig creates a ChatEngine over model.
func NewWithConfig(cfg ChatConfig, model llms.Model) (*ChatEngine, error) {
	if model == nil {
		return nil, errors.New("generation model is required")
	}
	if cfg.Task == "" {
		cfg.Task = config.TaskConversational
	}
	if cfg.Task != config.TaskConversational && cfg.Task != config.TaskTextGeneration {
		return nil, fmt.Errorf("unknown backend task %q", cfg.Task)
	}
	if cfg.PromptTemplate == "" {
		cfg.PromptTemplate = config.DefaultPromptTemplate
	}
	if cfg.FallbackPhrase == "" {
		cfg.FallbackPhrase = config.DefaultFallbackPhrase
	}
	if cfg.ContextSeparator == "" {
		cfg.ContextSeparator = "\n\n"
	}
	if cfg.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if cfg.CountTokens == nil {
		cfg.CountTokens = CountTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := prompts.CheckValidTemplate(cfg.PromptTemplate, prompts.TemplateFormatFString, config.TemplateVariables); err != nil {
		return nil, fmt.Errorf("invalid prompt template: %w", err)
	}

	return &ChatEngine{
		config: cfg,
		llm:    model,
		prompt: prompts.PromptTemplate{
			Template:         cfg.PromptTemplate,
			InputVariables:   []string{"context", "question"},
			TemplateFormat:   prompts.TemplateFormatFString,
			PartialVariables: map[string]any{"fallback": cfg.FallbackPhrase},
		},
		logger: cfg.Logger.With("component", "generator", "task", cfg.Task),
	}, nil
}

func (ce *ChatEngine) FallbackPhrase() string {
	return ce.config.FallbackPhrase
}

// BuildPrompt renders the template for question and passages, after trimming
// passages to the context token budget.
func (ce *ChatEngine) BuildPrompt(question string, passages []string) (string, error) {
	passages = fitPassages(passages, ce.config.ContextSeparator, ce.config.MaxContextTokens, ce.config.CountTokens)
	return ce.prompt.Format(map[string]any{
		"context":  strings.Join(passages, ce.config.ContextSeparator),
		"question": question,
	})
}

// Answer returns the backend's answer text unmodified. Without passages it
// returns the fallback phrase and does not call the backend.
func (ce *ChatEngine) Answer(ctx context.Context, question string, passages []string) (string, error) {
	return ce.generate(ctx, question, passages)
}

// AnswerStream behaves like Answer and also reports the answer through onChunk
// as it arrives. Backends that cannot stream deliver it as a single chunk.
func (ce *ChatEngine) AnswerStream(ctx context.Context, question string, passages []string, onChunk func(string)) (string, error) {
	streamed := false
	opt := llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		if len(chunk) > 0 {
			streamed = true
			onChunk(string(chunk))
		}
		return nil
	})

	answer, err := ce.generate(ctx, question, passages, opt)
	if err == nil && !streamed {
		onChunk(answer)
	}
	return answer, err
}

func (ce *ChatEngine) generate(ctx context.Context, question string, passages []string, extra ...llms.CallOption) (string, error) {
	if len(passages) == 0 {
		return ce.config.FallbackPhrase, nil
	}

	prompt, err := ce.BuildPrompt(question, passages)
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}

	if ce.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ce.config.Timeout)
		defer cancel()
	}

	opts := append([]llms.CallOption{
		llms.WithMaxTokens(ce.config.MaxTokens),
		llms.WithMaxLength(ce.config.MaxTokens),
		llms.WithTemperature(ce.config.Temperature),
	}, extra...)

	started := time.Now()
	var answer string
	switch ce.config.Task {
	case config.TaskTextGeneration:
		answer, err = llms.GenerateFromSinglePrompt(ctx, ce.llm, prompt, opts...)
	default:
		answer, err = ce.chat(ctx, prompt, opts...)
	}
	if err != nil {
		ce.logger.Error("generation failed", "error", err, "took", time.Since(started))
		return "", fmt.Errorf("%w: %w", models.ErrGenerationBackend, err)
	}
	if strings.TrimSpace(answer) == "" {
		return "", fmt.Errorf("%w: empty response", models.ErrGenerationBackend)
	}

	ce.logger.Debug("generated answer", "passages", len(passages), "chars", len(answer), "took", time.Since(started))
	return answer, nil
}

func (ce *ChatEngine) chat(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	var content []llms.MessageContent
	if ce.config.SystemPrompt != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, ce.config.SystemPrompt))
	}
	content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	response, err := ce.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", err
	}
	if response == nil || len(response.Choices) == 0 || response.Choices[0] == nil {
		return "", errors.New("no choices in response")
	}
	return response.Choices[0].Content, nil
}
