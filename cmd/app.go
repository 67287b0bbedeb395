package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/config"
	"github.com/xhad/documind/pkg/extract"
	"github.com/xhad/documind/pkg/llm"
	"github.com/xhad/documind/pkg/processor"
	"github.com/xhad/documind/pkg/rag"
	"github.com/xhad/documind/pkg/store"
)

// app holds the components one command needs.
type app struct {
	pipeline  *rag.Pipeline
	store     types.VectorStore
	extractor *extract.Registry
}

type appOptions struct {
	generator  bool
	onProgress func(stage string, done, total int)
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	logger := slog.Default()

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Dimensions: cfg.Embedding.Dimensions,
		BatchSize:  cfg.Embedding.BatchSize,
		RateLimit:  cfg.Embedding.RateLimit,
		Timeout:    cfg.Embedding.Timeout,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	proc, err := processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:    cfg.Processor.ChunkSize,
		ChunkOverlap: cfg.Processor.ChunkOverlap,
	})
	if err != nil {
		return nil, err
	}

	var generator types.Generator
	if opts.generator {
		model, err := llm.NewModel(llm.BackendConfig{
			Provider: cfg.LLM.Provider,
			Task:     cfg.LLM.Task,
			Model:    cfg.LLM.Model,
			BaseURL:  cfg.LLM.BaseURL,
			APIKey:   cfg.LLM.APIKey,
			Timeout:  cfg.LLM.Timeout,
		})
		if err != nil {
			return nil, err
		}
		generator, err = llm.NewWithConfig(llm.ChatConfig{
			Task:             cfg.LLM.Task,
			SystemPrompt:     cfg.LLM.SystemPrompt,
			PromptTemplate:   cfg.Retrieval.PromptTemplate,
			FallbackPhrase:   cfg.Retrieval.FallbackPhrase,
			ContextSeparator: cfg.Retrieval.ContextSeparator,
			MaxTokens:        cfg.LLM.MaxTokens,
			Temperature:      cfg.LLM.Temperature,
			Timeout:          cfg.LLM.Timeout,
			MaxContextTokens: cfg.Retrieval.MaxContextTokens,
			Logger:           logger,
		}, model)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize chat engine: %w", err)
		}
	}

	vectorStore, err := store.Open(ctx, store.VectorStoreConfig{
		Driver:     cfg.Store.Driver,
		Path:       cfg.Store.Path,
		ConnString: cfg.Store.URL,
		TableName:  cfg.Store.TableName,
		Collection: cfg.Store.Collection,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}

	registry := extract.New()
	pipeline, err := rag.NewPipeline(rag.Components{
		Extractor: registry,
		Processor: proc,
		Embedder:  embedder,
		Store:     vectorStore,
		Generator: generator,
	}, rag.PipelineConfig{
		TopK:       cfg.Retrieval.TopK,
		MinScore:   float32(cfg.Retrieval.MinScore),
		OnProgress: opts.onProgress,
		Logger:     logger,
	})
	if err != nil {
		vectorStore.Close()
		return nil, err
	}

	return &app{pipeline: pipeline, store: vectorStore, extractor: registry}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
