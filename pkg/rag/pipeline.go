package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/store"
	"golang.org/x/sync/errgroup"
)

// Upload is one file handed to Ingest.
type Upload struct {
	Filename string
	Data     []byte
}

type IngestResult struct {
	Files   []string            `json:"files"`
	Chunks  int                 `json:"chunks_added"`
	Sources []models.SourceInfo `json:"sources,omitempty"`
}

// Answer is the outcome of one question. When Err is set, Text holds the
// message shown to the user instead of an answer.
type Answer struct {
	Question string
	Text     string
	Sources  []models.SearchResult
	Err      error
}

// Ingestion stages reported through PipelineConfig.OnProgress.
const (
	StageExtract = "extract"
	StageChunk   = "chunk"
	StageEmbed   = "embed"
	StageStore   = "store"
)

// Components are the pipeline's collaborators. Generator may be nil for
// ingest-only use; Ask then fails with ErrGenerationBackend.
type Components struct {
	Extractor types.Extractor
	Processor types.Processor
	Embedder  types.Embedder
	Store     types.VectorStore
	Generator types.Generator
}

type PipelineConfig struct {
	TopK        int
	MinScore    float32
	Concurrency int // parallel extractions per Ingest
	OnProgress  func(stage string, done, total int)
	Logger      *slog.Logger
}

// Pipeline wires ingestion (extract, chunk, embed, store) and question
// answering (retrieve, generate) over one vector store.
type Pipeline struct {
	config    PipelineConfig
	extractor types.Extractor
	processor types.Processor
	embedder  types.Embedder
	store     types.VectorStore
	generator types.Generator
	retriever *Retriever
	logger    *slog.Logger
}

func NewPipeline(c Components, config PipelineConfig) (*Pipeline, error) {
	if c.Extractor == nil || c.Processor == nil || c.Embedder == nil || c.Store == nil {
		return nil, errors.New("pipeline needs an extractor, processor, embedder and store")
	}
	if config.TopK == 0 {
		config.TopK = 5
	}
	if config.TopK < 0 {
		return nil, fmt.Errorf("top_k=%d: %w", config.TopK, models.ErrInvalidK)
	}
	if config.Concurrency <= 0 {
		config.Concurrency = runtime.NumCPU()
	}
	if config.OnProgress == nil {
		config.OnProgress = func(string, int, int) {}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Pipeline{
		config:    config,
		extractor: c.Extractor,
		processor: c.Processor,
		embedder:  c.Embedder,
		store:     c.Store,
		generator: c.Generator,
		retriever: NewRetriever(c.Embedder, c.Store, config.MinScore),
		logger:    config.Logger.With("component", "pipeline"),
	}, nil
}

func (p *Pipeline) Retriever() *Retriever {
	return p.retriever
}

// Ingest extracts, chunks and embeds every upload, then writes all entries in
// a single store write. Any failure aborts the call before anything is written.
func (p *Pipeline) Ingest(ctx context.Context, uploads []Upload) (*IngestResult, error) {
	if len(uploads) == 0 {
		return nil, models.ErrNoDocumentsProvided
	}
	started := time.Now()

	docs, err := p.extract(ctx, uploads)
	if err != nil {
		return nil, err
	}
	if err := checkSources(uploads, docs); err != nil {
		return nil, err
	}

	p.config.OnProgress(StageChunk, 0, len(docs))
	chunks, err := p.processor.Process(docs)
	if err != nil {
		return nil, err
	}
	p.config.OnProgress(StageChunk, len(docs), len(docs))
	if len(chunks) == 0 {
		return nil, fmt.Errorf("uploads contain no text: %w", models.ErrExtractionFailed)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	p.config.OnProgress(StageEmbed, 0, len(chunks))
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	p.config.OnProgress(StageEmbed, len(chunks), len(chunks))

	entries := make([]models.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = models.Entry{ID: store.EntryID(c.Source, c.Index), Chunk: c, Vector: vectors[i]}
	}

	p.config.OnProgress(StageStore, 0, len(entries))
	if err := p.store.Write(ctx, entries); err != nil {
		return nil, err
	}
	p.config.OnProgress(StageStore, len(entries), len(entries))

	result := &IngestResult{Chunks: len(entries)}
	counts := make(map[string]int)
	for _, doc := range docs {
		result.Files = append(result.Files, doc.Source)
	}
	for _, c := range chunks {
		counts[c.Source]++
	}
	for _, source := range result.Files {
		result.Sources = append(result.Sources, models.SourceInfo{Source: source, Chunks: counts[source]})
	}

	p.logger.Info("ingested documents", "files", len(docs), "chunks", len(entries), "took", time.Since(started))
	return result, nil
}

func (p *Pipeline) extract(ctx context.Context, uploads []Upload) ([]models.Document, error) {
	docs := make([]models.Document, len(uploads))

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)

	p.config.OnProgress(StageExtract, 0, len(uploads))
	for i, u := range uploads {
		g.Go(func() error {
			doc, err := p.extractor.Extract(gctx, u.Filename, u.Data)
			if err != nil {
				return err
			}
			docs[i] = doc

			mu.Lock()
			done++
			p.config.OnProgress(StageExtract, done, len(uploads))
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.logger.Warn("extraction failed", "error", err)
		return nil, err
	}
	return docs, nil
}

// checkSources rejects batches in which two uploads map to the same source,
// since their chunks would overwrite each other in the store.
func checkSources(uploads []Upload, docs []models.Document) error {
	seen := make(map[string]string, len(docs))
	for i, doc := range docs {
		if first, ok := seen[doc.Source]; ok {
			return fmt.Errorf("%w: %s and %s are both %q", models.ErrDuplicateSource, first, uploads[i].Filename, doc.Source)
		}
		seen[doc.Source] = uploads[i].Filename
	}
	return nil
}

// Ask answers question from the stored documents and records both turns in
// session, which may be nil.
func (p *Pipeline) Ask(ctx context.Context, session *Session, question string) Answer {
	return p.ask(ctx, session, question, nil)
}

// AskStream is Ask with the answer also delivered through onChunk as it is
// generated.
func (p *Pipeline) AskStream(ctx context.Context, session *Session, question string, onChunk func(string)) Answer {
	return p.ask(ctx, session, question, onChunk)
}

func (p *Pipeline) ask(ctx context.Context, session *Session, question string, onChunk func(string)) Answer {
	answer := Answer{Question: question}
	question = strings.TrimSpace(question)
	if question == "" {
		answer.Err = models.ErrEmptyQuestion
		answer.Text = UserMessage(answer.Err)
		return answer
	}
	if session != nil {
		session.Append(models.RoleUser, question)
	}

	started := time.Now()
	text, results, err := p.answer(ctx, question, onChunk)
	if err != nil {
		p.logger.Error("question failed", "error", err, "took", time.Since(started))
		answer.Err = err
		answer.Text = UserMessage(err)
	} else {
		answer.Text = text
		answer.Sources = results
		p.logger.Debug("answered question", "passages", len(results), "took", time.Since(started))
	}

	if session != nil {
		session.Append(models.RoleAssistant, answer.Text)
	}
	return answer
}

func (p *Pipeline) answer(ctx context.Context, question string, onChunk func(string)) (string, []models.SearchResult, error) {
	if p.generator == nil {
		return "", nil, fmt.Errorf("%w: no answer generator configured", models.ErrGenerationBackend)
	}
	results, err := p.retriever.RetrieveResults(ctx, question, p.config.TopK)
	if err != nil {
		return "", nil, err
	}
	if len(results) == 0 {
		p.logger.Debug("answering without context", "reason", models.ErrEmptyRetrieval)
	}

	passages := make([]string, len(results))
	for i, res := range results {
		passages[i] = res.Chunk.Text
	}

	var text string
	if streamer, ok := p.generator.(types.StreamingGenerator); ok && onChunk != nil {
		text, err = streamer.AnswerStream(ctx, question, passages, onChunk)
	} else {
		text, err = p.generator.Answer(ctx, question, passages)
		if err == nil && onChunk != nil {
			onChunk(text)
		}
	}
	if err != nil {
		return "", nil, err
	}
	return text, results, nil
}

func (p *Pipeline) Sources(ctx context.Context) ([]models.SourceInfo, error) {
	return p.store.Sources(ctx)
}

func (p *Pipeline) DeleteSource(ctx context.Context, source string) error {
	return p.store.DeleteSource(ctx, source)
}

// Reset empties the vector store.
func (p *Pipeline) Reset(ctx context.Context) error {
	return p.store.Reset(ctx)
}

// UserMessage turns a pipeline error into text fit to show in a chat.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, models.ErrEmptyQuestion):
		return "Please enter a question."
	case errors.Is(err, models.ErrNoDocumentsProvided):
		return "Please upload at least one document."
	case errors.Is(err, models.ErrUnsupportedType), errors.Is(err, models.ErrExtractionFailed):
		return fmt.Sprintf("Could not read the document: %v", err)
	case errors.Is(err, models.ErrDuplicateSource):
		return fmt.Sprintf("Every document needs a distinct file name: %v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out. Please try again."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled."
	case errors.Is(err, models.ErrEmbeddingBackend):
		return fmt.Sprintf("The embedding service failed: %v", err)
	case errors.Is(err, models.ErrDimensionMismatch):
		return "The document store was built with a different embedding model. Reset it and ingest your documents again."
	case errors.Is(err, models.ErrGenerationBackend):
		return fmt.Sprintf("The language model failed to answer: %v", err)
	case errors.Is(err, models.ErrStoreUnavailable):
		return fmt.Sprintf("The document store is unavailable: %v", err)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}
