package types

import (
	"context"

	"github.com/xhad/documind/internal/models"
)

// Core interfaces
type Extractor interface {
	Extract(ctx context.Context, filename string, data []byte) (models.Document, error)
}

type Processor interface {
	Process(docs []models.Document) ([]models.Chunk, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
}

type VectorStore interface {
	Write(ctx context.Context, entries []models.Entry) error
	Search(ctx context.Context, query []float32, k int) ([]models.SearchResult, error)
	Count(ctx context.Context) (int, error)
	Sources(ctx context.Context) ([]models.SourceInfo, error)
	DeleteSource(ctx context.Context, source string) error
	Reset(ctx context.Context) error
	Close() error
}

type Generator interface {
	Answer(ctx context.Context, question string, passages []string) (string, error)
	FallbackPhrase() string
}

// StreamingGenerator is implemented by generators that can report the answer
// while it is produced.
type StreamingGenerator interface {
	Generator
	AnswerStream(ctx context.Context, question string, passages []string, onChunk func(string)) (string, error)
}
