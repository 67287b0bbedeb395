package rag

import (
	"context"
	"fmt"

	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
)

// Retriever finds the stored passages closest to a question.
type Retriever struct {
	embedder types.Embedder
	store    types.VectorStore
	minScore float32
}

// NewRetriever returns a Retriever. Hits scoring below minScore are dropped;
// zero keeps everything.
func NewRetriever(embedder types.Embedder, store types.VectorStore, minScore float32) *Retriever {
	return &Retriever{embedder: embedder, store: store, minScore: minScore}
}

// Retrieve returns the text of the k most similar chunks, most similar first.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]string, error) {
	results, err := r.RetrieveResults(ctx, query, k)
	if err != nil {
		return nil, err
	}
	passages := make([]string, len(results))
	for i, res := range results {
		passages[i] = res.Chunk.Text
	}
	return passages, nil
}

// RetrieveResults is Retrieve with chunk metadata and scores kept.
func (r *Retriever) RetrieveResults(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k=%d: %w", k, models.ErrInvalidK)
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	results, err := r.store.Search(ctx, vector, k)
	if err != nil {
		return nil, err
	}

	if r.minScore != 0 {
		kept := results[:0]
		for _, res := range results {
			if res.Score >= r.minScore {
				kept = append(kept, res)
			}
		}
		results = kept
	}
	return results, nil
}
