package rag_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/pdftest"
	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/config"
	"github.com/xhad/documind/pkg/extract"
	"github.com/xhad/documind/pkg/llm"
	"github.com/xhad/documind/pkg/processor"
	"github.com/xhad/documind/pkg/rag"
	"github.com/xhad/documind/pkg/store"
)

// readerModel plays a model that only answers from its context: it replies
// with the first context sentence sharing a content word with the question,
// or with the fallback phrase.
type readerModel struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	err     error
}

var stopwords = map[string]bool{"what": true, "which": true, "where": true, "when": true, "does": true, "the": true, "is": true, "of": true}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
}

func (m *readerModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	var prompt strings.Builder
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if t, ok := part.(llms.TextContent); ok {
				prompt.WriteString(t.Text)
			}
		}
	}

	m.mu.Lock()
	m.calls++
	m.prompts = append(m.prompts, prompt.String())
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	text := prompt.String()
	contextStart := strings.Index(text, "Context:\n") + len("Context:\n")
	questionStart := strings.LastIndex(text, "\n\nQuestion: ")
	passages, question := text[contextStart:questionStart], text[questionStart+len("\n\nQuestion: "):]

	keys := make(map[string]bool)
	for _, w := range words(question) {
		if len(w) > 3 && !stopwords[w] {
			keys[w] = true
		}
	}

	reply := config.DefaultFallbackPhrase
	for _, sentence := range strings.Split(passages, ". ") {
		for _, w := range words(sentence) {
			if keys[w] {
				reply = strings.TrimSpace(sentence)
				break
			}
		}
		if reply != config.DefaultFallbackPhrase {
			break
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (m *readerModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

type fixture struct {
	pipeline *rag.Pipeline
	store    types.VectorStore
	model    *readerModel
}

func newFixture(t *testing.T, topK int, embedder types.Embedder) *fixture {
	t.Helper()

	if embedder == nil {
		var err error
		embedder, err = llm.NewEmbedderWithConfig(llm.EmbedderConfig{Provider: "hash", Dimensions: 256})
		require.NoError(t, err)
	}
	vs, err := store.NewSQLite(context.Background(), store.VectorStoreConfig{Path: filepath.Join(t.TempDir(), "documind.db")})
	require.NoError(t, err)
	t.Cleanup(func() { vs.Close() })

	proc, err := processor.NewWithConfig(processor.ProcessorConfig{ChunkSize: 1000, ChunkOverlap: 200})
	require.NoError(t, err)

	model := &readerModel{}
	generator, err := llm.NewWithConfig(llm.ChatConfig{}, model)
	require.NoError(t, err)

	pipeline, err := rag.NewPipeline(rag.Components{
		Extractor: extract.New(),
		Processor: proc,
		Embedder:  embedder,
		Store:     vs,
		Generator: generator,
	}, rag.PipelineConfig{TopK: topK})
	require.NoError(t, err)

	return &fixture{pipeline: pipeline, store: vs, model: model}
}

func TestPipeline_ParisScenario(t *testing.T) {
	f := newFixture(t, 3, nil)
	ctx := context.Background()

	result, err := f.pipeline.Ingest(ctx, []rag.Upload{{
		Filename: "uploads/france.pdf",
		Data:     pdftest.Build("The capital of France is Paris."),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Chunks, "a short document is a single chunk")
	assert.Equal(t, []string{"france.pdf"}, result.Files)

	session := rag.NewSession()
	answer := f.pipeline.Ask(ctx, session, "What is the capital of France?")
	require.NoError(t, answer.Err)
	assert.Contains(t, answer.Text, "Paris")
	require.Len(t, answer.Sources, 1)
	assert.Equal(t, "france.pdf", answer.Sources[0].Chunk.Source)
	assert.Equal(t, 1, answer.Sources[0].Chunk.Page)

	history := session.History()
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, "What is the capital of France?", history[0].Content)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
	assert.Equal(t, answer.Text, history[1].Content)
}

func TestPipeline_UnrelatedQuestionFallsBack(t *testing.T) {
	f := newFixture(t, 3, nil)
	ctx := context.Background()

	_, err := f.pipeline.Ingest(ctx, []rag.Upload{{Filename: "france.txt", Data: []byte("The capital of France is Paris.")}})
	require.NoError(t, err)

	answer := f.pipeline.Ask(ctx, nil, "What is the boiling point of mercury?")
	require.NoError(t, answer.Err)
	assert.Equal(t, config.DefaultFallbackPhrase, answer.Text)
}

func TestPipeline_EmptyStoreFallsBackWithoutCallingModel(t *testing.T) {
	f := newFixture(t, 5, nil)

	answer := f.pipeline.Ask(context.Background(), rag.NewSession(), "What is the capital of France?")
	require.NoError(t, answer.Err)
	assert.Equal(t, config.DefaultFallbackPhrase, answer.Text)
	assert.Empty(t, answer.Sources)
	assert.Zero(t, f.model.calls)
}

func TestPipeline_ConcurrentAsksSeeSameContext(t *testing.T) {
	f := newFixture(t, 3, nil)
	ctx := context.Background()

	var uploads []rag.Upload
	for i, topic := range []string{"rivers", "mountains", "deserts", "forests", "oceans"} {
		uploads = append(uploads, rag.Upload{
			Filename: fmt.Sprintf("doc%d.md", i),
			Data:     []byte(fmt.Sprintf("Notes about %s. The %s chapter covers geography of %s.", topic, topic, topic)),
		})
	}
	_, err := f.pipeline.Ingest(ctx, uploads)
	require.NoError(t, err)

	const askers = 8
	answers := make([]rag.Answer, askers)
	var wg sync.WaitGroup
	for i := 0; i < askers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			answers[i] = f.pipeline.Ask(ctx, rag.NewSession(), "Which chapter covers mountains?")
		}(i)
	}
	wg.Wait()

	require.Len(t, f.model.prompts, askers)
	for i := 1; i < askers; i++ {
		require.NoError(t, answers[i].Err)
		assert.Equal(t, f.model.prompts[0], f.model.prompts[i])
		assert.Equal(t, answers[0].Text, answers[i].Text)
	}
}

func TestRetriever_SelfRetrieval(t *testing.T) {
	f := newFixture(t, 5, nil)
	ctx := context.Background()

	texts := []string{
		"Solar panels convert sunlight into electricity.",
		"The mitochondria is the powerhouse of the cell.",
		"Rust guarantees memory safety without a garbage collector.",
		"Basalt is an igneous rock formed from lava.",
	}
	var uploads []rag.Upload
	for i, text := range texts {
		uploads = append(uploads, rag.Upload{Filename: fmt.Sprintf("fact%d.txt", i), Data: []byte(text)})
	}
	_, err := f.pipeline.Ingest(ctx, uploads)
	require.NoError(t, err)

	for _, text := range texts {
		passages, err := f.pipeline.Retriever().Retrieve(ctx, text, 1)
		require.NoError(t, err)
		require.Len(t, passages, 1)
		assert.Equal(t, text, passages[0])
	}

	_, err = f.pipeline.Retriever().Retrieve(ctx, "anything", 0)
	assert.ErrorIs(t, err, models.ErrInvalidK)
}

func TestIngest_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("no documents", func(t *testing.T) {
		f := newFixture(t, 5, nil)
		_, err := f.pipeline.Ingest(ctx, nil)
		assert.ErrorIs(t, err, models.ErrNoDocumentsProvided)
	})

	t.Run("unsupported type", func(t *testing.T) {
		f := newFixture(t, 5, nil)
		_, err := f.pipeline.Ingest(ctx, []rag.Upload{{Filename: "sheet.xlsx", Data: []byte("x")}})
		assert.ErrorIs(t, err, models.ErrUnsupportedType)
	})

	t.Run("one corrupt file aborts the batch", func(t *testing.T) {
		f := newFixture(t, 5, nil)
		_, err := f.pipeline.Ingest(ctx, []rag.Upload{
			{Filename: "good.txt", Data: []byte("Perfectly readable text.")},
			{Filename: "broken.pdf", Data: []byte("%PDF-1.4 this is not a pdf")},
		})
		assert.ErrorIs(t, err, models.ErrExtractionFailed)

		n, err := f.store.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("embedding failure writes nothing", func(t *testing.T) {
		failing := llm.NewEmbedder(failingEmbedder{}, llm.EmbedderConfig{Provider: "stub"})
		f := newFixture(t, 5, failing)
		_, err := f.pipeline.Ingest(ctx, []rag.Upload{{Filename: "good.txt", Data: []byte("Perfectly readable text.")}})
		assert.ErrorIs(t, err, models.ErrEmbeddingBackend)

		n, err := f.store.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

type failingEmbedder struct{}

func (failingEmbedder) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("401 unauthorized")
}

func (failingEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, errors.New("401 unauthorized")
}

func TestIngest_ReplacesSource(t *testing.T) {
	f := newFixture(t, 5, nil)
	ctx := context.Background()
	upload := []rag.Upload{{Filename: "notes.txt", Data: []byte("First version of the notes.")}}

	_, err := f.pipeline.Ingest(ctx, upload)
	require.NoError(t, err)
	_, err = f.pipeline.Ingest(ctx, upload)
	require.NoError(t, err)

	sources, err := f.pipeline.Sources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.SourceInfo{{Source: "notes.txt", Chunks: 1}}, sources)

	require.NoError(t, f.pipeline.DeleteSource(ctx, "notes.txt"))
	sources, err = f.pipeline.Sources(ctx)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestIngest_SameNameInOneBatchIsRejected(t *testing.T) {
	f := newFixture(t, 5, nil)
	ctx := context.Background()

	long := strings.Repeat("Alpha document talks about glaciers and fjords at length. ", 60)
	_, err := f.pipeline.Ingest(ctx, []rag.Upload{
		{Filename: "a/notes.txt", Data: []byte(long)},
		{Filename: "b/notes.txt", Data: []byte("Beta document mentions volcanoes only.")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDuplicateSource)
	assert.Contains(t, err.Error(), "a/notes.txt")
	assert.Contains(t, err.Error(), "b/notes.txt")

	n, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is written")

	// the same names in separate calls replace each other
	_, err = f.pipeline.Ingest(ctx, []rag.Upload{{Filename: "a/notes.txt", Data: []byte(long)}})
	require.NoError(t, err)
	_, err = f.pipeline.Ingest(ctx, []rag.Upload{{Filename: "b/notes.txt", Data: []byte("Beta document mentions volcanoes only.")}})
	require.NoError(t, err)
	sources, err := f.pipeline.Sources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.SourceInfo{{Source: "notes.txt", Chunks: 1}}, sources)
}

func TestAsk_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("empty question", func(t *testing.T) {
		f := newFixture(t, 5, nil)
		session := rag.NewSession()
		answer := f.pipeline.Ask(ctx, session, "   ")
		assert.ErrorIs(t, answer.Err, models.ErrEmptyQuestion)
		assert.Equal(t, "Please enter a question.", answer.Text)
		assert.Zero(t, session.Len())
	})

	t.Run("generation failure is reported, not fabricated", func(t *testing.T) {
		f := newFixture(t, 5, nil)
		_, err := f.pipeline.Ingest(ctx, []rag.Upload{{Filename: "france.txt", Data: []byte("The capital of France is Paris.")}})
		require.NoError(t, err)
		f.model.err = errors.New("429 too many requests")

		session := rag.NewSession()
		answer := f.pipeline.Ask(ctx, session, "What is the capital of France?")
		assert.ErrorIs(t, answer.Err, models.ErrGenerationBackend)
		assert.Contains(t, answer.Text, "429 too many requests")
		assert.NotContains(t, answer.Text, "Paris")
		assert.Empty(t, answer.Sources)
		assert.Equal(t, 1, f.model.calls, "no retries")

		history := session.History()
		require.Len(t, history, 2)
		assert.Equal(t, answer.Text, history[1].Content)
	})
}

func TestAskStream(t *testing.T) {
	f := newFixture(t, 3, nil)
	ctx := context.Background()
	_, err := f.pipeline.Ingest(ctx, []rag.Upload{{Filename: "france.txt", Data: []byte("The capital of France is Paris.")}})
	require.NoError(t, err)

	var chunks []string
	answer := f.pipeline.AskStream(ctx, nil, "What is the capital of France?", func(c string) {
		chunks = append(chunks, c)
	})
	require.NoError(t, answer.Err)
	assert.Equal(t, answer.Text, strings.Join(chunks, ""))
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{models.ErrEmptyQuestion, "Please enter a question."},
		{fmt.Errorf("%w: 503", models.ErrEmbeddingBackend), "The embedding service failed: embedding backend error: 503"},
		{fmt.Errorf("%w: %w", models.ErrGenerationBackend, context.DeadlineExceeded), "The request timed out. Please try again."},
		{fmt.Errorf("%w: %w", models.ErrEmbeddingBackend, models.ErrDimensionMismatch), "The embedding service failed: embedding backend error: embedding dimension mismatch"},
		{fmt.Errorf("%w: got 3, store holds 2", models.ErrDimensionMismatch), "The document store was built with a different embedding model. Reset it and ingest your documents again."},
		{fmt.Errorf("%w: a/notes.txt and b/notes.txt are both \"notes.txt\"", models.ErrDuplicateSource), "Every document needs a distinct file name: several uploads share one source name: a/notes.txt and b/notes.txt are both \"notes.txt\""},
		{errors.New("boom"), "Error: boom"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, rag.UserMessage(tt.err))
	}
}
