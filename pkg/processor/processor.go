package processor

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
	"github.com/xhad/documind/internal/models"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// DefaultSeparators are tried in order: paragraph, line, sentence, word, character.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

type ProcessorConfig struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

type Processor struct {
	config   ProcessorConfig
	splitter textsplitter.RecursiveCharacter
}

// NewWithConfig builds a Processor. A zero ChunkSize selects the default; the
// overlap is taken as given and must be smaller than the chunk size.
func NewWithConfig(config ProcessorConfig) (*Processor, error) {
	if config.ChunkSize == 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if len(config.Separators) == 0 {
		config.Separators = DefaultSeparators
	}
	if config.ChunkSize < 1 || config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		return nil, fmt.Errorf("chunk_size=%d chunk_overlap=%d: %w",
			config.ChunkSize, config.ChunkOverlap, models.ErrInvalidChunkParams)
	}

	return &Processor{
		config: config,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(config.ChunkSize),
			textsplitter.WithChunkOverlap(config.ChunkOverlap),
			textsplitter.WithSeparators(config.Separators),
			textsplitter.WithLenFunc(utf8.RuneCountInString),
		),
	}, nil
}

// Split chunks docs with the default separators.
func Split(docs []models.Document, chunkSize, overlap int) ([]models.Chunk, error) {
	p, err := NewWithConfig(ProcessorConfig{ChunkSize: chunkSize, ChunkOverlap: overlap})
	if err != nil {
		return nil, err
	}
	return p.Process(docs)
}

func (p *Processor) Config() ProcessorConfig {
	return p.config
}

// Process splits every document into ordered, overlapping chunks. Whitespace-only
// documents produce no chunks.
func (p *Processor) Process(docs []models.Document) ([]models.Chunk, error) {
	var chunks []models.Chunk

	for _, doc := range docs {
		if strings.TrimSpace(doc.Text) == "" {
			continue
		}

		parts, err := p.splitter.SplitText(doc.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to split %s: %w", doc.Source, err)
		}

		locate := newLocator(doc.Text, p.config.ChunkOverlap)
		index := 0
		for _, part := range parts {
			if strings.TrimSpace(part) == "" {
				continue
			}
			start := locate(part)
			chunks = append(chunks, models.Chunk{
				Source: doc.Source,
				Index:  index,
				Start:  start,
				Page:   doc.PageAt(start),
				Text:   part,
			})
			index++
		}
	}

	return chunks, nil
}

// newLocator returns a function that finds the rune offset of successive
// chunks in text. A chunk never starts before the end of its predecessor minus
// the overlap, so each search resumes there; it falls back to the beginning of
// the text, and reports -1 when the chunk is not a substring at all.
func newLocator(text string, overlap int) func(part string) int {
	cursor := 0
	return func(part string) int {
		at := -1
		if i := strings.Index(text[cursor:], part); i >= 0 {
			at = cursor + i
		} else if i := strings.Index(text, part); i >= 0 {
			at = i
		}
		if at < 0 {
			return -1
		}

		next := at + len(part)
		for n := 0; n < overlap && next > at; n++ {
			_, size := utf8.DecodeLastRuneInString(text[:next])
			next -= size
		}
		if next <= at {
			_, size := utf8.DecodeRuneInString(text[at:])
			next = at + max(size, 1)
		}
		cursor = min(next, len(text))

		return utf8.RuneCountInString(text[:at])
	}
}
