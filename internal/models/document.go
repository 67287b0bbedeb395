package models

import "time"

// Document is the full text extracted from one uploaded file. It only lives
// for the duration of an ingestion run.
type Document struct {
	Source string
	Title  string
	Text   string
	// PageStarts holds the rune offset at which each page begins in Text.
	// Empty for sources without pages.
	PageStarts []int
	Metadata   map[string]interface{}
}

// PageAt returns the 1-based page containing the rune offset, or 0 when the
// document has no page layout.
func (d Document) PageAt(offset int) int {
	page := 0
	for i, start := range d.PageStarts {
		if start > offset {
			break
		}
		page = i + 1
	}
	return page
}

// Chunk is a passage of a Document. Index is stable and Start is the rune
// offset of the passage inside the source text.
type Chunk struct {
	Source string `json:"source"`
	Index  int    `json:"index"`
	Start  int    `json:"start"`
	Page   int    `json:"page,omitempty"`
	Text   string `json:"text"`
}

// Entry is what the vector store persists for every chunk.
type Entry struct {
	ID     string
	Chunk  Chunk
	Vector []float32
}

// SearchResult is a stored chunk together with its cosine similarity to the
// query vector.
type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float32 `json:"score"`
}

// SourceInfo summarizes one ingested source.
type SourceInfo struct {
	Source string `json:"source"`
	Chunks int    `json:"chunks"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of a chat session.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}
