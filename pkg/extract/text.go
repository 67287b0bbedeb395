package extract

import (
	"context"
	"path/filepath"

	"github.com/xhad/documind/internal/models"
)

// Text reads plain text and markdown files as they are.
type Text struct{}

func (Text) Extract(_ context.Context, filename string, data []byte) (models.Document, error) {
	content := cleanText(string(data))
	if content == "" {
		return models.Document{}, failed(filename, "no extractable text")
	}
	return models.Document{
		Source: filepath.Base(filename),
		Text:   content,
		Metadata: map[string]interface{}{
			"type": "text",
		},
	}, nil
}
