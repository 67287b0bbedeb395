package extract

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/xhad/documind/internal/models"
)

// mainSelectors are tried in order before falling back to <body>.
var mainSelectors = []string{
	"main",
	"article",
	".content",
	"#content",
	".documentation",
	"#documentation",
}

var noisePatterns = []string{
	"Cookie Policy",
	"Accept Cookies",
	"Privacy Policy",
	"Terms of Service",
}

// blockElements get a paragraph break after their text.
const blockElements = "p, div, section, li, h1, h2, h3, h4, h5, h6, pre, blockquote, tr, br"

// HTML extracts the readable text of a saved web page.
type HTML struct{}

func (HTML) Extract(ctx context.Context, filename string, data []byte) (models.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return models.Document{}, failed(filename, "%v", err)
	}

	doc.Find("script, style, noscript, nav, footer, header").Remove()

	content := extractMainContent(doc)
	if content == "" {
		return models.Document{}, failed(filename, "no extractable text")
	}

	return models.Document{
		Source: filepath.Base(filename),
		Title:  strings.TrimSpace(doc.Find("title").First().Text()),
		Text:   content,
		Metadata: map[string]interface{}{
			"type": "html",
		},
	}, nil
}

func extractMainContent(doc *goquery.Document) string {
	selection := doc.Find("body")
	for _, selector := range mainSelectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			selection = selected.First()
			break
		}
	}
	if selection.Length() == 0 {
		selection = doc.Selection
	}

	selection.Find(blockElements).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n\n")
	})

	content := selection.Text()
	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}
	return cleanText(content)
}
