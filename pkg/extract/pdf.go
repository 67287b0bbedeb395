package extract

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xhad/documind/internal/models"
)

const pageSeparator = "\n\n"

// PDF extracts the text layer of a PDF page by page.
type PDF struct{}

func (PDF) Extract(ctx context.Context, filename string, data []byte) (doc models.Document, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			doc = models.Document{}
			err = failed(filename, "malformed pdf: %v", r)
		}
	}()

	if len(data) == 0 {
		return models.Document{}, failed(filename, "empty file")
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return models.Document{}, failed(filename, "%v", err)
	}

	var (
		text   strings.Builder
		starts []int
		runes  int
		fonts  = make(map[string]*pdf.Font)
	)

	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return models.Document{}, err
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := page.Font(name)
				fonts[name] = &f
			}
		}

		content, err := page.GetPlainText(fonts)
		if err != nil {
			return models.Document{}, failed(filename, "page %d: %v", i, err)
		}
		content = cleanText(content)
		if content == "" {
			continue
		}

		if text.Len() > 0 {
			text.WriteString(pageSeparator)
			runes += utf8.RuneCountInString(pageSeparator)
		}
		for len(starts) < i-1 {
			starts = append(starts, runes)
		}
		starts = append(starts, runes)
		text.WriteString(content)
		runes += utf8.RuneCountInString(content)
	}

	if strings.TrimSpace(text.String()) == "" {
		return models.Document{}, failed(filename, "no extractable text")
	}

	return models.Document{
		Source:     filepath.Base(filename),
		Title:      pdfTitle(reader),
		Text:       text.String(),
		PageStarts: starts,
		Metadata: map[string]interface{}{
			"type":  "pdf",
			"pages": reader.NumPage(),
		},
	}, nil
}

func pdfTitle(r *pdf.Reader) string {
	info := r.Trailer().Key("Info")
	if info.IsNull() {
		return ""
	}
	return sanitizeUTF8(strings.TrimSpace(info.Key("Title").Text()))
}
