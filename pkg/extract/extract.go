package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
)

// Registry dispatches extraction on the lowercase file extension.
type Registry struct {
	byExt map[string]types.Extractor
}

// New returns a Registry that handles PDF, HTML and plain text files.
func New() *Registry {
	r := &Registry{byExt: make(map[string]types.Extractor)}
	r.Register(PDF{}, ".pdf")
	r.Register(HTML{}, ".html", ".htm")
	r.Register(Text{}, ".txt", ".md", ".text")
	return r
}

func (r *Registry) Register(e types.Extractor, exts ...string) {
	for _, ext := range exts {
		r.byExt[strings.ToLower(ext)] = e
	}
}

// Supports reports whether filename has a registered extension.
func (r *Registry) Supports(filename string) bool {
	_, ok := r.byExt[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// Extensions lists the registered extensions in sorted order.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func (r *Registry) Extract(ctx context.Context, filename string, data []byte) (models.Document, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	e, ok := r.byExt[ext]
	if !ok {
		return models.Document{}, fmt.Errorf("%s: %w", filename, models.ErrUnsupportedType)
	}
	if err := ctx.Err(); err != nil {
		return models.Document{}, err
	}
	return e.Extract(ctx, filename, data)
}

func failed(filename string, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %s: %w", filename, fmt.Sprintf(format, args...), models.ErrExtractionFailed)
}

// sanitizeUTF8 drops invalid byte sequences.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "")
}

// cleanText collapses runs of spaces inside each line and squeezes blank
// lines so that paragraph breaks become a single "\n\n".
func cleanText(s string) string {
	s = sanitizeUTF8(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	var b strings.Builder
	blank := 0
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blank++
			continue
		}
		if b.Len() > 0 {
			if blank > 0 {
				b.WriteString("\n\n")
			} else {
				b.WriteString("\n")
			}
		}
		blank = 0
		b.WriteString(line)
	}
	return b.String()
}
