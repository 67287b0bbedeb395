package extract_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/pdftest"
	"github.com/xhad/documind/pkg/extract"
)

func TestExtractPDF(t *testing.T) {
	data := pdftest.BuildWithTitle("Geography",
		"The capital of France is Paris.\nIt lies on the Seine.",
		"",
		"Berlin is the capital of Germany.",
	)

	doc, err := extract.New().Extract(context.Background(), "/uploads/geo.pdf", data)
	require.NoError(t, err)

	assert.Equal(t, "geo.pdf", doc.Source)
	assert.Equal(t, "Geography", doc.Title)
	assert.Equal(t, "The capital of France is Paris.\nIt lies on the Seine.\n\nBerlin is the capital of Germany.", doc.Text)
	assert.Equal(t, 3, doc.Metadata["pages"])

	berlin := len([]rune("The capital of France is Paris.\nIt lies on the Seine.\n\n"))
	assert.Equal(t, []int{0, berlin, berlin}, doc.PageStarts)
	assert.Equal(t, 1, doc.PageAt(0))
	assert.Equal(t, 3, doc.PageAt(berlin))
}

func TestExtractPDFFailures(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not a pdf", []byte("this is plainly not a pdf document")},
		{"truncated", pdftest.Build("Some text")[:60]},
		{"no text layer", pdftest.Build("", "")},
		{"garbage after header", append([]byte("%PDF-1.4\n"), make([]byte, 300)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := extract.New().Extract(context.Background(), "broken.pdf", tt.data)
			assert.ErrorIs(t, err, models.ErrExtractionFailed)
		})
	}
}

func TestExtractHTML(t *testing.T) {
	page := `<html><head><title>Docs</title><script>var x = 1;</script></head>
<body><nav>Home | About</nav>
<main><h1>Install</h1><p>Run   the installer.</p><p>Accept Cookies Then restart.</p></main>
<footer>Privacy Policy</footer></body></html>`

	doc, err := extract.New().Extract(context.Background(), "install.HTML", []byte(page))
	require.NoError(t, err)

	assert.Equal(t, "install.HTML", doc.Source)
	assert.Equal(t, "Docs", doc.Title)
	assert.Equal(t, "Install\n\nRun the installer.\n\nThen restart.", doc.Text)
}

func TestExtractText(t *testing.T) {
	doc, err := extract.New().Extract(context.Background(), "notes.md", []byte("line one\r\nline   two\r\n\r\n\r\nnext paragraph\n"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n\nnext paragraph", doc.Text)

	_, err = extract.New().Extract(context.Background(), "blank.txt", []byte(" \n\t\n"))
	assert.ErrorIs(t, err, models.ErrExtractionFailed)
}

func TestExtractUnsupported(t *testing.T) {
	r := extract.New()
	_, err := r.Extract(context.Background(), "sheet.xlsx", []byte("data"))
	assert.ErrorIs(t, err, models.ErrUnsupportedType)

	assert.True(t, r.Supports("Report.PDF"))
	assert.False(t, r.Supports("archive.zip"))
	assert.Contains(t, r.Extensions(), ".pdf")
}

func TestExtractCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := extract.New().Extract(ctx, "geo.pdf", pdftest.Build("text"))
	assert.ErrorIs(t, err, context.Canceled)
}
