package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/pkg/rag"
)

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)
}

var stageLabels = map[string]string{
	rag.StageExtract: "📄 Extracting text",
	rag.StageChunk:   "🔄 Chunking documents",
	rag.StageEmbed:   "🧮 Embedding chunks",
	rag.StageStore:   "💾 Storing in vector database",
}

// stageProgress draws one progress bar per ingestion stage.
type stageProgress struct {
	mu    sync.Mutex
	stage string
	bar   *progressbar.ProgressBar
}

func (p *stageProgress) update(stage string, done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if stage != p.stage || p.bar == nil {
		if p.bar != nil {
			p.bar.Finish()
			fmt.Println()
		}
		p.stage = stage
		p.bar = getProgressBar(total, stageLabels[stage])
	}
	p.bar.Set(done)
}

func (p *stageProgress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Finish()
		fmt.Println()
		p.bar = nil
	}
}

func printSources(w io.Writer, results []models.SearchResult) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintln(w, color.New(color.Faint).Sprint("Sources:"))
	for i, r := range results {
		location := fmt.Sprintf("chunk %d", r.Chunk.Index)
		if r.Chunk.Page > 0 {
			location = fmt.Sprintf("page %d, %s", r.Chunk.Page, location)
		}
		fmt.Fprintln(w, color.New(color.Faint).Sprintf("  [%d] %s (%s, score %.2f)", i+1, r.Chunk.Source, location, r.Score))
	}
}
