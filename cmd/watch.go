package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/xhad/documind/pkg/extract"
	"github.com/xhad/documind/pkg/rag"
)

const watchDebounce = 500 * time.Millisecond

var watchInitial bool

var watchCmd = &cobra.Command{
	Use:   "watch [directory]",
	Short: "Keep the knowledge base in sync with a directory",
	Long: `Watches a directory and ingests supported files when they are created or
changed. Removed or renamed files are deleted from the knowledge base.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchInitial, "initial", false, "ingest files already in the directory first")
	rootCmd.AddCommand(watchCmd)
}

type watchAction int

const (
	watchIgnore watchAction = iota
	watchIngest
	watchRemove
)

// classifyEvent maps a filesystem event to what the knowledge base should do.
func classifyEvent(event fsnotify.Event, registry *extract.Registry) watchAction {
	if strings.HasPrefix(filepath.Base(event.Name), ".") || !registry.Supports(event.Name) {
		return watchIgnore
	}
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return watchRemove
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		return watchIngest
	default:
		return watchIgnore
	}
}

// pendingChanges collects paths between debounce ticks. The last event for a
// path wins.
type pendingChanges map[string]watchAction

func (p pendingChanges) split() (ingest, remove []string) {
	for path, action := range p {
		switch action {
		case watchIngest:
			ingest = append(ingest, path)
		case watchRemove:
			remove = append(remove, path)
		}
	}
	sort.Strings(ingest)
	sort.Strings(remove)
	return ingest, remove
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dir := args[0]

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if watchInitial {
		paths, err := collectFiles([]string{dir}, a.extractor)
		if err != nil {
			return err
		}
		if len(paths) > 0 {
			result, err := ingestFiles(ctx, a.pipeline, paths)
			if err != nil {
				return err
			}
			color.Green("✓ Stored %d chunks from %d file(s)", result.Chunks, len(result.Files))
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	color.Cyan("Watching %s (press Ctrl+C to stop)", dir)

	return watchLoop(ctx, watcher, a.pipeline, a.extractor)
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, pipeline *rag.Pipeline, registry *extract.Registry) error {
	pending := pendingChanges{}
	timer := time.NewTimer(watchDebounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			color.Red("watch error: %v", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if action := classifyEvent(event, registry); action != watchIgnore {
				pending[event.Name] = action
				timer.Reset(watchDebounce)
			}
		case <-timer.C:
			applyChanges(ctx, pipeline, pending)
			pending = pendingChanges{}
		}
	}
}

func applyChanges(ctx context.Context, pipeline *rag.Pipeline, pending pendingChanges) {
	ingest, remove := pending.split()

	for _, path := range remove {
		source := filepath.Base(path)
		if err := pipeline.DeleteSource(ctx, source); err != nil {
			color.Red("failed to remove %s: %s", source, rag.UserMessage(err))
			continue
		}
		color.Yellow("- %s", source)
	}

	if len(ingest) == 0 {
		return
	}
	result, err := ingestFiles(ctx, pipeline, ingest)
	if err != nil {
		color.Red("failed to ingest %d file(s): %s", len(ingest), rag.UserMessage(err))
		return
	}
	for _, s := range result.Sources {
		color.Green("+ %s (%d chunks)", s.Source, s.Chunks)
	}
}
