package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xhad/documind/pkg/extract"
	"github.com/xhad/documind/pkg/rag"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files or directories...]",
	Short: "Add documents to the knowledge base",
	Long: `Extracts, chunks and embeds the given files and stores them in one step.
Directories are searched recursively for supported files. Ingesting a file
again replaces its previous chunks.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	progress := &stageProgress{}
	a, err := newApp(ctx, cfg, appOptions{onProgress: progress.update})
	if err != nil {
		return err
	}
	defer a.Close()

	paths, err := collectFiles(args, a.extractor)
	if err != nil {
		return err
	}

	color.Blue("\nIngesting %d file(s)\n", len(paths))
	started := time.Now()
	result, err := ingestFiles(ctx, a.pipeline, paths)
	progress.finish()
	if err != nil {
		return err
	}

	for _, s := range result.Sources {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d chunks\n", s.Source, s.Chunks)
	}
	color.Green("✓ Stored %d chunks from %d file(s) in %s\n", result.Chunks, len(result.Files), time.Since(started).Round(time.Millisecond))
	return nil
}

// collectFiles expands directories into the supported files they contain.
// Files named explicitly are kept even when unsupported, so Ingest can
// report them.
func collectFiles(args []string, registry *extract.Registry) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && registry.Supports(path) {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func ingestFiles(ctx context.Context, pipeline *rag.Pipeline, paths []string) (*rag.IngestResult, error) {
	uploads := make([]rag.Upload, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		uploads = append(uploads, rag.Upload{Filename: path, Data: data})
	}
	return pipeline.Ingest(ctx, uploads)
}
