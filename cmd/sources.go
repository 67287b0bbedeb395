package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xhad/documind/internal/models"
)

var sourcesJSON bool

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List ingested documents",
	Args:  cobra.NoArgs,
	RunE:  runSources,
}

var sourcesDeleteCmd = &cobra.Command{
	Use:   "delete [source...]",
	Short: "Remove documents from the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSourcesDelete,
}

func init() {
	sourcesCmd.Flags().BoolVar(&sourcesJSON, "json", false, "output sources as JSON")
	sourcesCmd.AddCommand(sourcesDeleteCmd)
	rootCmd.AddCommand(sourcesCmd)
}

func runSources(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	sources, err := a.pipeline.Sources(ctx)
	if err != nil {
		return err
	}

	if sourcesJSON {
		data, err := json.MarshalIndent(sources, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal sources: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	writeSourceList(cmd.OutOrStdout(), sources)
	return nil
}

func runSourcesDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	for _, source := range args {
		if err := a.pipeline.DeleteSource(ctx, source); err != nil {
			return err
		}
		color.Green("✓ Removed %s", source)
	}
	return nil
}

func printSourceList(sources []models.SourceInfo) {
	writeSourceList(os.Stdout, sources)
}

func writeSourceList(w io.Writer, sources []models.SourceInfo) {
	if len(sources) == 0 {
		fmt.Fprintln(w, "No documents ingested yet.")
		return
	}
	total := 0
	for _, s := range sources {
		fmt.Fprintf(w, "  %-40s %5d chunks\n", s.Source, s.Chunks)
		total += s.Chunks
	}
	fmt.Fprintf(w, "%d document(s), %d chunks\n", len(sources), total)
}
