package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xhad/documind/pkg/config"
	"github.com/xhad/documind/pkg/rag"
)

var (
	configPath string
	verbose    bool
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "documind",
	Short: "Ask questions about your documents",
	Long: `DocuMind ingests PDF, HTML and text files into a local vector store and
answers questions using only what those documents say.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		color.Red("%s", rag.UserMessage(err))
		os.Exit(1)
	}
}

// setup loads .env and the config file, validates it and installs the logger.
func setup(cmd *cobra.Command, args []string) error {
	if err := config.LoadEnvFile(); err != nil {
		return err
	}

	loaded, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := loaded.Err(); err != nil {
		return err
	}
	cfg = loaded

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

	if cfg.UI.NoColor {
		color.NoColor = true
	}
	return nil
}
