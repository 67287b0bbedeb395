package main

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/xhad/documind/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat websocket and upload endpoint",
	Long: `Starts an HTTP server with:
  GET  /ws       websocket chat, one session per connection
  POST /upload   multipart upload (field "files")
  GET  /sources  ingested documents
  GET  /health   liveness check`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, appOptions{generator: true})
	if err != nil {
		return err
	}
	defer a.Close()

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	srv, err := server.NewWSServer(server.Config{
		Addr:           addr,
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		Logger:         slog.Default(),
	}, a.pipeline)
	if err != nil {
		return err
	}

	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
