package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/pkg/rag"
)

// Client message types.
const (
	TypeAsk     = "ask"
	TypeHistory = "history"
	TypeReset   = "reset"
)

// Server message types.
const (
	TypeAnswer = "answer"
	TypeStream = "stream"
	TypeError  = "error"
	TypeStatus = "status"
)

// uploadMemory bounds the part of an upload held in memory; the rest is
// spooled to temporary files.
const uploadMemory = 8 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Message struct {
	Type    string      `json:"type" validate:"required,oneof=ask history reset"`
	Content string      `json:"content" validate:"required_if=Type ask,max=4000"`
	Data    interface{} `json:"data,omitempty"`
}

// Citation is one retrieved passage sent along with an answer.
type Citation struct {
	Source string  `json:"source"`
	Index  int     `json:"index"`
	Page   int     `json:"page,omitempty"`
	Score  float32 `json:"score"`
}

type Config struct {
	Addr           string
	MaxUploadBytes int64
	Logger         *slog.Logger
}

type WSServer struct {
	config   Config
	pipeline *rag.Pipeline
	validate *validator.Validate
	logger   *slog.Logger
}

func NewWSServer(config Config, pipeline *rag.Pipeline) (*WSServer, error) {
	if pipeline == nil {
		return nil, errors.New("server needs a pipeline")
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 32 << 20
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &WSServer{
		config:   config,
		pipeline: pipeline,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   config.Logger.With("component", "server"),
	}, nil
}

// Handler routes /ws, /upload, /sources and /health.
func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/sources", s.handleSources)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *WSServer) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	}
}

// connection serializes writes to one websocket.
type connection struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *connection) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	conn := &connection{conn: ws}
	session := rag.NewSession()
	logger := s.logger.With("session", session.ID())
	logger.Debug("session started")
	defer func() {
		session.Reset()
		logger.Debug("session ended")
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("error reading message", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			s.sendMessage(conn, TypeError, "Malformed message.", nil)
			continue
		}
		if err := s.validate.Struct(msg); err != nil {
			s.sendMessage(conn, TypeError, fmt.Sprintf("Invalid %q message.", msg.Type), nil)
			continue
		}

		s.handleMessage(r.Context(), conn, session, msg)
	}
}

func (s *WSServer) handleMessage(ctx context.Context, conn *connection, session *rag.Session, msg Message) {
	switch msg.Type {
	case TypeAsk:
		s.sendMessage(conn, TypeStatus, "Searching documents...", nil)
		answer := s.pipeline.AskStream(ctx, session, msg.Content, func(chunk string) {
			s.sendMessage(conn, TypeStream, chunk, nil)
		})
		if answer.Err != nil {
			s.sendMessage(conn, TypeError, answer.Text, nil)
			return
		}
		s.sendMessage(conn, TypeAnswer, answer.Text, citations(answer.Sources))
	case TypeHistory:
		s.sendMessage(conn, TypeHistory, "", session.History())
	case TypeReset:
		session.Reset()
		s.sendMessage(conn, TypeStatus, "History cleared.", nil)
	}
}

func citations(results []models.SearchResult) []Citation {
	out := make([]Citation, len(results))
	for i, r := range results {
		out[i] = Citation{Source: r.Chunk.Source, Index: r.Chunk.Index, Page: r.Chunk.Page, Score: r.Score}
	}
	return out
}

func (s *WSServer) sendMessage(conn *connection, msgType string, content string, data interface{}) {
	msg := Message{
		Type:    msgType,
		Content: content,
		Data:    data,
	}
	if err := conn.send(msg); err != nil {
		s.logger.Warn("error sending message", "error", err)
	}
}

func (s *WSServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "use POST"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(min(uploadMemory, s.config.MaxUploadBytes)); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid upload: %v", err)})
		return
	}
	defer r.MultipartForm.RemoveAll()

	var uploads []rag.Upload
	for _, header := range r.MultipartForm.File["files"] {
		f, err := header.Open()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		uploads = append(uploads, rag.Upload{Filename: header.Filename, Data: data})
	}

	result, err := s.pipeline.Ingest(r.Context(), uploads)
	if err != nil {
		s.logger.Warn("upload failed", "files", len(uploads), "error", err)
		writeJSON(w, uploadStatus(err), map[string]string{"error": rag.UserMessage(err)})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func uploadStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrNoDocumentsProvided), errors.Is(err, models.ErrDuplicateSource):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrExtractionFailed), errors.Is(err, models.ErrUnsupportedType):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *WSServer) handleSources(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sources, err := s.pipeline.Sources(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": rag.UserMessage(err)})
			return
		}
		writeJSON(w, http.StatusOK, sources)
	case http.MethodDelete:
		source := r.URL.Query().Get("source")
		if source == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing source"})
			return
		}
		if err := s.pipeline.DeleteSource(r.Context(), source); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": rag.UserMessage(err)})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "use GET or DELETE"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
