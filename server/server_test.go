package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms/fake"
	"github.com/xhad/documind/pkg/extract"
	"github.com/xhad/documind/pkg/llm"
	"github.com/xhad/documind/pkg/processor"
	"github.com/xhad/documind/pkg/rag"
	"github.com/xhad/documind/pkg/store"
	"github.com/xhad/documind/server"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{Provider: "hash", Dimensions: 128})
	require.NoError(t, err)
	vs, err := store.NewSQLite(context.Background(), store.VectorStoreConfig{Path: filepath.Join(t.TempDir(), "documind.db")})
	require.NoError(t, err)
	t.Cleanup(func() { vs.Close() })
	proc, err := processor.NewWithConfig(processor.ProcessorConfig{})
	require.NoError(t, err)
	generator, err := llm.NewWithConfig(llm.ChatConfig{}, fake.NewFakeLLM([]string{"Paris is the capital of France."}))
	require.NoError(t, err)

	pipeline, err := rag.NewPipeline(rag.Components{
		Extractor: extract.New(),
		Processor: proc,
		Embedder:  embedder,
		Store:     vs,
		Generator: generator,
	}, rag.PipelineConfig{TopK: 3})
	require.NoError(t, err)

	srv, err := server.NewWSServer(server.Config{}, pipeline)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func upload(t *testing.T, url string, files map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(url+"/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

// readUntil reads messages until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) server.Message {
	t.Helper()
	for {
		var msg server.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg
		}
		require.NotEqual(t, server.TypeError, msg.Type, "unexpected error: %s", msg.Content)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestUpload(t *testing.T) {
	ts := newTestServer(t)

	resp, out := upload(t, ts.URL, map[string]string{"france.txt": "The capital of France is Paris."})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), out["chunks_added"])
	assert.Equal(t, []interface{}{"france.txt"}, out["files"])

	resp, out = upload(t, ts.URL, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, out["error"])

	resp, _ = upload(t, ts.URL, map[string]string{"broken.pdf": "not a pdf"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = upload(t, ts.URL, map[string]string{"data.bin": "\x00\x01"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	get, err := http.Get(ts.URL + "/sources")
	require.NoError(t, err)
	defer get.Body.Close()
	var sources []map[string]interface{}
	require.NoError(t, json.NewDecoder(get.Body).Decode(&sources))
	require.Len(t, sources, 1)
	assert.Equal(t, "france.txt", sources[0]["source"])
}

func TestUpload_RemovesSpooledFiles(t *testing.T) {
	ts := newTestServer(t)
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	// larger than the in-memory limit, so the part is written to disk
	resp, _ := upload(t, ts.URL, map[string]string{"large.bin": strings.Repeat("x", 9<<20)})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpload_DuplicateNames(t *testing.T) {
	ts := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, content := range []string{"First notes.", "Second notes."} {
		fw, err := mw.CreateFormFile("files", "notes.txt")
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocket_AskHistoryReset(t *testing.T) {
	ts := newTestServer(t)
	upload(t, ts.URL, map[string]string{"france.txt": "The capital of France is Paris."})

	conn := dial(t, ts.URL)

	require.NoError(t, conn.WriteJSON(server.Message{Type: server.TypeAsk, Content: "What is the capital of France?"}))
	answer := readUntil(t, conn, server.TypeAnswer)
	assert.Equal(t, "Paris is the capital of France.", answer.Content)
	citations, ok := answer.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, citations, 1)
	assert.Equal(t, "france.txt", citations[0].(map[string]interface{})["source"])

	require.NoError(t, conn.WriteJSON(server.Message{Type: server.TypeHistory}))
	history := readUntil(t, conn, server.TypeHistory)
	turns, ok := history.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].(map[string]interface{})["role"])

	require.NoError(t, conn.WriteJSON(server.Message{Type: server.TypeReset}))
	readUntil(t, conn, server.TypeStatus)

	require.NoError(t, conn.WriteJSON(server.Message{Type: server.TypeHistory}))
	history = readUntil(t, conn, server.TypeHistory)
	assert.Empty(t, history.Data)
}

func TestWebSocket_SessionsAreIndependent(t *testing.T) {
	ts := newTestServer(t)

	first := dial(t, ts.URL)
	require.NoError(t, first.WriteJSON(server.Message{Type: server.TypeAsk, Content: "Anything?"}))
	answer := readUntil(t, first, server.TypeAnswer)
	assert.Equal(t, "I don't know", answer.Content, "empty store answers with the fallback")

	second := dial(t, ts.URL)
	require.NoError(t, second.WriteJSON(server.Message{Type: server.TypeHistory}))
	history := readUntil(t, second, server.TypeHistory)
	assert.Empty(t, history.Data)
}

func TestWebSocket_InvalidMessages(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts.URL)

	for _, raw := range []string{`not json`, `{"type":"dance"}`, `{"type":"ask","content":""}`} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
		var msg server.Message
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, server.TypeError, msg.Type, raw)
	}
}
