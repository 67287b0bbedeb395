package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"github.com/xhad/documind/internal/models"
)

const (
	kindSource     = "source"
	kindDimensions = "dimensions"
	dimensionsID   = "\x00dimensions"
)

// ChromemStore keeps entries in an embedded chromem-go database persisted to a
// directory. A second collection records one document per source plus the
// vector dimension.
//
// Every mutation rewrites a version file next to the collections; handles in
// other processes reload the directory when the version changes. Batches are
// atomic within one process, and other processes see completed writes only.
type ChromemStore struct {
	mu       sync.RWMutex
	path     string
	name     string
	db       *chromem.DB
	chunks   *chromem.Collection
	manifest *chromem.Collection
	dims     int
	version  string
	logger   *slog.Logger

	addDocuments func(ctx context.Context, c *chromem.Collection, docs []chromem.Document) error
}

// manifest documents carry a one-dimensional placeholder embedding
var unit = []float32{1}

func NewChromem(config VectorStoreConfig) (*ChromemStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("chromem store needs a directory")
	}
	if config.Collection == "" {
		config.Collection = "documind"
	}

	s := &ChromemStore{
		path:   config.Path,
		name:   config.Collection,
		logger: logger(config.Logger, DriverChromem),
		addDocuments: func(ctx context.Context, c *chromem.Collection, docs []chromem.Document) error {
			return c.AddDocuments(ctx, docs, runtime.NumCPU())
		},
	}
	if err := s.load(s.readVersion()); err != nil {
		return nil, err
	}

	s.logger.Debug("opened store", "path", config.Path, "collection", s.name, "entries", s.chunks.Count())
	return s, nil
}

// load reads the whole directory and swaps it in only when every step succeeds.
func (s *ChromemStore) load(version string) error {
	db, err := chromem.NewPersistentDB(s.path, false)
	if err != nil {
		return unavailable("open database", err)
	}
	chunks, manifest, err := s.collections(db)
	if err != nil {
		return err
	}
	dims, err := readDimensions(manifest)
	if err != nil {
		return err
	}

	s.db, s.chunks, s.manifest, s.dims, s.version = db, chunks, manifest, dims, version
	return nil
}

func (s *ChromemStore) collections(db *chromem.DB) (*chromem.Collection, *chromem.Collection, error) {
	chunks, err := db.GetOrCreateCollection(s.name, map[string]string{"hnsw:space": "cosine"}, nil)
	if err != nil {
		return nil, nil, unavailable("open collection", err)
	}
	manifest, err := db.GetOrCreateCollection(s.name+"-manifest", nil, nil)
	if err != nil {
		return nil, nil, unavailable("open manifest", err)
	}
	return chunks, manifest, nil
}

func readDimensions(manifest *chromem.Collection) (int, error) {
	doc, err := manifest.GetByID(context.Background(), dimensionsID)
	if err != nil {
		// not written yet
		return 0, nil
	}
	dims, err := strconv.Atoi(doc.Metadata["dimensions"])
	if err != nil {
		return 0, unavailable("read dimensions", err)
	}
	return dims, nil
}

func (s *ChromemStore) versionPath() string {
	return filepath.Join(s.path, s.name+".version")
}

func (s *ChromemStore) readVersion() string {
	data, err := os.ReadFile(s.versionPath())
	if err != nil {
		return ""
	}
	return string(data)
}

// bump publishes a completed mutation to other handles. Callers hold mu.
func (s *ChromemStore) bump() error {
	version := uuid.NewString()
	tmp := s.versionPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(version), 0o644); err != nil {
		return unavailable("write version", err)
	}
	if err := os.Rename(tmp, s.versionPath()); err != nil {
		return unavailable("write version", err)
	}
	s.version = version
	return nil
}

// syncLocked reloads the directory if another handle changed it. A failed
// reload keeps the current view and is retried on the next call.
func (s *ChromemStore) syncLocked() {
	version := s.readVersion()
	if version == s.version {
		return
	}
	if err := s.load(version); err != nil {
		s.logger.Warn("reload failed", "error", err)
		return
	}
	s.logger.Debug("reloaded store", "entries", s.chunks.Count())
}

func (s *ChromemStore) refresh() {
	version := s.readVersion()
	s.mu.RLock()
	current := s.version
	s.mu.RUnlock()
	if version == current {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()
}

func (s *ChromemStore) Write(ctx context.Context, entries []models.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	dims, sources, err := checkBatch(entries)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()

	if s.dims != 0 && s.dims != dims {
		return mismatch(dims, s.dims)
	}

	previous, err := s.sourceDocuments(ctx, sources, entries[0].Vector)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, len(entries))
	added := make(map[string]bool, len(entries))
	counts := make(map[string]int)
	for i, e := range entries {
		docs[i] = chromem.Document{
			ID:        e.ID,
			Content:   e.Chunk.Text,
			Embedding: e.Vector,
			Metadata: map[string]string{
				"source": e.Chunk.Source,
				"index":  strconv.Itoa(e.Chunk.Index),
				"start":  strconv.Itoa(e.Chunk.Start),
				"page":   strconv.Itoa(e.Chunk.Page),
			},
		}
		added[e.ID] = true
		counts[e.Chunk.Source]++
	}

	// New documents go in first; the old version of each source is only
	// removed once they are all stored.
	work := context.WithoutCancel(ctx)
	if err := s.addDocuments(work, s.chunks, docs); err != nil {
		s.restore(work, docs, previous)
		return unavailable("add documents", err)
	}

	var stale []string
	for _, doc := range previous {
		if !added[doc.ID] {
			stale = append(stale, doc.ID)
		}
	}
	if len(stale) > 0 {
		if err := s.chunks.Delete(work, nil, nil, stale...); err != nil {
			return unavailable("replace source", err)
		}
	}

	manifest := make([]chromem.Document, 0, len(sources)+1)
	for _, source := range sources {
		manifest = append(manifest, chromem.Document{
			ID:        source,
			Content:   source,
			Embedding: unit,
			Metadata:  map[string]string{"kind": kindSource, "chunks": strconv.Itoa(counts[source])},
		})
	}
	if s.dims == 0 {
		manifest = append(manifest, chromem.Document{
			ID:        dimensionsID,
			Content:   kindDimensions,
			Embedding: unit,
			Metadata:  map[string]string{"kind": kindDimensions, "dimensions": strconv.Itoa(dims)},
		})
	}
	if err := s.manifest.AddDocuments(work, manifest, 1); err != nil {
		return unavailable("update manifest", err)
	}
	s.dims = dims

	if err := s.bump(); err != nil {
		return err
	}
	s.logger.Debug("wrote entries", "entries", len(entries), "sources", len(sources))
	return nil
}

// sourceDocuments returns the stored documents of sources. probe only needs
// the store's dimension.
func (s *ChromemStore) sourceDocuments(ctx context.Context, sources []string, probe []float32) ([]chromem.Document, error) {
	n := s.chunks.Count()
	if n == 0 {
		return nil, nil
	}
	var docs []chromem.Document
	for _, source := range sources {
		hits, err := s.chunks.QueryEmbedding(ctx, probe, n, map[string]string{"source": source}, nil)
		if err != nil {
			return nil, unavailable("read source", err)
		}
		for _, hit := range hits {
			docs = append(docs, chromem.Document{ID: hit.ID, Metadata: hit.Metadata, Embedding: hit.Embedding, Content: hit.Content})
		}
	}
	return docs, nil
}

// restore undoes a failed batch: documents it added are removed and the
// previous version of its sources is put back.
func (s *ChromemStore) restore(ctx context.Context, added, previous []chromem.Document) {
	kept := make(map[string]bool, len(previous))
	for _, doc := range previous {
		kept[doc.ID] = true
	}
	var ids []string
	for _, doc := range added {
		if !kept[doc.ID] {
			ids = append(ids, doc.ID)
		}
	}
	if len(ids) > 0 {
		if err := s.chunks.Delete(ctx, nil, nil, ids...); err != nil {
			s.logger.Error("rollback failed", "error", err)
		}
	}
	if len(previous) > 0 {
		if err := s.chunks.AddDocuments(ctx, previous, runtime.NumCPU()); err != nil {
			s.logger.Error("rollback failed", "error", err)
		}
	}
}

func (s *ChromemStore) Search(ctx context.Context, query []float32, k int) ([]models.SearchResult, error) {
	if k <= 0 {
		return nil, models.ErrInvalidK
	}
	s.refresh()

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.chunks.Count()
	if n == 0 || s.dims == 0 {
		return []models.SearchResult{}, nil
	}
	if len(query) != s.dims {
		return nil, mismatch(len(query), s.dims)
	}
	if k < n {
		n = k
	}

	hits, err := s.chunks.QueryEmbedding(ctx, query, n, nil, nil)
	if err != nil {
		return nil, unavailable("query collection", err)
	}

	results := make([]models.SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, models.SearchResult{
			Chunk: models.Chunk{
				Source: hit.Metadata["source"],
				Index:  atoi(hit.Metadata["index"]),
				Start:  atoi(hit.Metadata["start"]),
				Page:   atoi(hit.Metadata["page"]),
				Text:   hit.Content,
			},
			Score: hit.Similarity,
		})
	}
	return rank(results, k), nil
}

func (s *ChromemStore) Count(_ context.Context) (int, error) {
	s.refresh()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chunks.Count(), nil
}

func (s *ChromemStore) Sources(ctx context.Context) ([]models.SourceInfo, error) {
	s.refresh()
	s.mu.RLock()
	defer s.mu.RUnlock()

	sources := []models.SourceInfo{}
	n := s.manifest.Count()
	if n == 0 {
		return sources, nil
	}
	docs, err := s.manifest.QueryEmbedding(ctx, unit, n, map[string]string{"kind": kindSource}, nil)
	if err != nil {
		return nil, unavailable("list sources", err)
	}
	for _, doc := range docs {
		sources = append(sources, models.SourceInfo{Source: doc.Content, Chunks: atoi(doc.Metadata["chunks"])})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Source < sources[j].Source })
	return sources, nil
}

func (s *ChromemStore) DeleteSource(ctx context.Context, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()

	if err := s.chunks.Delete(ctx, map[string]string{"source": source}, nil); err != nil {
		return unavailable("delete source", err)
	}
	if err := s.manifest.Delete(ctx, nil, nil, source); err != nil {
		return unavailable("delete source", err)
	}
	return s.bump()
}

// Reset removes both collections and forgets the stored dimension.
func (s *ChromemStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()

	for _, name := range []string{s.name, s.name + "-manifest"} {
		if err := s.db.DeleteCollection(name); err != nil {
			return unavailable("reset", err)
		}
	}
	chunks, manifest, err := s.collections(s.db)
	if err != nil {
		return err
	}
	s.chunks, s.manifest, s.dims = chunks, manifest, 0
	return s.bump()
}

func (s *ChromemStore) Close() error {
	return nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
