package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
)

const (
	DriverSQLite   = "sqlite"
	DriverPGVector = "pgvector"
	DriverChromem  = "chromem"
)

type VectorStoreConfig struct {
	Driver     string
	Path       string // sqlite file or chromem directory
	ConnString string // PostgreSQL DSN for pgvector
	TableName  string
	Collection string
	Logger     *slog.Logger
}

var (
	entryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("documind/entries"))
	identifier     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Open returns the vector store selected by config.Driver.
func Open(ctx context.Context, config VectorStoreConfig) (types.VectorStore, error) {
	switch config.Driver {
	case DriverSQLite, "":
		return NewSQLite(ctx, config)
	case DriverPGVector:
		return NewPGVector(ctx, config)
	case DriverChromem:
		return NewChromem(config)
	default:
		return nil, fmt.Errorf("unknown store driver %q", config.Driver)
	}
}

// EntryID derives the stable identifier of a chunk from its source and index.
func EntryID(source string, index int) string {
	return uuid.NewSHA1(entryNamespace, []byte(source+"#"+strconv.Itoa(index))).String()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrStoreUnavailable, op, err)
}

func mismatch(got, want int) error {
	return fmt.Errorf("%w: got %d, store holds %d", models.ErrDimensionMismatch, got, want)
}

// checkBatch validates a write batch and returns its vector dimension and the
// distinct sources it touches, in first-seen order.
func checkBatch(entries []models.Entry) (int, []string, error) {
	dims := len(entries[0].Vector)
	seen := make(map[string]bool)
	var sources []string
	for _, e := range entries {
		if len(e.Vector) == 0 {
			return 0, nil, fmt.Errorf("%w: entry %s has no vector", models.ErrDimensionMismatch, e.ID)
		}
		if len(e.Vector) != dims {
			return 0, nil, fmt.Errorf("%w: batch mixes %d and %d dimensions", models.ErrDimensionMismatch, dims, len(e.Vector))
		}
		if !seen[e.Chunk.Source] {
			seen[e.Chunk.Source] = true
			sources = append(sources, e.Chunk.Source)
		}
	}
	return dims, sources, nil
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// rank orders results by descending score, then by source and index, and keeps
// at most k of them.
func rank(results []models.SearchResult, k int) []models.SearchResult {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.Source != b.Chunk.Source {
			return a.Chunk.Source < b.Chunk.Source
		}
		return a.Chunk.Index < b.Chunk.Index
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func logger(l *slog.Logger, driver string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "store", "driver", driver)
}
