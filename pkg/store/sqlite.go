package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xhad/documind/internal/models"
	_ "modernc.org/sqlite"
)

const dimensionsKey = "dimensions"

// SQLiteStore keeps entries in a single SQLite file. Every Write is one
// IMMEDIATE transaction, so readers in any process see a batch entirely or
// not at all.
type SQLiteStore struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
}

func NewSQLite(ctx context.Context, config VectorStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlite store needs a path")
	}
	if config.TableName == "" {
		config.TableName = "chunks"
	}
	if !identifier.MatchString(config.TableName) {
		return nil, fmt.Errorf("invalid table name %q", config.TableName)
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, unavailable("create store directory", err)
	}

	dsn := config.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable("open database", err)
	}

	s := &SQLiteStore{
		db:     db,
		table:  config.TableName,
		logger: logger(config.Logger, DriverSQLite),
	}
	if err := s.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Debug("opened store", "path", config.Path, "table", s.table)
	return s, nil
}

func (s *SQLiteStore) initialize(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			start_offset INTEGER NOT NULL,
			page INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_source_idx ON %s (source, chunk_index)`, s.table, s.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("create schema", err)
		}
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dimensions returns the stored vector dimension, or 0 before the first write.
func (s *SQLiteStore) dimensions(ctx context.Context, q queryer) (int, error) {
	var value string
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s_meta WHERE key = ?`, s.table), dimensionsKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("read dimensions", err)
	}
	dims, err := strconv.Atoi(value)
	if err != nil {
		return 0, unavailable("read dimensions", err)
	}
	return dims, nil
}

func (s *SQLiteStore) Write(ctx context.Context, entries []models.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	dims, sources, err := checkBatch(entries)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	stored, err := s.dimensions(ctx, tx)
	if err != nil {
		return err
	}
	if stored != 0 && stored != dims {
		return mismatch(dims, stored)
	}

	for _, source := range sources {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE source = ?`, s.table), source); err != nil {
			return unavailable("replace source", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, source, chunk_index, start_offset, page, content, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			source = excluded.source,
			chunk_index = excluded.chunk_index,
			start_offset = excluded.start_offset,
			page = excluded.page,
			content = excluded.content,
			embedding = excluded.embedding`, s.table))
	if err != nil {
		return unavailable("prepare insert", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		c := e.Chunk
		if _, err := stmt.ExecContext(ctx, e.ID, c.Source, c.Index, c.Start, c.Page, c.Text, encodeVector(e.Vector)); err != nil {
			return unavailable("insert entry", err)
		}
	}

	if stored == 0 {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s_meta (key, value) VALUES (?, ?)`, s.table), dimensionsKey, strconv.Itoa(dims))
		if err != nil {
			return unavailable("record dimensions", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}

	s.logger.Debug("wrote entries", "entries", len(entries), "sources", len(sources))
	return nil
}

func (s *SQLiteStore) Search(ctx context.Context, query []float32, k int) ([]models.SearchResult, error) {
	if k <= 0 {
		return nil, models.ErrInvalidK
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, unavailable("begin read", err)
	}
	defer tx.Rollback()

	dims, err := s.dimensions(ctx, tx)
	if err != nil {
		return nil, err
	}
	if dims == 0 {
		return []models.SearchResult{}, nil
	}
	if len(query) != dims {
		return nil, mismatch(len(query), dims)
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT source, chunk_index, start_offset, page, content, embedding FROM %s`, s.table))
	if err != nil {
		return nil, unavailable("query entries", err)
	}
	defer rows.Close()

	results := []models.SearchResult{}
	for rows.Next() {
		var (
			c    models.Chunk
			blob []byte
		)
		if err := rows.Scan(&c.Source, &c.Index, &c.Start, &c.Page, &c.Text, &blob); err != nil {
			return nil, unavailable("scan entry", err)
		}
		vector := decodeVector(blob)
		if len(vector) != dims {
			return nil, mismatch(len(vector), dims)
		}
		results = append(results, models.SearchResult{Chunk: c, Score: cosine(query, vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read entries", err)
	}

	return rank(results, k), nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, unavailable("count entries", err)
	}
	return n, nil
}

func (s *SQLiteStore) Sources(ctx context.Context) ([]models.SourceInfo, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT source, COUNT(*) FROM %s GROUP BY source ORDER BY source`, s.table))
	if err != nil {
		return nil, unavailable("list sources", err)
	}
	defer rows.Close()

	sources := []models.SourceInfo{}
	for rows.Next() {
		var info models.SourceInfo
		if err := rows.Scan(&info.Source, &info.Chunks); err != nil {
			return nil, unavailable("scan source", err)
		}
		sources = append(sources, info)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list sources", err)
	}
	return sources, nil
}

func (s *SQLiteStore) DeleteSource(ctx context.Context, source string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE source = ?`, s.table), source); err != nil {
		return unavailable("delete source", err)
	}
	return nil
}

// Reset removes every entry and forgets the stored dimension.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		fmt.Sprintf(`DELETE FROM %s`, s.table),
		fmt.Sprintf(`DELETE FROM %s_meta`, s.table),
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return unavailable("reset", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v
}
