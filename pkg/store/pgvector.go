package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/xhad/documind/internal/models"
)

// PGVectorStore keeps entries in PostgreSQL with the pgvector extension. The
// chunk table is created on the first write, once the vector dimension is known.
type PGVectorStore struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPGVector(ctx context.Context, config VectorStoreConfig) (*PGVectorStore, error) {
	if config.ConnString == "" {
		return nil, fmt.Errorf("pgvector store needs a connection string")
	}
	if config.TableName == "" {
		config.TableName = "chunks"
	}
	if !identifier.MatchString(config.TableName) {
		return nil, fmt.Errorf("invalid table name %q", config.TableName)
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, unavailable("connect to database", err)
	}

	vs := &PGVectorStore{
		config: config,
		pool:   pool,
		logger: logger(config.Logger, DriverPGVector),
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *PGVectorStore) initialize(ctx context.Context) error {
	// Enable pgvector extension
	if _, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return unavailable("create vector extension", err)
	}

	createMeta := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`, vs.config.TableName)
	if _, err := vs.pool.Exec(ctx, createMeta); err != nil {
		return unavailable("create meta table", err)
	}
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (vs *PGVectorStore) dimensions(ctx context.Context, q rowQuerier) (int, error) {
	var value string
	err := q.QueryRow(ctx, fmt.Sprintf(`SELECT value FROM %s_meta WHERE key = $1`, vs.config.TableName), dimensionsKey).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (vs *PGVectorStore) createTable(ctx context.Context, tx pgx.Tx, dims int) error {
	table := vs.config.TableName
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				source TEXT NOT NULL,
				chunk_index INTEGER NOT NULL,
				start_offset INTEGER NOT NULL,
				page INTEGER NOT NULL,
				content TEXT NOT NULL,
				embedding vector(%d) NOT NULL
			)`, table, dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_source_idx ON %s (source, chunk_index)`, table, table),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s_embedding_idx
			ON %s
			USING hnsw (embedding vector_cosine_ops)`, table, table),
		fmt.Sprintf(`INSERT INTO %s_meta (key, value) VALUES ('%s', '%d')`, table, dimensionsKey, dims),
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return unavailable("create table", err)
		}
	}
	return nil
}

func (vs *PGVectorStore) Write(ctx context.Context, entries []models.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	dims, sources, err := checkBatch(entries)
	if err != nil {
		return err
	}

	// Begin transaction
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	// Writers queue up here so the first one alone creates the table.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, vs.config.TableName); err != nil {
		return unavailable("lock table", err)
	}

	stored, err := vs.dimensions(ctx, tx)
	if err != nil {
		return err
	}
	switch {
	case stored == 0:
		if err := vs.createTable(ctx, tx, dims); err != nil {
			return err
		}
	case stored != dims:
		return mismatch(dims, stored)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE source = ANY($1)`, vs.config.TableName), sources); err != nil {
		return unavailable("replace sources", err)
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, source, chunk_index, start_offset, page, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source,
			chunk_index = EXCLUDED.chunk_index,
			start_offset = EXCLUDED.start_offset,
			page = EXCLUDED.page,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding`,
		vs.config.TableName)

	batch := &pgx.Batch{}
	for _, e := range entries {
		c := e.Chunk
		batch.Queue(stmt, e.ID, c.Source, c.Index, c.Start, c.Page, c.Text, pgvector.NewVector(e.Vector))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return unavailable("insert entries", err)
	}

	// Commit transaction
	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit", err)
	}

	vs.logger.Debug("wrote entries", "entries", len(entries), "sources", len(sources))
	return nil
}

func (vs *PGVectorStore) Search(ctx context.Context, query []float32, k int) ([]models.SearchResult, error) {
	if k <= 0 {
		return nil, models.ErrInvalidK
	}

	dims, err := vs.dimensions(ctx, vs.pool)
	if err != nil {
		return nil, err
	}
	if dims == 0 {
		return []models.SearchResult{}, nil
	}
	if len(query) != dims {
		return nil, mismatch(len(query), dims)
	}

	// Query similar chunks
	sql := fmt.Sprintf(`
		SELECT source, chunk_index, start_offset, page, content, 1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1, source, chunk_index
		LIMIT $2`,
		vs.config.TableName)

	rows, err := vs.pool.Query(ctx, sql, pgvector.NewVector(query), k)
	if err != nil {
		return nil, unavailable("query entries", err)
	}
	defer rows.Close()

	results := []models.SearchResult{}
	for rows.Next() {
		var (
			c     models.Chunk
			score float64
		)
		if err := rows.Scan(&c.Source, &c.Index, &c.Start, &c.Page, &c.Text, &score); err != nil {
			return nil, unavailable("scan entry", err)
		}
		results = append(results, models.SearchResult{Chunk: c, Score: float32(score)})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read entries", err)
	}

	return rank(results, k), nil
}

func (vs *PGVectorStore) Count(ctx context.Context) (int, error) {
	dims, err := vs.dimensions(ctx, vs.pool)
	if err != nil || dims == 0 {
		return 0, err
	}
	var n int
	if err := vs.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, vs.config.TableName)).Scan(&n); err != nil {
		return 0, unavailable("count entries", err)
	}
	return n, nil
}

func (vs *PGVectorStore) Sources(ctx context.Context) ([]models.SourceInfo, error) {
	sources := []models.SourceInfo{}
	dims, err := vs.dimensions(ctx, vs.pool)
	if err != nil || dims == 0 {
		return sources, err
	}

	rows, err := vs.pool.Query(ctx, fmt.Sprintf(`SELECT source, COUNT(*) FROM %s GROUP BY source ORDER BY source`, vs.config.TableName))
	if err != nil {
		return nil, unavailable("list sources", err)
	}
	defer rows.Close()

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

func (vs *PGVectorStore) DeleteSource(ctx context.Context, source string) error {
	dims, err := vs.dimensions(ctx, vs.pool)
	if err != nil || dims == 0 {
		return err
	}
	if _, err := vs.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE source = $1`, vs.config.TableName), source); err != nil {
		return unavailable("delete source", err)
	}
	return nil
}

// Reset drops the chunk table so the next write may use a new dimension.
func (vs *PGVectorStore) Reset(ctx context.Context) error {
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, vs.config.TableName); err != nil {
		return unavailable("lock table", err)
	}
	for _, stmt := range []string{
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, vs.config.TableName),
		fmt.Sprintf(`DELETE FROM %s_meta`, vs.config.TableName),
	} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return unavailable("reset", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func (vs *PGVectorStore) Close() error {
	if vs.pool != nil {
		vs.pool.Close()
	}
	return nil
}
