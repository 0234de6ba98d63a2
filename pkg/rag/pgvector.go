package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"
)

// DB is the subset of pgx used by PGVectorStore. Both *pgx.Conn and *pgxpool.Pool satisfy it.
// The connection must have pgvector types registered.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// NewPGVectorPool opens a pool whose connections understand the vector type.
// The extension is created first because type registration looks it up.
func NewPGVectorPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	_, err = conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector extension: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// PGVectorStore keeps chunks in a PostgreSQL table with a vector column and
// searches with the cosine distance operator.
type PGVectorStore struct {
	db         DB
	logger     *zap.Logger
	table      string
	dimensions int
}

// NewPGVectorStore ensures the table exists with the required columns.
func NewPGVectorStore(ctx context.Context, db DB, table string, dimensions int, loggers ...*zap.Logger) (*PGVectorStore, error) {
	logger, err := loggerOrDefault(loggers)
	if err != nil {
		return nil, err
	}
	if table == "" {
		table = "esr_embeddings"
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}

	s := &PGVectorStore{
		db:         db,
		logger:     logger,
		table:      table,
		dimensions: dimensions,
	}
	if err := s.ensureTableConfig(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure table configuration: %w", err)
	}
	return s, nil
}

func (s *PGVectorStore) ident() string {
	schema, table := splitSchemaTableName(s.table)
	return pgx.Identifier{schema, table}.Sanitize()
}

func (s *PGVectorStore) Add(ctx context.Context, docs []Document, vectors [][]float32) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("got %d documents and %d vectors", len(docs), len(vectors))
	}
	if len(docs) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content, metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding`,
		s.ident())

	batch := &pgx.Batch{}
	for i, doc := range docs {
		if len(vectors[i]) != s.dimensions {
			return fmt.Errorf("document %q: %w: want %d, got %d", doc.ID, ErrDimensionMismatch, s.dimensions, len(vectors[i]))
		}
		metadata := doc.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		batch.Queue(query, doc.ID, doc.Content, metadata, pgvector.NewVector(vectors[i]))
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for _, doc := range docs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert document %q: %w", doc.ID, err)
		}
	}
	return nil
}

// Search orders rows by cosine distance. Score is 1 - distance, so identical vectors score 1.
func (s *PGVectorStore) Search(ctx context.Context, vector []float32, k int) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(vector) != s.dimensions {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, s.dimensions, len(vector))
	}

	query := fmt.Sprintf(
		"SELECT id, content, metadata, embedding <=> $1 AS distance FROM %s ORDER BY distance, id LIMIT $2",
		s.ident(),
	)

	rows, err := s.db.Query(ctx, query, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	results := []SearchResult{}
	for rows.Next() {
		var (
			doc      Document
			distance float64
		)
		if err := rows.Scan(&doc.ID, &doc.Content, &doc.Metadata, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		results = append(results, SearchResult{Document: doc, Score: float32(1 - distance)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return results, nil
}

func (s *PGVectorStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", s.ident())).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

func (s *PGVectorStore) Reset(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf("TRUNCATE %s", s.ident())); err != nil {
		return fmt.Errorf("failed to truncate table: %w", err)
	}
	return nil
}

// ensureTableConfig ensures the table exists and has the required columns
func (s *PGVectorStore) ensureTableConfig(ctx context.Context) error {
	s.logger.Debug("ensuring table configuration", zap.String("table", s.table))

	exists, err := s.tableExists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check if table exists: %w", err)
	}

	if !exists {
		s.logger.Info("table does not exist, creating it", zap.String("table", s.table))
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				content TEXT NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}',
				embedding vector(%d)
			)`, s.ident(), s.dimensions)
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
		return nil
	}

	return s.ensureRequiredColumnsExist(ctx)
}

// ensureRequiredColumnsExist adds any of content, metadata or embedding missing from an existing table.
func (s *PGVectorStore) ensureRequiredColumnsExist(ctx context.Context) error {
	schema, table := splitSchemaTableName(s.table)

	columns := []struct{ name, ddl string }{
		{"content", "TEXT NOT NULL DEFAULT ''"},
		{"metadata", "JSONB NOT NULL DEFAULT '{}'"},
		{"embedding", fmt.Sprintf("vector(%d)", s.dimensions)},
	}
	for _, col := range columns {
		var exists bool
		err := s.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_schema=$1 AND table_name=$2 AND column_name=$3)",
			schema, table, col.name,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check for %s column: %w", col.name, err)
		}
		if exists {
			continue
		}

		s.logger.Info("adding column", zap.String("table", s.table), zap.String("column", col.name))
		if _, err := s.db.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", s.ident(), col.name, col.ddl)); err != nil {
			return fmt.Errorf("failed to add %s column: %w", col.name, err)
		}
	}
	return nil
}

func (s *PGVectorStore) tableExists(ctx context.Context) (bool, error) {
	schema, table := splitSchemaTableName(s.table)

	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM information_schema.tables
			WHERE table_schema = $1
			AND table_name = $2
		)`

	err := s.db.QueryRow(ctx, query, schema, table).Scan(&exists)
	return exists, err
}

// splitSchemaTableName splits a schema-qualified table name into schema and table parts
func splitSchemaTableName(tableName string) (string, string) {
	parts := strings.Split(tableName, ".")
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "public", tableName
}
