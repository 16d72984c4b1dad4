// Package postgres provides a PostgreSQL-backed storage backend.
//
// Storage Model: a single tandem_documents table with the stored bytes in a
// bytea column and the metadata as jsonb. Save runs inside a transaction so
// the previous record's created_at and the aggregate size check observe a
// consistent snapshot.
package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/storage"
)

// schema bootstraps the documents table. Run on Open; idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS tandem_documents (
    id       TEXT PRIMARY KEY,
    content  BYTEA NOT NULL,
    metadata JSONB NOT NULL
);
`

// Config holds configuration for the postgres backend.
type Config struct {
	// URL is the PostgreSQL connection string.
	URL string

	// Storage holds the shared backend behaviour config.
	Storage storage.Config
}

// Store is a PostgreSQL implementation of storage.Store.
type Store struct {
	pool  *pgxpool.Pool
	codec *storage.Codec
}

var _ storage.Store = (*Store)(nil)

// Open connects to PostgreSQL and bootstraps the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	codec, err := storage.NewCodec(cfg.Storage)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	return &Store{pool: pool, codec: codec}, nil
}

// Save persists content under id.
func (s *Store) Save(ctx context.Context, id string, content []byte, version int64, custom map[string]string) (*storage.Metadata, error) {
	if id == "" {
		return nil, errors.NewInvalidArgumentError("document id must not be empty")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev, err := getMetadata(ctx, tx, id)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	var prevSize int64
	if prev != nil {
		prevSize = prev.Size
	}

	var total int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM((metadata->>'size')::bigint), 0) FROM tandem_documents`,
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to query total size: %w", err)
	}

	stored, meta, err := s.codec.Encode(id, content, version, custom, prev, total-prevSize)
	if err != nil {
		return nil, err
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tandem_documents (id, content, metadata)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET content = $2, metadata = $3`,
		id, stored, metaBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert document %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return meta, nil
}

// Load returns the content and metadata for id.
func (s *Store) Load(ctx context.Context, id string) ([]byte, *storage.Metadata, error) {
	var stored []byte
	var metaBytes []byte
	err := s.pool.QueryRow(ctx,
		`SELECT content, metadata FROM tandem_documents WHERE id = $1`, id,
	).Scan(&stored, &metaBytes)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil, errors.NewNotFoundError("document", id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}

	var meta storage.Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, nil, fmt.Errorf("failed to decode metadata for %s: %w", id, err)
	}

	content, err := s.codec.Decode(id, stored, &meta)
	if err != nil {
		return nil, nil, err
	}
	return content, &meta, nil
}

// Delete removes id. Returns false when id was absent.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tandem_documents WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Exists reports whether id is present.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tandem_documents WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check existence of %s: %w", id, err)
	}
	return exists, nil
}

// List returns up to limit ids with the given prefix, sorted.
func (s *Store) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	query := `SELECT id FROM tandem_documents WHERE id LIKE $1 || '%' ORDER BY id`
	args := []any{prefix}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetMetadata returns the metadata for id without loading content.
func (s *Store) GetMetadata(ctx context.Context, id string) (*storage.Metadata, error) {
	return getMetadata(ctx, s.pool, id)
}

// queryRower abstracts pool and transaction for metadata reads.
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getMetadata(ctx context.Context, q queryRower, id string) (*storage.Metadata, error) {
	var metaBytes []byte
	err := q.QueryRow(ctx,
		`SELECT metadata FROM tandem_documents WHERE id = $1`, id,
	).Scan(&metaBytes)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewNotFoundError("document", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata for %s: %w", id, err)
	}

	var meta storage.Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", id, err)
	}
	return &meta, nil
}

// GetStats returns backend occupancy statistics.
func (s *Store) GetStats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM((metadata->>'size')::bigint), 0)
		FROM tandem_documents`,
	).Scan(&stats.DocumentCount, &stats.TotalBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	return stats, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
