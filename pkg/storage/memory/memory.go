// Package memory provides an in-memory storage backend.
//
// This implementation is suitable for:
//   - Tests and development
//   - Ephemeral deployments where durability is handled elsewhere
//     (for example as the primary in front of a durable secondary)
//
// All data is lost on process exit.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/storage"
)

// record holds the stored representation of a single document.
type record struct {
	stored []byte
	meta   *storage.Metadata
}

// Store is an in-memory implementation of storage.Store.
//
// Thread Safety: safe for concurrent use by multiple goroutines.
type Store struct {
	mu         sync.RWMutex
	records    map[string]*record
	totalBytes int64
	codec      *storage.Codec
	closed     bool
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// New creates an in-memory store with the given config.
func New(cfg storage.Config) (*Store, error) {
	codec, err := storage.NewCodec(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{
		records: make(map[string]*record),
		codec:   codec,
	}, nil
}

// NewWithDefaults creates an in-memory store with default config.
func NewWithDefaults() *Store {
	s, err := New(storage.DefaultConfig())
	if err != nil {
		// DefaultConfig never produces an invalid codec.
		panic(err)
	}
	return s
}

// Save persists content under id.
func (s *Store) Save(ctx context.Context, id string, content []byte, version int64, custom map[string]string) (*storage.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.NewInvalidArgumentError("document id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New(errors.ErrInternal, "store is closed")
	}

	var prev *storage.Metadata
	var prevSize int64
	if existing, ok := s.records[id]; ok {
		prev = existing.meta
		prevSize = existing.meta.Size
	}

	stored, meta, err := s.codec.Encode(id, content, version, custom, prev, s.totalBytes-prevSize)
	if err != nil {
		return nil, err
	}

	s.records[id] = &record{stored: stored, meta: meta}
	s.totalBytes += meta.Size - prevSize

	return meta.Clone(), nil
}

// Load returns the content and metadata for id.
func (s *Store) Load(ctx context.Context, id string) ([]byte, *storage.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, errors.NewNotFoundError("document", id)
	}

	content, err := s.codec.Decode(id, rec.stored, rec.meta)
	if err != nil {
		return nil, nil, err
	}

	// Copy out so callers cannot mutate the stored bytes.
	out := make([]byte, len(content))
	copy(out, content)
	return out, rec.meta.Clone(), nil
}

// Delete removes id. Returns false when id was absent.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, nil
	}
	s.totalBytes -= rec.meta.Size
	delete(s.records, id)
	return true, nil
}

// Exists reports whether id is present.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok, nil
}

// List returns up to limit ids with the given prefix, sorted.
func (s *Store) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		if prefix == "" || strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// GetMetadata returns the metadata for id without loading content.
func (s *Store) GetMetadata(ctx context.Context, id string) (*storage.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, errors.NewNotFoundError("document", id)
	}
	return rec.meta.Clone(), nil
}

// GetStats returns backend occupancy statistics.
func (s *Store) GetStats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return &storage.Stats{
		DocumentCount: int64(len(s.records)),
		TotalBytes:    s.totalBytes,
	}, nil
}

// Close releases the store. Further Saves fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = make(map[string]*record)
	s.totalBytes = 0
	return nil
}

// Corrupt overwrites the stored bytes for id without updating the checksum.
// Test hook: lets checksum verification be exercised without reaching into
// backend internals from other packages.
func (s *Store) Corrupt(id string, stored []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false
	}
	rec.stored = stored
	return true
}
