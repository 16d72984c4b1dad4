// Package badger provides a BadgerDB-backed storage backend.
//
// This implementation is suitable for:
//   - Production single-node deployments requiring persistence
//   - Embedded servers without an external database
//
// Storage Model:
//   - Content: doc:{id} -> stored bytes (possibly compressed)
//   - Metadata: meta:{id} -> JSON(storage.Metadata)
//
// All operations use BadgerDB transactions for atomicity between the
// content key and its metadata key.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/storage"
)

// Key prefixes for document storage.
const (
	prefixDoc  = "doc:"  // Content: doc:{id}
	prefixMeta = "meta:" // Metadata: meta:{id}
)

// Options configures the badger store.
type Options struct {
	// Path is the on-disk directory for the BadgerDB database.
	Path string

	// InMemory runs BadgerDB without disk persistence (tests).
	InMemory bool

	// Storage holds the shared backend behaviour config.
	Storage storage.Config
}

// Store is a BadgerDB implementation of storage.Store.
//
// Thread Safety: BadgerDB transactions provide isolation; the mutex
// serialises Save's read-modify-write of the aggregate size.
type Store struct {
	db    *badgerdb.DB
	codec *storage.Codec

	mu         sync.Mutex
	totalBytes int64
}

var _ storage.Store = (*Store)(nil)

// Open creates or opens a badger store at opts.Path.
func Open(opts Options) (*Store, error) {
	codec, err := storage.NewCodec(opts.Storage)
	if err != nil {
		return nil, err
	}

	badgerOpts := badgerdb.DefaultOptions(opts.Path)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	// Badger's own logger is noisy at INFO; the runtime logs storage
	// operations itself.
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badgerdb.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	s := &Store{db: db, codec: codec}
	if err := s.recoverTotalSize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// recoverTotalSize rebuilds the aggregate size counter from metadata keys.
func (s *Store) recoverTotalSize() error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: []byte(prefixMeta)})
		defer it.Close()

		var total int64
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var meta storage.Metadata
				if err := json.Unmarshal(val, &meta); err != nil {
					return fmt.Errorf("corrupt metadata at %s: %w", it.Item().Key(), err)
				}
				total += meta.Size
				return nil
			})
			if err != nil {
				return err
			}
		}
		s.totalBytes = total
		return nil
	})
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

	var meta *storage.Metadata
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		prev, prevSize, err := s.readMetaTx(txn, id)
		if err != nil && !errors.IsNotFound(err) {
			return err
		}

		stored, m, err := s.codec.Encode(id, content, version, custom, prev, s.totalBytes-prevSize)
		if err != nil {
			return err
		}

		metaBytes, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		if err := txn.Set([]byte(prefixDoc+id), stored); err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixMeta+id), metaBytes); err != nil {
			return err
		}

		s.totalBytes += m.Size - prevSize
		meta = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta.Clone(), nil
}

// readMetaTx reads metadata within a transaction. Returns the metadata and
// its stored size, or a NotFound error.
func (s *Store) readMetaTx(txn *badgerdb.Txn, id string) (*storage.Metadata, int64, error) {
	item, err := txn.Get([]byte(prefixMeta + id))
	if err == badgerdb.ErrKeyNotFound {
		return nil, 0, errors.NewNotFoundError("document", id)
	}
	if err != nil {
		return nil, 0, err
	}

	var meta storage.Metadata
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	}); err != nil {
		return nil, 0, fmt.Errorf("failed to decode metadata for %s: %w", id, err)
	}
	return &meta, meta.Size, nil
}

// Load returns the content and metadata for id.
func (s *Store) Load(ctx context.Context, id string) ([]byte, *storage.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var stored []byte
	var meta *storage.Metadata
	err := s.db.View(func(txn *badgerdb.Txn) error {
		m, _, err := s.readMetaTx(txn, id)
		if err != nil {
			return err
		}
		meta = m

		item, err := txn.Get([]byte(prefixDoc + id))
		if err == badgerdb.ErrKeyNotFound {
			return errors.NewNotFoundError("document", id)
		}
		if err != nil {
			return err
		}
		stored, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	content, err := s.codec.Decode(id, stored, meta)
	if err != nil {
		return nil, nil, err
	}
	return content, meta, nil
}

// Delete removes id. Returns false when id was absent.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		_, size, err := s.readMetaTx(txn, id)
		if errors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := txn.Delete([]byte(prefixDoc + id)); err != nil {
			return err
		}
		if err := txn.Delete([]byte(prefixMeta + id)); err != nil {
			return err
		}
		s.totalBytes -= size
		found = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Exists reports whether id is present.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	exists := false
	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(prefixMeta + id))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// List returns up to limit ids with the given prefix, sorted.
// Badger iterates keys in sorted order, so no post-sort is needed.
func (s *Store) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: []byte(prefixMeta + prefix)})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(ids) >= limit {
				break
			}
			key := string(it.Item().Key())
			ids = append(ids, strings.TrimPrefix(key, prefixMeta))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetMetadata returns the metadata for id without loading content.
func (s *Store) GetMetadata(ctx context.Context, id string) (*storage.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var meta *storage.Metadata
	err := s.db.View(func(txn *badgerdb.Txn) error {
		m, _, err := s.readMetaTx(txn, id)
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// GetStats returns backend occupancy statistics.
func (s *Store) GetStats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var count int64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: []byte(prefixMeta)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	total := s.totalBytes
	s.mu.Unlock()

	return &storage.Stats{DocumentCount: count, TotalBytes: total}, nil
}

// Close closes the underlying BadgerDB database.
func (s *Store) Close() error {
	return s.db.Close()
}
