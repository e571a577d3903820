// Package pebble implements a cache store on an embedded Pebble database.
package pebble

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/JakeFAU/rewrite-core/internal/cache"
)

// Options configures the store.
type Options struct {
	// Dir is the database directory.
	Dir string
	// CacheSizeMB sizes the block cache. Zero keeps the Pebble default.
	CacheSizeMB int64
	// InMemory keeps the database in memory, mostly for tests.
	InMemory bool
}

// Store keeps entries in a Pebble LSM. Writes are not synced: the cache is
// allowed to lose recent entries on a crash.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the database.
func Open(opts Options) (*Store, error) {
	pebbleOpts := &pebble.Options{}
	dir := opts.Dir
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
		if dir == "" {
			dir = "cache"
		}
	} else if dir == "" {
		return nil, fmt.Errorf("pebble dir is required")
	}
	if opts.CacheSizeMB > 0 {
		c := pebble.NewCache(opts.CacheSizeMB << 20)
		defer c.Unref()
		pebbleOpts.Cache = c
	}
	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Store{db: db}, nil
}

// Name returns "pebble".
func (s *Store) Name() string { return "pebble" }

// Load returns a copy of the value for key.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	out := append([]byte(nil), val...)
	if err := closer.Close(); err != nil {
		return nil, fmt.Errorf("pebble release: %w", err)
	}
	return out, nil
}

// Save stores value under key.
func (s *Store) Save(_ context.Context, key string, value []byte) error {
	if err := s.db.Set([]byte(key), value, pebble.NoSync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

// Remove deletes key.
func (s *Store) Remove(_ context.Context, key string) error {
	if err := s.db.Delete([]byte(key), pebble.NoSync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
