// Package memory implements an in-process LRU cache store.
package memory

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JakeFAU/rewrite-core/internal/cache"
)

// DefaultEntries is the capacity used when none is configured.
const DefaultEntries = 10000

// Store keeps the most recently used entries in memory.
type Store struct {
	lru *lru.Cache[string, []byte]
}

// New returns a store holding at most entries values. A non-positive entries
// selects DefaultEntries.
func New(entries int) (*Store, error) {
	if entries <= 0 {
		entries = DefaultEntries
	}
	c, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Store{lru: c}, nil
}

// Name returns "memory".
func (s *Store) Name() string { return "memory" }

// Load returns a copy of the value for key.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	v, ok := s.lru.Get(key)
	if !ok {
		return nil, cache.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Save stores a copy of value.
func (s *Store) Save(_ context.Context, key string, value []byte) error {
	s.lru.Add(key, append([]byte(nil), value...))
	return nil
}

// Remove deletes key.
func (s *Store) Remove(_ context.Context, key string) error {
	s.lru.Remove(key)
	return nil
}

// Len returns the number of cached entries.
func (s *Store) Len() int { return s.lru.Len() }

// Close drops every entry.
func (s *Store) Close() error {
	s.lru.Purge()
	return nil
}
