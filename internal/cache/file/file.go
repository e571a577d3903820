// Package file implements a cache store on the local filesystem.
package file

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/natefinch/atomic"

	"github.com/JakeFAU/rewrite-core/internal/cache"
)

// Config captures the parameters for the filesystem store.
type Config struct {
	// BaseDir is the root directory where entries will be stored.
	BaseDir string `mapstructure:"dir" yaml:"dir"`
}

// Entry layout: 8-byte xxhash64 of the rest, 4-byte key length, key, value.
const headerLen = 12

// Store writes one file per key, sharded by key hash.
type Store struct {
	baseDir string
}

// New creates a filesystem-backed store.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{baseDir: cfg.BaseDir}, nil
}

// Name returns "file".
func (s *Store) Name() string { return "file" }

// Load reads and verifies the entry for key.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from a hash under baseDir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("read entry: %w", err)
	}
	storedKey, value, err := decode(data)
	if err != nil {
		return nil, err
	}
	if storedKey != key {
		// Hash collision with another key.
		return nil, cache.ErrNotFound
	}
	return value, nil
}

// Save atomically replaces the entry for key.
func (s *Store) Save(_ context.Context, key string, value []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(encode(key, value))); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// Remove deletes the entry for key.
func (s *Store) Remove(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove entry: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) path(key string) (string, error) {
	name := strconv.FormatUint(xxhash.Sum64String(key), 16)
	name = strings.Repeat("0", 16-len(name)) + name
	fullPath := filepath.Join(s.baseDir, name[:2], name)

	cleanBaseDir := filepath.Clean(s.baseDir)
	cleanFullPath := filepath.Clean(fullPath)
	if !strings.HasPrefix(cleanFullPath, cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

func encode(key string, value []byte) []byte {
	buf := make([]byte, headerLen+len(key)+len(value))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(key)))
	copy(buf[headerLen:], key)
	copy(buf[headerLen+len(key):], value)
	binary.BigEndian.PutUint64(buf[0:8], xxhash.Sum64(buf[8:]))
	return buf
}

func decode(data []byte) (string, []byte, error) {
	if len(data) < headerLen {
		return "", nil, fmt.Errorf("short entry: %w", cache.ErrCorrupt)
	}
	if binary.BigEndian.Uint64(data[0:8]) != xxhash.Sum64(data[8:]) {
		return "", nil, fmt.Errorf("checksum mismatch: %w", cache.ErrCorrupt)
	}
	keyLen := int(binary.BigEndian.Uint32(data[8:12]))
	if keyLen > len(data)-headerLen {
		return "", nil, errors.Join(fmt.Errorf("key length %d", keyLen), cache.ErrCorrupt)
	}
	key := string(data[headerLen : headerLen+keyLen])
	return key, data[headerLen+keyLen:], nil
}
