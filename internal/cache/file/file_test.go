package file

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rewrite-core/internal/cache"
)

func TestNewValidatesBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseDir: "  "})
	require.Error(t, err)

	notDir := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0o600))
	_, err = New(Config{BaseDir: notDir})
	require.Error(t, err)

	nested := filepath.Join(t.TempDir(), "a", "b")
	_, err = New(Config{BaseDir: nested})
	require.NoError(t, err)
	assert.DirExists(t, nested)
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	key := "http://a.com/../../etc/passwd:ce"
	_, err = s.Load(ctx, key)
	require.ErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, s.Save(ctx, key, []byte("payload")))
	got, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	require.NoError(t, s.Save(ctx, key, nil))
	got, err = s.Load(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Remove(ctx, key))
	require.NoError(t, s.Remove(ctx, key))
	_, err = s.Load(ctx, key)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestStoreDetectsCorruption(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "k", []byte("payload")))

	path, err := s.path("k")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = s.Load(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrCorrupt)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))
	_, err = s.Load(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrCorrupt)
}

func TestDecodeRejectsBadKeyLength(t *testing.T) {
	t.Parallel()

	data := encode("key", []byte("v"))
	binary.BigEndian.PutUint32(data[8:12], 1000)
	binary.BigEndian.PutUint64(data[0:8], xxhash.Sum64(data[8:]))
	_, _, err := decode(data)
	assert.ErrorIs(t, err, cache.ErrCorrupt)
}
