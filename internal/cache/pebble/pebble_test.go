package pebble

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rewrite-core/internal/cache"
)

func TestOpenRequiresDir(t *testing.T) {
	t.Parallel()

	_, err := Open(Options{})
	require.Error(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := Open(Options{InMemory: true, CacheSizeMB: 1})
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	_, err = s.Load(ctx, "k")
	require.ErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, s.Save(ctx, "k", []byte("v1")))
	require.NoError(t, s.Save(ctx, "k", []byte("v2")))
	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, s.Remove(ctx, "k"))
	_, err = s.Load(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = Open(Options{Dir: dir})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
