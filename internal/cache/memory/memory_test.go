package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rewrite-core/internal/cache"
)

// TestStoreEvictsLeastRecentlyUsed verifies the entry bound.
func TestStoreEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := New(2)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, "a", []byte("1")))
	require.NoError(t, s.Save(ctx, "b", []byte("2")))
	_, err = s.Load(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "c", []byte("3")))

	_, err = s.Load(ctx, "b")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	v, err := s.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	assert.Equal(t, 2, s.Len())
}

// TestStoreCopiesValues verifies callers cannot alias cached bytes.
func TestStoreCopiesValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := New(0)
	require.NoError(t, err)

	in := []byte("abc")
	require.NoError(t, s.Save(ctx, "k", in))
	in[0] = 'x'
	out, err := s.Load(ctx, "k")
	require.NoError(t, err)
	out[1] = 'y'

	again, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)

	require.NoError(t, s.Remove(ctx, "k"))
	_, err = s.Load(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	require.NoError(t, s.Close())
	assert.Equal(t, "memory", s.Name())
}
