package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rewrite-core/internal/cache"
	"github.com/JakeFAU/rewrite-core/internal/cache/memory"
	"github.com/JakeFAU/rewrite-core/internal/scheduler"
	"github.com/JakeFAU/rewrite-core/internal/task"
	"github.com/JakeFAU/rewrite-core/internal/worker"
)

type result struct {
	state cache.KeyState
	value []byte
}

func get(c cache.Cache, key string) result {
	var r result
	c.Get(key, func(state cache.KeyState, value []byte) {
		r = result{state: state, value: value}
	})
	return r
}

// failingStore returns a fixed error from every operation.
type failingStore struct {
	err error
}

func (f failingStore) Load(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingStore) Save(context.Context, string, []byte) error   { return f.err }
func (f failingStore) Remove(context.Context, string) error         { return f.err }
func (f failingStore) Name() string                                 { return "failing" }
func (f failingStore) Close() error                                 { return nil }

// queue is an Executor that runs callbacks when drained.
type queue struct {
	mu  sync.Mutex
	cbs []task.Callback
}

func (q *queue) Add(cb task.Callback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cbs = append(q.cbs, cb)
}

func (q *queue) drain() {
	q.mu.Lock()
	cbs := q.cbs
	q.cbs = nil
	q.mu.Unlock()
	for _, cb := range cbs {
		cb.Run()
	}
}

// TestSyncAdapterRoundTrip verifies put, get and delete through the
// synchronous adapter.
func TestSyncAdapterRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := memory.New(16)
	require.NoError(t, err)
	c := cache.NewSync(store)
	assert.Equal(t, "memory", c.Name())

	assert.Equal(t, cache.NotFound, get(c, "k").state)

	value := []byte("v1")
	c.Put("k", value)
	value[0] = 'x'
	r := get(c, "k")
	assert.Equal(t, cache.Available, r.state)
	assert.Equal(t, []byte("v1"), r.value)

	c.Delete("k")
	assert.Equal(t, cache.NotFound, get(c, "k").state)
	require.NoError(t, c.Close())
}

// TestAsyncAdapterDefersWork verifies operations wait for the executor and
// keep their order.
func TestAsyncAdapterDefersWork(t *testing.T) {
	t.Parallel()

	store, err := memory.New(16)
	require.NoError(t, err)
	q := &queue{}
	c := cache.NewAsync(store, q)

	c.Put("k", []byte("v"))
	var got []cache.KeyState
	c.Get("k", func(state cache.KeyState, _ []byte) { got = append(got, state) })
	c.Delete("k")
	c.Get("k", func(state cache.KeyState, _ []byte) { got = append(got, state) })
	assert.Empty(t, got)

	q.drain()
	assert.Equal(t, []cache.KeyState{cache.Available, cache.NotFound}, got)
}

// TestAdapterMapsErrors verifies backend errors become key states.
func TestAdapterMapsErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want cache.KeyState
	}{
		{"not found", cache.ErrNotFound, cache.NotFound},
		{"wrapped corrupt", errors.Join(errors.New("checksum"), cache.ErrCorrupt), cache.Corrupt},
		{"transport error", errors.New("connection refused"), cache.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := cache.NewSync(failingStore{err: tt.err})
			assert.Equal(t, tt.want, get(c, "k").state)
			c.Put("k", []byte("v"))
			c.Delete("k")
		})
	}
}

// TestGetOnStoppedPoolReportsMiss verifies Get still delivers exactly one
// callback when the worker pool refuses the load.
func TestGetOnStoppedPoolReportsMiss(t *testing.T) {
	t.Parallel()

	store, err := memory.New(16)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "k", []byte("v")))

	pool := worker.NewPool("low_priority", 1, scheduler.NewGoroutineSystem(), zap.NewNop())
	seq := pool.NewSequence()
	pool.Shutdown()
	c := cache.NewAsync(store, seq)

	var calls atomic.Int32
	var state cache.KeyState
	c.Get("k", func(s cache.KeyState, _ []byte) {
		calls.Add(1)
		state = s
	})
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, cache.NotFound, state)

	c.Put("k2", []byte("v2"))
	_, err = store.Load(context.Background(), "k2")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

// TestKeyStateString covers the log representation.
func TestKeyStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "available", cache.Available.String())
	assert.Equal(t, "not_found", cache.NotFound.String())
	assert.Equal(t, "corrupt", cache.Corrupt.String())
	assert.Equal(t, "unknown", cache.KeyState(42).String())
}
