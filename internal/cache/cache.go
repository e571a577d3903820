// Package cache defines the callback-style cache used by the metadata
// facade and the output cache, and adapts blocking key/value stores to it.
//
// Backends live in subpackages and implement Store. They report a missing
// key with ErrNotFound and an undecodable value with ErrCorrupt; every other
// error is treated as a miss and logged.
package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rewrite-core/internal/logging"
	"github.com/JakeFAU/rewrite-core/internal/metrics"
	"github.com/JakeFAU/rewrite-core/internal/task"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound = errors.New("cache: key not found")
	ErrCorrupt  = errors.New("cache: corrupt value")
)

// KeyState is the outcome of a Get.
type KeyState int

// Key states.
const (
	Available KeyState = iota
	NotFound
	Corrupt
)

func (s KeyState) String() string {
	switch s {
	case Available:
		return "available"
	case NotFound:
		return "not_found"
	case Corrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Callback receives the result of a Get. value is only meaningful when
// state is Available and must not be modified.
type Callback func(state KeyState, value []byte)

// Cache is the asynchronous cache contract. Get delivers exactly one
// callback; Put and Delete are fire and forget.
type Cache interface {
	Get(key string, cb Callback)
	Put(key string, value []byte)
	Delete(key string)
	Name() string
}

// Store is a blocking key/value backend.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Name() string
	Close() error
}

// Executor runs callbacks in submission order, usually a worker sequence.
// A callback it will not run is cancelled.
type Executor interface {
	Add(cb task.Callback)
}

// DefaultOpTimeout bounds one backend operation.
const DefaultOpTimeout = 5 * time.Second

// Option configures an adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithOpTimeout overrides DefaultOpTimeout.
func WithOpTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// Adapter turns a Store into a Cache.
type Adapter struct {
	store   Store
	exec    Executor
	logger  *zap.Logger
	timeout time.Duration
}

// NewAsync returns a Cache running store operations and callbacks on exec.
func NewAsync(store Store, exec Executor, opts ...Option) *Adapter {
	a := &Adapter{store: store, exec: exec, timeout: DefaultOpTimeout}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.Component(a.logger, "cache."+store.Name())
	return a
}

// NewSync returns a Cache running store operations on the calling
// goroutine.
func NewSync(store Store, opts ...Option) *Adapter {
	return NewAsync(store, inline{}, opts...)
}

type inline struct{}

func (inline) Add(cb task.Callback) { cb.Run() }

// Name returns the backend name.
func (a *Adapter) Name() string { return a.store.Name() }

// Store returns the wrapped backend.
func (a *Adapter) Store() Store { return a.store }

// Get loads key and reports its state. When the executor refuses the load,
// as after shutdown, cb sees NotFound.
func (a *Adapter) Get(key string, cb Callback) {
	a.exec.Add(task.New(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		value, err := a.store.Load(ctx, key)
		cancel()
		switch {
		case err == nil:
			metrics.ObserveCacheOp(a.Name(), "get", "hit")
			cb(Available, value)
		case errors.Is(err, ErrNotFound):
			metrics.ObserveCacheOp(a.Name(), "get", "miss")
			cb(NotFound, nil)
		case errors.Is(err, ErrCorrupt):
			metrics.ObserveCacheOp(a.Name(), "get", "corrupt")
			a.logger.Warn("corrupt cache value", zap.String("key", key), zap.Error(err))
			cb(Corrupt, nil)
		default:
			metrics.ObserveCacheOp(a.Name(), "get", "error")
			a.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
			cb(NotFound, nil)
		}
	}, func() {
		metrics.ObserveCacheOp(a.Name(), "get", "cancelled")
		cb(NotFound, nil)
	}))
}

// Put stores value under key.
func (a *Adapter) Put(key string, value []byte) {
	buf := append([]byte(nil), value...)
	a.exec.Add(task.New(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.store.Save(ctx, key, buf); err != nil {
			metrics.ObserveCacheOp(a.Name(), "put", "error")
			a.logger.Warn("cache put failed", zap.String("key", key), zap.Error(err))
			return
		}
		metrics.ObserveCacheOp(a.Name(), "put", "ok")
	}, func() { metrics.ObserveCacheOp(a.Name(), "put", "cancelled") }))
}

// Delete removes key.
func (a *Adapter) Delete(key string) {
	a.exec.Add(task.New(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.store.Remove(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			metrics.ObserveCacheOp(a.Name(), "delete", "error")
			a.logger.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
			return
		}
		metrics.ObserveCacheOp(a.Name(), "delete", "ok")
	}, func() { metrics.ObserveCacheOp(a.Name(), "delete", "cancelled") }))
}

// Close closes the backend.
func (a *Adapter) Close() error {
	return a.store.Close()
}
