package server

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/rewrite-core/internal/cache"
	filecache "github.com/JakeFAU/rewrite-core/internal/cache/file"
	gcscache "github.com/JakeFAU/rewrite-core/internal/cache/gcs"
	memorycache "github.com/JakeFAU/rewrite-core/internal/cache/memory"
	pebblecache "github.com/JakeFAU/rewrite-core/internal/cache/pebble"
	pgcache "github.com/JakeFAU/rewrite-core/internal/cache/postgres"
	rediscache "github.com/JakeFAU/rewrite-core/internal/cache/redis"
	"github.com/JakeFAU/rewrite-core/internal/config"
	"github.com/JakeFAU/rewrite-core/internal/task"
	"github.com/JakeFAU/rewrite-core/internal/worker"
)

const (
	metadataSpace = "metadata"
	outputsSpace  = "outputs"
)

// openStores opens one backend instance for partition tables and one for
// rewritten outputs, so the two never share a key space or an eviction
// budget.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.Store, cache.Store, error) {
	meta, err := openStore(ctx, cfg, metadataSpace, logger)
	if err != nil {
		return nil, nil, err
	}
	out, err := openStore(ctx, cfg, outputsSpace, logger)
	if err != nil {
		if closeErr := meta.Close(); closeErr != nil {
			logger.Warn("close metadata store", zap.Error(closeErr))
		}
		return nil, nil, err
	}
	logger.Info("cache stores opened", zap.String("backend", cfg.Cache.Backend))
	return meta, out, nil
}

func openStore(ctx context.Context, cfg *config.Config, space string, logger *zap.Logger) (cache.Store, error) {
	cc := cfg.Cache
	var (
		s   cache.Store
		err error
	)
	switch cc.Backend {
	case config.BackendMemory:
		s, err = memorycache.New(cc.LRUEntries)
	case config.BackendFile:
		s, err = filecache.New(filecache.Config{BaseDir: filepath.Join(cc.Dir, space)})
	case config.BackendGCS:
		s, err = gcscache.Dial(ctx, gcscache.Config{Bucket: cc.Bucket, Prefix: cc.Prefix + space + "/"}, logger)
	case config.BackendRedis:
		s, err = rediscache.New(rediscache.Config{
			Addr:     cc.RedisAddr,
			Password: cc.RedisPassword,
			DB:       cc.RedisDB,
			TTL:      cc.RedisTTL,
			Prefix:   cc.Prefix + space + "/",
		})
	case config.BackendPebble:
		s, err = pebblecache.Open(pebblecache.Options{
			Dir:         filepath.Join(cc.PebbleDir, space),
			CacheSizeMB: cc.PebbleCacheMB,
		})
	case config.BackendPostgres:
		table := cfg.Database.Table
		if space == outputsSpace {
			table = cfg.Database.OutputsTable
		}
		s, err = pgcache.New(ctx, pgcache.Config{
			DSN:             cfg.Database.DSN,
			Table:           table,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cc.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s %s store: %w", cc.Backend, space, err)
	}
	return s, nil
}

// adaptStores wraps the stores as callback caches. The in-process LRU
// answers inline; every other backend blocks on I/O and runs on the
// low-priority pool.
func adaptStores(
	cfg *config.Config,
	meta, out cache.Store,
	pool *worker.Pool,
	logger *zap.Logger,
) (cache.Cache, cache.Cache) {
	opts := []cache.Option{cache.WithLogger(logger), cache.WithOpTimeout(cfg.Cache.OpTimeout)}
	if cfg.Cache.Backend == config.BackendMemory {
		return cache.NewSync(meta, opts...), cache.NewSync(out, opts...)
	}
	exec := poolExecutor{pool: pool}
	return cache.NewAsync(meta, exec, opts...), cache.NewAsync(out, exec, opts...)
}

// poolExecutor runs each callback on a fresh sequence of pool, so slow
// backend calls proceed in parallel up to the pool size. Once the pool is
// shut down callbacks are cancelled.
type poolExecutor struct {
	pool *worker.Pool
}

func (e poolExecutor) Add(cb task.Callback) {
	seq := e.pool.NewSequence()
	seq.Add(task.New(
		func() {
			defer seq.Close()
			cb.Run()
		},
		func() {
			seq.Close()
			cb.Cancel()
		},
	))
}
