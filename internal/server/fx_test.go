package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rewrite-core/internal/cache"
	memorycache "github.com/JakeFAU/rewrite-core/internal/cache/memory"
	"github.com/JakeFAU/rewrite-core/internal/config"
	"github.com/JakeFAU/rewrite-core/internal/fetcher"
	"github.com/JakeFAU/rewrite-core/internal/hash/sha256"
	"github.com/JakeFAU/rewrite-core/internal/hash/xxhash"
	"github.com/JakeFAU/rewrite-core/internal/scheduler"
	"github.com/JakeFAU/rewrite-core/internal/worker"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Metrics.Enabled = false
	cfg.Progress.LogEnabled = true
	cfg.Rewrite.DeadlineMs = 5_000
	cfg.Fetcher.RatePerHost = 0
	return cfg
}

// TestBuildServesRewrites verifies a fully wired app rewrites an origin
// stylesheet and serves the output back.
func TestBuildServesRewrites(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("Cache-Control", "max-age=600")
		_, _ = io.WriteString(w, "body{color:red}")
	}))
	t.Cleanup(origin.Close)

	cfg := testConfig(t)
	app, err := BuildWithLogger(context.Background(), &cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, app.Close(ctx))
	})

	body := `{"filter":"ce","urls":["` + origin.URL + `/site.css"]}`
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/rewrite", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		URLs []string `json:"urls"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.URLs, 1)
	require.True(t, strings.HasPrefix(resp.URLs[0], cfg.URLPrefix()), resp.URLs[0])

	leaf := strings.TrimPrefix(resp.URLs[0], cfg.URLPrefix())
	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pagespeed/"+leaf, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "body{color:red}", rec.Body.String())
}

// TestBuildRejectsUnknownFilter verifies a bad filter list fails the build.
func TestBuildRejectsUnknownFilter(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Rewrite.Filters = []string{"nope"}
	app, err := BuildWithLogger(context.Background(), &cfg, zap.NewNop())
	require.Error(t, err)
	assert.Nil(t, app)
	assert.Contains(t, err.Error(), "filter init failed")
}

// TestOpenStoresFileBackend verifies the file backend keeps metadata and
// outputs in separate directories and runs through the low-priority pool.
func TestOpenStoresFileBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Cache.Backend = config.BackendFile
	cfg.Cache.Dir = t.TempDir()

	meta, out, err := openStores(context.Background(), &cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, meta.Close())
		assert.NoError(t, out.Close())
	})

	pool := worker.NewPool("low_priority", 2, scheduler.NewGoroutineSystem(), nil)
	t.Cleanup(pool.Shutdown)
	metaCache, outCache := adaptStores(&cfg, meta, out, pool, zap.NewNop())

	metaCache.Put("k", []byte("table"))
	require.Eventually(t, func() bool {
		v, err := meta.Load(context.Background(), "k")
		return err == nil && string(v) == "table"
	}, 5*time.Second, 10*time.Millisecond)

	got := make(chan cache.KeyState, 1)
	outCache.Get("k", func(state cache.KeyState, _ []byte) { got <- state })
	select {
	case state := <-got:
		assert.Equal(t, cache.NotFound, state, "outputs do not see metadata keys")
	case <-time.After(5 * time.Second):
		t.Fatal("get did not complete")
	}
}

// TestPoolExecutorCancelsAfterShutdown verifies a cache read queued on a
// stopped low-priority pool still reports a miss exactly once.
func TestPoolExecutorCancelsAfterShutdown(t *testing.T) {
	t.Parallel()

	store, err := memorycache.New(8)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "k", []byte("v")))
	pool := worker.NewPool("low_priority", 1, scheduler.NewGoroutineSystem(), nil)
	c := cache.NewAsync(store, poolExecutor{pool: pool})
	pool.Shutdown()

	var calls []cache.KeyState
	c.Get("k", func(state cache.KeyState, _ []byte) { calls = append(calls, state) })
	assert.Equal(t, []cache.KeyState{cache.NotFound}, calls)
}

// TestOpenStoresPebbleBackend verifies the pebble backend opens one
// database per key space.
func TestOpenStoresPebbleBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Cache.Backend = config.BackendPebble
	cfg.Cache.PebbleDir = t.TempDir()

	meta, out, err := openStores(context.Background(), &cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, meta.Save(context.Background(), "k", []byte("v")))
	_, err = out.Load(context.Background(), "k")
	require.ErrorIs(t, err, cache.ErrNotFound)
	require.NoError(t, meta.Close())
	require.NoError(t, out.Close())
}

func TestNewHasher(t *testing.T) {
	t.Parallel()

	assert.IsType(t, &xxhash.Hasher{}, newHasher(config.RewriteConfig{Hasher: "xxhash"}))
	h := newHasher(config.RewriteConfig{Hasher: "sha256", HashLength: 12})
	assert.IsType(t, &sha256.Hasher{}, h)
	sum, err := h.Hash([]byte("x"))
	require.NoError(t, err)
	assert.Len(t, sum, 12)
}

// TestSetupFetcherAppliesDomainPolicy verifies blocked inputs are refused
// before any origin request.
func TestSetupFetcherAppliesDomainPolicy(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Fetcher.BlockedDomains = []string{"127.0.0.1"}
	f := setupFetcher(&App{cfg: &cfg, logger: zap.NewNop()})

	_, err := f.Fetch(context.Background(), fetcher.Request{URL: "http://127.0.0.1:1/a.css"})
	require.ErrorIs(t, err, fetcher.ErrDomainNotAllowed)
}
