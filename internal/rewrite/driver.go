// Package rewrite runs resource rewrites. A Context drives one rewrite
// through cache lookup, input fetching, partitioning and rewriting, and
// renders the result into its slots. Each Driver serializes the contexts of
// one request on a worker sequence; the ServerContext holds what every
// driver shares.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rewrite-core/internal/cache"
	"github.com/JakeFAU/rewrite-core/internal/clock"
	"github.com/JakeFAU/rewrite-core/internal/fetcher"
	"github.com/JakeFAU/rewrite-core/internal/hash"
	"github.com/JakeFAU/rewrite-core/internal/id/uuid"
	"github.com/JakeFAU/rewrite-core/internal/logging"
	"github.com/JakeFAU/rewrite-core/internal/metacache"
	"github.com/JakeFAU/rewrite-core/internal/metadata"
	"github.com/JakeFAU/rewrite-core/internal/popularity"
	"github.com/JakeFAU/rewrite-core/internal/progress"
	"github.com/JakeFAU/rewrite-core/internal/task"
	"github.com/JakeFAU/rewrite-core/internal/worker"
)

// Sentinel errors.
var (
	ErrUnknownFilter = errors.New("rewrite: unknown filter")
	ErrInputFetch    = errors.New("rewrite: input fetch failed")
	errShutdown      = errors.New("rewrite: shutting down")
)

// Defaults for Options.
const (
	DefaultImplicitCacheTTLMs = 5 * 60 * 1000
	DefaultDeadlineMs         = 1000
	DefaultFetchTimeout       = 10 * time.Second
)

// Options tune rewriting.
type Options struct {
	// URLPrefix is prepended to output leaf names, e.g.
	// "http://localhost:8080/pagespeed/".
	URLPrefix string
	// ImplicitCacheTTLMs is the lifetime of inputs without caching headers
	// and the minimum lifetime of a cached failure.
	ImplicitCacheTTLMs int64
	// DeadlineMs bounds how long RewriteURLs waits before rendering what is
	// done. Rewrites still running continue in the background.
	DeadlineMs   int64
	FetchTimeout time.Duration
}

// Deps are the collaborators shared by all drivers.
type Deps struct {
	Meta    *metacache.Facade
	Outputs cache.Cache
	Contest *popularity.Contest
	Fetcher fetcher.Fetcher
	Hasher  hash.Hasher
	Timer   clock.Timer
	// Rewrite runs the per-driver sequences; Fetch runs blocking input
	// fetches.
	Rewrite *worker.Pool
	Fetch   *worker.Pool
	// Progress receives lifecycle events. Optional.
	Progress progress.Emitter
}

// ServerContext owns the state shared across requests.
type ServerContext struct {
	deps    Deps
	opts    Options
	ids     *uuid.Generator
	logger  *zap.Logger
	filters map[string]Filter
	active  sync.WaitGroup
}

// NewServerContext validates deps and applies option defaults.
func NewServerContext(deps Deps, opts Options, logger *zap.Logger) (*ServerContext, error) {
	switch {
	case deps.Meta == nil:
		return nil, errors.New("rewrite: metadata cache is required")
	case deps.Outputs == nil:
		return nil, errors.New("rewrite: output cache is required")
	case deps.Contest == nil:
		return nil, errors.New("rewrite: popularity contest is required")
	case deps.Fetcher == nil:
		return nil, errors.New("rewrite: fetcher is required")
	case deps.Hasher == nil:
		return nil, errors.New("rewrite: hasher is required")
	case deps.Timer == nil:
		return nil, errors.New("rewrite: timer is required")
	case deps.Rewrite == nil || deps.Fetch == nil:
		return nil, errors.New("rewrite: worker pools are required")
	}
	if opts.ImplicitCacheTTLMs <= 0 {
		opts.ImplicitCacheTTLMs = DefaultImplicitCacheTTLMs
	}
	if opts.DeadlineMs <= 0 {
		opts.DeadlineMs = DefaultDeadlineMs
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	return &ServerContext{
		deps:    deps,
		opts:    opts,
		ids:     uuid.New(),
		logger:  logging.Component(logger, "rewrite"),
		filters: make(map[string]Filter),
	}, nil
}

// RegisterFilter makes f available by its ID. Filters must be registered
// before the first driver is created.
func (sc *ServerContext) RegisterFilter(f Filter) {
	sc.filters[f.ID()] = f
}

// Filter returns the filter registered under id.
func (sc *ServerContext) Filter(id string) (Filter, bool) {
	f, ok := sc.filters[id]
	return f, ok
}

// Filters returns the registered filter IDs.
func (sc *ServerContext) Filters() []string {
	ids := make([]string, 0, len(sc.filters))
	for id := range sc.filters {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// OutputURL returns the absolute URL of an output leaf.
func (sc *ServerContext) OutputURL(name ResourceName) string {
	return sc.opts.URLPrefix + name.String()
}

// PartitionKey returns the metadata key a context of filterID over urls
// uses.
func (sc *ServerContext) PartitionKey(filterID string, urls []string) (string, error) {
	f, ok := sc.Filter(filterID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFilter, filterID)
	}
	return partitionKey(f, urls, ""), nil
}

// PeekMetadata returns the fresh partition table cached under key, or nil.
// It never takes the key's lock.
func (sc *ServerContext) PeekMetadata(ctx context.Context, key string) (*metadata.OutputPartitions, error) {
	got := make(chan *metadata.OutputPartitions, 1)
	sc.deps.Meta.Peek(key, func(p *metadata.OutputPartitions) { got <- p })
	select {
	case p := <-got:
		return p, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("peek metadata: %w", ctx.Err())
	}
}

func partitionKey(f Filter, urls []string, rctx string) string {
	return f.Encoder().Encode(urls, rctx) + ":" + f.ID()
}

// Wait blocks until every initiated context is done or ctx expires.
func (sc *ServerContext) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		sc.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for rewrites: %w", ctx.Err())
	}
}

// NewDriver returns a driver with its own rewrite sequence.
func (sc *ServerContext) NewDriver() *Driver {
	return &Driver{sc: sc, seq: sc.deps.Rewrite.NewSequence()}
}

// Driver runs the contexts of one request. Context state is only touched on
// the driver's sequence.
type Driver struct {
	sc  *ServerContext
	seq *worker.Sequence

	mu       sync.Mutex
	live     int
	released bool
}

// NewContext returns a context rewriting with f.
func (d *Driver) NewContext(f Filter) *Context {
	id, err := d.sc.ids.NewRawID()
	if err != nil {
		d.sc.logger.Warn("context id", zap.Error(err))
	}
	return &Context{
		driver: d,
		filter: f,
		id:     id,
		logger: d.sc.logger.With(zap.String("filter", f.ID()), zap.String("context", id.String())),
	}
}

// Close releases the driver. Its sequence shuts down once the last context
// is done, so rewrites past the deadline still finish.
func (d *Driver) Close() {
	d.mu.Lock()
	d.released = true
	idle := d.live == 0
	d.mu.Unlock()
	if idle {
		d.seq.Close()
	}
}

// RewriteURLs rewrites urls with the filter filterID and returns the URL
// each input should be referenced by: the rewritten URL, the original, or
// "" for an input combined into another output. It waits at most the
// configured deadline or until ctx is done.
func (d *Driver) RewriteURLs(ctx context.Context, filterID string, urls []string) ([]string, error) {
	f, ok := d.sc.Filter(filterID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFilter, filterID)
	}
	if len(urls) == 0 {
		return nil, nil
	}
	slots := make([]*Slot, len(urls))
	for i, u := range urls {
		slots[i] = NewSlot(NewResource(u))
	}
	groups := [][]*Slot{slots}
	if _, single := f.(SingleResource); single {
		groups = groups[:0]
		for _, s := range slots {
			groups = append(groups, []*Slot{s})
		}
	}

	var remaining atomic.Int32
	remaining.Store(int32(len(groups)))
	done := make(chan struct{})
	for _, g := range groups {
		c := d.NewContext(f)
		for _, s := range g {
			c.AddSlot(s)
		}
		c.OnDone(func() {
			if remaining.Add(-1) == 0 {
				close(done)
			}
		})
		c.Initiate()
	}

	timer := time.NewTimer(time.Duration(d.sc.opts.DeadlineMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		d.sc.logger.Debug("rewrite deadline reached", zap.String("filter", filterID), zap.Int("inputs", len(urls)))
	case <-ctx.Done():
	}

	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.URL()
	}
	return out, nil
}

// FetchResource reconstructs the output named by leaf, writing headers into
// headers and the body to w. cb reports success exactly once unless an
// error is returned.
func (d *Driver) FetchResource(leaf string, w io.Writer, headers http.Header, cb func(ok bool)) error {
	name, err := ParseResourceName(leaf)
	if err != nil {
		return err
	}
	f, ok := d.sc.Filter(name.ID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFilter, name.ID)
	}
	return d.NewContext(f).Fetch(name, w, headers, cb)
}

// post runs fn on the driver's sequence, or cancel once the sequence no
// longer runs tasks.
func (d *Driver) post(fn, cancel func()) {
	d.seq.Add(task.New(fn, cancel))
}

func (d *Driver) addContext() {
	d.mu.Lock()
	d.live++
	d.mu.Unlock()
	d.sc.active.Add(1)
}

func (d *Driver) contextDone() {
	d.mu.Lock()
	d.live--
	idle := d.live == 0 && d.released
	d.mu.Unlock()
	d.sc.active.Done()
	if idle {
		d.seq.Close()
	}
}

// loadInput fetches url on the fetch pool and delivers the response on the
// driver's sequence. abort runs instead when that sequence is gone.
func (d *Driver) loadInput(url string, done func(fetcher.Response, error), abort func()) {
	seq := d.sc.deps.Fetch.NewSequence()
	seq.Add(task.New(
		func() {
			defer seq.Close()
			ctx, cancel := context.WithTimeout(context.Background(), d.sc.opts.FetchTimeout)
			resp, err := d.sc.deps.Fetcher.Fetch(ctx, fetcher.Request{URL: url})
			cancel()
			d.post(func() { done(resp, err) }, abort)
		},
		func() { d.post(func() { done(fetcher.Response{}, errShutdown) }, abort) },
	))
}
