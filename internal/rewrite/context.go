package rewrite

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/rewrite-core/internal/cache"
	"github.com/JakeFAU/rewrite-core/internal/fetcher"
	"github.com/JakeFAU/rewrite-core/internal/lock"
	"github.com/JakeFAU/rewrite-core/internal/metacache"
	"github.com/JakeFAU/rewrite-core/internal/metadata"
	"github.com/JakeFAU/rewrite-core/internal/metrics"
	"github.com/JakeFAU/rewrite-core/internal/progress"
	"github.com/JakeFAU/rewrite-core/internal/task"
)

// Cache-Control values for served outputs.
const (
	cacheControlVersioned   = "public, max-age=31536000"
	cacheControlUnversioned = "public, max-age=300"
)

// State is a Context's position in its lifecycle.
type State int

// Context states, in the order a full rewrite passes through them.
const (
	StateStart State = iota
	StateCacheLookup
	StateLockAndFetch
	StatePartition
	StateRewritePartitions
	StateWriteMetadata
	StateRendered
	StatePropagate
	StateDone
)

var stateNames = [...]string{
	"start",
	"cache_lookup",
	"lock_and_fetch",
	"partition",
	"rewrite_partitions",
	"write_metadata",
	"rendered",
	"propagate",
	"done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Context is one rewrite: a filter applied to an ordered set of slots. It
// moves through cache lookup, input fetching, partitioning and rewriting on
// its driver's sequence and renders the outcome into its slots. A Context
// either renders outputs computed now or read from the metadata cache, or
// leaves its slots untouched.
type Context struct {
	driver *Driver
	filter Filter
	id     uuid.UUID
	rctx   string
	slots  []*Slot
	logger *zap.Logger
	begun  time.Time

	state      State
	key        string
	partitions *metadata.OutputPartitions
	outputs    [][]byte
	fromCache  bool
	tooBusy    bool
	failed     bool

	// heldMu guards what drop must give back; drop may run off the
	// sequence.
	heldMu   sync.Mutex
	lock     lock.NamedLock
	admitted bool
	finished atomic.Bool

	pendingFetches int

	parent        *Context
	nested        []*Context
	pendingNested int
	nestedStarted bool
	waitingNested bool

	// predecessors counts earlier contexts sharing a slot that are not done.
	predecessors int
	successors   []*Context
	initiated    bool

	fetch  *fetchContext
	onDone []func()
}

// fetchContext holds the response plumbing of a Fetch.
type fetchContext struct {
	name    ResourceName
	w       io.Writer
	headers http.Header
	cb      func(ok bool)
	// served is an output found in the output cache.
	served []byte
}

// ID returns the context's unique identifier.
func (c *Context) ID() string { return c.id.String() }

// Filter returns the filter driving the context.
func (c *Context) Filter() Filter { return c.filter }

// State returns the current state. Only meaningful on the rewrite sequence
// or once the context is done.
func (c *Context) State() State { return c.state }

// PartitionKey returns the metadata cache key, once computed.
func (c *Context) PartitionKey() string { return c.key }

// Partitions returns the partition table, once known.
func (c *Context) Partitions() *metadata.OutputPartitions { return c.partitions }

// FromCache reports whether the partition table was read from the metadata
// cache.
func (c *Context) FromCache() bool { return c.fromCache }

// Slots returns the context's slots in order.
func (c *Context) Slots() []*Slot { return c.slots }

// Nested returns the nested contexts.
func (c *Context) Nested() []*Context { return c.nested }

// ResourceContext returns the extra naming input, e.g. image dimensions.
func (c *Context) ResourceContext() string { return c.rctx }

// SetResourceContext sets the extra naming input. It is part of the
// partition key and of output names.
func (c *Context) SetResourceContext(rctx string) { c.rctx = rctx }

// Output returns the bytes produced for partition i, if any.
func (c *Context) Output(i int) []byte {
	if i < 0 || i >= len(c.outputs) {
		return nil
	}
	return c.outputs[i]
}

// AddSlot appends a slot. Slots cannot be added once the context is
// initiated.
func (c *Context) AddSlot(s *Slot) {
	if c.initiated {
		panic("rewrite: AddSlot after Initiate")
	}
	c.slots = append(c.slots, s)
}

// OnDone registers fn to run on the rewrite sequence when the context is
// done. Must be called before Initiate.
func (c *Context) OnDone(fn func()) {
	c.onDone = append(c.onDone, fn)
}

// Initiate queues the context on its driver. It starts once every earlier
// context sharing one of its slots is done.
func (c *Context) Initiate() {
	if c.parent != nil {
		panic("rewrite: nested contexts are started by their parent")
	}
	if c.initiated {
		panic("rewrite: context initiated twice")
	}
	c.initiated = true
	c.driver.addContext()
	c.driver.post(c.begin, c.drop)
}

// AddNestedContext creates a context that rewrites part of c's work with
// filter f. The parent waits for it before writing its own metadata.
func (c *Context) AddNestedContext(f Filter) *Context {
	n := c.driver.NewContext(f)
	n.parent = c
	n.rctx = c.rctx
	c.nested = append(c.nested, n)
	c.pendingNested++
	return n
}

// StartNestedTasks starts every nested context that has not started. It
// runs on the rewrite sequence, usually from Partition or Rewrite.
func (c *Context) StartNestedTasks() {
	if c.nestedStarted {
		return
	}
	c.nestedStarted = true
	for _, n := range c.nested {
		n.initiated = true
		c.driver.addContext()
		c.driver.post(n.begin, n.drop)
	}
}

// Fetch reconstructs the output named by name into w. cb reports whether a
// body was written.
func (c *Context) Fetch(name ResourceName, w io.Writer, headers http.Header, cb func(ok bool)) error {
	if name.ID != c.filter.ID() {
		return fmt.Errorf("%w: %q is not a %s output", ErrBadResourceName, name.String(), c.filter.ID())
	}
	urls, rctx, err := c.filter.Encoder().Decode(name.Name)
	if err != nil {
		return err
	}
	c.rctx = rctx
	for _, u := range urls {
		c.AddSlot(NewSlot(NewResource(u)))
	}
	c.fetch = &fetchContext{name: name, w: w, headers: headers, cb: cb}
	c.Initiate()
	return nil
}

// begin links c behind the earlier contexts sharing its slots.
func (c *Context) begin() {
	for _, s := range c.slots {
		if prev := s.last; prev != nil && prev != c && prev.state != StateDone {
			c.predecessors++
			prev.successors = append(prev.successors, c)
		}
		s.last = c
	}
	if c.predecessors == 0 {
		c.start()
	}
}

func (c *Context) predecessorDone() {
	c.predecessors--
	if c.predecessors == 0 {
		c.start()
	}
}

func (c *Context) start() {
	c.state = StateCacheLookup
	c.begun = time.Now()
	c.key = partitionKey(c.filter, c.inputURLs(c.slots), c.rctx)
	c.emit(progress.Event{Stage: progress.StageContextStart})

	policy := metacache.Bypass
	if c.fetch != nil {
		policy = metacache.WaitForWinner
	}
	c.driver.sc.deps.Meta.Lookup(c.key, policy, func(r metacache.LookupResult) {
		c.driver.post(func() { c.lookupDone(r) }, func() {
			if r.Lock != nil {
				c.hold(r.Lock)
			}
			c.drop()
		})
	})
}

func (c *Context) lookupDone(r metacache.LookupResult) {
	switch r.Outcome {
	case metacache.Hit:
		c.partitions = r.Partitions
		c.fromCache = true
		c.emit(progress.Event{Stage: progress.StageCacheHit})
		if c.fetch != nil {
			c.fetchCachedOutput()
			return
		}
		c.render()
	case metacache.Contended:
		if c.fetch != nil {
			// Serve a private rewrite without touching the metadata.
			c.fetchInputs()
			return
		}
		c.propagate()
	case metacache.Compute:
		c.hold(r.Lock)
		if c.fetch != nil {
			c.fetchInputs()
			return
		}
		c.driver.sc.deps.Contest.ScheduleRewrite(c.key, task.New(
			func() {
				c.driver.post(func() {
					c.setAdmitted()
					c.fetchInputs()
				}, func() {
					c.setAdmitted()
					c.drop()
				})
			},
			func() {
				c.driver.post(func() {
					c.logger.Debug("rewrite not admitted", zap.String("key", c.key))
					c.abandon()
					c.propagate()
				}, c.drop)
			},
		))
	}
}

// fetchCachedOutput serves a Fetch from the output cache, rebuilding the
// output from its inputs when the cache no longer has it.
func (c *Context) fetchCachedOutput() {
	url := c.driver.sc.OutputURL(c.fetch.name)
	if _, ok := c.partitions.Find(url); !ok {
		c.fetchInputs()
		return
	}
	c.driver.sc.deps.Outputs.Get(url, func(state cache.KeyState, value []byte) {
		body := append([]byte(nil), value...)
		c.driver.post(func() {
			if state == cache.Available {
				c.fetch.served = body
				c.propagate()
				return
			}
			c.fetchInputs()
		}, c.drop)
	})
}

func (c *Context) fetchInputs() {
	c.state = StateLockAndFetch
	for _, s := range c.slots {
		r := s.Resource()
		if r.Loaded {
			continue
		}
		c.pendingFetches++
		started := time.Now()
		c.driver.loadInput(r.URL, func(resp fetcher.Response, err error) {
			c.inputLoaded(r, resp, err, time.Since(started))
		}, c.drop)
	}
	if c.pendingFetches == 0 {
		c.inputsReady()
	}
}

func (c *Context) inputLoaded(r *Resource, resp fetcher.Response, err error, dur time.Duration) {
	c.pendingFetches--
	r.Loaded = true
	now := c.driver.sc.deps.Timer.NowMs()
	switch {
	case err != nil:
		r.Err = err
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		r.Err = fmt.Errorf("%w: %s returned %d", ErrInputFetch, r.URL, resp.StatusCode)
	default:
		r.Contents = resp.Body
		r.ContentType = resp.Headers.Get("Content-Type")
		ttlMs := c.driver.sc.opts.ImplicitCacheTTLMs
		if ttl, ok := resp.TTL(time.UnixMilli(now)); ok {
			ttlMs = ttl.Milliseconds()
		}
		r.ExpirationMs = now + ttlMs
	}
	evt := progress.Event{
		Stage:       progress.StageInputFetch,
		URL:         r.URL,
		Bytes:       int64(len(r.Contents)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         dur,
	}
	if r.Err != nil {
		evt.Note = r.Err.Error()
	}
	c.emit(evt)
	if c.pendingFetches == 0 {
		c.inputsReady()
	}
}

func (c *Context) inputsReady() {
	for _, s := range c.slots {
		if r := s.Resource(); !r.Valid() {
			c.logger.Debug("input unavailable", zap.String("url", r.URL), zap.Error(r.Err))
			c.failed = true
		}
	}
	if c.failed {
		c.abandon()
		c.propagate()
		return
	}
	c.partition()
}

func (c *Context) partition() {
	c.state = StatePartition
	if c.partitions == nil {
		inputs := c.resources(c.slots)
		parts, ok := c.filter.Partition(c, inputs)
		if !ok {
			c.tooBusy = true
			c.abandon()
			c.propagate()
			return
		}
		c.partitions = &metadata.OutputPartitions{
			Partitions:       parts,
			ExpirationTimeMs: minExpiration(inputs),
			Version:          metadata.Version,
		}
	}
	for _, p := range c.partitions.Partitions {
		if !c.validInputs(p.Input) {
			c.logger.Warn("partition references a missing input", zap.String("key", c.key), zap.Ints("input", p.Input))
			c.failed = true
			c.abandon()
			c.propagate()
			return
		}
	}
	c.rewritePartitions()
}

func (c *Context) rewritePartitions() {
	c.state = StateRewritePartitions
	c.outputs = make([][]byte, len(c.partitions.Partitions))
	for i := range c.partitions.Partitions {
		c.rewritePartition(i)
	}
	if c.pendingNested > 0 {
		c.waitingNested = true
		c.StartNestedTasks()
		return
	}
	c.harvest()
}

func (c *Context) rewritePartition(i int) {
	sc := c.driver.sc
	p := &c.partitions.Partitions[i]
	if c.fromCache && !p.Result.Optimizable {
		return
	}
	inputs := c.partitionInputs(p)
	res, out := c.filter.Rewrite(c, p, inputs)
	metrics.ObserveRewrite(c.filter.ID(), res.String())
	defer func() {
		c.emit(progress.Event{Stage: progress.StageRewrite, URL: p.Result.URL, Bytes: int64(len(out)), Note: res.String()})
	}()

	if c.fromCache {
		// Rebuilding a cached output for Fetch; the table stays as read.
		if res != RewriteOk {
			return
		}
		c.outputs[i] = out
		if h, err := sc.deps.Hasher.Hash(out); err == nil && h == p.Result.Hash {
			sc.deps.Outputs.Put(p.Result.URL, out)
		}
		return
	}

	now := sc.deps.Timer.NowMs()
	switch res {
	case RewriteOk:
		h, err := sc.deps.Hasher.Hash(out)
		if err != nil {
			c.logger.Warn("hash output", zap.Error(err))
			c.negative(p, inputs, now)
			return
		}
		ext := p.Result.Extension
		if ext == "" {
			ext = inputs[0].Extension()
		}
		if ext == "" {
			ext = "bin"
		}
		name := ResourceName{
			Name: c.filter.Encoder().Encode(c.inputURLs(c.partitionSlots(p)), c.rctx),
			ID:   c.filter.ID(),
			Hash: h,
			Ext:  ext,
		}
		p.Result.Optimizable = true
		p.Result.URL = sc.OutputURL(name)
		p.Result.Hash = h
		p.Result.Extension = ext
		p.Result.OriginExpirationTimeMs = minExpiration(inputs)
		p.Result.Size = int64(len(out))
		c.outputs[i] = out
		sc.deps.Outputs.Put(p.Result.URL, out)
	case RewriteFailed:
		c.negative(p, inputs, now)
	default:
		c.tooBusy = true
		p.Result = metadata.CachedResult{Extension: p.Result.Extension, Metadata: p.Result.Metadata}
	}
}

// negative records a failed partition so it is not retried before the
// inputs expire, and for at least the implicit cache TTL.
func (c *Context) negative(p *metadata.OutputPartition, inputs []*Resource, now int64) {
	ttl := minExpiration(inputs) - now
	if implicit := c.driver.sc.opts.ImplicitCacheTTLMs; ttl < implicit {
		ttl = implicit
	}
	p.Result = metadata.CachedResult{
		Extension:              p.Result.Extension,
		Metadata:               p.Result.Metadata,
		OriginExpirationTimeMs: now + ttl,
	}
	c.failed = true
}

func (c *Context) nestedDone() {
	c.pendingNested--
	if c.pendingNested == 0 && c.waitingNested {
		c.waitingNested = false
		c.harvest()
	}
}

func (c *Context) harvest() {
	if h, ok := c.filter.(Harvester); ok && !c.fromCache {
		h.Harvest(c)
	}
	c.writeMetadata()
}

func (c *Context) writeMetadata() {
	c.state = StateWriteMetadata
	switch l := c.takeLock(); {
	case l == nil:
	case c.tooBusy:
		c.driver.sc.deps.Meta.Abandon(l)
	default:
		c.driver.sc.deps.Meta.Store(c.key, c.partitions, l)
	}
	c.notifyContest()
	c.render()
}

func (c *Context) render() {
	c.state = StateRendered
	if c.partitions != nil {
		for _, p := range c.partitions.Partitions {
			if !p.Result.Optimizable || len(p.Input) == 0 || !c.validInputs(p.Input) {
				continue
			}
			c.slots[p.Input[0]].Render(p.Result.URL)
			for _, idx := range p.Input[1:] {
				c.slots[idx].Remove()
			}
		}
	}
	c.propagate()
}

// abandon gives up the computation without caching anything.
func (c *Context) abandon() {
	if l := c.takeLock(); l != nil {
		c.driver.sc.deps.Meta.Abandon(l)
	}
	c.notifyContest()
}

func (c *Context) notifyContest() {
	if !c.takeAdmitted() {
		return
	}
	if c.failed || c.tooBusy {
		c.driver.sc.deps.Contest.NotifyRewriteFailed(c.key)
		return
	}
	c.driver.sc.deps.Contest.NotifyRewriteComplete(c.key)
}

func (c *Context) propagate() {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}
	c.state = StatePropagate
	if c.fetch != nil {
		c.deliver()
	}
	c.state = StateDone
	c.emit(progress.Event{Stage: progress.StageContextDone, Dur: time.Since(c.begun), Note: c.outcome()})
	c.release()
}

// release wakes the contexts waiting on c and retires it from its driver.
func (c *Context) release() {
	for _, s := range c.successors {
		c.driver.post(s.predecessorDone, s.drop)
	}
	c.successors = nil
	if c.parent != nil {
		c.driver.post(c.parent.nestedDone, c.parent.drop)
	}
	for _, fn := range c.onDone {
		fn()
	}
	c.driver.contextDone()
}

// drop gives back the metadata lock and contest slot c holds once its
// driver's sequence stops running tasks, as when the rewrite pool shuts
// down under it. A Fetch reports failure.
func (c *Context) drop() {
	if l := c.takeLock(); l != nil {
		c.driver.sc.deps.Meta.Abandon(l)
	}
	if c.takeAdmitted() {
		c.driver.sc.deps.Contest.NotifyRewriteFailed(c.key)
	}
	if !c.finished.CompareAndSwap(false, true) {
		return
	}
	c.logger.Debug("context dropped", zap.String("key", c.key))
	if c.fetch != nil {
		c.fetch.cb(false)
	}
	c.release()
}

func (c *Context) hold(l lock.NamedLock) {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	c.lock = l
}

func (c *Context) takeLock() lock.NamedLock {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	l := c.lock
	c.lock = nil
	return l
}

func (c *Context) setAdmitted() {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	c.admitted = true
}

func (c *Context) takeAdmitted() bool {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	a := c.admitted
	c.admitted = false
	return a
}

// deliver writes the Fetch response: a cached or fresh output, or the
// single input unchanged.
func (c *Context) deliver() {
	f := c.fetch
	body, hash, ext := f.served, f.name.Hash, f.name.Ext
	found := body != nil
	if !found {
		if i := c.fetchedPartition(); i >= 0 && c.outputs[i] != nil {
			body, hash, found = c.outputs[i], c.partitions.Partitions[i].Result.Hash, true
		}
	}
	contentType := ""
	if !found && len(c.slots) == 1 && c.slots[0].Resource().Valid() {
		r := c.slots[0].Resource()
		body, hash, found, contentType = r.Contents, "", true, r.ContentType
	}
	if !found {
		c.logger.Debug("fetch failed", zap.String("name", f.name.String()))
		f.cb(false)
		return
	}
	if f.headers != nil {
		if contentType == "" {
			contentType = mime.TypeByExtension("." + ext)
		}
		if contentType != "" {
			f.headers.Set("Content-Type", contentType)
		}
		if hash == f.name.Hash {
			f.headers.Set("Cache-Control", cacheControlVersioned)
		} else {
			f.headers.Set("Cache-Control", cacheControlUnversioned)
		}
	}
	_, err := f.w.Write(body)
	if err != nil {
		c.logger.Debug("write fetched output", zap.Error(err))
	}
	f.cb(err == nil)
}

// fetchedPartition returns the index of the partition whose inputs the
// fetched name encodes, or -1.
func (c *Context) fetchedPartition() int {
	if c.partitions == nil {
		return -1
	}
	enc := c.filter.Encoder()
	for i := range c.partitions.Partitions {
		p := &c.partitions.Partitions[i]
		if !c.validInputs(p.Input) {
			continue
		}
		if enc.Encode(c.inputURLs(c.partitionSlots(p)), c.rctx) == c.fetch.name.Name {
			return i
		}
	}
	return -1
}

func (c *Context) outcome() string {
	switch {
	case c.failed:
		return "failed"
	case c.tooBusy:
		return "too_busy"
	case c.fromCache:
		return "cached"
	case c.partitions == nil:
		return "skipped"
	default:
		return "rewritten"
	}
}

func (c *Context) emit(evt progress.Event) {
	sink := c.driver.sc.deps.Progress
	if sink == nil {
		return
	}
	evt.ContextID = progress.UUIDToBytes(c.id)
	evt.TS = time.Now().UTC()
	evt.Filter = c.filter.ID()
	evt.Key = c.key
	sink.Emit(evt)
}

func (c *Context) validInputs(idx []int) bool {
	for _, i := range idx {
		if i < 0 || i >= len(c.slots) {
			return false
		}
	}
	return true
}

func (c *Context) partitionSlots(p *metadata.OutputPartition) []*Slot {
	out := make([]*Slot, len(p.Input))
	for i, idx := range p.Input {
		out[i] = c.slots[idx]
	}
	return out
}

func (c *Context) partitionInputs(p *metadata.OutputPartition) []*Resource {
	return c.resources(c.partitionSlots(p))
}

func (c *Context) resources(slots []*Slot) []*Resource {
	out := make([]*Resource, len(slots))
	for i, s := range slots {
		out[i] = s.Resource()
	}
	return out
}

func (c *Context) inputURLs(slots []*Slot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Resource().URL
	}
	return out
}

func minExpiration(inputs []*Resource) int64 {
	var earliest int64
	for i, r := range inputs {
		if i == 0 || r.ExpirationMs < earliest {
			earliest = r.ExpirationMs
		}
	}
	return earliest
}
