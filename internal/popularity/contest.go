// Package popularity bounds how many rewrites run and queue at once. Keys
// requested often while waiting or running sort ahead of the rest; repeat
// requests for a queued key collapse into one callback.
package popularity

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/rewrite-core/internal/logging"
	"github.com/JakeFAU/rewrite-core/internal/stats"
	"github.com/JakeFAU/rewrite-core/internal/task"
)

// Statistic names.
const (
	RewritesRequested       = "popularity-contest-num-rewrites-requested"
	RewritesSucceeded       = "popularity-contest-num-rewrites-succeeded"
	RewritesFailed          = "popularity-contest-num-rewrites-failed"
	RewritesRejectedFull    = "popularity-contest-num-rewrites-rejected-queue-full"
	RewritesRejectedRunning = "popularity-contest-num-rewrites-rejected-already-running"
	QueueSize               = "popularity-contest-queue-size"
	RewritesRunning         = "popularity-contest-num-rewrites-running"
	RewritesAwaitingRetry   = "popularity-contest-num-rewrites-awaiting-retry"
)

// ErrInvalidLimits is returned when a limit is not positive.
var ErrInvalidLimits = errors.New("popularity: max rewrites and max queue must be positive")

type state int

const (
	stateQueued state = iota
	stateRunning
	stateAwaitingRetry
)

type entry struct {
	key      string
	state    state
	priority int64
	// saved is the priority carried over from a running or failed attempt.
	saved int64
	cb    task.Callback
	seq   uint64
	pos   int
}

// Contest is the admission controller. All methods are safe for concurrent
// use and never run callbacks with the internal mutex held.
type Contest struct {
	maxRewrites int
	maxQueue    int
	logger      *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	queue   entryHeap
	retry   []*entry // awaiting retry, oldest first
	running int
	seq     uint64

	requested       *stats.Variable
	succeeded       *stats.Variable
	failed          *stats.Variable
	rejectedFull    *stats.Variable
	rejectedRunning *stats.Variable
	queueSize       *stats.Variable
	runningGauge    *stats.Variable
	awaitingRetry   *stats.Variable
}

// New returns a contest that runs at most maxRewrites rewrites and tracks at
// most maxQueue keys, counting into s.
func New(s *stats.Statistics, maxRewrites, maxQueue int, logger *zap.Logger) (*Contest, error) {
	if maxRewrites <= 0 || maxQueue <= 0 {
		return nil, fmt.Errorf("%w: max_rewrites=%d max_queue=%d", ErrInvalidLimits, maxRewrites, maxQueue)
	}
	return &Contest{
		maxRewrites:     maxRewrites,
		maxQueue:        maxQueue,
		logger:          logging.Component(logger, "popularity"),
		entries:         make(map[string]*entry),
		requested:       s.AddVariable(RewritesRequested),
		succeeded:       s.AddVariable(RewritesSucceeded),
		failed:          s.AddVariable(RewritesFailed),
		rejectedFull:    s.AddVariable(RewritesRejectedFull),
		rejectedRunning: s.AddVariable(RewritesRejectedRunning),
		queueSize:       s.AddUpDownCounter(QueueSize),
		runningGauge:    s.AddUpDownCounter(RewritesRunning),
		awaitingRetry:   s.AddUpDownCounter(RewritesAwaitingRetry),
	}, nil
}

// ScheduleRewrite asks to rewrite key. cb runs once the rewrite may start,
// or is cancelled when key is already running, when the contest is full, or
// when a later request for the same key replaces it. A caller whose cb ran
// must report the outcome with NotifyRewriteComplete or NotifyRewriteFailed.
func (c *Contest) ScheduleRewrite(key string, cb task.Callback) {
	c.mu.Lock()
	c.requested.Inc()

	e, ok := c.entries[key]
	if !ok {
		if len(c.entries) >= c.maxQueue {
			c.dropRetriesLocked()
		}
		if len(c.entries) >= c.maxQueue {
			c.rejectedFull.Inc()
			c.mu.Unlock()
			c.logger.Debug("queue full", zap.String("key", key))
			cb.Cancel()
			return
		}
		c.seq++
		e = &entry{key: key, state: stateQueued, seq: c.seq, pos: -1}
		c.entries[key] = e
	}

	var replaced task.Callback
	switch e.state {
	case stateRunning:
		e.saved++
		c.rejectedRunning.Inc()
		c.mu.Unlock()
		cb.Cancel()
		return
	case stateAwaitingRetry:
		c.removeRetryLocked(e)
		e.state = stateQueued
		e.priority = e.saved + 1
		c.seq++
		e.seq = c.seq
	default:
		replaced = e.cb
		e.priority++
	}
	e.cb = cb
	if e.pos < 0 {
		heap.Push(&c.queue, e)
	} else {
		heap.Fix(&c.queue, e.pos)
	}

	start := c.startLocked()
	c.mu.Unlock()

	if replaced != nil {
		replaced.Cancel()
	}
	runAll(start)
}

// NotifyRewriteComplete records success for a running key and starts the
// next rewrite. It panics if key is not running.
func (c *Contest) NotifyRewriteComplete(key string) {
	c.mu.Lock()
	e := c.runningEntryLocked(key)
	c.succeeded.Inc()
	c.running--
	delete(c.entries, e.key)
	start := c.startLocked()
	c.mu.Unlock()
	runAll(start)
}

// NotifyRewriteFailed records failure for a running key. The key keeps its
// priority so a later request inherits it. It panics if key is not running.
func (c *Contest) NotifyRewriteFailed(key string) {
	c.mu.Lock()
	e := c.runningEntryLocked(key)
	c.failed.Inc()
	c.running--
	e.state = stateAwaitingRetry
	c.retry = append(c.retry, e)
	start := c.startLocked()
	c.mu.Unlock()
	runAll(start)
}

// Priority returns the current priority of key: the queued priority, or the
// held-over priority of a running or failed key.
func (c *Contest) Priority(key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	if e.state == stateQueued {
		return e.priority, true
	}
	return e.saved, true
}

// Running returns the number of rewrites in flight.
func (c *Contest) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Len returns the number of tracked keys.
func (c *Contest) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Contest) runningEntryLocked(key string) *entry {
	e, ok := c.entries[key]
	if !ok || e.state != stateRunning {
		c.mu.Unlock()
		panic(fmt.Sprintf("popularity: %q is not running", key))
	}
	return e
}

// startLocked promotes queued keys while capacity allows and returns their
// callbacks. Mutex held.
func (c *Contest) startLocked() []task.Callback {
	var start []task.Callback
	for c.running < c.maxRewrites && c.queue.Len() > 0 {
		e := heap.Pop(&c.queue).(*entry)
		e.state = stateRunning
		e.saved = e.priority
		start = append(start, e.cb)
		e.cb = nil
		c.running++
	}
	c.updateGaugesLocked()
	return start
}

// dropRetriesLocked forgets failed keys, oldest first, until there is room
// for one more entry. Mutex held.
func (c *Contest) dropRetriesLocked() {
	for len(c.entries) >= c.maxQueue && len(c.retry) > 0 {
		e := c.retry[0]
		c.retry = c.retry[1:]
		delete(c.entries, e.key)
	}
	c.updateGaugesLocked()
}

func (c *Contest) removeRetryLocked(e *entry) {
	for i, r := range c.retry {
		if r == e {
			c.retry = append(c.retry[:i], c.retry[i+1:]...)
			return
		}
	}
}

func (c *Contest) updateGaugesLocked() {
	c.queueSize.Set(int64(len(c.entries)))
	c.runningGauge.Set(int64(c.running))
	c.awaitingRetry.Set(int64(len(c.retry)))
}

func runAll(cbs []task.Callback) {
	for _, cb := range cbs {
		cb.Run()
	}
}

// entryHeap orders queued entries by priority, then by arrival.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.pos = -1
	*h = old[:n-1]
	return e
}
