// Package metacache turns partition-table lookups into lock-coordinated
// single-flight computation. A caller that misses either wins the named lock
// for the key and computes, or loses and is told to serve the original.
package metacache

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/rewrite-core/internal/cache"
	"github.com/JakeFAU/rewrite-core/internal/clock"
	"github.com/JakeFAU/rewrite-core/internal/lock"
	"github.com/JakeFAU/rewrite-core/internal/logging"
	"github.com/JakeFAU/rewrite-core/internal/metadata"
	"github.com/JakeFAU/rewrite-core/internal/stats"
	"github.com/JakeFAU/rewrite-core/internal/task"
)

// Statistic names.
const (
	Hits          = "metadata-cache-hits"
	Misses        = "metadata-cache-misses"
	Expirations   = "metadata-cache-expirations"
	Corrupt       = "metadata-cache-corrupt"
	LockContended = "metadata-cache-lock-contended"
)

// LockPrefix namespaces metadata lock names.
const LockPrefix = "rc:"

// LockName returns the named lock guarding key.
func LockName(key string) string { return LockPrefix + key }

// Outcome classifies a Lookup.
type Outcome int

// Lookup outcomes.
const (
	// Hit carries a fresh partition table.
	Hit Outcome = iota
	// Compute means the caller holds the lock and must Store or Abandon.
	Compute
	// Contended means another computation owns the key; serve the original.
	Contended
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Compute:
		return "compute"
	case Contended:
		return "contended"
	default:
		return "unknown"
	}
}

// Policy decides what a loser of the lock race does.
type Policy int

// Policies.
const (
	// WaitForWinner waits up to the wait budget and re-reads on grant.
	WaitForWinner Policy = iota
	// Bypass makes a single steal attempt and never waits.
	Bypass
)

// LookupResult is delivered to Lookup callbacks.
type LookupResult struct {
	Outcome    Outcome
	Partitions *metadata.OutputPartitions
	// Lock is held by the caller when Outcome is Compute.
	Lock lock.NamedLock
}

// Config holds the lock timing.
type Config struct {
	// DeadlineMs is how long a computation may hold a key before waiters
	// steal it.
	DeadlineMs int64
	// WaitMs bounds how long WaitForWinner lookups wait for the lock.
	WaitMs int64
}

// Facade is the metadata cache. It is safe for concurrent use.
type Facade struct {
	cache  cache.Cache
	locks  lock.Manager
	timer  clock.Timer
	cfg    Config
	logger *zap.Logger

	hits        *stats.Variable
	misses      *stats.Variable
	expirations *stats.Variable
	corrupt     *stats.Variable
	contended   *stats.Variable
}

// New returns a facade reading and writing c and locking through locks.
func New(c cache.Cache, locks lock.Manager, timer clock.Timer, s *stats.Statistics, cfg Config, logger *zap.Logger) *Facade {
	return &Facade{
		cache:       c,
		locks:       locks,
		timer:       timer,
		cfg:         cfg,
		logger:      logging.Component(logger, "metacache"),
		hits:        s.AddVariable(Hits),
		misses:      s.AddVariable(Misses),
		expirations: s.AddVariable(Expirations),
		corrupt:     s.AddVariable(Corrupt),
		contended:   s.AddVariable(LockContended),
	}
}

// Lookup reads key and delivers exactly one result to cb. Misses, corrupt
// entries and stale tables lead to a lock attempt governed by policy. cb may
// run on the calling goroutine or on a cache or scheduler goroutine.
func (f *Facade) Lookup(key string, policy Policy, cb func(LookupResult)) {
	f.read(key, func(p *metadata.OutputPartitions) {
		if p != nil {
			cb(LookupResult{Outcome: Hit, Partitions: p})
			return
		}
		f.acquire(key, policy, cb)
	})
}

// Peek reads key without locking and reports the table, or nil on any miss.
func (f *Facade) Peek(key string, cb func(*metadata.OutputPartitions)) {
	f.read(key, cb)
}

// Store writes p under key and releases l.
func (f *Facade) Store(key string, p *metadata.OutputPartitions, l lock.NamedLock) {
	f.cache.Put(key, metadata.Marshal(p))
	f.release(l)
}

// Abandon releases l without writing, leaving the key for a later attempt.
func (f *Facade) Abandon(l lock.NamedLock) {
	f.release(l)
}

// read delivers the fresh table for key, or nil.
func (f *Facade) read(key string, cb func(*metadata.OutputPartitions)) {
	f.cache.Get(key, func(state cache.KeyState, value []byte) {
		switch state {
		case cache.Available:
			p, err := metadata.Unmarshal(value)
			if err != nil {
				f.corrupt.Inc()
				f.logger.Warn("undecodable partition table", zap.String("key", key), zap.Error(err))
				cb(nil)
				return
			}
			if !p.IsFresh(f.timer.NowMs()) {
				f.expirations.Inc()
				cb(nil)
				return
			}
			f.hits.Inc()
			cb(p)
		case cache.Corrupt:
			f.corrupt.Inc()
			cb(nil)
		default:
			f.misses.Inc()
			cb(nil)
		}
	})
}

func (f *Facade) acquire(key string, policy Policy, cb func(LookupResult)) {
	l := f.locks.CreateNamedLock(LockName(key))
	if policy == Bypass {
		if lock.TryLockStealOld(l, f.cfg.DeadlineMs) {
			cb(LookupResult{Outcome: Compute, Lock: l})
			return
		}
		f.contend(key, l, cb)
		return
	}
	if l.TryLock() {
		cb(LookupResult{Outcome: Compute, Lock: l})
		return
	}
	l.LockTimedWaitStealOld(f.cfg.WaitMs, f.cfg.DeadlineMs, task.New(
		func() {
			// The previous holder may have stored a result while we waited.
			f.read(key, func(p *metadata.OutputPartitions) {
				if p != nil {
					f.release(l)
					cb(LookupResult{Outcome: Hit, Partitions: p})
					return
				}
				cb(LookupResult{Outcome: Compute, Lock: l})
			})
		},
		func() { f.contend(key, l, cb) },
	))
}

func (f *Facade) contend(key string, l lock.NamedLock, cb func(LookupResult)) {
	l.Close()
	f.contended.Inc()
	f.logger.Debug("metadata lock contended", zap.String("key", key))
	cb(LookupResult{Outcome: Contended})
}

func (f *Facade) release(l lock.NamedLock) {
	if l == nil {
		return
	}
	l.Unlock()
	l.Close()
}
