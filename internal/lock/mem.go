package lock

import (
	"math"

	"github.com/JakeFAU/rewrite-core/internal/clock"
	"github.com/JakeFAU/rewrite-core/internal/task"
)

// NoWakeupsPending is returned by NextWakeupTimeMs when nothing is waiting.
const NoWakeupsPending = int64(math.MaxInt64)

// MemManager is the in-memory lock core. It is not safe for concurrent use
// and never arranges its own wakeups: the owner must call Wakeup at (or
// after) NextWakeupTimeMs so that timeouts and steals happen. Callbacks run
// synchronously inside the call that triggers them.
type MemManager struct {
	timer  clock.Timer
	locks  map[string]*memLockState
	seq    uint64
	closed bool
}

type memLockState struct {
	holder      *MemLock
	heldSinceMs int64
	waiters     []*MemLock
}

// NewMemManager returns an empty core reading time from timer.
func NewMemManager(timer clock.Timer) *MemManager {
	return &MemManager{timer: timer, locks: make(map[string]*memLockState)}
}

// CreateNamedLock returns a new handle for name.
func (m *MemManager) CreateNamedLock(name string) NamedLock {
	return m.NewLock(name)
}

// NewLock is CreateNamedLock returning the concrete type.
func (m *MemManager) NewLock(name string) *MemLock {
	return &MemLock{mgr: m, name: name}
}

// Close denies every pending waiter. Held locks stay held; later operations
// on any handle fail.
func (m *MemManager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	var pending []*MemLock
	for _, st := range m.locks {
		pending = append(pending, st.waiters...)
		st.waiters = nil
	}
	sortBySeq(pending)
	for _, w := range pending {
		w.deny()
	}
}

// NextWakeupTimeMs returns the earliest time at which a waiter times out or
// a steal becomes possible.
func (m *MemManager) NextWakeupTimeMs() int64 {
	next := NoWakeupsPending
	for _, st := range m.locks {
		if ev := st.nextEvent(); ev.atMs < next {
			next = ev.atMs
		}
	}
	return next
}

// Wakeup processes every timeout and steal due at the current time, in order
// of due time and then registration.
func (m *MemManager) Wakeup() {
	if m.closed {
		return
	}
	for {
		nowMs := m.timer.NowMs()
		var best memEvent
		var bestState *memLockState
		for _, st := range m.locks {
			ev := st.nextEvent()
			if ev.waiter == nil || ev.atMs > nowMs {
				continue
			}
			if bestState == nil || ev.before(best) {
				best, bestState = ev, st
			}
		}
		if bestState == nil {
			return
		}
		if best.steal {
			m.steal(bestState, best.waiter, nowMs)
			continue
		}
		bestState.removeWaiter(best.waiter)
		m.gc(best.waiter.name, bestState)
		best.waiter.deny()
	}
}

// memEvent is a pending timeout or steal.
type memEvent struct {
	atMs   int64
	steal  bool
	waiter *MemLock
}

// before orders events by time, then steals ahead of timeouts, then by
// registration.
func (e memEvent) before(o memEvent) bool {
	if e.atMs != o.atMs {
		return e.atMs < o.atMs
	}
	if e.steal != o.steal {
		return e.steal
	}
	return e.waiter.seq < o.waiter.seq
}

// nextEvent returns the earliest event on st. The zero event has a nil
// waiter and NoWakeupsPending as its time.
func (st *memLockState) nextEvent() memEvent {
	best := memEvent{atMs: NoWakeupsPending}
	if stealer := st.stealer(); stealer != nil {
		best = memEvent{atMs: st.heldSinceMs + stealer.stealMs, steal: true, waiter: stealer}
	}
	for _, w := range st.waiters {
		ev := memEvent{atMs: w.cancelAtMs, waiter: w}
		if best.waiter == nil || ev.before(best) {
			best = ev
		}
	}
	return best
}

// stealer picks the waiter with the smallest steal interval, the earliest
// registration winning ties.
func (st *memLockState) stealer() *MemLock {
	if st.holder == nil {
		return nil
	}
	var best *MemLock
	for _, w := range st.waiters {
		if w.stealMs == NoSteal {
			continue
		}
		if best == nil || w.stealMs < best.stealMs {
			best = w
		}
	}
	return best
}

func (st *memLockState) removeWaiter(w *MemLock) {
	for i, x := range st.waiters {
		if x == w {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}

func (m *MemManager) state(name string) *memLockState {
	st, ok := m.locks[name]
	if !ok {
		st = &memLockState{}
		m.locks[name] = st
	}
	return st
}

// gc forgets a lock nobody holds or waits for.
func (m *MemManager) gc(name string, st *memLockState) {
	if st.holder == nil && len(st.waiters) == 0 {
		delete(m.locks, name)
	}
}

func (m *MemManager) grant(st *memLockState, l *MemLock, nowMs int64) {
	st.holder = l
	st.heldSinceMs = nowMs
	l.held = true
}

func (m *MemManager) steal(st *memLockState, w *MemLock, nowMs int64) {
	st.removeWaiter(w)
	if old := st.holder; old != nil {
		old.held = false
	}
	m.grant(st, w, nowMs)
	w.approve()
}

// MemLock is a handle on a MemManager lock.
type MemLock struct {
	mgr  *MemManager
	name string
	held bool

	waiting    bool
	cb         task.Callback
	seq        uint64
	cancelAtMs int64
	stealMs    int64
}

// Name returns the lock name.
func (l *MemLock) Name() string { return l.name }

// Held reports whether this handle owns the lock.
func (l *MemLock) Held() bool { return l.held }

// TryLock acquires the lock if nobody holds it.
func (l *MemLock) TryLock() bool {
	m := l.mgr
	if m.closed || l.held || l.waiting {
		return false
	}
	st := m.state(l.name)
	if st.holder != nil {
		return false
	}
	m.grant(st, l, m.timer.NowMs())
	return true
}

// LockTimedWait waits up to waitMs for the lock.
func (l *MemLock) LockTimedWait(waitMs int64, cb task.Callback) {
	l.LockTimedWaitStealOld(waitMs, NoSteal, cb)
}

// LockTimedWaitStealOld waits up to waitMs for the lock, stealing it once the
// current holder has held it for stealMs. An immediate steal requires the
// holder to have exceeded stealMs strictly.
func (l *MemLock) LockTimedWaitStealOld(waitMs, stealMs int64, cb task.Callback) {
	m := l.mgr
	if m.closed || l.held || l.waiting {
		cb.Cancel()
		return
	}
	nowMs := m.timer.NowMs()
	st := m.state(l.name)
	switch {
	case st.holder == nil:
		m.grant(st, l, nowMs)
		cb.Run()
		return
	case stealMs != NoSteal && nowMs > st.heldSinceMs+stealMs:
		st.holder.held = false
		m.grant(st, l, nowMs)
		cb.Run()
		return
	case waitMs <= 0:
		cb.Cancel()
		return
	}
	m.seq++
	l.waiting = true
	l.cb = cb
	l.seq = m.seq
	l.cancelAtMs = nowMs + waitMs
	l.stealMs = stealMs
	st.waiters = append(st.waiters, l)
}

// Unlock releases the lock and grants it to the oldest waiter, if any.
func (l *MemLock) Unlock() {
	m := l.mgr
	if !l.held {
		return
	}
	l.held = false
	st, ok := m.locks[l.name]
	if !ok || st.holder != l {
		return
	}
	st.holder = nil
	if m.closed || len(st.waiters) == 0 {
		m.gc(l.name, st)
		return
	}
	next := st.waiters[0]
	st.waiters = st.waiters[1:]
	m.grant(st, next, m.timer.NowMs())
	next.approve()
}

// Close releases the lock if held and cancels a pending wait.
func (l *MemLock) Close() {
	m := l.mgr
	if l.waiting {
		if st, ok := m.locks[l.name]; ok {
			st.removeWaiter(l)
			m.gc(l.name, st)
		}
		l.deny()
	}
	if l.held {
		l.Unlock()
	}
}

func (l *MemLock) approve() {
	cb := l.cb
	l.cb = nil
	l.waiting = false
	cb.Run()
}

func (l *MemLock) deny() {
	cb := l.cb
	l.cb = nil
	l.waiting = false
	cb.Cancel()
}

func sortBySeq(locks []*MemLock) {
	for i := 1; i < len(locks); i++ {
		for j := i; j > 0 && locks[j].seq < locks[j-1].seq; j-- {
			locks[j], locks[j-1] = locks[j-1], locks[j]
		}
	}
}
