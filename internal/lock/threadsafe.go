package lock

import (
	"sync"

	"github.com/JakeFAU/rewrite-core/internal/clock"
	"github.com/JakeFAU/rewrite-core/internal/scheduler"
	"github.com/JakeFAU/rewrite-core/internal/task"
)

// ThreadSafeManager serializes access to a MemManager and keeps a scheduler
// alarm armed for the core's next wakeup. Lock callbacks are deferred until
// the manager mutex has been released, so they may call back into the
// manager.
type ThreadSafeManager struct {
	sched *scheduler.Scheduler

	mu      sync.Mutex
	core    *MemManager // nil once closed
	locks   map[*threadSafeLock]struct{}
	delayed []delayedCall

	alarm   *scheduler.Alarm
	alarmUs int64
	alarmID uint64
}

type delayedCall struct {
	cb  task.Callback
	run bool
}

// NewThreadSafeManager returns a manager whose timeouts and steals are driven
// by sched.
func NewThreadSafeManager(sched *scheduler.Scheduler) *ThreadSafeManager {
	return &ThreadSafeManager{
		sched: sched,
		core:  NewMemManager(sched.Timer()),
		locks: make(map[*threadSafeLock]struct{}),
	}
}

// CreateNamedLock returns a new handle for name. Handles created after Close
// refuse every request.
func (m *ThreadSafeManager) CreateNamedLock(name string) NamedLock {
	m.mu.Lock()
	defer m.release()
	l := &threadSafeLock{mgr: m, name: name}
	if m.core == nil {
		l.gone = true
		return l
	}
	l.inner = m.core.NewLock(name)
	m.locks[l] = struct{}{}
	return l
}

// Close denies all waiters and detaches every outstanding handle. Locks held
// at the time stay reported as released.
func (m *ThreadSafeManager) Close() {
	m.mu.Lock()
	defer m.release()
	if m.core == nil {
		return
	}
	for l := range m.locks {
		l.gone = true
	}
	clear(m.locks)
	m.core.Close()
	m.core = nil
}

// Locked reports how many handles are still attached to the core.
func (m *ThreadSafeManager) Locked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// release drops the mutex after re-arming the wakeup alarm, then runs the
// callbacks the core produced. Mutex held on entry.
func (m *ThreadSafeManager) release() {
	calls := m.delayed
	m.delayed = nil
	next := NoWakeupsPending
	if m.core != nil {
		next = m.core.NextWakeupTimeMs()
	}
	due := m.rearmLocked(next)
	m.mu.Unlock()

	if due {
		m.sched.ProcessAlarmsOrWaitUs(0)
	}
	for _, c := range calls {
		if c.run {
			c.cb.Run()
		} else {
			c.cb.Cancel()
		}
	}
}

// rearmLocked moves the alarm to nextMs and reports whether it is already
// due. The scheduler never runs callbacks inline here.
func (m *ThreadSafeManager) rearmLocked(nextMs int64) bool {
	wantUs := int64(0)
	if nextMs != NoWakeupsPending {
		wantUs = nextMs * clock.MsUs
	}
	if wantUs == m.alarmUs {
		return false
	}
	if m.alarm != nil {
		m.sched.CancelAlarm(m.alarm)
		m.alarm = nil
	}
	m.alarmUs = wantUs
	if wantUs == 0 {
		return false
	}
	m.alarmID++
	id := m.alarmID
	m.alarm = m.sched.QueueAlarmAtUs(wantUs, task.New(func() { m.wakeup(id) }, nil))
	return wantUs <= m.sched.Timer().NowUs()
}

func (m *ThreadSafeManager) wakeup(id uint64) {
	m.mu.Lock()
	defer m.release()
	if id == m.alarmID {
		m.alarm = nil
		m.alarmUs = 0
	}
	if m.core != nil {
		m.core.Wakeup()
	}
}

// deferred wraps cb so its outcome runs during release. Mutex held.
func (m *ThreadSafeManager) deferred(cb task.Callback) task.Callback {
	return task.New(
		func() { m.delayed = append(m.delayed, delayedCall{cb: cb, run: true}) },
		func() { m.delayed = append(m.delayed, delayedCall{cb: cb}) },
	)
}

type threadSafeLock struct {
	mgr   *ThreadSafeManager
	name  string
	inner *MemLock
	gone  bool
}

func (l *threadSafeLock) Name() string { return l.name }

func (l *threadSafeLock) TryLock() bool {
	m := l.mgr
	m.mu.Lock()
	defer m.release()
	if l.gone {
		return false
	}
	return l.inner.TryLock()
}

func (l *threadSafeLock) LockTimedWait(waitMs int64, cb task.Callback) {
	l.LockTimedWaitStealOld(waitMs, NoSteal, cb)
}

func (l *threadSafeLock) LockTimedWaitStealOld(waitMs, stealMs int64, cb task.Callback) {
	m := l.mgr
	m.mu.Lock()
	defer m.release()
	if l.gone {
		m.delayed = append(m.delayed, delayedCall{cb: cb})
		return
	}
	l.inner.LockTimedWaitStealOld(waitMs, stealMs, m.deferred(cb))
}

func (l *threadSafeLock) Unlock() {
	m := l.mgr
	m.mu.Lock()
	defer m.release()
	if !l.gone {
		l.inner.Unlock()
	}
}

func (l *threadSafeLock) Held() bool {
	m := l.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	return !l.gone && l.inner.Held()
}

func (l *threadSafeLock) Close() {
	m := l.mgr
	m.mu.Lock()
	defer m.release()
	if l.gone {
		return
	}
	l.inner.Close()
	l.gone = true
	delete(m.locks, l)
}
