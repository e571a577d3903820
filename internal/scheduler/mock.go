package scheduler

import (
	"time"

	"github.com/JakeFAU/rewrite-core/internal/clock"
	"github.com/JakeFAU/rewrite-core/internal/clock/mock"
)

// BusyReporter is implemented by worker pools whose progress the mock
// scheduler must not overtake.
type BusyReporter interface {
	IsBusy() bool
}

// yieldInterval is how long the mock scheduler lets busy workers run before
// re-examining virtual time.
const yieldInterval = 10 * time.Millisecond

// MockScheduler drives virtual time. Waiting never sleeps while workers are
// idle: the clock jumps to the next alarm or the requested wakeup instead.
type MockScheduler struct {
	*Scheduler
	timer   *mock.Timer
	workers []BusyReporter
}

// NewMock returns a scheduler bound to timer.
func NewMock(timer *mock.Timer) *MockScheduler {
	m := &MockScheduler{Scheduler: New(timer), timer: timer}
	m.Scheduler.await = m.awaitWakeupUntilUs
	return m
}

// RegisterWorker makes the scheduler yield real time while w is busy.
func (m *MockScheduler) RegisterWorker(w BusyReporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = append(m.workers, w)
}

// AwaitWakeupUntilUs advances virtual time towards wakeupUs, or yields to
// busy workers. Mutex held.
func (m *MockScheduler) AwaitWakeupUntilUs(wakeupUs int64) {
	m.awaitWakeupUntilUs(wakeupUs)
}

func (m *MockScheduler) awaitWakeupUntilUs(wakeupUs int64) {
	for _, w := range m.workers {
		if w.IsBusy() {
			m.awaitFor(yieldInterval)
			return
		}
	}
	target := wakeupUs
	if first := m.outstanding.peek(); first != nil && first.wakeupUs < target {
		target = first.wakeupUs
	}
	m.timer.SetTimeUs(target)
}

// AdvanceTimeUs moves virtual time forward by deltaUs, stopping at each alarm
// on the way so alarms observe their own wakeup time.
func (m *MockScheduler) AdvanceTimeUs(deltaUs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	endUs := m.timer.NowUs() + deltaUs
	for {
		m.runAlarms(nil)
		if m.timer.NowUs() >= endUs {
			return
		}
		next := endUs
		if first := m.outstanding.peek(); first != nil && first.wakeupUs < next {
			next = first.wakeupUs
		}
		m.timer.SetTimeUs(next)
	}
}

// AdvanceTimeMs is AdvanceTimeUs in milliseconds.
func (m *MockScheduler) AdvanceTimeMs(deltaMs int64) {
	m.AdvanceTimeUs(deltaMs * clock.MsUs)
}

// SetTimeUs advances virtual time to an absolute instant.
func (m *MockScheduler) SetTimeUs(us int64) {
	if delta := us - m.timer.NowUs(); delta > 0 {
		m.AdvanceTimeUs(delta)
	}
}

// SetTimeMs advances virtual time to an absolute millisecond.
func (m *MockScheduler) SetTimeMs(ms int64) {
	m.SetTimeUs(ms * clock.MsUs)
}
