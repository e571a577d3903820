// Package scheduler implements the cooperative coordination layer shared by
// the lock managers and the rewrite machinery: absolute-time alarms, a
// signal/timed-wait condition variable and single-consumer task sequences.
//
// No callback ever runs while the scheduler mutex is held. Operations that
// document "mutex held" expect the caller to have called Lock; they may drop
// and re-acquire it while running callbacks.
package scheduler

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/rewrite-core/internal/clock"
	"github.com/JakeFAU/rewrite-core/internal/task"
)

// runPollUs bounds a single Run wait so the loop re-checks its context.
const runPollUs = clock.SecondUs

// Scheduler runs alarms and wakes waiters. The zero value is not usable;
// construct with New.
type Scheduler struct {
	mu          sync.Mutex
	timer       clock.Timer
	outstanding alarmHeap
	waiting     map[*Alarm]struct{}
	index       uint64
	signalCount int64
	wake        chan struct{}

	// await blocks until wakeupUs or a broadcast. Called and returns with mu
	// held. The mock scheduler replaces it to drive virtual time.
	await func(wakeupUs int64)
}

// New returns a Scheduler reading time from timer.
func New(timer clock.Timer) *Scheduler {
	s := &Scheduler{
		timer:   timer,
		waiting: make(map[*Alarm]struct{}),
		wake:    make(chan struct{}),
	}
	s.await = s.awaitRealTime
	return s
}

// Lock acquires the scheduler mutex.
func (s *Scheduler) Lock() { s.mu.Lock() }

// Unlock releases the scheduler mutex.
func (s *Scheduler) Unlock() { s.mu.Unlock() }

// Timer returns the time source.
func (s *Scheduler) Timer() clock.Timer { return s.timer }

// AddAlarmAtUs schedules cb to run once the clock reaches wakeupUs. Alarms
// that are already due, including this one, run before AddAlarmAtUs
// returns.
func (s *Scheduler) AddAlarmAtUs(wakeupUs int64, cb task.Callback) *Alarm {
	a := newAlarm(cb.Run, cb.Cancel)
	s.mu.Lock()
	s.addAlarmLocked(wakeupUs, a)
	s.runAlarms(nil)
	s.mu.Unlock()
	return a
}

// QueueAlarmAtUs schedules cb like AddAlarmAtUs but never runs anything
// inline, so it may be called while the caller holds its own locks. Due
// alarms fire on the next ProcessAlarmsOrWaitUs or Run iteration.
func (s *Scheduler) QueueAlarmAtUs(wakeupUs int64, cb task.Callback) *Alarm {
	a := newAlarm(cb.Run, cb.Cancel)
	s.mu.Lock()
	s.addAlarmLocked(wakeupUs, a)
	s.mu.Unlock()
	return a
}

// AddAlarmFunc is AddAlarmAtUs for a plain function with no cancel path.
func (s *Scheduler) AddAlarmFunc(wakeupUs int64, fn func()) *Alarm {
	return s.AddAlarmAtUs(wakeupUs, task.New(fn, nil))
}

// CancelAlarm removes a pending alarm and runs its cancel handler outside the
// mutex. It returns false when the alarm has already started or finished, in
// which case its run handler fires (or fired) exactly once.
func (s *Scheduler) CancelAlarm(a *Alarm) bool {
	if a == nil {
		return false
	}
	s.mu.Lock()
	removed := s.outstanding.remove(a)
	delete(s.waiting, a)
	s.mu.Unlock()
	if removed {
		a.cancel()
	}
	return removed
}

// BlockingTimedWaitUs waits until timeoutUs elapses or Signal is called.
// Mutex held.
func (s *Scheduler) BlockingTimedWaitUs(timeoutUs int64) {
	wakeupUs := s.timer.NowUs() + timeoutUs
	originalSignals := s.signalCount
	timedOut := false

	var a *Alarm
	a = newAlarm(func() {
		s.mu.Lock()
		timedOut = true
		delete(s.waiting, a)
		s.mu.Unlock()
	}, func() {})
	s.addAlarmLocked(wakeupUs, a)
	s.waiting[a] = struct{}{}

	next := s.runAlarms(nil)
	for s.signalCount == originalSignals && !timedOut && next > 0 {
		until := wakeupUs
		if next < until {
			until = next
		}
		s.await(until)
		next = s.runAlarms(nil)
	}
}

// BlockingTimedWaitMs is BlockingTimedWaitUs in milliseconds. Mutex held.
func (s *Scheduler) BlockingTimedWaitMs(timeoutMs int64) {
	s.BlockingTimedWaitUs(timeoutMs * clock.MsUs)
}

// TimedWait arranges for fn to run once, on the next Signal or after
// timeoutMs, whichever comes first. It does not block. Mutex held.
func (s *Scheduler) TimedWait(timeoutMs int64, fn func()) {
	var a *Alarm
	a = newAlarm(func() {
		s.mu.Lock()
		delete(s.waiting, a)
		s.mu.Unlock()
		fn()
	}, fn)
	s.addAlarmLocked(s.timer.NowUs()+timeoutMs*clock.MsUs, a)
	s.waiting[a] = struct{}{}
	s.runAlarms(nil)
}

// Signal wakes every blocked waiter and fires all pending TimedWait
// callbacks. Mutex held; it is dropped while callbacks run.
func (s *Scheduler) Signal() {
	s.signalCount++
	var fire []*Alarm
	for a := range s.waiting {
		if s.outstanding.remove(a) {
			fire = append(fire, a)
		}
	}
	clear(s.waiting)
	s.broadcast()
	if len(fire) > 0 {
		sort.Slice(fire, func(i, j int) bool { return fire[i].before(fire[j]) })
		s.mu.Unlock()
		for _, a := range fire {
			a.cancel()
		}
		s.mu.Lock()
	}
	s.runAlarms(nil)
}

// Wakeup nudges blocked waiters to re-examine the alarm queue.
func (s *Scheduler) Wakeup() {
	s.mu.Lock()
	s.broadcast()
	s.mu.Unlock()
}

// ProcessAlarmsOrWaitUs runs due alarms. If none were due it waits for the
// next alarm or timeoutUs, whichever is sooner, and runs what became due.
// It reports whether alarms remain outstanding.
func (s *Scheduler) ProcessAlarmsOrWaitUs(timeoutUs int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ran := false
	finishUs := s.timer.NowUs() + timeoutUs
	next := s.runAlarms(&ran)
	if timeoutUs > 0 && !ran {
		until := finishUs
		if next > 0 && next < until {
			until = next
		}
		s.await(until)
		s.runAlarms(&ran)
	}
	return s.outstanding.Len() > 0
}

// Run processes alarms until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.Wakeup)
	defer stop()
	for ctx.Err() == nil {
		s.ProcessAlarmsOrWaitUs(runPollUs)
	}
}

// NextWakeupUs returns the earliest pending alarm time, or 0 if none.
func (s *Scheduler) NextWakeupUs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.outstanding.peek(); a != nil {
		return a.wakeupUs
	}
	return 0
}

// PendingAlarms reports how many alarms are outstanding.
func (s *Scheduler) PendingAlarms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding.Len()
}

func newAlarm(run, cancel func()) *Alarm {
	return &Alarm{pos: -1, run: run, cancel: cancel}
}

func (s *Scheduler) addAlarmLocked(wakeupUs int64, a *Alarm) {
	s.index++
	a.wakeupUs = wakeupUs
	a.index = s.index
	if first := s.outstanding.peek(); first == nil || wakeupUs < first.wakeupUs {
		s.broadcast()
	}
	heap.Push(&s.outstanding, a)
}

// runAlarms pops and runs every due alarm with the mutex dropped. It returns
// the wakeup time of the next pending alarm, or 0 when none remain.
func (s *Scheduler) runAlarms(ran *bool) int64 {
	for {
		first := s.outstanding.peek()
		if first == nil {
			return 0
		}
		if s.timer.NowUs() < first.wakeupUs {
			return first.wakeupUs
		}
		heap.Pop(&s.outstanding)
		if ran != nil {
			*ran = true
		}
		s.mu.Unlock()
		first.run()
		s.mu.Lock()
	}
}

func (s *Scheduler) broadcast() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// awaitRealTime sleeps on the condition channel until wakeupUs.
func (s *Scheduler) awaitRealTime(wakeupUs int64) {
	delta := wakeupUs - s.timer.NowUs()
	if delta <= 0 {
		return
	}
	s.awaitFor(time.Duration(delta) * time.Microsecond)
}

func (s *Scheduler) awaitFor(d time.Duration) {
	ch := s.wake
	s.mu.Unlock()
	t := time.NewTimer(d)
	select {
	case <-ch:
	case <-t.C:
	}
	t.Stop()
	s.mu.Lock()
}
