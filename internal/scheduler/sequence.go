package scheduler

import (
	"github.com/JakeFAU/rewrite-core/internal/clock"
	"github.com/JakeFAU/rewrite-core/internal/task"
)

// TaskQueue accepts work for later execution. TryAdd must not run cb; it
// reports false when the queue no longer accepts work, leaving the caller to
// cancel cb.
type TaskQueue interface {
	TryAdd(cb task.Callback) bool
}

// Sequence is a FIFO of tasks drained by whichever goroutine calls
// RunTasksUntil, typically the request goroutine. Its state is guarded by
// the scheduler mutex.
type Sequence struct {
	s        *Scheduler
	tasks    []task.Callback
	forward  TaskQueue
	shutDown bool
}

// NewSequence returns a sequence bound to s.
func (s *Scheduler) NewSequence() *Sequence {
	return &Sequence{s: s}
}

// Add enqueues cb and signals the scheduler so a goroutine blocked in
// RunTasksUntil picks it up. After ForwardToSequence the task goes straight
// to the forwarding target; after Shutdown it is cancelled.
func (q *Sequence) Add(cb task.Callback) {
	q.s.mu.Lock()
	switch {
	case q.shutDown:
		q.s.mu.Unlock()
		cb.Cancel()
		return
	case q.forward != nil:
		// Handed over under the scheduler mutex so forwarded tasks keep their
		// order relative to the ones moved by ForwardToSequence.
		accepted := q.forward.TryAdd(cb)
		q.s.mu.Unlock()
		if !accepted {
			cb.Cancel()
		}
		return
	default:
		q.tasks = append(q.tasks, cb)
		q.s.Signal()
	}
	q.s.mu.Unlock()
}

// AddFunc enqueues fn with no cancel path.
func (q *Sequence) AddFunc(fn func()) {
	q.Add(task.New(fn, nil))
}

// RunTasksUntil runs queued tasks in order on the calling goroutine until
// *done becomes true or timeoutMs elapses, returning the final value of
// *done. When the queue is empty it waits on the scheduler so that both new
// tasks and alarms wake it. Mutex held; done must only be written with the
// mutex held, followed by Signal.
func (q *Sequence) RunTasksUntil(timeoutMs int64, done *bool) bool {
	endUs := q.s.timer.NowUs() + timeoutMs*clock.MsUs
	for {
		for !*done && len(q.tasks) > 0 {
			cb := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.s.mu.Unlock()
			cb.Run()
			q.s.mu.Lock()
		}
		if *done {
			return true
		}
		nowUs := q.s.timer.NowUs()
		if nowUs >= endUs {
			return false
		}
		q.s.BlockingTimedWaitUs(endUs - nowUs)
	}
}

// ForwardToSequence moves every queued task to target and routes all future
// Adds there. Alarms registered by users of this sequence stay with the
// scheduler. target must not be a sequence of the same scheduler, since its
// Add would need the scheduler mutex already held here.
func (q *Sequence) ForwardToSequence(target TaskQueue) {
	q.s.mu.Lock()
	q.forward = target
	pending := q.tasks
	q.tasks = nil
	var rejected []task.Callback
	for _, cb := range pending {
		if !target.TryAdd(cb) {
			rejected = append(rejected, cb)
		}
	}
	q.s.mu.Unlock()
	for _, cb := range rejected {
		cb.Cancel()
	}
}

// Shutdown cancels queued tasks and every task added afterwards.
func (q *Sequence) Shutdown() {
	q.s.mu.Lock()
	q.shutDown = true
	pending := q.tasks
	q.tasks = nil
	q.s.mu.Unlock()
	for _, cb := range pending {
		cb.Cancel()
	}
}

// Len reports how many tasks are queued.
func (q *Sequence) Len() int {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	return len(q.tasks)
}
