// Package worker contains tests for the queued worker pool.
package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rewrite-core/internal/clock/mock"
	"github.com/JakeFAU/rewrite-core/internal/scheduler"
	"github.com/JakeFAU/rewrite-core/internal/task"
)

func newTestPool(t *testing.T, workers int) *Pool {
	t.Helper()
	p := NewPool("test", workers, scheduler.NewGoroutineSystem(), zap.NewNop())
	t.Cleanup(p.Shutdown)
	return p
}

// TestSequencePreservesOrder ensures tasks within one sequence run in order
// even with many workers.
func TestSequencePreservesOrder(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 4)
	seq := p.NewSequence()
	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		seq.AddFunc(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 50
	}, time.Second, time.Millisecond)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
	require.Eventually(t, func() bool { return !p.IsBusy() }, time.Second, time.Millisecond)
}

// TestSequencesRunInParallel verifies distinct sequences overlap.
func TestSequencesRunInParallel(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 2)
	release := make(chan struct{})
	var running atomic.Int32
	for i := 0; i < 2; i++ {
		p.NewSequence().AddFunc(func() {
			running.Add(1)
			<-release
		})
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	assert.True(t, p.IsBusy())
	close(release)
	require.Eventually(t, func() bool { return !p.IsBusy() }, time.Second, time.Millisecond)
}

// TestShutdownCancelsPending checks queued tasks receive Cancel.
func TestShutdownCancelsPending(t *testing.T) {
	t.Parallel()

	p := NewPool("test", 1, scheduler.NewGoroutineSystem(), zap.NewNop())
	seq := p.NewSequence()
	block := make(chan struct{})
	started := make(chan struct{})
	seq.AddFunc(func() {
		close(started)
		<-block
	})
	<-started

	var cancelled atomic.Int32
	for i := 0; i < 3; i++ {
		seq.Add(task.New(func() { t.Error("should not run") }, func() { cancelled.Add(1) }))
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(block)
	}()
	p.Shutdown()
	assert.Equal(t, int32(3), cancelled.Load())

	seq.Add(task.New(func() { t.Error("should not run") }, func() { cancelled.Add(1) }))
	assert.Equal(t, int32(4), cancelled.Load())
}

// TestSequenceClose cancels only the closed sequence's tasks.
func TestSequenceClose(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 1)
	block := make(chan struct{})
	started := make(chan struct{})
	busy := p.NewSequence()
	busy.AddFunc(func() {
		close(started)
		<-block
	})
	<-started

	closed := p.NewSequence()
	var cancelled atomic.Bool
	closed.Add(task.New(func() { t.Error("should not run") }, func() { cancelled.Store(true) }))
	closed.Close()
	assert.True(t, cancelled.Load())
	close(block)
}

// TestNullThreadSystemIsFatal ensures a pool on the null system panics when
// it needs a thread.
func TestNullThreadSystemIsFatal(t *testing.T) {
	t.Parallel()

	p := NewPool("null", 1, scheduler.NullThreadSystem{}, nil)
	assert.Panics(t, func() { p.NewSequence().AddFunc(func() {}) })
}

// TestForwardSchedulerSequenceToPool hands request-thread work to the pool.
func TestForwardSchedulerSequenceToPool(t *testing.T) {
	t.Parallel()

	s := scheduler.NewMock(mock.New(0))
	reqSeq := s.NewSequence()
	var ran atomic.Int32
	reqSeq.AddFunc(func() { ran.Add(1) })

	p := newTestPool(t, 1)
	s.RegisterWorker(p)
	reqSeq.ForwardToSequence(p.NewSequence())
	reqSeq.AddFunc(func() { ran.Add(1) })

	require.Eventually(t, func() bool { return ran.Load() == 2 }, time.Second, time.Millisecond)
}

// TestForwardIntoShutDownPoolCancels verifies work forwarded into a stopped
// pool is cancelled without holding the scheduler mutex.
func TestForwardIntoShutDownPoolCancels(t *testing.T) {
	t.Parallel()

	s := scheduler.NewMock(mock.New(0))
	reqSeq := s.NewSequence()
	p := NewPool("stopped", 1, scheduler.NewGoroutineSystem(), zap.NewNop())
	reqSeq.ForwardToSequence(p.NewSequence())
	p.Shutdown()

	var cancelled atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		reqSeq.Add(task.New(nil, func() {
			s.PendingAlarms()
			cancelled.Store(true)
		}))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel handler ran with the scheduler mutex held")
	}
	assert.True(t, cancelled.Load())
}
