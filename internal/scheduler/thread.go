package scheduler

import (
	"fmt"
	"sync"
)

// ThreadSystem starts the long-lived goroutines owned by worker pools.
type ThreadSystem interface {
	StartThread(name string, fn func())
}

// GoroutineSystem runs threads as goroutines and can wait for them.
type GoroutineSystem struct {
	wg sync.WaitGroup
}

// NewGoroutineSystem returns a ready ThreadSystem.
func NewGoroutineSystem() *GoroutineSystem {
	return &GoroutineSystem{}
}

// StartThread runs fn on a new goroutine.
func (g *GoroutineSystem) StartThread(_ string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Wait blocks until every started thread has returned.
func (g *GoroutineSystem) Wait() {
	g.wg.Wait()
}

// NullThreadSystem refuses to start threads. Tests that must stay
// single-threaded use it to catch accidental thread creation.
type NullThreadSystem struct{}

// StartThread always panics.
func (NullThreadSystem) StartThread(name string, _ func()) {
	panic(fmt.Sprintf("scheduler: thread %q started on the null thread system", name))
}
