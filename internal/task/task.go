// Package task defines the two-handed callback used by every core API:
// exactly one of Run or Cancel fires, exactly once.
package task

import "sync/atomic"

// Callback is handed to the scheduler, the lock managers and the popularity
// contest. Implementations must tolerate being invoked from any goroutine.
type Callback interface {
	Run()
	Cancel()
}

// Func adapts a pair of closures to Callback. Invoking it a second time is a
// programming error and panics.
type Func struct {
	run    func()
	cancel func()
	fired  atomic.Bool
}

// New returns a Callback running run on success and cancel otherwise. Either
// closure may be nil.
func New(run, cancel func()) *Func {
	return &Func{run: run, cancel: cancel}
}

// Always returns a Callback that calls fn whichever handler fires.
func Always(fn func()) *Func {
	return &Func{run: fn, cancel: fn}
}

// Run invokes the success handler.
func (f *Func) Run() {
	f.claim()
	if f.run != nil {
		f.run()
	}
}

// Cancel invokes the cancel handler.
func (f *Func) Cancel() {
	f.claim()
	if f.cancel != nil {
		f.cancel()
	}
}

// Fired reports whether either handler has been invoked.
func (f *Func) Fired() bool {
	return f.fired.Load()
}

func (f *Func) claim() {
	if !f.fired.CompareAndSwap(false, true) {
		panic("task: callback invoked more than once")
	}
}

// Noop returns a callback that does nothing either way.
func Noop() *Func {
	return &Func{}
}
