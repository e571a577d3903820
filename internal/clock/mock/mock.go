// Package mock provides a virtual clock that only moves when told to.
package mock

import (
	"sync"
	"time"

	"github.com/JakeFAU/rewrite-core/internal/clock"
)

// Timer is a clock.Timer whose time advances only through SetTimeUs and
// friends.
type Timer struct {
	mu  sync.Mutex
	now int64 // microseconds
}

// New returns a Timer starting at startMs.
func New(startMs int64) *Timer {
	return &Timer{now: startMs * clock.MsUs}
}

// Now returns the virtual time as a UTC time.Time.
func (t *Timer) Now() time.Time {
	return time.UnixMicro(t.NowUs()).UTC()
}

// NowUs returns the virtual time in microseconds.
func (t *Timer) NowUs() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now
}

// NowMs returns the virtual time in milliseconds.
func (t *Timer) NowMs() int64 {
	return t.NowUs() / clock.MsUs
}

// SetTimeUs moves the clock to us. Moving backwards is ignored.
func (t *Timer) SetTimeUs(us int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if us > t.now {
		t.now = us
	}
}

// SetTimeMs moves the clock to ms.
func (t *Timer) SetTimeMs(ms int64) {
	t.SetTimeUs(ms * clock.MsUs)
}

// AdvanceUs moves the clock forward by deltaUs.
func (t *Timer) AdvanceUs(deltaUs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now += deltaUs
}

// AdvanceMs moves the clock forward by deltaMs.
func (t *Timer) AdvanceMs(deltaMs int64) {
	t.AdvanceUs(deltaMs * clock.MsUs)
}
