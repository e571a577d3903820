// Package lock provides named locks with steal-after semantics. A lock that
// has been held longer than a waiter's steal interval may be taken over by
// that waiter, which bounds the damage of a crashed or stuck holder.
package lock

import "github.com/JakeFAU/rewrite-core/internal/task"

// NoSteal disables stealing for a wait.
const NoSteal = int64(-1)

// NamedLock is a handle on a lock identified by name. Two handles with the
// same name are distinct holders.
type NamedLock interface {
	// TryLock acquires the lock if it is free. It has no side effects on
	// failure.
	TryLock() bool
	// LockTimedWait runs cb on acquisition, or cancels it after waitMs.
	LockTimedWait(waitMs int64, cb task.Callback)
	// LockTimedWaitStealOld is LockTimedWait, but also takes the lock from a
	// holder that has held it longer than stealMs.
	LockTimedWaitStealOld(waitMs, stealMs int64, cb task.Callback)
	// Unlock releases the lock, granting it to the oldest waiter.
	Unlock()
	// Held reports whether this handle owns the lock.
	Held() bool
	// Name returns the lock name.
	Name() string
	// Close destroys the handle: a held lock is released and a pending wait
	// is cancelled.
	Close()
}

// Manager creates named locks.
type Manager interface {
	CreateNamedLock(name string) NamedLock
	Close()
}

// TryLockStealOld attempts an immediate steal: it succeeds if the lock is
// free or has been held for more than stealMs.
func TryLockStealOld(l NamedLock, stealMs int64) bool {
	acquired := false
	l.LockTimedWaitStealOld(0, stealMs, task.New(func() { acquired = true }, nil))
	return acquired
}
