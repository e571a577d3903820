package lock

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/JakeFAU/rewrite-core/internal/clock"
	"github.com/JakeFAU/rewrite-core/internal/scheduler"
	"github.com/JakeFAU/rewrite-core/internal/task"
)

// DefaultPollMs is how often a waiting file lock retries.
const DefaultPollMs = 100

const (
	lockFilePerms = 0o644
	lockDirPerms  = 0o755
)

// FileManager implements Manager with lock files in a shared directory so
// several server processes can coordinate. A lock file's modification time
// is its acquisition time; steals replace the file while holding a flock on
// a sibling ".steal" file.
type FileManager struct {
	dir    string
	sched  *scheduler.Scheduler
	pollMs int64
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	locks  map[*FileLock]struct{}
}

// NewFileManager creates dir if needed and returns a manager polling every
// pollMs while waiting. A non-positive pollMs selects DefaultPollMs.
func NewFileManager(dir string, sched *scheduler.Scheduler, pollMs int64, logger *zap.Logger) (*FileManager, error) {
	if err := os.MkdirAll(dir, lockDirPerms); err != nil {
		return nil, fmt.Errorf("create lock dir %q: %w", dir, err)
	}
	if pollMs <= 0 {
		pollMs = DefaultPollMs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileManager{
		dir:    dir,
		sched:  sched,
		pollMs: pollMs,
		logger: logger.Named("file_lock"),
		locks:  make(map[*FileLock]struct{}),
	}, nil
}

// CreateNamedLock returns a handle for name.
func (m *FileManager) CreateNamedLock(name string) NamedLock {
	base := filepath.Join(m.dir, strconv.FormatUint(xxhash.Sum64String(name), 16))
	l := &FileLock{
		mgr:       m,
		name:      name,
		path:      base + ".lock",
		stealPath: base + ".steal",
		token:     uuid.NewString(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.locks[l] = struct{}{}
	}
	return l
}

// Close cancels every pending wait and releases held locks.
func (m *FileManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	locks := make([]*FileLock, 0, len(m.locks))
	for l := range m.locks {
		locks = append(locks, l)
	}
	clear(m.locks)
	m.mu.Unlock()

	for _, l := range locks {
		l.Close()
	}
}

func (m *FileManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *FileManager) timer() clock.Timer { return m.sched.Timer() }

// FileLock is a handle on a lock file.
type FileLock struct {
	mgr       *FileManager
	name      string
	path      string
	stealPath string
	token     string

	mu      sync.Mutex
	held    bool
	pending *fileWait
}

// fileWait is one outstanding LockTimedWaitStealOld.
type fileWait struct {
	cb         task.Callback
	stealMs    int64
	deadlineUs int64
	alarm      *scheduler.Alarm
}

// Name returns the lock name.
func (l *FileLock) Name() string { return l.name }

// Held reports whether this handle believes it owns the lock. A steal by
// another process is only noticed on Unlock.
func (l *FileLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// TryLock creates the lock file if it does not exist.
func (l *FileLock) TryLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held || l.pending != nil || l.mgr.isClosed() {
		return false
	}
	return l.tryLocked(NoSteal)
}

// LockTimedWait polls for the lock until waitMs passes.
func (l *FileLock) LockTimedWait(waitMs int64, cb task.Callback) {
	l.LockTimedWaitStealOld(waitMs, NoSteal, cb)
}

// LockTimedWaitStealOld polls for the lock until waitMs passes, taking over a
// lock file older than stealMs.
func (l *FileLock) LockTimedWaitStealOld(waitMs, stealMs int64, cb task.Callback) {
	l.mu.Lock()
	if l.held || l.pending != nil || l.mgr.isClosed() {
		l.mu.Unlock()
		cb.Cancel()
		return
	}
	if l.tryLocked(stealMs) {
		l.mu.Unlock()
		cb.Run()
		return
	}
	if waitMs <= 0 {
		l.mu.Unlock()
		cb.Cancel()
		return
	}
	w := &fileWait{
		cb:         cb,
		stealMs:    stealMs,
		deadlineUs: l.mgr.timer().NowUs() + waitMs*clock.MsUs,
	}
	l.pending = w
	l.armLocked(w)
	l.mu.Unlock()
}

// armLocked schedules the next poll for w. Mutex held.
func (l *FileLock) armLocked(w *fileWait) {
	next := l.mgr.timer().NowUs() + l.mgr.pollMs*clock.MsUs
	if next > w.deadlineUs {
		next = w.deadlineUs
	}
	w.alarm = l.mgr.sched.QueueAlarmAtUs(next, task.New(func() { l.poll(w) }, nil))
}

func (l *FileLock) poll(w *fileWait) {
	l.mu.Lock()
	if l.pending != w {
		l.mu.Unlock()
		return
	}
	if l.tryLocked(w.stealMs) {
		l.pending = nil
		l.mu.Unlock()
		w.cb.Run()
		return
	}
	if l.mgr.timer().NowUs() >= w.deadlineUs || l.mgr.isClosed() {
		l.pending = nil
		l.mu.Unlock()
		w.cb.Cancel()
		return
	}
	l.armLocked(w)
	l.mu.Unlock()
}

// Unlock removes the lock file if this handle still owns it.
func (l *FileLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlockLocked()
}

// Close cancels a pending wait and releases the lock.
func (l *FileLock) Close() {
	l.mu.Lock()
	w := l.pending
	l.pending = nil
	l.unlockLocked()
	l.mu.Unlock()

	l.mgr.mu.Lock()
	delete(l.mgr.locks, l)
	l.mgr.mu.Unlock()

	if w != nil {
		// A poll that already started sees pending cleared and returns.
		l.mgr.sched.CancelAlarm(w.alarm)
		w.cb.Cancel()
	}
}

func (l *FileLock) unlockLocked() {
	if !l.held {
		return
	}
	l.held = false
	err := l.withStealGuard(func() error {
		content, err := os.ReadFile(l.path)
		if err != nil {
			return err
		}
		if !bytes.Equal(content, l.content()) {
			l.mgr.logger.Warn("lock was stolen before unlock", zap.String("name", l.name))
			return nil
		}
		return os.Remove(l.path)
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		l.mgr.logger.Warn("unlock failed", zap.String("name", l.name), zap.Error(err))
	}
}

// tryLocked attempts creation, then a steal when stealMs allows. Mutex held.
func (l *FileLock) tryLocked(stealMs int64) bool {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, lockFilePerms)
	if err == nil {
		_, werr := f.Write(l.content())
		cerr := f.Close()
		if werr != nil || cerr != nil {
			l.mgr.logger.Warn("write lock file", zap.String("name", l.name), zap.Error(errors.Join(werr, cerr)))
			_ = os.Remove(l.path)
			return false
		}
		l.held = true
		return true
	}
	if !errors.Is(err, os.ErrExist) {
		l.mgr.logger.Warn("create lock file", zap.String("name", l.name), zap.Error(err))
		return false
	}
	if stealMs == NoSteal {
		return false
	}

	stolen := false
	err = l.withStealGuard(func() error {
		info, err := os.Stat(l.path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err == nil {
			ageMs := l.mgr.timer().Now().Sub(info.ModTime()).Milliseconds()
			if ageMs <= stealMs {
				return nil
			}
		}
		if err := atomic.WriteFile(l.path, bytes.NewReader(l.content())); err != nil {
			return err
		}
		stolen = true
		return nil
	})
	if err != nil {
		l.mgr.logger.Warn("steal lock file", zap.String("name", l.name), zap.Error(err))
		return false
	}
	if stolen {
		l.mgr.logger.Debug("stole lock", zap.String("name", l.name))
		l.held = true
	}
	return stolen
}

// withStealGuard runs fn holding an exclusive flock on the steal file. It
// gives up rather than block when another process holds the guard.
func (l *FileLock) withStealGuard(fn func() error) error {
	f, err := os.OpenFile(l.stealPath, os.O_CREATE|os.O_RDWR, lockFilePerms)
	if err != nil {
		return fmt.Errorf("open steal guard: %w", err)
	}
	defer f.Close()

	deadline := time.Now().Add(time.Second)
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) || time.Now().After(deadline) {
			return fmt.Errorf("flock steal guard: %w", err)
		}
		time.Sleep(time.Millisecond)
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()
	return fn()
}

func (l *FileLock) content() []byte {
	return []byte(strings.Join([]string{l.name, l.token}, "\n") + "\n")
}
