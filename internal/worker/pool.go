// Package worker implements the queued worker pools that run rewrite work:
// a bounded set of goroutines draining per-request sequences so tasks within
// one sequence run strictly in order while different sequences run in
// parallel.
package worker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/rewrite-core/internal/logging"
	"github.com/JakeFAU/rewrite-core/internal/scheduler"
	"github.com/JakeFAU/rewrite-core/internal/task"
)

// Pool fans sequences out to at most maxWorkers goroutines. Goroutines are
// started lazily on the first Add that finds no idle worker.
type Pool struct {
	name       string
	maxWorkers int
	threads    scheduler.ThreadSystem
	logger     *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	ready     []*Sequence
	sequences map[*Sequence]struct{}
	started   int
	idle      int
	active    int
	shutdown  bool
	wg        sync.WaitGroup
}

// NewPool constructs a Pool. maxWorkers below one is treated as one.
func NewPool(name string, maxWorkers int, threads scheduler.ThreadSystem, logger *zap.Logger) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	p := &Pool{
		name:       name,
		maxWorkers: maxWorkers,
		threads:    threads,
		logger:     logging.Component(logger, "worker").With(zap.String("pool", name)),
		sequences:  make(map[*Sequence]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// NewSequence returns a new ordered task queue served by this pool.
func (p *Pool) NewSequence() *Sequence {
	seq := &Sequence{pool: p}
	p.mu.Lock()
	p.sequences[seq] = struct{}{}
	if p.shutdown {
		seq.shutDown = true
	}
	p.mu.Unlock()
	return seq
}

// IsBusy reports whether any task is running or waiting to run.
func (p *Pool) IsBusy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active > 0 || len(p.ready) > 0
}

// Shutdown stops the workers after their current task and cancels every
// queued task. It blocks until all workers have exited.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.shutdown = true
	var pending []task.Callback
	for seq := range p.sequences {
		seq.shutDown = true
		pending = append(pending, seq.tasks...)
		seq.tasks = nil
	}
	p.ready = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, cb := range pending {
		cb.Cancel()
	}
	p.wg.Wait()
	p.logger.Debug("worker pool stopped", zap.Int("cancelled", len(pending)))
}

// schedule marks seq runnable. Called with p.mu held.
func (p *Pool) schedule(seq *Sequence) {
	seq.scheduled = true
	p.ready = append(p.ready, seq)
	if p.idle > 0 {
		p.cond.Signal()
		return
	}
	if p.started < p.maxWorkers {
		p.started++
		p.wg.Add(1)
		p.threads.StartThread(p.name, p.run)
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for len(p.ready) == 0 && !p.shutdown {
			p.idle++
			p.cond.Wait()
			p.idle--
		}
		if p.shutdown {
			return
		}
		seq := p.ready[0]
		p.ready[0] = nil
		p.ready = p.ready[1:]
		cb := seq.tasks[0]
		seq.tasks[0] = nil
		seq.tasks = seq.tasks[1:]
		p.active++

		p.mu.Unlock()
		cb.Run()
		p.mu.Lock()

		p.active--
		if len(seq.tasks) > 0 && !seq.shutDown {
			p.ready = append(p.ready, seq)
		} else {
			seq.scheduled = false
		}
	}
}

// Sequence is an ordered queue of tasks. At most one of its tasks runs at a
// time. It satisfies scheduler.TaskQueue so a scheduler sequence can forward
// into it.
type Sequence struct {
	pool      *Pool
	tasks     []task.Callback
	scheduled bool
	shutDown  bool
}

var _ scheduler.TaskQueue = (*Sequence)(nil)

// Add queues cb behind the sequence's earlier tasks. Tasks added after
// shutdown are cancelled.
func (s *Sequence) Add(cb task.Callback) {
	if !s.TryAdd(cb) {
		cb.Cancel()
	}
}

// TryAdd queues cb like Add but reports false instead of cancelling once the
// sequence is shut down.
func (s *Sequence) TryAdd(cb task.Callback) bool {
	p := s.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.shutDown {
		return false
	}
	s.tasks = append(s.tasks, cb)
	if !s.scheduled {
		p.schedule(s)
	}
	return true
}

// AddFunc queues fn with no cancel path.
func (s *Sequence) AddFunc(fn func()) {
	s.Add(task.New(fn, nil))
}

// Close cancels queued tasks and detaches the sequence from its pool.
func (s *Sequence) Close() {
	p := s.pool
	p.mu.Lock()
	s.shutDown = true
	pending := s.tasks
	s.tasks = nil
	delete(p.sequences, s)
	if s.scheduled {
		for i, seq := range p.ready {
			if seq == s {
				p.ready = append(p.ready[:i], p.ready[i+1:]...)
				s.scheduled = false
				break
			}
		}
	}
	p.mu.Unlock()
	for _, cb := range pending {
		cb.Cancel()
	}
}
