package service

import (
	"log/slog"
	"sync"
)

// defaultWorkers bounds concurrent store and filesystem work when the
// dispatcher is built without an explicit worker count.
const defaultWorkers = 4

// defaultQueueDepth is the job buffer. A full buffer blocks Submit,
// which pushes backpressure onto the submitting connection's reader
// instead of growing without bound.
const defaultQueueDepth = 64

// Pool runs dispatcher jobs on a fixed set of worker goroutines so
// blocking work (SQLite, the filesystem, LLM waits) never runs on a
// connection's read goroutine.
type Pool struct {
	logger *slog.Logger
	jobs   chan func()
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewPool starts a pool with the given number of workers; values below
// 1 fall back to defaultWorkers.
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger: logger,
		jobs:   make(chan func(), defaultQueueDepth),
	}
	p.logger.Debug("starting service workers", "worker_count", workers)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Submit queues a job for a worker. It returns false once the pool has
// stopped.
func (p *Pool) Submit(job func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.jobs <- job
	return true
}

// Stop rejects new jobs, lets the workers drain what is already
// queued, and waits for them to exit. Safe to call twice.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("service workers stopped")
}

func (p *Pool) work() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

// run contains a single job's panic so one bad request cannot take a
// worker down.
func (p *Pool) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("service job panic", "panic", r)
		}
	}()
	job()
}
