// Package executor runs asynchronous work, such as budget consumption
// continuations, on a fixed set of workers fed by a bounded queue.
package executor

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pslog"
)

// Defaults applied when Config leaves sizes unset.
const (
	DefaultWorkers   = 16
	DefaultQueueSize = 1024
)

var (
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = core.ExecutorUnavailable("executor stopped")
	// ErrQueueFull is returned by Submit when the queue has no room.
	ErrQueueFull = core.ExecutorUnavailable("executor queue full")
	// ErrNotStarted is returned by Submit before Start.
	ErrNotStarted = core.ExecutorUnavailable("executor not started")
)

// Config sizes the pool.
type Config struct {
	Workers   int
	QueueSize int
	Logger    pslog.Logger
}

// Pool is a bounded worker pool. Submit never blocks.
type Pool struct {
	workers int
	tasks   chan func()
	logger  pslog.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New builds a pool; call Start before submitting.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Pool{
		workers: cfg.Workers,
		tasks:   make(chan func(), cfg.QueueSize),
		logger:  cfg.Logger,
	}
}

// Start launches the workers. It is safe to call more than once.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	p.logger.Debug("executor.start", "workers", p.workers, "queue", cap(p.tasks))
}

// Submit enqueues task.
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return fmt.Errorf("executor: nil task")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch {
	case p.stopped:
		return ErrStopped
	case !p.started:
		return ErrNotStarted
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop rejects new work and waits for queued tasks to finish or ctx to end.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Debug("executor.stop.drained")
		return nil
	case <-ctx.Done():
		p.logger.Warn("executor.stop.timeout", "pending", len(p.tasks), "error", ctx.Err())
		return ctx.Err()
	}
}

// Pending reports queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	return len(p.tasks)
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("executor.task.panic", "worker", id, "panic", fmt.Sprint(r))
		}
	}()
	task()
}
