// Package worker provides bounded pools for background jobs.
//
// A pool runs at most Workers tasks at once and queues up to Queue more.
// When both are full the overflow policy decides: CallerRuns executes the
// task on the submitting goroutine, Reject returns core.ErrOverloaded.
// A task is never dropped silently.
//
// Shutdown stops intake and waits for queued and running tasks to drain.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/JonMunkholm/pricefeed/internal/core"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("worker pool is shut down")

// Task is a unit of background work. The context is cancelled on Shutdown
// once the grace period passes.
type Task func(ctx context.Context)

// Overflow is the policy applied when workers and queue are saturated.
type Overflow int

const (
	Reject Overflow = iota
	CallerRuns
)

// ParseOverflow accepts "reject" and "caller-runs".
func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return Reject, nil
	case "caller-runs", "callerruns", "caller_runs":
		return CallerRuns, nil
	default:
		return Reject, fmt.Errorf("unknown overflow policy %q", s)
	}
}

func (o Overflow) String() string {
	if o == CallerRuns {
		return "caller-runs"
	}
	return "reject"
}

// Pool is a fixed set of workers fed by a bounded queue.
type Pool struct {
	name     string
	overflow Overflow
	queue    chan Task
	workers  int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	wg       sync.WaitGroup
	active   atomic.Int64
	inline   atomic.Int64
	rejected atomic.Int64
}

// New starts a pool with the given number of workers and queue capacity.
func New(name string, workers, queue int, overflow Overflow) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:     name,
		overflow: overflow,
		queue:    make(chan Task, queue),
		workers:  workers,
		ctx:      ctx,
		cancel:   cancel,
	}
	p.wg.Add(workers)
	for range workers {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker task panicked", "pool", p.name, "panic", r)
		}
	}()
	task(p.ctx)
}

// Submit queues task. With every worker busy and the queue full it applies
// the overflow policy.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	select {
	case p.queue <- task:
		p.mu.RUnlock()
		return nil
	default:
	}
	p.mu.RUnlock()

	switch p.overflow {
	case CallerRuns:
		p.inline.Add(1)
		slog.Debug("pool saturated, running task on caller", "pool", p.name)
		p.run(task)
		return nil
	default:
		p.rejected.Add(1)
		slog.Warn("pool saturated, task rejected", "pool", p.name, "workers", p.workers, "queue", cap(p.queue))
		return core.ErrOverloaded
	}
}

// Status is a point-in-time view of a pool.
type Status struct {
	Name     string `json:"name"`
	Workers  int    `json:"workers"`
	Active   int64  `json:"active"`
	Queued   int    `json:"queued"`
	Capacity int    `json:"queueCapacity"`
	Overflow string `json:"overflow"`
	Inline   int64  `json:"callerRuns"`
	Rejected int64  `json:"rejected"`
	Closed   bool   `json:"closed"`
}

// Status returns the current pool state for monitoring.
func (p *Pool) Status() Status {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	return Status{
		Name:     p.name,
		Workers:  p.workers,
		Active:   p.active.Load(),
		Queued:   len(p.queue),
		Capacity: cap(p.queue),
		Overflow: p.overflow.String(),
		Inline:   p.inline.Load(),
		Rejected: p.rejected.Load(),
		Closed:   closed,
	}
}

// Shutdown stops accepting tasks and waits for queued and running ones.
// If ctx expires first the task context is cancelled, so cooperative tasks
// wind down, and ctx.Err() is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		slog.Info("worker pool drained", "pool", p.name)
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		slog.Warn("worker pool drain timed out, tasks cancelled", "pool", p.name)
		return ctx.Err()
	}
}
