// Package workpool provides the bounded worker pool each tracker uses to
// apply a batch of items in parallel.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when scheduling on a closed pool.
var ErrClosed = errors.New("worker pool closed")

// Job is one unit of work. Its error is reported by Drain.
type Job func(ctx context.Context) error

// Failure is a job that returned an error or panicked.
type Failure struct {
	Key string
	Err error
}

// Result summarizes the jobs that finished since the previous drain.
type Result struct {
	Succeeded int
	Failures  []Failure
}

// Failed returns the failed job keys.
func (r Result) Failed() map[string]error {
	out := make(map[string]error, len(r.Failures))
	for _, f := range r.Failures {
		out[f.Key] = f.Err
	}
	return out
}

type task struct {
	ctx context.Context
	key string
	job Job
}

// Pool runs jobs on a fixed number of workers fed by a bounded queue.
// A failing job never affects its siblings.
type Pool struct {
	name   string
	queue  chan task
	logger *slog.Logger

	pending  sync.WaitGroup // jobs since the last drain
	workers  sync.WaitGroup
	inFlight atomic.Int64

	mu     sync.RWMutex // guards closed and the queue send
	closed bool

	resMu  sync.Mutex
	result Result
}

// New starts a pool with size workers and room for queueSize waiting jobs.
func New(name string, size, queueSize int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		name:   name,
		queue:  make(chan task, queueSize),
		logger: logger.With("pool", name),
	}
	p.workers.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// InFlight returns the number of queued and running jobs.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// Schedule queues a job. It blocks while the queue is full and returns
// ErrClosed once the pool is closed.
func (p *Pool) Schedule(ctx context.Context, key string, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	p.pending.Add(1)
	p.inFlight.Add(1)
	select {
	case p.queue <- task{ctx: ctx, key: key, job: job}:
		return nil
	case <-ctx.Done():
		p.inFlight.Add(-1)
		p.pending.Done()
		return ctx.Err()
	}
}

// Drain waits until every job scheduled since the previous drain has
// finished and returns their outcome.
func (p *Pool) Drain() Result {
	p.pending.Wait()

	p.resMu.Lock()
	defer p.resMu.Unlock()
	r := p.result
	p.result = Result{}
	return r
}

// Close stops accepting jobs and waits for the workers to finish the queue.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.workers.Wait()
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for t := range p.queue {
		p.run(t)
	}
}

func (p *Pool) run(t task) {
	defer p.pending.Done()
	defer p.inFlight.Add(-1)

	err := p.call(t)

	p.resMu.Lock()
	defer p.resMu.Unlock()
	if err != nil {
		p.result.Failures = append(p.result.Failures, Failure{Key: t.key, Err: err})
		return
	}
	p.result.Succeeded++
}

func (p *Pool) call(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "key", t.key, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("job %s panicked: %v", t.key, r)
		}
	}()
	return t.job(t.ctx)
}
