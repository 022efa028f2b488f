// Package workerpool runs CPU-bound pipeline work (image processing and OCR)
// on a fixed number of goroutines so concurrent runs cannot oversubscribe the
// machine or stall request dispatch.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Do once the pool has been closed.
var ErrClosed = errors.New("workerpool: closed")

type job struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan error
}

// Pool is a fixed-size set of workers fed from a queue.
type Pool struct {
	workers  int
	jobQueue chan job
	done     chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	busy   atomic.Int64
	queued atomic.Int64
}

// New creates a pool with the given number of workers. Non-positive values
// mean one worker per CPU.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{
		workers:  workers,
		jobQueue: make(chan job, workers*2),
		done:     make(chan struct{}),
	}
}

// Size is the number of workers.
func (p *Pool) Size() int { return p.workers }

// Start launches the workers. Do calls it implicitly.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case j := <-p.jobQueue:
			p.queued.Add(-1)
			// dropped: the caller gave up while the job was queued
			if err := j.ctx.Err(); err != nil {
				j.result <- err
				continue
			}
			p.busy.Add(1)
			j.result <- run(j)
			p.busy.Add(-1)
		}
	}
}

func run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workerpool: task panicked: %v", r)
		}
	}()
	return j.fn(j.ctx)
}

// Do runs fn on a worker and waits for it. If ctx ends first Do returns
// ctx.Err(); a task that already started keeps its worker until fn returns,
// so fn should watch ctx.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	p.Start()

	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}
	p.queued.Add(1)
	select {
	case p.jobQueue <- j:
	case <-ctx.Done():
		p.queued.Add(-1)
		return ctx.Err()
	case <-p.done:
		p.queued.Add(-1)
		return ErrClosed
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		select {
		case err := <-j.result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Stats is a point-in-time view of pool load.
type Stats struct {
	Workers int   `json:"workers"`
	Busy    int64 `json:"busy"`
	Queued  int64 `json:"queued"`
}

// Stats reports current load.
func (p *Pool) Stats() Stats {
	return Stats{Workers: p.workers, Busy: p.busy.Load(), Queued: p.queued.Load()}
}

// Close stops the workers after their current task. Queued tasks are not run.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}
