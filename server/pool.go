package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPoolStopped is returned by Do after Stop.
var ErrPoolStopped = errors.New("server: worker pool stopped")

// job represents a unit of work to be executed on a worker goroutine.
type job struct {
	ctx  context.Context
	fn   func(context.Context) (any, error)
	done chan jobResult
}

// jobResult holds the return value from a job.
type jobResult struct {
	value any
	err   error
}

// Pool runs jobs on a fixed number of goroutines. Every job builds and
// runs its own engine, so workers share nothing; the pool only bounds how
// many engines run at once.
type Pool struct {
	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewPool creates a Pool and starts n worker goroutines.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		jobs: make(chan job, n*4),
		quit: make(chan struct{}),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.loop()
	}
	return p
}

// loop processes jobs until the pool stops.
func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			j.done <- p.execute(j)
		case <-p.quit:
			return
		}
	}
}

// execute runs a job, recovering from panics.
func (p *Pool) execute(j job) (result jobResult) {
	defer func() {
		if r := recover(); r != nil {
			result = jobResult{err: fmt.Errorf("worker panic: %v", r)}
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return jobResult{err: err}
	}
	v, err := j.fn(j.ctx)
	return jobResult{value: v, err: err}
}

// Do submits fn and blocks until it completes or ctx is done. The context
// is passed to fn so long-running engines can observe cancellation.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	j := job{ctx: ctx, fn: fn, done: make(chan jobResult, 1)}
	select {
	case p.jobs <- j:
	case <-p.quit:
		return nil, ErrPoolStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-j.done:
		return r.value, r.err
	case <-p.quit:
		return nil, ErrPoolStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts down the worker goroutines and waits for running jobs.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
