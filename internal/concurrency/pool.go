// The MIT License
//
// Copyright (c) 2024 Functionless Corp.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package concurrency provides the bounded worker pool shared by the
// Orchestrator and the Task Worker: a fixed goroutine count draining a
// buffered job channel, started once and stopped once.
package concurrency

import (
	"sync"
	"sync/atomic"
)

const (
	statusInitialized int32 = iota
	statusStarted
	statusStopped
)

// Job is one unit of work submitted to a Pool.
type Job func()

// Pool runs submitted Jobs across a fixed number of worker goroutines.
type Pool struct {
	status int32

	jobs     chan Job
	shutdown chan struct{}
	wg       sync.WaitGroup

	workers int
}

// NewPool creates a Pool with the given worker count and job queue
// depth. It must be started with Start before Submit is called.
func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		status:   statusInitialized,
		jobs:     make(chan Job, queueSize),
		shutdown: make(chan struct{}),
		workers:  workers,
	}
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (p *Pool) Start() {
	if !atomic.CompareAndSwapInt32(&p.status, statusInitialized, statusStarted) {
		return
	}
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.run()
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			job()
		case <-p.shutdown:
			p.drain()
			return
		}
	}
}

func (p *Pool) drain() {
	for {
		select {
		case job := <-p.jobs:
			job()
		default:
			return
		}
	}
}

// Submit enqueues a job, blocking if the queue is full. It is safe to
// call concurrently.
func (p *Pool) Submit(job Job) {
	p.jobs <- job
}

// TrySubmit enqueues a job without blocking, returning false if the
// queue is full.
func (p *Pool) TrySubmit(job Job) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop signals workers to drain the remaining queue and exit, then
// blocks until they have. Calling Stop twice is a no-op.
func (p *Pool) Stop() {
	if !atomic.CompareAndSwapInt32(&p.status, statusStarted, statusStopped) {
		return
	}
	close(p.shutdown)
	p.wg.Wait()
}
