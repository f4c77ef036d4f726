// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package parallel

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Dispatch after the pool has been closed.
var ErrClosed = errors.New("parallel: worker pool closed")

// WorkerPool is a pool of goroutines that executes compute dispatches.
//
// Each worker owns a queue and steals from the other queues when its own is
// empty. A dispatch is split into a handful of tasks per worker; every task
// pulls workgroup ids from a shared counter until the dispatch is drained,
// so a slow workgroup (a crowded tile) does not stall the others.
//
// Thread safety: WorkerPool is safe for concurrent use. Dispatches issued
// from different goroutines interleave but never share workgroup ids.
type WorkerPool struct {
	// workers is the number of worker goroutines.
	workers int

	// workQueues holds per-worker task queues.
	workQueues []chan func()

	// done signals workers to stop.
	done chan struct{}

	// wg waits for all workers to finish.
	wg sync.WaitGroup

	// running indicates whether the pool is accepting work.
	running atomic.Bool
}

// NewWorkerPool creates a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	queueSize := workers * 4
	if queueSize < 8 {
		queueSize = 8
	}

	p := &WorkerPool{
		workers:    workers,
		workQueues: make([]chan func(), workers),
		done:       make(chan struct{}),
	}
	for i := range workers {
		p.workQueues[i] = make(chan func(), queueSize)
	}

	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}

	return p
}

// worker is the main loop for each worker goroutine.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	myQueue := p.workQueues[id]

	for {
		select {
		case <-p.done:
			p.drainQueue(myQueue)
			return

		case work := <-myQueue:
			work()

		default:
			if stolen := p.steal(id); stolen != nil {
				stolen()
				continue
			}
			select {
			case <-p.done:
				p.drainQueue(myQueue)
				return
			case work := <-myQueue:
				work()
			}
		}
	}
}

// drainQueue executes all remaining work in a queue.
func (p *WorkerPool) drainQueue(queue chan func()) {
	for {
		select {
		case work := <-queue:
			work()
		default:
			return
		}
	}
}

// steal attempts to take a task from another worker's queue.
func (p *WorkerPool) steal(myID int) func() {
	for i := range p.workers {
		if i == myID {
			continue
		}
		select {
		case work := <-p.workQueues[i]:
			return work
		default:
		}
	}
	return nil
}

// ExecuteAll distributes tasks across workers and waits for all of them.
// Tasks submitted after Close are run on the calling goroutine so that a
// racing Close never leaves a dispatch half finished.
func (p *WorkerPool) ExecuteAll(work []func()) {
	if len(work) == 0 {
		return
	}

	var completion sync.WaitGroup
	completion.Add(len(work))

	for i, fn := range work {
		task := func() {
			defer completion.Done()
			fn()
		}
		select {
		case p.workQueues[i%p.workers] <- task:
		case <-p.done:
			task()
		}
	}

	completion.Wait()
}

// Dispatch runs kernel once for every workgroup id in [0, workgroups) and
// returns when all of them have finished. This is the only point where the
// host waits on the device.
func (p *WorkerPool) Dispatch(workgroups int, kernel func(wg int)) error {
	if !p.running.Load() {
		return ErrClosed
	}
	if workgroups <= 0 {
		return nil
	}
	if workgroups == 1 || p.workers == 1 {
		for wg := range workgroups {
			kernel(wg)
		}
		return nil
	}

	tasks := min(workgroups, p.workers*4)
	var next atomic.Int64
	work := make([]func(), tasks)
	for i := range work {
		work[i] = func() {
			for {
				wg := int(next.Add(1) - 1)
				if wg >= workgroups {
					return
				}
				kernel(wg)
			}
		}
	}
	p.ExecuteAll(work)
	return nil
}

// Close stops accepting work, waits for queued tasks and stops all workers.
// Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// IsRunning returns true if the pool is still accepting work.
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}

// WorkgroupCount returns the number of workgroups of size wgSize needed to
// cover n invocations.
func WorkgroupCount(n, wgSize int) int {
	if n <= 0 {
		return 0
	}
	return (n + wgSize - 1) / wgSize
}
