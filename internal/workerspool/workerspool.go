// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs independent tasks with bounded parallelism. It is used to sweep
// the scheduling analysis and the rewrite over many convolution problems.
package workerspool

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Pool of workers: tasks started with WaitToStart run in their own goroutine, with at most
// MaxParallelism of them running at a time.
type Pool struct {
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
	wg         sync.WaitGroup
	firstErr   error
}

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{maxParallelism: runtime.NumCPU()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of tasks running in parallel.
// If 0 tasks are run inline.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism. Values < 0 are taken as 0 (run inline).
//
// It should only be changed before any task starts.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = max(maxParallelism, 0)
	return w
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available to run the task, and starts it.
// The first error returned by any task is reported by Wait.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func() error) {
	if w.maxParallelism == 0 {
		w.recordErr(task())
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		err := task()
		w.mu.Lock()
		w.numRunning--
		w.lockedRecordErr(err)
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

func (w *Pool) recordErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lockedRecordErr(err)
}

func (w *Pool) lockedRecordErr(err error) {
	if err != nil && w.firstErr == nil {
		w.firstErr = err
	}
}

// Wait for all started tasks to finish, and returns the first error reported.
func (w *Pool) Wait() error {
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firstErr
}

// Run calls fn(ii) for ii in [0, n) using the pool, and waits for all of them to finish.
// It stops starting new tasks once ctx is done or a task failed.
func (w *Pool) Run(ctx context.Context, n int, fn func(ii int) error) error {
	for ii := range n {
		if err := ctx.Err(); err != nil {
			_ = w.Wait()
			return errors.Wrapf(err, "workerspool: interrupted after starting %d of %d tasks", ii, n)
		}
		w.mu.Lock()
		failed := w.firstErr != nil
		w.mu.Unlock()
		if failed {
			break
		}
		w.WaitToStart(func() error { return fn(ii) })
	}
	return w.Wait()
}
