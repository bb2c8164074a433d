// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs the per-core tasks of a kernel launch with bounded parallelism.
//
// Each task stands for one physical core of the accelerator: the pool bounds how many cores
// are simulated at the same time, it doesn't schedule work inside a core.
package workerspool

import (
	"runtime"
	"sync"
)

type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int
}

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a new Pool with the given maxParallelism.
// If set to 0 tasks run inline in the caller. If set to -1 parallelism is unlimited.
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// lockedIsFull returns whether all available workers are in use. Only used with a positive maxParallelism.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available to run the task.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return

	} else if w.maxParallelism == 0 {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// Run executes task(0) ... task(n-1) on the pool and waits for all of them to finish.
//
// If any task panics, the remaining tasks still run to completion and the first panic
// is re-raised in the caller's goroutine.
func (w *Pool) Run(n int, task func(idx int)) {
	var (
		wg         sync.WaitGroup
		muPanic    sync.Mutex
		firstPanic any
	)
	for idx := range n {
		wg.Add(1)
		w.WaitToStart(func() {
			defer wg.Done()
			defer func() {
				if exception := recover(); exception != nil {
					muPanic.Lock()
					if firstPanic == nil {
						firstPanic = exception
					}
					muPanic.Unlock()
				}
			}()
			task(idx)
		})
	}
	wg.Wait()
	if firstPanic != nil {
		panic(firstPanic)
	}
}
