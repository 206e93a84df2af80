// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package workpool runs functions with bounded concurrency and hands back a
// Future per submission.
package workpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool limits how many submitted functions run at once. Submissions are
// started in FIFO order as slots free up.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// New returns a pool running at most n functions concurrently.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(n)), size: n}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int { return p.size }

// Go schedules fn on p and returns immediately. fn always runs to
// completion once scheduled, whether or not anyone waits on the result.
func Go[T any](p *Pool, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	go func() {
		// Acquire only fails when its context is done.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		v, err := fn()
		f.resolve(v, err)
	}()
	return f
}

// Future is the eventual result of a function.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a Future that is already complete.
func Resolved[T any](v T, err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(v, err)
	return f
}

func (f *Future[T]) resolve(v T, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx is done. A cancelled
// wait does not cancel the underlying work.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
