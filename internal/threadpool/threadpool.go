// Package threadpool provides the process-wide fixed worker pool shared by
// kernels. Work is submitted as independent closures; each submission
// returns a Future and the submitting goroutine joins with Get.
package threadpool

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

var ErrClosed = errors.New("threadpool: pool is closed")

// Future is the result handle of one submitted task.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Get blocks until the task has finished.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.val, f.err
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// NewPromise returns an unresolved future and the function that resolves it.
// resolve must be called exactly once.
func NewPromise[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{done: make(chan struct{})}
	return f, func(v T, err error) {
		f.val, f.err = v, err
		close(f.done)
	}
}

// Resolved returns a future that is already complete.
func Resolved[T any](v T, err error) *Future[T] {
	f, resolve := NewPromise[T]()
	resolve(v, err)
	return f
}

type Pool struct {
	tasks   chan func()
	workers int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts workers goroutines; workers <= 0 means runtime.NumCPU().
// queueDepth bounds the number of pending tasks, after which Submit blocks.
func New(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	p := &Pool{
		tasks:   make(chan func(), queueDepth),
		workers: workers,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

func (p *Pool) Workers() int {
	return p.workers
}

// Close stops accepting work and waits for queued tasks to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) enqueue(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.tasks <- task
	return nil
}

// Submit schedules fn on the pool. A panic inside fn is reported as the
// future's error.
func Submit[T any](p *Pool, fn func() (T, error)) *Future[T] {
	f, resolve := NewPromise[T]()
	task := func() {
		var (
			val T
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				var zero T
				resolve(zero, fmt.Errorf("threadpool: task panicked: %v", r))
				return
			}
			resolve(val, err)
		}()
		val, err = fn()
	}
	if err := p.enqueue(task); err != nil {
		var zero T
		resolve(zero, err)
	}
	return f
}

// Go submits a closure without a result value.
func (p *Pool) Go(fn func() error) *Future[struct{}] {
	return Submit(p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
}

// Wait joins every future and returns the first error encountered.
func Wait[T any](futures []*Future[T]) error {
	var first error
	for _, f := range futures {
		if _, err := f.Get(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ParallelFor splits [0, n) into at most Workers() contiguous chunks and runs
// fn on each, returning after all chunks have finished.
func (p *Pool) ParallelFor(n int, fn func(start, end int) error) error {
	if n <= 0 {
		return nil
	}
	chunks := p.workers
	if chunks > n {
		chunks = n
	}
	per := (n + chunks - 1) / chunks
	futures := make([]*Future[struct{}], 0, chunks)
	for start := 0; start < n; start += per {
		end := start + per
		if end > n {
			end = n
		}
		s, e := start, end
		futures = append(futures, p.Go(func() error { return fn(s, e) }))
	}
	return Wait(futures)
}
