// Package npu drives an NPU-style accelerator: C independent cores with
// bounded command queues, a fixed pool of unified memory and optional FP16
// arithmetic. The quantized linear kernel tiles the weight across the cores
// and keeps the tiles resident between calls.
package npu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/23skdu/longbow-forge/internal/metrics"
	"github.com/23skdu/longbow-forge/internal/threadpool"
)

var (
	ErrOutOfMemory     = errors.New("npu: accelerator out of memory")
	ErrClosed          = errors.New("npu: accelerator is closed")
	ErrInvalidCore     = errors.New("npu: no such core")
	ErrFP16Unsupported = errors.New("npu: accelerator has no fp16 support")
	ErrInvalidDims     = errors.New("npu: invalid dimensions")
)

// Options describe the accelerator being driven.
type Options struct {
	Cores      int
	QueueDepth int
	MemoryMB   int64
	FP16       bool
}

// Buffer is a block of accelerator memory. The memory is unified, so the
// host reads and writes it directly.
type Buffer struct {
	acc  *Accelerator
	data []byte
	once sync.Once
}

func (b *Buffer) Size() int { return len(b.data) }

func (b *Buffer) Bytes() []byte { return b.data }

// Release returns the memory to the accelerator. Safe to call twice.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		b.acc.free(int64(len(b.data)))
		b.data = nil
	})
}

type command struct {
	run     func() error
	resolve func(struct{}, error)
}

type Accelerator struct {
	opts   Options
	limit  int64
	used   atomic.Int64
	queues []chan command

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAccelerator starts one goroutine per core.
func NewAccelerator(opts Options) (*Accelerator, error) {
	if opts.Cores < 1 {
		return nil, fmt.Errorf("%w: %d cores", ErrInvalidDims, opts.Cores)
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = 1
	}
	a := &Accelerator{
		opts:   opts,
		limit:  opts.MemoryMB << 20,
		queues: make([]chan command, opts.Cores),
	}
	a.wg.Add(opts.Cores)
	for i := range a.queues {
		a.queues[i] = make(chan command, opts.QueueDepth)
		go a.core(a.queues[i])
	}
	return a, nil
}

func (a *Accelerator) core(queue <-chan command) {
	defer a.wg.Done()
	for cmd := range queue {
		err := safeRun(cmd.run)
		cmd.resolve(struct{}{}, err)
	}
}

func safeRun(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("npu: command panicked: %v", r)
		}
	}()
	return fn()
}

func (a *Accelerator) Cores() int { return a.opts.Cores }

func (a *Accelerator) QueueDepth() int { return a.opts.QueueDepth }

func (a *Accelerator) FP16() bool { return a.opts.FP16 }

// Used reports the bytes currently allocated.
func (a *Accelerator) Used() int64 { return a.used.Load() }

// Alloc reserves size bytes of accelerator memory.
func (a *Accelerator) Alloc(size int) (*Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: alloc of %d bytes", ErrInvalidDims, size)
	}
	n := int64(size)
	for {
		used := a.used.Load()
		if used+n > a.limit {
			metrics.NPUAllocFailures.Inc()
			return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrOutOfMemory, size, used, a.limit)
		}
		if a.used.CompareAndSwap(used, used+n) {
			metrics.RecordNPUMemory(used + n)
			return &Buffer{acc: a, data: alignedBytes(size)}, nil
		}
	}
}

// alignedBytes backs the buffer with 8-byte words so float views are aligned.
func alignedBytes(n int) []byte {
	if n == 0 {
		return nil
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

func (a *Accelerator) free(n int64) {
	metrics.RecordNPUMemory(a.used.Add(-n))
}

// Submit queues fn on core. It blocks while that core's queue is full.
func (a *Accelerator) Submit(core int, fn func() error) *threadpool.Future[struct{}] {
	if core < 0 || core >= len(a.queues) {
		return threadpool.Resolved(struct{}{}, fmt.Errorf("%w: %d", ErrInvalidCore, core))
	}
	f, resolve := threadpool.NewPromise[struct{}]()
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		resolve(struct{}{}, ErrClosed)
		return f
	}
	a.queues[core] <- command{run: fn, resolve: resolve}
	return f
}

// Close drains the queues and stops the cores.
func (a *Accelerator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for _, q := range a.queues {
		close(q)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
