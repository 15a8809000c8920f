package npu

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/23skdu/longbow-forge/internal/metrics"
	"github.com/23skdu/longbow-forge/internal/quant"
	"github.com/23skdu/longbow-forge/internal/tensor"
	"github.com/23skdu/longbow-forge/internal/threadpool"
)

var ErrWeightLayout = errors.New("npu: weight cannot be tiled")

// ResidentWeight is a weight retiled into per-tile accelerator buffers.
// Tile (a, b) holds rows KSpan(a) by columns MSpan(b), row-major.
type ResidentWeight struct {
	Handle   uint64
	Plan     Plan
	DType    tensor.DataType
	Channels []quant.PerChannelConfig

	tiles []*Buffer
}

func (r *ResidentWeight) Tile(a, b int) *Buffer {
	return r.tiles[a*r.Plan.MRound+b]
}

// Bytes is the accelerator memory held by the tiles.
func (r *ResidentWeight) Bytes() int {
	n := 0
	for _, t := range r.tiles {
		if t != nil {
			n += t.Size()
		}
	}
	return n
}

func (r *ResidentWeight) release() {
	for _, t := range r.tiles {
		t.Release()
	}
}

// upload retiles w according to plan, one tile per pool task.
func upload(acc *Accelerator, pool *threadpool.Pool, w *tensor.Tensor, plan Plan) (*ResidentWeight, error) {
	dims := w.Dims()
	if len(dims) != 2 || dims[0] != plan.K || dims[1] != plan.M {
		return nil, fmt.Errorf("%w: %v for plan %dx%d", ErrWeightLayout, dims, plan.K, plan.M)
	}
	if !w.IsContiguous() {
		return nil, fmt.Errorf("%w: %s is strided", ErrWeightLayout, w)
	}
	src := w.Bytes()
	if src == nil {
		return nil, fmt.Errorf("%w: %s", tensor.ErrNotOnCPU, w)
	}
	rw := &ResidentWeight{
		Handle: w.Handle(),
		Plan:   plan,
		DType:  w.DataType(),
		tiles:  make([]*Buffer, plan.Tiles()),
	}
	switch rw.DType {
	case tensor.Float32, tensor.Float16:
	case tensor.Int8:
		if len(w.Channels) < plan.K {
			return nil, fmt.Errorf("%w: int8 weight %q has %d channel configs for %d rows", ErrWeightLayout, w.Name, len(w.Channels), plan.K)
		}
		rw.Channels = w.Channels[:plan.K]
	default:
		return nil, fmt.Errorf("%w: %v weights", ErrWeightLayout, rw.DType)
	}

	elem := rw.DType.Size()
	err := pool.ParallelFor(len(rw.tiles), func(start, end int) error {
		for idx := start; idx < end; idx++ {
			k0, k1 := plan.KSpan(idx / plan.MRound)
			m0, m1 := plan.MSpan(idx % plan.MRound)
			width := (m1 - m0) * elem
			buf, err := acc.Alloc((k1 - k0) * width)
			if err != nil {
				return err
			}
			rw.tiles[idx] = buf
			dst := buf.Bytes()
			for r := k0; r < k1; r++ {
				off := (r*plan.M + m0) * elem
				copy(dst[(r-k0)*width:(r-k0+1)*width], src[off:off+width])
			}
		}
		return nil
	})
	if err != nil {
		rw.release()
		return nil, fmt.Errorf("upload %q: %w", w.Name, err)
	}
	return rw, nil
}

// WeightCache keeps weights resident on the accelerator, keyed by tensor
// handle. The first request for a handle uploads it; concurrent first
// requests share that upload.
type WeightCache struct {
	acc  *Accelerator
	pool *threadpool.Pool

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[uint64]*ResidentWeight
}

func NewWeightCache(acc *Accelerator, pool *threadpool.Pool) *WeightCache {
	return &WeightCache{acc: acc, pool: pool, entries: make(map[uint64]*ResidentWeight)}
}

func (c *WeightCache) lookup(handle uint64) (*ResidentWeight, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rw, ok := c.entries[handle]
	return rw, ok
}

// Get returns the resident tiles of w, uploading them on first use.
func (c *WeightCache) Get(w *tensor.Tensor, plan Plan) (*ResidentWeight, error) {
	if rw, ok := c.lookup(w.Handle()); ok && rw.Plan == plan {
		metrics.RecordWeightCache(true, c.Len())
		return rw, nil
	}
	v, err, _ := c.group.Do(strconv.FormatUint(w.Handle(), 10), func() (interface{}, error) {
		if rw, ok := c.lookup(w.Handle()); ok && rw.Plan == plan {
			return rw, nil
		}
		rw, err := upload(c.acc, c.pool, w, plan)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if old, ok := c.entries[w.Handle()]; ok {
			old.release()
		}
		c.entries[w.Handle()] = rw
		n := len(c.entries)
		c.mu.Unlock()
		metrics.RecordWeightCache(false, n)
		return rw, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ResidentWeight), nil
}

func (c *WeightCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Invalidate drops and frees the tiles of handle. The next Get uploads again.
func (c *WeightCache) Invalidate(handle uint64) {
	c.mu.Lock()
	rw, ok := c.entries[handle]
	delete(c.entries, handle)
	n := len(c.entries)
	c.mu.Unlock()
	if ok {
		rw.release()
		metrics.WeightCacheEntries.Set(float64(n))
	}
}

// Close frees every resident weight.
func (c *WeightCache) Close() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[uint64]*ResidentWeight)
	c.mu.Unlock()
	for _, rw := range entries {
		rw.release()
	}
	metrics.WeightCacheEntries.Set(0)
}
