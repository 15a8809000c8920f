package engine

import (
	"fmt"

	"github.com/23skdu/longbow-forge/internal/device"
	"github.com/23skdu/longbow-forge/internal/metrics"
	"github.com/23skdu/longbow-forge/internal/tensor"
)

// seqAxis is the growing axis of a [heads, seq, headDim] cache tensor.
const seqAxis = 1

// KVCache is the key/value history of one layer of one sequence. Both
// tensors are [heads, seq, headDim] and grow along seq in steps of unit
// tokens; capacity is never given back before Free.
type KVCache struct {
	Key   *tensor.Tensor
	Value *tensor.Tensor
	unit  int
}

func NewKVCache(name string, unit int) *KVCache {
	if unit <= 0 {
		unit = 1
	}
	k, v := tensor.Empty(tensor.Float32), tensor.Empty(tensor.Float32)
	k.Name, v.Name = name+".key", name+".value"
	return &KVCache{Key: k, Value: v, unit: unit}
}

// Len is the number of tokens held.
func (c *KVCache) Len() int {
	if dims := c.Key.Dims(); len(dims) == 3 {
		return dims[seqAxis]
	}
	return 0
}

// Capacity is the number of tokens the reservation holds.
func (c *KVCache) Capacity() int {
	if exp := c.Key.ExpansionDims(); len(exp) == 3 {
		return exp[seqAxis]
	}
	return 0
}

func (c *KVCache) UnitLength() int { return c.unit }

func (c *KVCache) check(k, v *tensor.Tensor) error {
	kd, vd := k.Dims(), v.Dims()
	if len(kd) != 3 || len(vd) != 3 || kd[0] != vd[0] || kd[1] != vd[1] || kd[2] != vd[2] {
		return fmt.Errorf("%w: key %v value %v", ErrCacheShape, kd, vd)
	}
	if cd := c.Key.Dims(); len(cd) == 3 && (cd[0] != kd[0] || cd[2] != kd[2]) {
		return fmt.Errorf("%w: %v onto %v", ErrCacheShape, kd, cd)
	}
	return nil
}

// reserve grows both tensors so that tokens more fit, rounding the new
// capacity up to a multiple of the unit length.
func (c *KVCache) reserve(heads, tokens, headDim int) error {
	need := c.Len() + tokens
	if need <= c.Capacity() {
		return nil
	}
	capacity := (need + c.unit - 1) / c.unit * c.unit
	for _, t := range []*tensor.Tensor{c.Key, c.Value} {
		if err := t.Expansion(heads, capacity, headDim); err != nil {
			return fmt.Errorf("expand %s to %d tokens: %w", t.Name, capacity, err)
		}
	}
	metrics.RecordKVCacheExpansion(capacity)
	return nil
}

// Append adds k and v, each [heads, n, headDim], with one CatDirect per
// tensor.
func (c *KVCache) Append(r Runner, k, v *tensor.Tensor) error {
	if err := c.check(k, v); err != nil {
		return err
	}
	dims := k.Dims()
	if err := c.reserve(dims[0], dims[1], dims[2]); err != nil {
		return err
	}
	ints := device.IntDict{device.Axis: seqAxis}
	if err := r.Run(device.OpCatDirect, device.Datas{}.Set(device.Input0, c.Key).Set(device.Input1, k), nil, ints); err != nil {
		return fmt.Errorf("append key: %w", err)
	}
	if err := r.Run(device.OpCatDirect, device.Datas{}.Set(device.Input0, c.Value).Set(device.Input1, v), nil, ints); err != nil {
		return fmt.Errorf("append value: %w", err)
	}
	metrics.RecordKVCacheAppend(dims[1])
	return nil
}

// Free drops the storage; the cache can be reused from empty.
func (c *KVCache) Free() {
	c.Key.Free()
	c.Value.Free()
}

// AppendBatch grows every cache for its slice and then appends all keys and
// values with a single CatDirectBatch.
func AppendBatch(r Runner, caches []*KVCache, keys, values []*tensor.Tensor) error {
	if len(keys) != len(caches) || len(values) != len(caches) {
		return fmt.Errorf("%w: %d caches, %d keys, %d values", ErrSequenceSpan, len(caches), len(keys), len(values))
	}
	dst := make([]*tensor.Tensor, 0, 2*len(caches))
	src := make([]*tensor.Tensor, 0, 2*len(caches))
	for i, c := range caches {
		if err := c.check(keys[i], values[i]); err != nil {
			return fmt.Errorf("sequence %d: %w", i, err)
		}
		d := keys[i].Dims()
		if err := c.reserve(d[0], d[1], d[2]); err != nil {
			return fmt.Errorf("sequence %d: %w", i, err)
		}
		dst = append(dst, c.Key, c.Value)
		src = append(src, keys[i], values[i])
	}
	ints := device.IntDict{device.Axis: seqAxis}
	datas := device.Datas{}.SetBatch(ints, device.Input0, dst).SetBatch(ints, device.Input1, src)
	if err := r.Run(device.OpCatDirectBatch, datas, nil, ints); err != nil {
		return err
	}
	for _, k := range keys {
		metrics.RecordKVCacheAppend(k.Dims()[seqAxis])
	}
	return nil
}
