package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-forge/internal/device"
	"github.com/23skdu/longbow-forge/internal/executor"
	"github.com/23skdu/longbow-forge/internal/tensor"
	"github.com/23skdu/longbow-forge/internal/threadpool"
)

func cpuRunner(t *testing.T) *executor.Executor {
	t.Helper()
	pool := threadpool.New(2, 8)
	t.Cleanup(pool.Close)
	return executor.New(device.NewCPU(pool))
}

// pseudo fills n deterministic values in [-scale, scale].
func pseudo(n int, seed uint32, scale float32) []float32 {
	out := make([]float32, n)
	s := seed
	for i := range out {
		s = s*1664525 + 1013904223
		out[i] = (float32(s>>8)/float32(1<<24)*2 - 1) * scale
	}
	return out
}

func kvSlice(heads, n, d int, seed uint32) *tensor.Tensor {
	return tensor.FromFloat32(pseudo(heads*n*d, seed, 1), heads, n, d)
}

func values(t *testing.T, x *tensor.Tensor) []float32 {
	t.Helper()
	v, err := x.Float32Values()
	require.NoError(t, err)
	return v
}

func TestKVCacheGrowsInUnits(t *testing.T) {
	r := cpuRunner(t)
	const heads, d, unit = 2, 3, 4
	c := NewKVCache("layer0", unit)
	require.Zero(t, c.Len())
	require.Zero(t, c.Capacity())

	var keys, vals []*tensor.Tensor
	total, prevCap := 0, 0
	for i, n := range []int{1, 2, 3, 5, 1} {
		k, v := kvSlice(heads, n, d, uint32(i)), kvSlice(heads, n, d, uint32(100+i))
		require.NoError(t, c.Append(r, k, v))
		keys, vals = append(keys, k), append(vals, v)
		total += n

		assert.Equal(t, total, c.Len())
		assert.Zero(t, c.Capacity()%unit, "capacity %d", c.Capacity())
		assert.GreaterOrEqual(t, c.Capacity(), c.Len())
		assert.GreaterOrEqual(t, c.Capacity(), prevCap)
		prevCap = c.Capacity()
	}
	assert.Equal(t, 12, c.Capacity())
	assert.Equal(t, []int{heads, total, d}, c.Key.Dims())

	wantK, err := tensor.Cat(keys, seqAxis)
	require.NoError(t, err)
	wantV, err := tensor.Cat(vals, seqAxis)
	require.NoError(t, err)
	assert.Equal(t, values(t, wantK), values(t, c.Key))
	assert.Equal(t, values(t, wantV), values(t, c.Value))
}

func TestKVCacheRejectsMismatchedSlices(t *testing.T) {
	r := cpuRunner(t)
	c := NewKVCache("layer0", 8)

	err := c.Append(r, kvSlice(2, 1, 3, 1), kvSlice(2, 2, 3, 2))
	assert.ErrorIs(t, err, ErrCacheShape)

	require.NoError(t, c.Append(r, kvSlice(2, 1, 3, 1), kvSlice(2, 1, 3, 2)))
	err = c.Append(r, kvSlice(3, 1, 3, 1), kvSlice(3, 1, 3, 2))
	assert.ErrorIs(t, err, ErrCacheShape)
	err = c.Append(r, tensor.FromFloat32(make([]float32, 6), 2, 3), tensor.FromFloat32(make([]float32, 6), 2, 3))
	assert.ErrorIs(t, err, ErrCacheShape)
	assert.Equal(t, 1, c.Len())
}

func TestKVCacheFreeAndReuse(t *testing.T) {
	r := cpuRunner(t)
	c := NewKVCache("layer0", 4)
	require.NoError(t, c.Append(r, kvSlice(1, 6, 2, 1), kvSlice(1, 6, 2, 2)))
	require.Equal(t, 8, c.Capacity())

	c.Free()
	assert.Zero(t, c.Len())
	assert.Zero(t, c.Capacity())

	k := kvSlice(1, 1, 2, 3)
	require.NoError(t, c.Append(r, k, kvSlice(1, 1, 2, 4)))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 4, c.Capacity())
	assert.Equal(t, values(t, k), values(t, c.Key))
}

func TestKVCacheZeroUnit(t *testing.T) {
	c := NewKVCache("x", 0)
	assert.Equal(t, 1, c.UnitLength())
}

func TestAppendBatchMatchesAppend(t *testing.T) {
	r := cpuRunner(t)
	const heads, d = 2, 4
	batched := []*KVCache{NewKVCache("a", 4), NewKVCache("b", 4)}
	single := []*KVCache{NewKVCache("a", 4), NewKVCache("b", 4)}

	for step, lengths := range [][]int{{3, 1}, {1, 1}, {2, 5}} {
		keys := make([]*tensor.Tensor, len(lengths))
		vals := make([]*tensor.Tensor, len(lengths))
		for i, n := range lengths {
			seed := uint32(step*10 + i)
			keys[i], vals[i] = kvSlice(heads, n, d, seed), kvSlice(heads, n, d, seed+500)
			require.NoError(t, single[i].Append(r, keys[i], vals[i]))
		}
		require.NoError(t, AppendBatch(r, batched, keys, vals))
	}

	for i := range batched {
		assert.Equal(t, single[i].Len(), batched[i].Len())
		assert.Equal(t, single[i].Capacity(), batched[i].Capacity())
		assert.Equal(t, values(t, single[i].Key), values(t, batched[i].Key))
		assert.Equal(t, values(t, single[i].Value), values(t, batched[i].Value))
	}
	assert.Equal(t, 6, batched[0].Len())
	assert.Equal(t, 7, batched[1].Len())
	assert.Equal(t, 8, batched[1].Capacity())
}

func TestAppendBatchCountMismatch(t *testing.T) {
	r := cpuRunner(t)
	caches := []*KVCache{NewKVCache("a", 4)}
	err := AppendBatch(r, caches, nil, nil)
	assert.ErrorIs(t, err, ErrSequenceSpan)
}
