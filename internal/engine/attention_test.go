package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-forge/internal/tensor"
)

// naiveAttention is softmax(q·kᵗ/sqrt(d))·v in float64 with a causal mask
// aligned to the end of k.
func naiveAttention(q, k, v []float32, heads, nq, nk, d int) []float32 {
	out := make([]float32, heads*nq*d)
	scale := 1 / math.Sqrt(float64(d))
	for h := 0; h < heads; h++ {
		for i := 0; i < nq; i++ {
			limit := nk - nq + i
			scores := make([]float64, nk)
			maxS := math.Inf(-1)
			for j := 0; j < nk; j++ {
				var s float64
				for x := 0; x < d; x++ {
					s += float64(q[(h*nq+i)*d+x]) * float64(k[(h*nk+j)*d+x])
				}
				s *= scale
				if j > limit {
					s -= 10000
				}
				scores[j] = s
				maxS = math.Max(maxS, s)
			}
			var sum float64
			for j := range scores {
				scores[j] = math.Exp(scores[j] - maxS)
				sum += scores[j]
			}
			for x := 0; x < d; x++ {
				var acc float64
				for j := 0; j < nk; j++ {
					acc += scores[j] / sum * float64(v[(h*nk+j)*d+x])
				}
				out[(h*nq+i)*d+x] = float32(acc)
			}
		}
	}
	return out
}

func TestCausalMask(t *testing.T) {
	m := CausalMask(2, 4)
	assert.Equal(t, []int{2, 4}, m.Dims())
	assert.Equal(t, []float32{
		0, 0, 0, 1,
		0, 0, 0, 0,
	}, m.Float32s())

	full := CausalMask(3, 3)
	assert.Equal(t, []float32{
		0, 1, 1,
		0, 0, 1,
		0, 0, 0,
	}, full.Float32s())
}

func TestAttentionMatchesReference(t *testing.T) {
	r := cpuRunner(t)
	const heads, nq, nk, d = 2, 3, 5, 4
	q, k, v := kvSlice(heads, nq, d, 1), kvSlice(heads, nk, d, 2), kvSlice(heads, nk, d, 3)

	out := tensor.Empty(tensor.Float32)
	require.NoError(t, Attention(r, q, k, v, CausalMask(nq, nk), out))
	require.Equal(t, []int{heads, nq, d}, out.Dims())

	want := naiveAttention(q.Float32s(), k.Float32s(), v.Float32s(), heads, nq, nk, d)
	assert.InDeltaSlice(t, want, values(t, out), 1e-5)
}

func TestAttendCachedGrowsHistory(t *testing.T) {
	r := cpuRunner(t)
	const heads, d = 2, 4
	c := NewKVCache("layer0", 4)

	var allK, allV []*tensor.Tensor
	for step, n := range []int{3, 1, 1} {
		seed := uint32(step * 3)
		q, k, v := kvSlice(heads, n, d, seed), kvSlice(heads, n, d, seed+1), kvSlice(heads, n, d, seed+2)
		allK, allV = append(allK, k), append(allV, v)

		out := tensor.Empty(tensor.Float32)
		require.NoError(t, AttendCached(r, c, q, k, v, out))

		fullK, err := tensor.Cat(allK, seqAxis)
		require.NoError(t, err)
		fullV, err := tensor.Cat(allV, seqAxis)
		require.NoError(t, err)
		want := naiveAttention(q.Float32s(), fullK.Float32s(), fullV.Float32s(), heads, n, c.Len(), d)
		assert.InDeltaSlice(t, want, values(t, out), 1e-5, "step %d", step)
	}
	assert.Equal(t, 5, c.Len())
	assert.Equal(t, 8, c.Capacity())
}

func TestBatchAttentionMatchesPerSequence(t *testing.T) {
	r := cpuRunner(t)
	const heads, d = 2, 4
	batched := []*KVCache{NewKVCache("a", 4), NewKVCache("b", 4), NewKVCache("c", 4)}
	single := []*KVCache{NewKVCache("a", 4), NewKVCache("b", 4), NewKVCache("c", 4)}

	for step, lengths := range [][]int{{3, 1, 2}, {1, 1, 1}, {2, 1, 1}} {
		total := 0
		for _, n := range lengths {
			total += n
		}
		seed := uint32(step * 7)
		q, k, v := kvSlice(heads, total, d, seed), kvSlice(heads, total, d, seed+1), kvSlice(heads, total, d, seed+2)

		out := tensor.Empty(tensor.Float32)
		require.NoError(t, BatchAttention(r, q, k, v, batched, lengths, out))
		require.Equal(t, []int{heads, total, d}, out.Dims())

		offset := 0
		for i, n := range lengths {
			part := func(x *tensor.Tensor) *tensor.Tensor {
				p, err := tensor.Split(x, seqAxis, offset, offset+n)
				require.NoError(t, err)
				return p
			}
			want := tensor.Empty(tensor.Float32)
			require.NoError(t, AttendCached(r, single[i], part(q), part(k), part(v), want))
			got, err := tensor.Split(out, seqAxis, offset, offset+n)
			require.NoError(t, err)
			assert.InDeltaSlice(t, values(t, want), values(t, got), 1e-6, "step %d sequence %d", step, i)
			offset += n
		}
	}
	for i := range batched {
		assert.Equal(t, single[i].Len(), batched[i].Len())
	}
	assert.Equal(t, 6, batched[0].Len())
}

func TestBatchAttentionValidatesLengths(t *testing.T) {
	r := cpuRunner(t)
	q := kvSlice(1, 3, 2, 1)
	caches := []*KVCache{NewKVCache("a", 4), NewKVCache("b", 4)}
	out := tensor.Empty(tensor.Float32)

	assert.ErrorIs(t, BatchAttention(r, q, q, q, caches, []int{1, 1}, out), ErrSequenceSpan)
	assert.ErrorIs(t, BatchAttention(r, q, q, q, caches, []int{3, 0}, out), ErrSequenceSpan)
	assert.ErrorIs(t, BatchAttention(r, q, q, q, caches[:1], []int{1, 2}, out), ErrSequenceSpan)
	assert.Zero(t, caches[0].Len())
}
