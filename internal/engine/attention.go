package engine

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-forge/internal/device"
	"github.com/23skdu/longbow-forge/internal/tensor"
)

// CausalMask returns the [q, k] mask for q new tokens attending over k
// cached ones, the last q of which are the new tokens. Position j is masked
// for query i when j > k-q+i.
func CausalMask(q, k int) *tensor.Tensor {
	data := make([]float32, q*k)
	for i := 0; i < q; i++ {
		for j := k - q + i + 1; j < k; j++ {
			data[i*k+j] = 1
		}
	}
	m := tensor.FromFloat32(data, q, k)
	m.Name = "causal_mask"
	return m
}

// Attention computes softmax(q·kᵗ/sqrt(d) + mask·-10000)·v into out.
// q is [heads, nq, d]; k and v are [heads, nk, d]. A nil mask attends to
// everything.
func Attention(r Runner, q, k, v, mask, out *tensor.Tensor) error {
	qd := q.Dims()
	if len(qd) != 3 {
		return fmt.Errorf("%w: query %v", device.ErrShapeMismatch, qd)
	}
	scale := float32(1 / math.Sqrt(float64(qd[2])))

	scores := tensor.Empty(tensor.Float32)
	scores.Name = "attention_scores"
	defer scores.Free()
	datas := device.Datas{}.Set(device.Input0, q).Set(device.Input1, k).Set(device.Output, scores)
	if err := r.Run(device.OpMatMulTransB, datas, device.FloatDict{"alpha": scale}, nil); err != nil {
		return fmt.Errorf("attention scores: %w", err)
	}
	if mask != nil {
		datas = device.Datas{}.Set(device.Input, scores).Set(device.Mask, mask)
		if err := r.Run(device.OpAttentionMask, datas, device.FloatDict{"maskValue": -10000}, nil); err != nil {
			return fmt.Errorf("attention mask: %w", err)
		}
	}

	probs := tensor.Empty(tensor.Float32)
	probs.Name = "attention_probs"
	defer probs.Free()
	if err := r.Run(device.OpSoftmax, device.Datas{}.Set(device.Input, scores).Set(device.Output, probs), nil, nil); err != nil {
		return fmt.Errorf("attention softmax: %w", err)
	}
	datas = device.Datas{}.Set(device.Input0, probs).Set(device.Input1, v).Set(device.Output, out)
	if err := r.Run(device.OpMatMul, datas, nil, nil); err != nil {
		return fmt.Errorf("attention output: %w", err)
	}
	return nil
}

// AttendCached appends k and v to cache and attends q over the whole
// history with a causal mask.
func AttendCached(r Runner, cache *KVCache, q, k, v, out *tensor.Tensor) error {
	if err := cache.Append(r, k, v); err != nil {
		return err
	}
	return Attention(r, q, cache.Key, cache.Value, CausalMask(q.Dims()[seqAxis], cache.Len()), out)
}

// BatchAttention runs attention for sequences packed along the seq axis of
// q, k and v ([heads, total, d]). lengths[i] tokens of sequence i start at
// the sum of the lengths before it, and caches[i] holds its history. The
// per-sequence outputs are concatenated back into out in the same order.
func BatchAttention(r Runner, q, k, v *tensor.Tensor, caches []*KVCache, lengths []int, out *tensor.Tensor) error {
	if len(caches) != len(lengths) {
		return fmt.Errorf("%w: %d caches for %d sequences", ErrSequenceSpan, len(caches), len(lengths))
	}
	qd := q.Dims()
	if len(qd) != 3 {
		return fmt.Errorf("%w: query %v", device.ErrShapeMismatch, qd)
	}
	total := 0
	for _, n := range lengths {
		if n <= 0 {
			return fmt.Errorf("%w: length %d", ErrSequenceSpan, n)
		}
		total += n
	}
	if total != qd[seqAxis] {
		return fmt.Errorf("%w: lengths sum to %d, batch has %d tokens", ErrSequenceSpan, total, qd[seqAxis])
	}

	n := len(lengths)
	qs := make([]*tensor.Tensor, n)
	ks := make([]*tensor.Tensor, n)
	vs := make([]*tensor.Tensor, n)
	offset := 0
	for i, length := range lengths {
		var err error
		if qs[i], err = split(r, q, seqAxis, offset, offset+length); err != nil {
			return fmt.Errorf("sequence %d query: %w", i, err)
		}
		if ks[i], err = split(r, k, seqAxis, offset, offset+length); err != nil {
			return fmt.Errorf("sequence %d key: %w", i, err)
		}
		if vs[i], err = split(r, v, seqAxis, offset, offset+length); err != nil {
			return fmt.Errorf("sequence %d value: %w", i, err)
		}
		offset += length
	}

	if err := AppendBatch(r, caches, ks, vs); err != nil {
		return err
	}

	outs := make([]*tensor.Tensor, n)
	for i, c := range caches {
		outs[i] = tensor.Empty(tensor.Float32)
		if err := Attention(r, qs[i], c.Key, c.Value, CausalMask(lengths[i], c.Len()), outs[i]); err != nil {
			return fmt.Errorf("sequence %d: %w", i, err)
		}
	}

	ints := device.IntDict{device.Axis: seqAxis}
	datas := device.Datas{}.SetBatch(ints, device.Input, outs).Set(device.Output, out)
	return r.Run(device.OpCat, datas, nil, ints)
}

func split(r Runner, src *tensor.Tensor, axis, start, end int) (*tensor.Tensor, error) {
	part := tensor.Empty(src.DataType())
	ints := device.IntDict{device.Axis: axis, "start": start, "end": end}
	if err := r.Run(device.OpSplit, device.Datas{}.Set(device.Input, src).Set(device.Output, part), nil, ints); err != nil {
		return nil, err
	}
	return part, nil
}
