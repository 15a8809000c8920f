package engine

import (
	"fmt"

	"github.com/23skdu/longbow-forge/internal/device"
	"github.com/23skdu/longbow-forge/internal/tensor"
)

// AttentionBlock is multi-head self attention over packed sequences with
// Q/K/V/O projections. Weights are [out, in] as Linear expects; biases are
// optional.
type AttentionBlock struct {
	Heads   int
	HeadDim int

	WQ, WK, WV, WO *tensor.Tensor
	BQ, BK, BV, BO *tensor.Tensor
}

func (b *AttentionBlock) linear(r Runner, x, w, bias *tensor.Tensor, name string) (*tensor.Tensor, error) {
	out := tensor.Empty(tensor.Float32)
	out.Name = name
	datas := device.Datas{}.Set(device.Input, x).Set(device.Weight, w).Set(device.Output, out)
	if bias != nil {
		datas.Set(device.Bias, bias)
	}
	if err := r.Run(device.OpLinear, datas, nil, nil); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func permute(r Runner, x *tensor.Tensor, perm ...int) (*tensor.Tensor, error) {
	out := tensor.Empty(x.DataType())
	datas := device.Datas{}.Set(device.Input, x).Set(device.Axis, device.PermutationTensor(perm...)).Set(device.Output, out)
	if err := r.Run(device.OpPermute, datas, nil, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// heads projects x [tokens, hidden] and lays the result out as
// [heads, tokens, headDim].
func (b *AttentionBlock) heads(r Runner, x, w, bias *tensor.Tensor, name string) (*tensor.Tensor, error) {
	p, err := b.linear(r, x, w, bias, name)
	if err != nil {
		return nil, err
	}
	tokens := x.Dims()[0]
	if err := p.Reshape(tokens, b.Heads, b.HeadDim); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return permute(r, p, 1, 0, 2)
}

// Forward attends x [tokens, hidden] packed from len(lengths) sequences and
// returns [tokens, hidden]. caches[i] is the layer's cache for sequence i.
func (b *AttentionBlock) Forward(r Runner, x *tensor.Tensor, caches []*KVCache, lengths []int) (*tensor.Tensor, error) {
	if len(x.Dims()) != 2 {
		return nil, fmt.Errorf("%w: attention input %v", device.ErrShapeMismatch, x.Dims())
	}
	q, err := b.heads(r, x, b.WQ, b.BQ, "q_proj")
	if err != nil {
		return nil, err
	}
	k, err := b.heads(r, x, b.WK, b.BK, "k_proj")
	if err != nil {
		return nil, err
	}
	v, err := b.heads(r, x, b.WV, b.BV, "v_proj")
	if err != nil {
		return nil, err
	}

	attn := tensor.Empty(tensor.Float32)
	if err := BatchAttention(r, q, k, v, caches, lengths, attn); err != nil {
		return nil, err
	}
	merged, err := permute(r, attn, 1, 0, 2)
	if err != nil {
		return nil, err
	}
	if err := merged.Reshape(x.Dims()[0], b.Heads*b.HeadDim); err != nil {
		return nil, err
	}
	return b.linear(r, merged, b.WO, b.BO, "o_proj")
}
