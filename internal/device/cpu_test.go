package device

import (
	"errors"
	"math"
	"testing"

	"github.com/23skdu/longbow-forge/internal/tensor"
	"github.com/23skdu/longbow-forge/internal/threadpool"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCPU(t *testing.T) *CPUDevice {
	t.Helper()
	pool := threadpool.New(4, 16)
	t.Cleanup(pool.Close)
	return NewCPU(pool)
}

func run(t *testing.T, d Device, op string, datas Datas, floats FloatDict, ints IntDict) {
	t.Helper()
	require.True(t, d.CanRun(op, datas, floats, ints), "%s cannot run", op)
	require.NoError(t, d.Reshape(op, datas, floats, ints))
	require.NoError(t, d.Run(op, datas, floats, ints))
}

func vals(t *testing.T, x *tensor.Tensor) []float32 {
	t.Helper()
	v, err := x.Float32Values()
	require.NoError(t, err)
	return v
}

func ramp(n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%7-3) * scale
	}
	return out
}

var approx = cmpopts.EquateApprox(0, 1e-5)

func TestCPULinear(t *testing.T) {
	d := newCPU(t)
	x := tensor.FromFloat32([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	w := tensor.FromFloat32([]float32{1, 0, 0, 0, 1, 0, 1, 1, 1, 2, 0, -1}, 4, 3)
	b := tensor.FromFloat32([]float32{0, 0, 0.5, 1}, 4)
	out := tensor.Empty(tensor.Float32)

	run(t, d, OpLinear, Datas{}.Set(Input, x).Set(Weight, w).Set(Bias, b).Set(Output, out), nil, nil)
	assert.Equal(t, []int{2, 4}, out.Dims())
	want := []float32{1, 2, 6.5, 0, 4, 5, 15.5, 3}
	assert.Empty(t, cmp.Diff(want, vals(t, out)))
	assert.Equal(t, int64(2*2*3*4), d.Ops(OpLinear, Datas{}.Set(Input, x).Set(Weight, w), nil, nil))
}

func TestCPULinearFoldsLeadingAxes(t *testing.T) {
	d := newCPU(t)
	x := tensor.FromFloat32(ramp(2*3*4, 0.5), 2, 3, 4)
	w := tensor.FromFloat32(ramp(5*4, 0.25), 5, 4)
	out := tensor.Empty(tensor.Float32)
	run(t, d, OpLinear, Datas{}.Set(Input, x).Set(Weight, w).Set(Output, out), nil, nil)
	assert.Equal(t, []int{2, 3, 5}, out.Dims())
}

func TestCPULinearQuantizedWeights(t *testing.T) {
	d := newCPU(t)
	wf := ramp(8*16, 0.1)
	x := tensor.FromFloat32(ramp(3*16, 0.2), 3, 16)

	ref := tensor.Empty(tensor.Float32)
	run(t, d, OpLinear, Datas{}.Set(Input, x).Set(Weight, tensor.FromFloat32(wf, 8, 16)).Set(Output, ref), nil, nil)

	for _, w := range []*tensor.Tensor{tensor.QuantizeFloat32(wf, 8, 16), tensor.FromFloat16(wf, 8, 16)} {
		out := tensor.Empty(tensor.Float32)
		run(t, d, OpLinear, Datas{}.Set(Input, x).Set(Weight, w).Set(Output, out), nil, nil)
		assert.Empty(t, cmp.Diff(vals(t, ref), vals(t, out), cmpopts.EquateApprox(0, 0.05)), "weights %v", w.DataType())
	}
}

func TestCPULinearShapeMismatch(t *testing.T) {
	d := newCPU(t)
	datas := Datas{}.
		Set(Input, tensor.New(tensor.Float32, 2, 3)).
		Set(Weight, tensor.New(tensor.Float32, 4, 5)).
		Set(Output, tensor.Empty(tensor.Float32))
	err := d.Reshape(OpLinear, datas, nil, nil)
	assert.True(t, errors.Is(err, ErrShapeMismatch), "got %v", err)

	datas.Set(Input, tensor.New(tensor.Float16, 2, 5))
	assert.False(t, d.CanRun(OpLinear, datas, nil, nil))
}

func naiveMatMul(a, b []float32, batch, n, m, k int, transB bool, alpha float32) []float32 {
	out := make([]float32, batch*n*k)
	for bi := 0; bi < batch; bi++ {
		for i := 0; i < n; i++ {
			for j := 0; j < k; j++ {
				var sum float32
				for l := 0; l < m; l++ {
					var bv float32
					if transB {
						bv = b[bi*k*m+j*m+l]
					} else {
						bv = b[bi*m*k+l*k+j]
					}
					sum += float32(a[bi*n*m+i*m+l] * bv)
				}
				out[bi*n*k+i*k+j] = sum * alpha
			}
		}
	}
	return out
}

func TestCPUMatMul(t *testing.T) {
	d := newCPU(t)
	a := ramp(2*3*4, 0.5)
	b := ramp(2*4*5, 0.25)
	out := tensor.Empty(tensor.Float32)
	datas := Datas{}.
		Set(Input0, tensor.FromFloat32(a, 2, 3, 4)).
		Set(Input1, tensor.FromFloat32(b, 2, 4, 5)).
		Set(Output, out)
	run(t, d, OpMatMul, datas, nil, nil)
	assert.Equal(t, []int{2, 3, 5}, out.Dims())
	assert.Empty(t, cmp.Diff(naiveMatMul(a, b, 2, 3, 4, 5, false, 1), vals(t, out)))
}

func TestCPUMatMulTransBOverReservedCache(t *testing.T) {
	d := newCPU(t)
	// Keys for 2 heads, 3 cached tokens, headDim 4, reserved for 64 tokens.
	keys := ramp(2*3*4, 0.5)
	k := tensor.FromFloat32(keys, 2, 3, 4)
	require.NoError(t, k.Expansion(2, 64, 4))
	require.False(t, k.IsContiguous())

	q := ramp(2*1*4, 1)
	out := tensor.Empty(tensor.Float32)
	floats := FloatDict{"alpha": 0.5}
	run(t, d, OpMatMulTransB, Datas{}.Set(Input0, tensor.FromFloat32(q, 2, 1, 4)).Set(Input1, k).Set(Output, out), floats, nil)

	assert.Equal(t, []int{2, 1, 3}, out.Dims())
	assert.Empty(t, cmp.Diff(naiveMatMul(q, keys, 2, 1, 4, 3, true, 0.5), vals(t, out)))
}

func TestCPUSoftmaxAndMask(t *testing.T) {
	d := newCPU(t)
	scores := tensor.FromFloat32([]float32{1, 2, 3, 1, 2, 3}, 1, 2, 3)
	mask := tensor.FromFloat32([]float32{0, 1, 1, 0, 0, 0}, 2, 3)
	run(t, d, OpAttentionMask, Datas{}.Set(Input, scores).Set(Mask, mask), nil, nil)
	assert.Empty(t, cmp.Diff([]float32{1, -9998, -9997, 1, 2, 3}, vals(t, scores)))

	run(t, d, OpSoftmax, Datas{}.Set(Input, scores).Set(Output, scores), nil, nil)
	got := vals(t, scores)
	assert.InDelta(t, 1.0, got[0], 1e-6)
	assert.InDelta(t, 0.0, got[1], 1e-6)

	e1, e2, e3 := math.Exp(-2), math.Exp(-1), 1.0
	s := e1 + e2 + e3
	want := []float32{float32(e1 / s), float32(e2 / s), float32(e3 / s)}
	assert.Empty(t, cmp.Diff(want, got[3:], approx))

	bad := tensor.FromFloat32(make([]float32, 4), 2, 2)
	err := d.Run(OpAttentionMask, Datas{}.Set(Input, tensor.New(tensor.Float32, 1, 2, 3)).Set(Mask, bad), nil, nil)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestCPUNorms(t *testing.T) {
	d := newCPU(t)
	x := tensor.FromFloat32([]float32{1, 2, 3, 4, -1, 0, 1, 2}, 2, 4)
	w := tensor.FromFloat32([]float32{1, 1, 2, 0.5}, 4)

	out := tensor.Empty(tensor.Float32)
	run(t, d, OpRMSNorm, Datas{}.Set(Input, x).Set(Weight, w).Set(Output, out), FloatDict{"eps": 0}, nil)
	rms := float32(math.Sqrt(30.0 / 4))
	assert.Empty(t, cmp.Diff([]float32{1 / rms, 2 / rms, 6 / rms, 2 / rms}, vals(t, out)[:4], approx))

	gamma := tensor.FromFloat32([]float32{1, 1, 1, 1}, 4)
	beta := tensor.FromFloat32([]float32{0, 0, 0, 1}, 4)
	ln := tensor.Empty(tensor.Float32)
	run(t, d, OpLayerNorm, Datas{}.Set(Input, x).Set(Gamma, gamma).Set(Beta, beta).Set(Output, ln), FloatDict{"eps": 0}, nil)
	sd := float32(math.Sqrt(1.25))
	want := []float32{-1.5 / sd, -0.5 / sd, 0.5 / sd, 1.5/sd + 1}
	assert.Empty(t, cmp.Diff(want, vals(t, ln)[:4], approx))
}

func TestCPUActivations(t *testing.T) {
	d := newCPU(t)
	x := tensor.FromFloat32([]float32{-1, 0, 1, 2}, 1, 4)

	out := tensor.Empty(tensor.Float32)
	run(t, d, OpSilu, Datas{}.Set(Input, x).Set(Output, out), nil, nil)
	assert.InDelta(t, -0.268941, vals(t, out)[0], 1e-5)
	assert.InDelta(t, 1.761594, vals(t, out)[3], 1e-5)

	run(t, d, OpGelu, Datas{}.Set(Input, x).Set(Output, out), nil, nil)
	assert.InDelta(t, 0.841192, vals(t, out)[2], 1e-5)

	sw := tensor.Empty(tensor.Float32)
	run(t, d, OpSwiglu, Datas{}.Set(Input, x).Set(Output, sw), nil, nil)
	assert.Equal(t, []int{1, 2}, sw.Dims())
	assert.Empty(t, cmp.Diff([]float32{silu(-1) * 1, 0}, vals(t, sw), approx))

	run(t, d, OpMul, Datas{}.Set(Input, x).Set(Output, out), FloatDict{"v": 3}, nil)
	assert.Empty(t, cmp.Diff([]float32{-3, 0, 3, 6}, vals(t, out)))
}

func TestCPUInPlaceArithmetic(t *testing.T) {
	d := newCPU(t)
	a := tensor.FromFloat32([]float32{1, 2, 3}, 3)
	b := tensor.FromFloat32([]float32{10, 20, 30}, 3)

	run(t, d, OpAddTo, Datas{}.Set(Input0, a).Set(Input1, b), FloatDict{"alpha": 0.5}, nil)
	assert.Empty(t, cmp.Diff([]float32{6, 12, 18}, vals(t, a)))

	run(t, d, OpMulTo, Datas{}.Set(Input0, a).Set(Input1, b), nil, nil)
	assert.Empty(t, cmp.Diff([]float32{60, 240, 540}, vals(t, a)))

	err := d.Run(OpAddTo, Datas{}.Set(Input0, a).Set(Input1, tensor.New(tensor.Float32, 4)), nil, nil)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestCPUSplitCatPermute(t *testing.T) {
	d := newCPU(t)
	x := tensor.FromFloat32([]float32{0, 1, 2, 3, 4, 5, 6, 7}, 4, 2)

	head := tensor.Empty(tensor.Float32)
	tail := tensor.Empty(tensor.Float32)
	run(t, d, OpSplit, Datas{}.Set(Input, x).Set(Output, head), nil, IntDict{"axis": 0, "start": 0, "end": 1})
	run(t, d, OpSplit, Datas{}.Set(Input, x).Set(Output, tail), nil, IntDict{"axis": 0, "start": 1, "end": 4})
	assert.Equal(t, []int{1, 2}, head.Dims())
	assert.Equal(t, []int{3, 2}, tail.Dims())

	joined := tensor.Empty(tensor.Float32)
	ints := IntDict{"axis": 0}
	datas := Datas{}.Set(Output, joined).SetBatch(ints, Input, []*tensor.Tensor{head, tail})
	run(t, d, OpCat, datas, nil, ints)
	assert.Empty(t, cmp.Diff(vals(t, x), vals(t, joined)))

	perm := tensor.Empty(tensor.Float32)
	run(t, d, OpPermute, Datas{}.Set(Input, x).Set(Output, perm).Set(Axis, PermutationTensor(1, 0)), nil, nil)
	assert.Equal(t, []int{2, 4}, perm.Dims())
	assert.Empty(t, cmp.Diff([]float32{0, 2, 4, 6, 1, 3, 5, 7}, vals(t, perm)))

	err := d.Reshape(OpSplit, Datas{}.Set(Input, x).Set(Output, head), nil, IntDict{"axis": 0, "start": 3, "end": 5})
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestCPUCatDirectBatch(t *testing.T) {
	d := newCPU(t)
	caches := make([]*tensor.Tensor, 2)
	news := make([]*tensor.Tensor, 2)
	for i := range caches {
		caches[i] = tensor.Empty(tensor.Float32)
		require.NoError(t, caches[i].Expansion(1, 4, 2))
		news[i] = tensor.FromFloat32([]float32{float32(i), float32(i) + 0.5}, 1, 1, 2)
	}
	ints := IntDict{"axis": 1}
	datas := Datas{}
	datas.SetBatch(ints, Input0, caches).SetBatch(ints, Input1, news)
	run(t, d, OpCatDirectBatch, datas, nil, ints)
	run(t, d, OpCatDirectBatch, datas, nil, ints)

	assert.Equal(t, []int{1, 2, 2}, caches[1].Dims())
	assert.Empty(t, cmp.Diff([]float32{1, 1.5, 1, 1.5}, vals(t, caches[1])))
	assert.Equal(t, int64(4), d.Ops(OpCatDirectBatch, datas, nil, ints))

	// Mismatched counts are not runnable.
	ints[Input1+BatchSuffix] = 1
	assert.False(t, d.CanRun(OpCatDirectBatch, datas, nil, ints))
}

func TestCPUCatDirectNeedsCapacity(t *testing.T) {
	d := newCPU(t)
	cache := tensor.Empty(tensor.Float32)
	require.NoError(t, cache.Expansion(1, 1, 2))
	one := tensor.FromFloat32([]float32{1, 2}, 1, 1, 2)
	datas := Datas{}.Set(Input0, cache).Set(Input1, one)
	ints := IntDict{"axis": 1}
	require.NoError(t, d.Run(OpCatDirect, datas, nil, ints))
	err := d.Run(OpCatDirect, datas, nil, ints)
	assert.True(t, errors.Is(err, tensor.ErrCapacity))
}

func TestCPUAllocator(t *testing.T) {
	d := newCPU(t)
	buf, err := d.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, d.CopyDataFromCPU(buf, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	dst := make([]byte, 8)
	require.NoError(t, d.CopyDataToCPU(dst, buf))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, dst)
	assert.Equal(t, tensor.CPU, d.Type())
}
