package device

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-forge/internal/tensor"
	"github.com/23skdu/longbow-forge/internal/threadpool"
)

// Float32Data returns the logical contents of t as float32. Contiguous
// Float32 tensors are returned without a copy; Float16 and Int8 tensors are
// decoded.
func Float32Data(t *tensor.Tensor) ([]float32, error) {
	switch t.DataType() {
	case tensor.Float32:
		if t.IsContiguous() {
			raw := t.Float32s()
			if raw == nil && t.Len() > 0 {
				return nil, fmt.Errorf("%w: %s", tensor.ErrNotOnCPU, t)
			}
			return raw[:t.Len()], nil
		}
		return t.Float32Values()
	case tensor.Float16, tensor.Int8:
		return t.Float32Values()
	default:
		return nil, fmt.Errorf("%w: %s", ErrDType, t)
	}
}

// OutputData returns the writable storage of a contiguous Float32 output.
func OutputData(t *tensor.Tensor) ([]float32, error) {
	if t.DataType() != tensor.Float32 {
		return nil, fmt.Errorf("%w: output %s", ErrDType, t)
	}
	if !t.IsContiguous() {
		return nil, fmt.Errorf("%w: output %s is strided", ErrShapeMismatch, t)
	}
	raw := t.Float32s()
	if raw == nil && t.Len() > 0 {
		return nil, fmt.Errorf("%w: %s", tensor.ErrNotOnCPU, t)
	}
	return raw[:t.Len()], nil
}

// LinearDims validates Y[n,k] = X[n,m]·Wᵗ + bias and returns n, m, k.
// X may carry any number of leading axes; they are folded into n.
func LinearDims(input, weight, bias *tensor.Tensor) (n, m, k int, err error) {
	in, w := input.Dims(), weight.Dims()
	if len(in) == 0 || len(w) != 2 {
		return 0, 0, 0, fmt.Errorf("%w: linear input %v weight %v", ErrShapeMismatch, in, w)
	}
	m = in[len(in)-1]
	if w[1] != m {
		return 0, 0, 0, fmt.Errorf("%w: linear input %v weight %v", ErrShapeMismatch, in, w)
	}
	k = w[0]
	if bias != nil && bias.Len() != k {
		return 0, 0, 0, fmt.Errorf("%w: linear bias %v for %d outputs", ErrShapeMismatch, bias.Dims(), k)
	}
	n = input.Len() / max(m, 1)
	return n, m, k, nil
}

// LinearOutputDims is the output shape of a Linear over input.
func LinearOutputDims(input *tensor.Tensor, k int) []int {
	in := input.Dims()
	out := append([]int(nil), in[:len(in)-1]...)
	return append(out, k)
}

func linearCanRun(datas Datas) bool {
	input, weight, output := datas.Get(Input), datas.Get(Weight), datas.Get(Output)
	if input == nil || weight == nil || output == nil {
		return false
	}
	if input.DataType() != tensor.Float32 || output.DataType() != tensor.Float32 {
		return false
	}
	if bias := datas.Get(Bias); bias != nil && bias.DataType() != tensor.Float32 {
		return false
	}
	switch weight.DataType() {
	case tensor.Float32, tensor.Float16, tensor.Int8:
		return true
	}
	return false
}

// LinearReshape sizes the Linear output; shared by every backend.
func LinearReshape(datas Datas) error {
	input, err := requireRole(datas, Input)
	if err != nil {
		return err
	}
	weight, err := requireRole(datas, Weight)
	if err != nil {
		return err
	}
	output, err := requireRole(datas, Output)
	if err != nil {
		return err
	}
	_, _, k, err := LinearDims(input, weight, datas.Get(Bias))
	if err != nil {
		return err
	}
	return output.Resize(LinearOutputDims(input, k)...)
}

func linearOps(datas Datas) int64 {
	input, weight := datas.Get(Input), datas.Get(Weight)
	if input == nil || weight == nil {
		return 0
	}
	n, m, k, err := LinearDims(input, weight, nil)
	if err != nil {
		return 0
	}
	return 2 * int64(n) * int64(m) * int64(k)
}

type linearOp struct {
	pool *threadpool.Pool
}

func (o *linearOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool { return linearCanRun(datas) }

func (o *linearOp) Reshape(datas Datas, _ FloatDict, _ IntDict) error { return LinearReshape(datas) }

func (o *linearOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 { return linearOps(datas) }

func (o *linearOp) Run(datas Datas, _ FloatDict, _ IntDict) error {
	input, weight, bias, output := datas.Get(Input), datas.Get(Weight), datas.Get(Bias), datas.Get(Output)
	n, m, k, err := LinearDims(input, weight, bias)
	if err != nil {
		return err
	}
	x, err := Float32Data(input)
	if err != nil {
		return err
	}
	w, err := Float32Data(weight)
	if err != nil {
		return err
	}
	var b []float32
	if bias != nil {
		if b, err = Float32Data(bias); err != nil {
			return err
		}
	}
	y, err := OutputData(output)
	if err != nil {
		return err
	}
	return o.pool.ParallelFor(n, func(start, end int) error {
		for i := start; i < end; i++ {
			xr := x[i*m : (i+1)*m]
			for j := 0; j < k; j++ {
				wr := w[j*m : (j+1)*m]
				var sum float32
				for l := range xr {
					sum += float32(xr[l] * wr[l])
				}
				if b != nil {
					sum += b[j]
				}
				y[i*k+j] = sum
			}
		}
		return nil
	})
}

// matrixBatch addresses a stack of matrices laid out with arbitrary strides,
// as produced by a KV cache with reserved capacity.
type matrixBatch struct {
	data       []float32
	lead       []int
	leadStride []int
	rows, cols int
	rs, cs     int
}

func newMatrixBatch(t *tensor.Tensor) (matrixBatch, error) {
	dims, strides := t.Dims(), t.Strides()
	if len(dims) < 2 {
		return matrixBatch{}, fmt.Errorf("%w: matmul operand %v", ErrShapeMismatch, dims)
	}
	if t.DataType() != tensor.Float32 {
		return matrixBatch{}, fmt.Errorf("%w: matmul operand %s", ErrDType, t)
	}
	data := t.Float32s()
	if data == nil && t.Len() > 0 {
		return matrixBatch{}, fmt.Errorf("%w: %s", tensor.ErrNotOnCPU, t)
	}
	r := len(dims)
	return matrixBatch{
		data:       data,
		lead:       dims[:r-2],
		leadStride: strides[:r-2],
		rows:       dims[r-2],
		cols:       dims[r-1],
		rs:         strides[r-2],
		cs:         strides[r-1],
	}, nil
}

func (mb matrixBatch) count() int {
	n := 1
	for _, d := range mb.lead {
		n *= d
	}
	return n
}

// offset of matrix b in the flattened leading axes.
func (mb matrixBatch) offset(b int) int {
	off := 0
	for i := len(mb.lead) - 1; i >= 0; i-- {
		off += (b % mb.lead[i]) * mb.leadStride[i]
		b /= mb.lead[i]
	}
	return off
}

// MatMulDims validates A[..., n, m] times B[..., m, k] (or B[..., k, m] when
// transB) and returns the output shape. Leading axes must match exactly.
func MatMulDims(a, b *tensor.Tensor, transB bool) ([]int, error) {
	ad, bd := a.Dims(), b.Dims()
	if len(ad) < 2 || len(ad) != len(bd) {
		return nil, fmt.Errorf("%w: matmul %v x %v", ErrShapeMismatch, ad, bd)
	}
	r := len(ad)
	if !sameDims(ad[:r-2], bd[:r-2]) {
		return nil, fmt.Errorf("%w: matmul batch %v x %v", ErrShapeMismatch, ad, bd)
	}
	inner, k := bd[r-2], bd[r-1]
	if transB {
		inner, k = bd[r-1], bd[r-2]
	}
	if ad[r-1] != inner {
		return nil, fmt.Errorf("%w: matmul %v x %v (transB=%v)", ErrShapeMismatch, ad, bd, transB)
	}
	out := append([]int(nil), ad[:r-1]...)
	return append(out, k), nil
}

type matMulOp struct {
	pool   *threadpool.Pool
	transB bool
}

func (o *matMulOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool {
	a, b, out := datas.Get(Input0), datas.Get(Input1), datas.Get(Output)
	return a != nil && b != nil && out != nil &&
		a.DataType() == tensor.Float32 && b.DataType() == tensor.Float32 && out.DataType() == tensor.Float32
}

func (o *matMulOp) Reshape(datas Datas, _ FloatDict, _ IntDict) error {
	a, err := requireRole(datas, Input0)
	if err != nil {
		return err
	}
	b, err := requireRole(datas, Input1)
	if err != nil {
		return err
	}
	out, err := requireRole(datas, Output)
	if err != nil {
		return err
	}
	dims, err := MatMulDims(a, b, o.transB)
	if err != nil {
		return err
	}
	return out.Resize(dims...)
}

func (o *matMulOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 {
	a, b := datas.Get(Input0), datas.Get(Input1)
	if a == nil || b == nil {
		return 0
	}
	dims, err := MatMulDims(a, b, o.transB)
	if err != nil {
		return 0
	}
	return 2 * int64(a.Len()) * int64(dims[len(dims)-1])
}

func (o *matMulOp) Run(datas Datas, floats FloatDict, _ IntDict) error {
	a, b, out := datas.Get(Input0), datas.Get(Input1), datas.Get(Output)
	if _, err := MatMulDims(a, b, o.transB); err != nil {
		return err
	}
	alpha := floats.Get("alpha", 1)
	am, err := newMatrixBatch(a)
	if err != nil {
		return err
	}
	bm, err := newMatrixBatch(b)
	if err != nil {
		return err
	}
	y, err := OutputData(out)
	if err != nil {
		return err
	}
	n, m := am.rows, am.cols
	k := bm.cols
	if o.transB {
		k = bm.rows
	}
	batches := am.count()
	return o.pool.ParallelFor(batches*n, func(start, end int) error {
		for row := start; row < end; row++ {
			bi, i := row/n, row%n
			aOff := am.offset(bi) + i*am.rs
			bOff := bm.offset(bi)
			dst := y[row*k : (row+1)*k]
			for j := 0; j < k; j++ {
				var sum float32
				for l := 0; l < m; l++ {
					var bv float32
					if o.transB {
						bv = bm.data[bOff+j*bm.rs+l*bm.cs]
					} else {
						bv = bm.data[bOff+l*bm.rs+j*bm.cs]
					}
					sum += float32(am.data[aOff+l*am.cs] * bv)
				}
				dst[j] = sum * alpha
			}
		}
		return nil
	})
}

// unaryIO resolves input and output of an elementwise op and sizes the
// output like the input.
func unaryIO(datas Datas) (in, out []float32, err error) {
	input, err := requireRole(datas, Input)
	if err != nil {
		return nil, nil, err
	}
	output, err := requireRole(datas, Output)
	if err != nil {
		return nil, nil, err
	}
	if in, err = Float32Data(input); err != nil {
		return nil, nil, err
	}
	if out, err = OutputData(output); err != nil {
		return nil, nil, err
	}
	if len(in) != len(out) {
		return nil, nil, fmt.Errorf("%w: %v -> %v", ErrShapeMismatch, input.Dims(), output.Dims())
	}
	return in, out, nil
}

func reshapeLikeInput(datas Datas) error {
	input, err := requireRole(datas, Input)
	if err != nil {
		return err
	}
	output, err := requireRole(datas, Output)
	if err != nil {
		return err
	}
	if input == output {
		return nil
	}
	return output.Resize(input.Dims()...)
}

func float32IO(datas Datas) bool {
	in, out := datas.Get(Input), datas.Get(Output)
	return in != nil && out != nil && in.DataType() == tensor.Float32 && out.DataType() == tensor.Float32
}

func elementOps(datas Datas) int64 {
	if in := datas.Get(Input); in != nil {
		return int64(in.Len())
	}
	return 0
}

func lastDim(t *tensor.Tensor) int {
	dims := t.Dims()
	if len(dims) == 0 {
		return 0
	}
	return dims[len(dims)-1]
}

type softmaxOp struct{ BaseOperator }

func (softmaxOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool { return float32IO(datas) }

func (softmaxOp) Reshape(datas Datas, _ FloatDict, _ IntDict) error { return reshapeLikeInput(datas) }

func (softmaxOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 { return 3 * elementOps(datas) }

// Run normalizes along the last axis.
func (softmaxOp) Run(datas Datas, _ FloatDict, _ IntDict) error {
	in, out, err := unaryIO(datas)
	if err != nil {
		return err
	}
	cols := lastDim(datas.Get(Input))
	if cols == 0 {
		return nil
	}
	for r := 0; r < len(in)/cols; r++ {
		softmaxRow(out[r*cols:(r+1)*cols], in[r*cols:(r+1)*cols])
	}
	return nil
}

func softmaxRow(dst, src []float32) {
	maxVal := src[0]
	for _, v := range src {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i, v := range src {
		e := math.Exp(float64(v - maxVal))
		dst[i] = float32(e)
		sum += e
	}
	inv := 1 / sum
	for i := range dst {
		dst[i] = float32(float64(dst[i]) * inv)
	}
}

// attentionMaskOp adds mask·maskValue to the scores in place. The mask is
// [q, k] and applies to every leading index of the scores.
type attentionMaskOp struct{ BaseOperator }

func (attentionMaskOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool {
	in, mask := datas.Get(Input), datas.Get(Mask)
	return in != nil && mask != nil && in.DataType() == tensor.Float32 && mask.DataType() == tensor.Float32
}

func (attentionMaskOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 { return elementOps(datas) }

func (attentionMaskOp) Run(datas Datas, floats FloatDict, _ IntDict) error {
	input, mask := datas.Get(Input), datas.Get(Mask)
	id, md := input.Dims(), mask.Dims()
	if len(id) < 2 || len(md) != 2 || id[len(id)-2] != md[0] || id[len(id)-1] != md[1] {
		return fmt.Errorf("%w: mask %v for scores %v", ErrShapeMismatch, md, id)
	}
	scores, err := OutputData(input)
	if err != nil {
		return err
	}
	m, err := Float32Data(mask)
	if err != nil {
		return err
	}
	value := floats.Get("maskValue", -10000)
	plane := len(m)
	for i := range scores {
		if mv := m[i%plane]; mv != 0 {
			scores[i] += mv * value
		}
	}
	return nil
}

type rmsNormOp struct{ BaseOperator }

func (rmsNormOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool {
	return float32IO(datas) && datas.Get(Weight) != nil
}

func (rmsNormOp) Reshape(datas Datas, _ FloatDict, _ IntDict) error { return reshapeLikeInput(datas) }

func (rmsNormOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 { return 3 * elementOps(datas) }

func (rmsNormOp) Run(datas Datas, floats FloatDict, _ IntDict) error {
	in, out, err := unaryIO(datas)
	if err != nil {
		return err
	}
	w, err := Float32Data(datas.Get(Weight))
	if err != nil {
		return err
	}
	dim := lastDim(datas.Get(Input))
	if dim != len(w) {
		return fmt.Errorf("%w: rmsnorm weight %d for dim %d", ErrShapeMismatch, len(w), dim)
	}
	if dim == 0 {
		return nil
	}
	eps := float64(floats.Get("eps", 1e-5))
	for r := 0; r < len(in)/dim; r++ {
		row, dst := in[r*dim:(r+1)*dim], out[r*dim:(r+1)*dim]
		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}
		scale := 1 / math.Sqrt(ss/float64(dim)+eps)
		for j, v := range row {
			dst[j] = float32(float64(v)*scale) * w[j]
		}
	}
	return nil
}

type layerNormOp struct{ BaseOperator }

func (layerNormOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool {
	return float32IO(datas) && datas.Get(Gamma) != nil && datas.Get(Beta) != nil
}

func (layerNormOp) Reshape(datas Datas, _ FloatDict, _ IntDict) error { return reshapeLikeInput(datas) }

func (layerNormOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 { return 5 * elementOps(datas) }

func (layerNormOp) Run(datas Datas, floats FloatDict, _ IntDict) error {
	in, out, err := unaryIO(datas)
	if err != nil {
		return err
	}
	gamma, err := Float32Data(datas.Get(Gamma))
	if err != nil {
		return err
	}
	beta, err := Float32Data(datas.Get(Beta))
	if err != nil {
		return err
	}
	dim := lastDim(datas.Get(Input))
	if dim != len(gamma) || dim != len(beta) {
		return fmt.Errorf("%w: layernorm params %d/%d for dim %d", ErrShapeMismatch, len(gamma), len(beta), dim)
	}
	if dim == 0 {
		return nil
	}
	eps := float64(floats.Get("eps", 1e-5))
	for r := 0; r < len(in)/dim; r++ {
		row, dst := in[r*dim:(r+1)*dim], out[r*dim:(r+1)*dim]
		var mean, variance float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(dim)
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		inv := 1 / math.Sqrt(variance/float64(dim)+eps)
		for j, v := range row {
			dst[j] = float32((float64(v)-mean)*inv)*gamma[j] + beta[j]
		}
	}
	return nil
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(-float64(x))))
}

func gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(c*(v+0.044715*v*v*v))))
}

type unaryOp struct {
	BaseOperator
	fn func(float32) float32
}

func (unaryOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool { return float32IO(datas) }

func (unaryOp) Reshape(datas Datas, _ FloatDict, _ IntDict) error { return reshapeLikeInput(datas) }

func (unaryOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 { return elementOps(datas) }

func (o unaryOp) Run(datas Datas, _ FloatDict, _ IntDict) error {
	in, out, err := unaryIO(datas)
	if err != nil {
		return err
	}
	for i, v := range in {
		out[i] = o.fn(v)
	}
	return nil
}

// swigluOp splits the last axis in half: silu(gate) * up, gate first.
type swigluOp struct{ BaseOperator }

func (swigluOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool { return float32IO(datas) }

func (swigluOp) Reshape(datas Datas, _ FloatDict, _ IntDict) error {
	input, err := requireRole(datas, Input)
	if err != nil {
		return err
	}
	output, err := requireRole(datas, Output)
	if err != nil {
		return err
	}
	dims := append([]int(nil), input.Dims()...)
	if len(dims) == 0 || dims[len(dims)-1]%2 != 0 {
		return fmt.Errorf("%w: swiglu needs an even last axis, got %v", ErrShapeMismatch, dims)
	}
	dims[len(dims)-1] /= 2
	return output.Resize(dims...)
}

func (swigluOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 { return elementOps(datas) }

func (swigluOp) Run(datas Datas, _ FloatDict, _ IntDict) error {
	input, output := datas.Get(Input), datas.Get(Output)
	in, err := Float32Data(input)
	if err != nil {
		return err
	}
	out, err := OutputData(output)
	if err != nil {
		return err
	}
	half := lastDim(output)
	if half == 0 {
		return nil
	}
	for r := 0; r < len(out)/half; r++ {
		gate := in[r*2*half : r*2*half+half]
		up := in[r*2*half+half : (r+1)*2*half]
		dst := out[r*half : (r+1)*half]
		for j := range dst {
			dst[j] = silu(gate[j]) * up[j]
		}
	}
	return nil
}

// mulOp scales by the float parameter "v".
type mulOp struct{ BaseOperator }

func (mulOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool { return float32IO(datas) }

func (mulOp) Reshape(datas Datas, _ FloatDict, _ IntDict) error { return reshapeLikeInput(datas) }

func (mulOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 { return elementOps(datas) }

func (mulOp) Run(datas Datas, floats FloatDict, _ IntDict) error {
	in, out, err := unaryIO(datas)
	if err != nil {
		return err
	}
	v := floats.Get("v", 1)
	for i, x := range in {
		out[i] = x * v
	}
	return nil
}

func binaryInPlace(datas Datas) (dst, src []float32, err error) {
	a, err := requireRole(datas, Input0)
	if err != nil {
		return nil, nil, err
	}
	b, err := requireRole(datas, Input1)
	if err != nil {
		return nil, nil, err
	}
	if !sameDims(a.Dims(), b.Dims()) {
		return nil, nil, fmt.Errorf("%w: %v and %v", ErrShapeMismatch, a.Dims(), b.Dims())
	}
	if dst, err = OutputData(a); err != nil {
		return nil, nil, err
	}
	if src, err = Float32Data(b); err != nil {
		return nil, nil, err
	}
	return dst, src, nil
}

func float32Pair(datas Datas) bool {
	a, b := datas.Get(Input0), datas.Get(Input1)
	return a != nil && b != nil && a.DataType() == tensor.Float32 && b.DataType() == tensor.Float32
}

// addToOp computes input0 += alpha * input1.
type addToOp struct{ BaseOperator }

func (addToOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool { return float32Pair(datas) }

func (addToOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 {
	if a := datas.Get(Input0); a != nil {
		return 2 * int64(a.Len())
	}
	return 0
}

func (addToOp) Run(datas Datas, floats FloatDict, _ IntDict) error {
	dst, src, err := binaryInPlace(datas)
	if err != nil {
		return err
	}
	alpha := floats.Get("alpha", 1)
	for i := range dst {
		dst[i] += alpha * src[i]
	}
	return nil
}

// mulToOp computes input0 *= input1 elementwise.
type mulToOp struct{ BaseOperator }

func (mulToOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool { return float32Pair(datas) }

func (mulToOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 {
	if a := datas.Get(Input0); a != nil {
		return int64(a.Len())
	}
	return 0
}

func (mulToOp) Run(datas Datas, _ FloatDict, _ IntDict) error {
	dst, src, err := binaryInPlace(datas)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] *= src[i]
	}
	return nil
}

// splitOp copies [start, end) of axis from input into output.
type splitOp struct{ BaseOperator }

func (splitOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool {
	return datas.Get(Input) != nil && datas.Get(Output) != nil
}

func (splitOp) Reshape(datas Datas, _ FloatDict, ints IntDict) error {
	input, err := requireRole(datas, Input)
	if err != nil {
		return err
	}
	output, err := requireRole(datas, Output)
	if err != nil {
		return err
	}
	axis, start, end := ints.Get("axis", 0), ints.Get("start", 0), ints.Get("end", 0)
	dims := append([]int(nil), input.Dims()...)
	if axis < 0 || axis >= len(dims) || start < 0 || end > dims[axis] || start > end {
		return fmt.Errorf("%w: split [%d,%d) of axis %d in %v", ErrShapeMismatch, start, end, axis, dims)
	}
	if output.DataType() != input.DataType() {
		return fmt.Errorf("%w: split %v into %v", ErrDType, input.DataType(), output.DataType())
	}
	dims[axis] = end - start
	return output.Resize(dims...)
}

func (splitOp) Run(datas Datas, _ FloatDict, ints IntDict) error {
	part, err := tensor.Split(datas.Get(Input), ints.Get("axis", 0), ints.Get("start", 0), ints.Get("end", 0))
	if err != nil {
		return err
	}
	return datas.Get(Output).CopyFrom(part)
}

// catOp concatenates the "input" array along axis into output.
type catOp struct{ BaseOperator }

func (catOp) CanRun(datas Datas, _ FloatDict, ints IntDict) bool {
	parts, err := datas.Batch(ints, Input)
	return err == nil && len(parts) > 0 && datas.Get(Output) != nil
}

func (catOp) Run(datas Datas, _ FloatDict, ints IntDict) error {
	parts, err := datas.Batch(ints, Input)
	if err != nil {
		return err
	}
	out, err := tensor.Cat(parts, ints.Get("axis", 0))
	if err != nil {
		return err
	}
	return datas.Get(Output).CopyFrom(out)
}

// catDirectOp appends input1 onto the reserved capacity of input0.
type catDirectOp struct{ BaseOperator }

func (catDirectOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool {
	return datas.Get(Input0) != nil && datas.Get(Input1) != nil
}

func (catDirectOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 {
	if src := datas.Get(Input1); src != nil {
		return int64(src.Len())
	}
	return 0
}

func (catDirectOp) Run(datas Datas, _ FloatDict, ints IntDict) error {
	return tensor.CatDirect(datas.Get(Input0), datas.Get(Input1), ints.Get("axis", 0))
}

// catDirectBatchOp is CatDirect over paired arrays input0[i] <- input1[i].
type catDirectBatchOp struct{ BaseOperator }

func (catDirectBatchOp) CanRun(datas Datas, _ FloatDict, ints IntDict) bool {
	dst, err := datas.Batch(ints, Input0)
	if err != nil {
		return false
	}
	src, err := datas.Batch(ints, Input1)
	return err == nil && len(dst) == len(src)
}

func (catDirectBatchOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 {
	var n int64
	for _, src := range datas[Input1] {
		n += int64(src.Len())
	}
	return n
}

func (catDirectBatchOp) Run(datas Datas, _ FloatDict, ints IntDict) error {
	dst, err := datas.Batch(ints, Input0)
	if err != nil {
		return err
	}
	src, err := datas.Batch(ints, Input1)
	if err != nil {
		return err
	}
	if len(dst) != len(src) {
		return fmt.Errorf("%w: %d destinations, %d sources", ErrBatch, len(dst), len(src))
	}
	axis := ints.Get("axis", 0)
	for i := range dst {
		if err := tensor.CatDirect(dst[i], src[i], axis); err != nil {
			return fmt.Errorf("batch entry %d: %w", i, err)
		}
	}
	return nil
}

// permuteOp reorders axes; the permutation is the Int32 tensor "axis".
type permuteOp struct{ BaseOperator }

func (permuteOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool {
	axis := datas.Get(Axis)
	return datas.Get(Input) != nil && datas.Get(Output) != nil && axis != nil && axis.DataType() == tensor.Int32
}

func permutation(datas Datas) ([]int, error) {
	raw := datas.Get(Axis).Int32s()
	n := datas.Get(Axis).Len()
	if len(raw) < n {
		return nil, fmt.Errorf("%w: permutation %s", tensor.ErrNotOnCPU, datas.Get(Axis))
	}
	perm := make([]int, n)
	for i := range perm {
		perm[i] = int(raw[i])
	}
	return perm, nil
}

func (permuteOp) Reshape(datas Datas, _ FloatDict, _ IntDict) error {
	input, output := datas.Get(Input), datas.Get(Output)
	perm, err := permutation(datas)
	if err != nil {
		return err
	}
	dims := input.Dims()
	if len(perm) != len(dims) {
		return fmt.Errorf("%w: permutation %v for %v", ErrShapeMismatch, perm, dims)
	}
	out := make([]int, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(dims) {
			return fmt.Errorf("%w: permutation %v for %v", ErrShapeMismatch, perm, dims)
		}
		out[i] = dims[p]
	}
	return output.Resize(out...)
}

func (permuteOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 { return elementOps(datas) }

func (permuteOp) Run(datas Datas, _ FloatDict, _ IntDict) error {
	perm, err := permutation(datas)
	if err != nil {
		return err
	}
	out, err := tensor.Permute(datas.Get(Input), perm)
	if err != nil {
		return err
	}
	return datas.Get(Output).CopyFrom(out)
}

// PermutationTensor builds the cpu-locked "axis" operand for Permute.
func PermutationTensor(perm ...int) *tensor.Tensor {
	t := tensor.New(tensor.Int32, len(perm))
	for i, p := range perm {
		t.Int32s()[i] = int32(p)
	}
	t.LockInCPU = true
	return t
}
