package device

import (
	"errors"
	"testing"

	"github.com/23skdu/longbow-forge/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatasBatchConvention(t *testing.T) {
	a, b := tensor.New(tensor.Float32, 1), tensor.New(tensor.Float32, 1)
	ints := IntDict{}
	datas := Datas{}
	datas.SetBatch(ints, Input0, []*tensor.Tensor{a, b})

	assert.Equal(t, 2, ints["input0___batch"])
	got, err := datas.Batch(ints, Input0)
	require.NoError(t, err)
	assert.Equal(t, []*tensor.Tensor{a, b}, got)
	require.NoError(t, datas.Validate(ints))

	ints["input0___batch"] = 3
	_, err = datas.Batch(ints, Input0)
	assert.True(t, errors.Is(err, ErrBatch))
	assert.True(t, errors.Is(datas.Validate(ints), ErrBatch))

	_, err = datas.Batch(ints, "missing")
	assert.True(t, errors.Is(err, ErrBatch))

	// An array without its count is rejected.
	loose := Datas{Input: {a, b}}
	assert.True(t, errors.Is(loose.Validate(IntDict{}), ErrBatch))
}

func TestDatasAllIsOrdered(t *testing.T) {
	a, b, c := tensor.Empty(tensor.Float32), tensor.Empty(tensor.Float32), tensor.Empty(tensor.Float32)
	ints := IntDict{}
	datas := Datas{}
	datas.Set(Weight, c).Set(Input, a).SetBatch(ints, Output, []*tensor.Tensor{b, nil})
	assert.Equal(t, []*tensor.Tensor{a, b, c}, datas.All())
}

func TestDictDefaults(t *testing.T) {
	f := FloatDict{"alpha": 0.5}
	assert.Equal(t, float32(0.5), f.Get("alpha", 1))
	assert.Equal(t, float32(1), f.Get("beta", 1))
	i := IntDict{"axis": 2}
	assert.Equal(t, 2, i.Get("axis", 0))
	assert.Equal(t, 7, i.Get("end", 7))
}

type countingOp struct {
	BaseOperator
	runs int
}

func (o *countingOp) Run(Datas, FloatDict, IntDict) error {
	o.runs++
	return nil
}

func TestBaseDeviceRegistry(t *testing.T) {
	b := NewBaseDevice("fake")
	op := &countingOp{}
	b.Register("Noop", op)

	assert.Equal(t, "fake", b.Type())
	assert.Equal(t, []string{"Noop"}, b.OpTypes())
	assert.True(t, b.CanRun("Noop", Datas{}, nil, nil))
	assert.False(t, b.CanRun("Other", Datas{}, nil, nil))
	require.NoError(t, b.Run("Noop", Datas{}, nil, nil))
	assert.Equal(t, 1, op.runs)

	err := b.Run("Other", Datas{}, nil, nil)
	assert.True(t, errors.Is(err, ErrUnknownOp))
	assert.True(t, errors.Is(b.Reshape("Other", Datas{}, nil, nil), ErrUnknownOp))
	assert.Zero(t, b.Ops("Other", Datas{}, nil, nil))

	b.SetDeviceIDs([]int{0, 1})
	assert.Equal(t, []int{0, 1}, b.DeviceIDs())
}

func TestRequireRole(t *testing.T) {
	x := tensor.FromFloat32([]float32{1}, 1)
	datas := Datas{}.Set(Input, x)

	got, err := requireRole(datas, Input)
	require.NoError(t, err)
	assert.Same(t, x, got)

	_, err = requireRole(datas, Weight)
	assert.ErrorIs(t, err, ErrMissing)
}
