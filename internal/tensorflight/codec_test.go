package tensorflight

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-forge/internal/tensor"
)

func sample(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%7)*0.25 - 0.75
	}
	return out
}

func named(t *tensor.Tensor, name string) *tensor.Tensor {
	t.Name = name
	return t
}

func TestCodecRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	in := []*tensor.Tensor{
		named(tensor.FromFloat32(sample(12), 3, 4), "layers.0.wq"),
		named(tensor.FromFloat16(sample(6), 6), "final_norm"),
		named(tensor.QuantizeFloat32(sample(20), 4, 5), "lm_head"),
	}
	rec, err := EncodeTensors(mem, in...)
	require.NoError(t, err)
	defer rec.Release()
	assert.EqualValues(t, 3, rec.NumRows())

	out, err := DecodeRecord(rec)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, got := range out {
		want := in[i]
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.DataType(), got.DataType())
		assert.Equal(t, want.Dims(), got.Dims())
		assert.Equal(t, want.Bytes(), got.Bytes())
		if diff := cmp.Diff(want.Channels, got.Channels); diff != "" {
			t.Errorf("%s channels (-want +got):\n%s", want.Name, diff)
		}
	}
	assert.Nil(t, out[0].Channels)
	assert.Len(t, out[2].Channels, 4)
}

func TestCodecPacksStridedTensors(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	cache := tensor.Empty(tensor.Float32)
	cache.Name = "cache.key"
	require.NoError(t, cache.Expansion(2, 8, 3))
	require.NoError(t, tensor.CatDirect(cache, tensor.FromFloat32(sample(12), 2, 2, 3), 1))

	rec, err := EncodeTensors(mem, cache)
	require.NoError(t, err)
	defer rec.Release()
	out, err := DecodeRecord(rec)
	require.NoError(t, err)

	want, err := cache.Float32Values()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, out[0].Dims())
	assert.Equal(t, want, out[0].Float32s())
}

func TestDecodeRejectsForeignRecords(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	schema := arrow.NewSchema([]arrow.Field{{Name: "vector", Type: arrow.PrimitiveTypes.Float32}}, nil)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Float32Builder).AppendValues([]float32{1, 2}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	_, err := DecodeRecord(rec)
	assert.ErrorIs(t, err, ErrSchema)
}

func TestDecodeRejectsTruncatedData(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()
	b.Field(0).(*array.StringBuilder).Append("bad")
	b.Field(1).(*array.StringBuilder).Append("float32")
	dims := b.Field(2).(*array.ListBuilder)
	dims.Append(true)
	dims.ValueBuilder().(*array.Int32Builder).AppendValues([]int32{2, 2}, nil)
	b.Field(3).(*array.BinaryBuilder).Append(make([]byte, 4))
	b.Field(4).(*array.ListBuilder).AppendNull()
	rec := b.NewRecord()
	defer rec.Release()

	_, err := DecodeRecord(rec)
	assert.ErrorContains(t, err, "4 bytes")
}

func TestDecodeRejectsUnknownDType(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()
	b.Field(0).(*array.StringBuilder).Append("bad")
	b.Field(1).(*array.StringBuilder).Append("bfloat16")
	b.Field(2).(*array.ListBuilder).Append(true)
	b.Field(3).(*array.BinaryBuilder).Append(nil)
	b.Field(4).(*array.ListBuilder).AppendNull()
	rec := b.NewRecord()
	defer rec.Release()

	_, err := DecodeRecord(rec)
	assert.ErrorIs(t, err, tensor.ErrDType)
}
