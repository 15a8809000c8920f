// Package tensorflight moves materialized tensors over Apache Arrow Flight.
//
// Every tensor travels as one row of a record with the layout of Schema:
// its name, data type, dims, raw little-endian storage and, for Int8
// weights, the per-row quantization channels.
package tensorflight

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-forge/internal/quant"
	"github.com/23skdu/longbow-forge/internal/tensor"
)

var ErrSchema = errors.New("tensorflight: record does not match tensor schema")

var channelType = arrow.StructOf(
	arrow.Field{Name: "scale", Type: arrow.PrimitiveTypes.Float32},
	arrow.Field{Name: "zero_point", Type: arrow.PrimitiveTypes.Uint8},
	arrow.Field{Name: "min", Type: arrow.PrimitiveTypes.Float32},
	arrow.Field{Name: "max", Type: arrow.PrimitiveTypes.Float32},
)

// Schema is the record layout of a tensor batch.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "dims", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	{Name: "data", Type: arrow.BinaryTypes.Binary},
	{Name: "channels", Type: arrow.ListOf(channelType), Nullable: true},
}, nil)

// EncodeTensors builds one record holding ts. Tensors must be readable from
// the host; strided tensors are packed first. The caller releases the
// record.
func EncodeTensors(mem memory.Allocator, ts ...*tensor.Tensor) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	names := b.Field(0).(*array.StringBuilder)
	dtypes := b.Field(1).(*array.StringBuilder)
	dims := b.Field(2).(*array.ListBuilder)
	dimVals := dims.ValueBuilder().(*array.Int32Builder)
	data := b.Field(3).(*array.BinaryBuilder)
	chans := b.Field(4).(*array.ListBuilder)
	chanVals := chans.ValueBuilder().(*array.StructBuilder)
	scales := chanVals.FieldBuilder(0).(*array.Float32Builder)
	zeros := chanVals.FieldBuilder(1).(*array.Uint8Builder)
	mins := chanVals.FieldBuilder(2).(*array.Float32Builder)
	maxs := chanVals.FieldBuilder(3).(*array.Float32Builder)

	for _, t := range ts {
		packed := tensor.Empty(t.DataType())
		if err := packed.CopyFrom(t); err != nil {
			return nil, fmt.Errorf("encode %q: %w", t.Name, err)
		}
		names.Append(t.Name)
		dtypes.Append(t.DataType().String())
		dims.Append(true)
		for _, d := range t.Dims() {
			dimVals.Append(int32(d))
		}
		data.Append(packed.Bytes())

		if len(t.Channels) == 0 {
			chans.AppendNull()
			continue
		}
		chans.Append(true)
		for _, c := range t.Channels {
			chanVals.Append(true)
			scales.Append(c.Scale)
			zeros.Append(c.ZeroPoint)
			mins.Append(c.Min)
			maxs.Append(c.Max)
		}
	}
	return b.NewRecord(), nil
}

type columns struct {
	names, dtypes *array.String
	dims          *array.List
	dimVals       *array.Int32
	data          *array.Binary
	chans         *array.List
	chanVals      *array.Struct
}

func columnsOf(rec arrow.Record) (*columns, error) {
	if rec.NumCols() != int64(len(Schema.Fields())) {
		return nil, fmt.Errorf("%w: %d columns", ErrSchema, rec.NumCols())
	}
	var c columns
	var ok [7]bool
	c.names, ok[0] = rec.Column(0).(*array.String)
	c.dtypes, ok[1] = rec.Column(1).(*array.String)
	c.dims, ok[2] = rec.Column(2).(*array.List)
	c.data, ok[3] = rec.Column(3).(*array.Binary)
	c.chans, ok[4] = rec.Column(4).(*array.List)
	if ok[2] {
		c.dimVals, ok[5] = c.dims.ListValues().(*array.Int32)
	}
	if ok[4] {
		c.chanVals, ok[6] = c.chans.ListValues().(*array.Struct)
	}
	for i, good := range ok {
		if !good {
			return nil, fmt.Errorf("%w: column layout mismatch at %d", ErrSchema, i)
		}
	}
	if c.chanVals.NumField() != 4 {
		return nil, fmt.Errorf("%w: channel struct has %d fields", ErrSchema, c.chanVals.NumField())
	}
	return &c, nil
}

// DecodeRecord rebuilds every tensor of rec as a compact cpu tensor. The
// result does not reference the record's buffers.
func DecodeRecord(rec arrow.Record) ([]*tensor.Tensor, error) {
	c, err := columnsOf(rec)
	if err != nil {
		return nil, err
	}
	scales, ok1 := c.chanVals.Field(0).(*array.Float32)
	zeros, ok2 := c.chanVals.Field(1).(*array.Uint8)
	mins, ok3 := c.chanVals.Field(2).(*array.Float32)
	maxs, ok4 := c.chanVals.Field(3).(*array.Float32)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("%w: channel field types", ErrSchema)
	}

	out := make([]*tensor.Tensor, 0, rec.NumRows())
	for row := 0; row < int(rec.NumRows()); row++ {
		name := c.names.Value(row)
		dtype, err := tensor.ParseDataType(c.dtypes.Value(row))
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", name, err)
		}
		start, end := c.dims.ValueOffsets(row)
		dims := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			dims = append(dims, int(c.dimVals.Value(int(j))))
		}

		t := tensor.New(dtype, dims...)
		t.Name = name
		raw := c.data.Value(row)
		if len(raw) != len(t.Bytes()) {
			return nil, fmt.Errorf("decode %q: %d bytes for %v %v", name, len(raw), dtype, dims)
		}
		copy(t.Bytes(), raw)

		if c.chans.IsValid(row) {
			start, end := c.chans.ValueOffsets(row)
			t.Channels = make([]quant.PerChannelConfig, 0, end-start)
			for j := int(start); j < int(end); j++ {
				t.Channels = append(t.Channels, quant.PerChannelConfig{
					Scale:     scales.Value(j),
					ZeroPoint: zeros.Value(j),
					Min:       mins.Value(j),
					Max:       maxs.Value(j),
				})
			}
		}
		out = append(out, t)
	}
	return out, nil
}
