// Package quant implements the asymmetric 8-bit quantization used by the
// accelerator kernel together with FP16 conversion helpers.
package quant

import (
	"math"

	"github.com/x448/float16"
)

// Levels is the number of steps between the smallest and largest code.
const Levels = 255

// PerChannelConfig describes the affine mapping of one row (output channel)
// onto uint8 codes: value = (code - ZeroPoint) * Scale.
type PerChannelConfig struct {
	Scale     float32
	ZeroPoint uint8
	Min       float32
	Max       float32
}

// NewConfig builds the mapping for the range [min, max]. The range is widened
// to include zero so that zero is exactly representable.
func NewConfig(min, max float32) PerChannelConfig {
	min = float32(math.Min(float64(min), 0))
	max = float32(math.Max(float64(max), 0))
	c := PerChannelConfig{Min: min, Max: max}
	if max == min {
		c.Scale = 1
		return c
	}
	c.Scale = (max - min) / Levels
	zp := math.Round(float64(-min / c.Scale))
	c.ZeroPoint = uint8(clamp(zp, 0, Levels))
	return c
}

// ConfigFor scans values for their range.
func ConfigFor(values []float32) PerChannelConfig {
	if len(values) == 0 {
		return NewConfig(0, 0)
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return NewConfig(lo, hi)
}

// Step is the width of one quantization bucket.
func (c PerChannelConfig) Step() float32 {
	return (c.Max - c.Min) / Levels
}

func (c PerChannelConfig) Quantize(v float32) uint8 {
	q := math.Round(float64(v/c.Scale) + float64(c.ZeroPoint))
	return uint8(clamp(q, 0, Levels))
}

func (c PerChannelConfig) Dequantize(q uint8) float32 {
	return (float32(q) - float32(c.ZeroPoint)) * c.Scale
}

// QuantizeSlice writes the codes of src into dst; len(dst) must be >= len(src).
func (c PerChannelConfig) QuantizeSlice(dst []uint8, src []float32) {
	inv := 1 / c.Scale
	zp := float32(c.ZeroPoint)
	for i, v := range src {
		q := math.Round(float64(v*inv + zp))
		dst[i] = uint8(clamp(q, 0, Levels))
	}
}

func (c PerChannelConfig) DequantizeSlice(dst []float32, src []uint8) {
	for i, q := range src {
		dst[i] = c.Dequantize(q)
	}
}

// QuantizeRows computes one config per row of a row-major [rows, cols]
// matrix and returns the codes alongside the configs.
func QuantizeRows(data []float32, rows, cols int) ([]uint8, []PerChannelConfig) {
	codes := make([]uint8, rows*cols)
	configs := make([]PerChannelConfig, rows)
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		configs[r] = ConfigFor(row)
		configs[r].QuantizeSlice(codes[r*cols:(r+1)*cols], row)
	}
	return codes, configs
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Float32ToFloat16 rounds to nearest even.
func Float32ToFloat16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

func Float16ToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}

func EncodeFloat16(dst []uint16, src []float32) {
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v).Bits()
	}
}

func DecodeFloat16(dst []float32, src []uint16) {
	for i, h := range src {
		dst[i] = float16.Frombits(h).Float32()
	}
}
