package quant

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripWithinOneStep(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ranges := []struct{ lo, hi float32 }{
		{-1, 1},
		{0, 10},
		{-250, -3},
		{0.5, 0.75},
		{-1e-3, 4e-3},
	}
	for _, r := range ranges {
		values := make([]float32, 1024)
		for i := range values {
			values[i] = r.lo + rng.Float32()*(r.hi-r.lo)
		}
		values[0], values[1] = r.lo, r.hi

		cfg := ConfigFor(values)
		step := cfg.Step()
		codes := make([]uint8, len(values))
		cfg.QuantizeSlice(codes, values)
		back := make([]float32, len(values))
		cfg.DequantizeSlice(back, codes)

		for i, v := range values {
			err := math.Abs(float64(back[i] - v))
			require.LessOrEqualf(t, err, float64(step)*1.0001,
				"range [%v,%v] value %v: error %v exceeds step %v", r.lo, r.hi, v, err, step)
		}
	}
}

func TestZeroIsExact(t *testing.T) {
	cfg := NewConfig(-3.7, 12.1)
	assert.Equal(t, float32(0), cfg.Dequantize(cfg.Quantize(0)))
	assert.Equal(t, float32(-3.7), cfg.Min)
	assert.Equal(t, float32(12.1), cfg.Max)
}

func TestRangeWidenedToZero(t *testing.T) {
	cfg := ConfigFor([]float32{2, 3, 4})
	assert.Equal(t, float32(0), cfg.Min)
	assert.Equal(t, float32(4), cfg.Max)
	assert.Equal(t, uint8(0), cfg.ZeroPoint)
}

func TestDegenerateRange(t *testing.T) {
	cfg := ConfigFor([]float32{0, 0, 0})
	assert.Equal(t, float32(1), cfg.Scale)
	assert.Equal(t, float32(0), cfg.Dequantize(cfg.Quantize(0)))

	empty := ConfigFor(nil)
	assert.Equal(t, float32(0), empty.Step())
}

func TestQuantizeSaturates(t *testing.T) {
	cfg := NewConfig(-1, 1)
	assert.Equal(t, uint8(255), cfg.Quantize(50))
	assert.Equal(t, uint8(0), cfg.Quantize(-50))
}

func TestQuantizeRows(t *testing.T) {
	data := []float32{
		-1, 0, 1, 2,
		10, 20, 30, 40,
	}
	codes, cfgs := QuantizeRows(data, 2, 4)
	require.Len(t, codes, 8)
	require.Len(t, cfgs, 2)
	assert.Equal(t, float32(-1), cfgs[0].Min)
	assert.Equal(t, float32(40), cfgs[1].Max)
	for r := 0; r < 2; r++ {
		for c := 0; c < 4; c++ {
			got := cfgs[r].Dequantize(codes[r*4+c])
			assert.InDelta(t, data[r*4+c], got, float64(cfgs[r].Step()))
		}
	}
}

func TestFloat16(t *testing.T) {
	src := []float32{0, 1, -2.5, 65504, 1e-3}
	enc := make([]uint16, len(src))
	EncodeFloat16(enc, src)
	dec := make([]float32, len(src))
	DecodeFloat16(dec, enc)
	for i := range src {
		assert.InDelta(t, src[i], dec[i], math.Abs(float64(src[i]))*1e-3+1e-6)
	}
	assert.Equal(t, uint16(0x3c00), Float32ToFloat16(1))
	assert.Equal(t, float32(1), Float16ToFloat32(0x3c00))
}
