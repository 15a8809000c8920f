package tensor

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func values(t *testing.T, x *Tensor) []float32 {
	t.Helper()
	v, err := x.Float32Values()
	require.NoError(t, err)
	return v
}

func TestNewAndStrides(t *testing.T) {
	x := New(Float32, 2, 3, 4)
	assert.Equal(t, []int{12, 4, 1}, x.Strides())
	assert.Equal(t, 24, x.Len())
	assert.Equal(t, 12, x.Count(1))
	assert.Equal(t, 24, x.Capacity())
	assert.True(t, x.IsContiguous())
	assert.Equal(t, CPU, x.Device())
}

func TestHandlesAreUnique(t *testing.T) {
	a, b := Empty(Float32), New(Float32, 1)
	assert.NotZero(t, a.Handle())
	assert.NotEqual(t, a.Handle(), b.Handle())
}

func TestExpansionPreservesContentAndNeverShrinks(t *testing.T) {
	x := FromFloat32(seq(2*3*2), 2, 3, 2)
	require.NoError(t, x.Expansion(2, 8, 2))

	assert.Equal(t, []int{2, 3, 2}, x.Dims())
	assert.Equal(t, []int{2, 8, 2}, x.ExpansionDims())
	assert.Equal(t, []int{16, 2, 1}, x.Strides())
	assert.False(t, x.IsContiguous())
	assert.Empty(t, cmp.Diff(seq(12), values(t, x)))

	// Smaller request keeps the larger reservation.
	require.NoError(t, x.Expansion(2, 4, 2))
	assert.Equal(t, []int{2, 8, 2}, x.ExpansionDims())

	// Zero-filled tail.
	raw := x.Float32s()
	assert.Equal(t, float32(0), raw[3*2])
	assert.Equal(t, float32(0), raw[16+7*2+1])

	err := x.Expansion(2, 8)
	assert.True(t, errors.Is(err, ErrShrink))
}

func TestResizeWithinCapacity(t *testing.T) {
	x := Empty(Float32)
	require.NoError(t, x.Expansion(1, 64, 4))
	assert.Nil(t, x.Dims())

	require.NoError(t, x.Resize(1, 10, 4))
	assert.Equal(t, []int{1, 10, 4}, x.Dims())
	assert.Equal(t, []int{64 * 4, 4, 1}, x.Strides())
	assert.Equal(t, 64*4, x.Capacity())

	// Beyond capacity triggers an expansion.
	require.NoError(t, x.Resize(1, 100, 4))
	assert.Equal(t, []int{1, 100, 4}, x.ExpansionDims())
}

func TestResizeReallocatesWithoutReservation(t *testing.T) {
	x := New(Float32, 2, 2)
	require.NoError(t, x.Resize(1, 3))
	assert.Equal(t, 4, x.Capacity())
	require.NoError(t, x.Resize(4, 4))
	assert.Equal(t, 16, x.Capacity())
	assert.True(t, x.IsContiguous())
}

func TestCatDirect(t *testing.T) {
	cache := Empty(Float32)
	require.NoError(t, cache.Expansion(2, 4, 3))

	first := FromFloat32(seq(2*2*3), 2, 2, 3)
	require.NoError(t, CatDirect(cache, first, 1))
	assert.Equal(t, []int{2, 2, 3}, cache.Dims())

	next := FromFloat32([]float32{100, 101, 102, 200, 201, 202}, 2, 1, 3)
	require.NoError(t, CatDirect(cache, next, 1))
	assert.Equal(t, []int{2, 3, 3}, cache.Dims())

	want := []float32{
		0, 1, 2, 3, 4, 5, 100, 101, 102,
		6, 7, 8, 9, 10, 11, 200, 201, 202,
	}
	assert.Empty(t, cmp.Diff(want, values(t, cache)))

	// Two more tokens do not fit the reservation of 4.
	err := CatDirect(cache, FromFloat32(seq(12), 2, 2, 3), 1)
	assert.True(t, errors.Is(err, ErrCapacity), "got %v", err)

	err = CatDirect(cache, FromFloat32(seq(8), 2, 1, 4), 1)
	assert.True(t, errors.Is(err, ErrShape), "got %v", err)

	err = CatDirect(cache, New(Float16, 2, 1, 3), 1)
	assert.True(t, errors.Is(err, ErrDType), "got %v", err)
}

func TestCatDirectWithoutReservation(t *testing.T) {
	dst := Empty(Float32)
	err := CatDirect(dst, FromFloat32(seq(4), 1, 4), 0)
	assert.True(t, errors.Is(err, ErrCapacity))
}

func TestSplitAndCat(t *testing.T) {
	x := FromFloat32(seq(2*5*2), 2, 5, 2)

	a, err := Split(x, 1, 0, 2)
	require.NoError(t, err)
	b, err := Split(x, 1, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, a.Dims())
	assert.Equal(t, []int{2, 3, 2}, b.Dims())
	assert.Empty(t, cmp.Diff([]float32{0, 1, 2, 3, 10, 11, 12, 13}, values(t, a)))

	joined, err := Cat([]*Tensor{a, b}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 2}, joined.Dims())
	assert.True(t, joined.IsContiguous())
	assert.Empty(t, cmp.Diff(values(t, x), values(t, joined)))

	_, err = Split(x, 1, 3, 6)
	assert.True(t, errors.Is(err, ErrInvalidRange))
	_, err = Split(x, 3, 0, 1)
	assert.True(t, errors.Is(err, ErrShape))
	_, err = Cat(nil, 0)
	assert.Error(t, err)
}

func TestSplitOfStridedTensor(t *testing.T) {
	x := FromFloat32(seq(2*3*2), 2, 3, 2)
	require.NoError(t, x.Expansion(2, 16, 2))

	part, err := Split(x, 1, 1, 3)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff([]float32{2, 3, 4, 5, 8, 9, 10, 11}, values(t, part)))
}

func TestPermute(t *testing.T) {
	// [tokens=2, heads=3, dim=2] -> [heads, tokens, dim]
	x := FromFloat32(seq(12), 2, 3, 2)
	p, err := Permute(x, []int{1, 0, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 2}, p.Dims())
	want := []float32{0, 1, 6, 7, 2, 3, 8, 9, 4, 5, 10, 11}
	assert.Empty(t, cmp.Diff(want, values(t, p)))

	back, err := Permute(p, []int{1, 0, 2})
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(seq(12), values(t, back)))

	_, err = Permute(x, []int{0, 0, 1})
	assert.Error(t, err)
}

func TestReshape(t *testing.T) {
	x := FromFloat32(seq(6), 2, 3)
	require.NoError(t, x.Reshape(3, 2))
	assert.Equal(t, []int{2, 1}, x.Strides())
	assert.Error(t, x.Reshape(4, 2))

	y := FromFloat32(seq(6), 1, 3, 2)
	require.NoError(t, y.Expansion(1, 8, 2))
	require.NoError(t, y.Resize(1, 3, 2))
	// Single leading axis keeps it contiguous despite the reservation.
	assert.True(t, y.IsContiguous())
	y2 := FromFloat32(seq(12), 2, 3, 2)
	require.NoError(t, y2.Expansion(2, 8, 2))
	assert.Error(t, y2.Reshape(12))
}

func TestFloat16AndInt8Values(t *testing.T) {
	h := FromFloat16([]float32{0.5, -1, 2, 4}, 2, 2)
	assert.Equal(t, Float16, h.DataType())
	assert.Empty(t, cmp.Diff([]float32{0.5, -1, 2, 4}, values(t, h)))

	data := []float32{-1, 0, 0.5, 1, 10, 20, 30, 40}
	q := QuantizeFloat32(data, 2, 4)
	require.Len(t, q.Channels, 2)
	got := values(t, q)
	for i := range data {
		step := q.Channels[i/4].Step()
		assert.InDelta(t, data[i], got[i], float64(step))
	}

	broken := New(Int8, 2, 4)
	_, err := broken.Float32Values()
	assert.True(t, errors.Is(err, ErrDType))
}

func TestCopyFrom(t *testing.T) {
	src := FromFloat32(seq(6), 1, 3, 2)
	require.NoError(t, src.Expansion(1, 10, 2))
	dst := Empty(Float32)
	require.NoError(t, dst.CopyFrom(src))
	assert.Nil(t, dst.ExpansionDims())
	assert.Equal(t, 6, dst.Capacity())
	assert.Empty(t, cmp.Diff(seq(6), values(t, dst)))
}

type fakeBuffer struct{ data []byte }

func (b *fakeBuffer) Size() int { return len(b.data) }

type fakeDevice struct {
	live   int
	failAt int
}

func (d *fakeDevice) Type() string { return "fake" }

func (d *fakeDevice) Malloc(size int) (Buffer, error) {
	if d.failAt > 0 && size >= d.failAt {
		return nil, errors.New("out of memory")
	}
	d.live++
	return &fakeBuffer{data: make([]byte, size)}, nil
}

func (d *fakeDevice) Free(Buffer) { d.live-- }

func (d *fakeDevice) CopyDataToCPU(dst []byte, src Buffer) error {
	copy(dst, src.(*fakeBuffer).data)
	return nil
}

func (d *fakeDevice) CopyDataFromCPU(dst Buffer, src []byte) error {
	copy(dst.(*fakeBuffer).data, src)
	return nil
}

func TestToDeviceRoundTrip(t *testing.T) {
	dev := &fakeDevice{}
	x := FromFloat32(seq(8), 2, 4)

	require.NoError(t, x.ToDevice(dev))
	assert.Equal(t, "fake", x.Device())
	assert.Nil(t, x.Bytes())
	assert.Equal(t, 8, x.Capacity())
	assert.Equal(t, 1, dev.live)

	_, err := x.Float32Values()
	assert.True(t, errors.Is(err, ErrNotOnCPU))

	// Expansion round-trips through the host and lands back on the device.
	require.NoError(t, x.Expansion(2, 6))
	assert.Equal(t, "fake", x.Device())
	assert.Equal(t, 1, dev.live)

	require.NoError(t, x.ToCPU())
	assert.Equal(t, 0, dev.live)
	assert.Empty(t, cmp.Diff(seq(8), values(t, x)))
}

func TestToDeviceLockedInCPU(t *testing.T) {
	x := FromFloat32(seq(4), 4)
	x.LockInCPU = true
	err := x.ToDevice(&fakeDevice{})
	assert.True(t, errors.Is(err, ErrLockedInCPU))
	assert.Equal(t, CPU, x.Device())
	require.NoError(t, x.ToDevice(nil))
}

func TestToDeviceMallocFailureKeepsHostCopy(t *testing.T) {
	x := FromFloat32(seq(16), 16)
	err := x.ToDevice(&fakeDevice{failAt: 1})
	require.Error(t, err)
	assert.Equal(t, CPU, x.Device())
	assert.Empty(t, cmp.Diff(seq(16), values(t, x)))
}

func TestParseDataType(t *testing.T) {
	for _, d := range []DataType{Float32, Float16, Int8, Int32} {
		got, err := ParseDataType(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	_, err := ParseDataType("bfloat16")
	assert.ErrorIs(t, err, ErrDType)
}
