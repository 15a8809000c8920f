// Package tensor holds the n-dimensional container shared by every device.
//
// A tensor has logical dims and, optionally, reserved expansion dims. When
// expansion dims are set the storage is laid out for them and the strides
// follow the storage, so a partially filled tensor is a strided view.
package tensor

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/23skdu/longbow-forge/internal/quant"
)

type DataType int

const (
	Float32 DataType = iota
	Float16
	// Int8 holds uint8 codes; Channels maps each row back to real values.
	Int8
	Int32
)

func (d DataType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Int8:
		return 1
	default:
		return 0
	}
}

func (d DataType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int8:
		return "int8"
	case Int32:
		return "int32"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ParseDataType is the inverse of DataType.String.
func ParseDataType(s string) (DataType, error) {
	for _, d := range []DataType{Float32, Float16, Int8, Int32} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown data type %q", ErrDType, s)
}

// CPU is the device type of host memory.
const CPU = "cpu"

var (
	ErrCapacity     = errors.New("tensor: capacity exceeded")
	ErrShape        = errors.New("tensor: shape mismatch")
	ErrDType        = errors.New("tensor: data type mismatch")
	ErrNotOnCPU     = errors.New("tensor: data is not resident on cpu")
	ErrShrink       = errors.New("tensor: expansion cannot change rank")
	ErrLockedInCPU  = errors.New("tensor: tensor is locked in cpu")
	ErrInvalidRange = errors.New("tensor: invalid range")
)

// Buffer is device memory owned by an Allocator.
type Buffer interface {
	Size() int
}

// HostBuffer is implemented by device buffers that are addressable from the
// host (unified memory), letting kernels read them without a copy.
type HostBuffer interface {
	Buffer
	Bytes() []byte
}

// Allocator is the memory half of a device.
type Allocator interface {
	Type() string
	Malloc(size int) (Buffer, error)
	Free(b Buffer)
	CopyDataToCPU(dst []byte, src Buffer) error
	CopyDataFromCPU(dst Buffer, src []byte) error
}

var nextHandle atomic.Uint64

type Tensor struct {
	Name string
	// LockInCPU pins the tensor, and every op touching it, to the cpu device.
	LockInCPU bool
	// Channels is the per-row quantization of an Int8 tensor.
	Channels []quant.PerChannelConfig

	handle        uint64
	dtype         DataType
	dims          []int
	strides       []int
	expansionDims []int

	cpuData []byte
	devData Buffer
	device  Allocator
}

// Empty returns a tensor with no dims and no storage.
func Empty(dtype DataType) *Tensor {
	return &Tensor{dtype: dtype, handle: nextHandle.Add(1)}
}

// New allocates a zeroed CPU tensor.
func New(dtype DataType, dims ...int) *Tensor {
	t := Empty(dtype)
	t.dims = cloneInts(dims)
	t.strides = computeStrides(t.dims)
	t.cpuData = allocBytes(product(dims) * dtype.Size())
	return t
}

// FromFloat32 copies data into a new Float32 tensor.
func FromFloat32(data []float32, dims ...int) *Tensor {
	if product(dims) != len(data) {
		panic(fmt.Sprintf("tensor: %d values do not fit dims %v", len(data), dims))
	}
	t := New(Float32, dims...)
	copy(t.Float32s(), data)
	return t
}

// FromFloat16 encodes data into a new Float16 tensor.
func FromFloat16(data []float32, dims ...int) *Tensor {
	if product(dims) != len(data) {
		panic(fmt.Sprintf("tensor: %d values do not fit dims %v", len(data), dims))
	}
	t := New(Float16, dims...)
	quant.EncodeFloat16(t.Uint16s(), data)
	return t
}

// QuantizeFloat32 builds an Int8 tensor with one PerChannelConfig per row of
// the last axis.
func QuantizeFloat32(data []float32, dims ...int) *Tensor {
	if len(dims) == 0 || product(dims) != len(data) {
		panic(fmt.Sprintf("tensor: %d values do not fit dims %v", len(data), dims))
	}
	cols := dims[len(dims)-1]
	rows := len(data) / max(cols, 1)
	codes, configs := quant.QuantizeRows(data, rows, cols)
	t := New(Int8, dims...)
	copy(t.Uint8s(), codes)
	t.Channels = configs
	return t
}

// Handle is a process-unique identifier, stable for the life of the tensor.
func (t *Tensor) Handle() uint64 { return t.handle }

func (t *Tensor) DataType() DataType { return t.dtype }

func (t *Tensor) Dims() []int { return t.dims }

func (t *Tensor) Strides() []int { return t.strides }

func (t *Tensor) ExpansionDims() []int { return t.expansionDims }

// Count returns the number of logical elements from axis i onwards.
func (t *Tensor) Count(i int) int {
	if len(t.dims) == 0 {
		return 0
	}
	return product(t.dims[i:])
}

// Len is the logical element count.
func (t *Tensor) Len() int { return t.Count(0) }

// Capacity is the number of elements the storage can hold.
func (t *Tensor) Capacity() int {
	if s := t.dtype.Size(); s > 0 {
		return t.storageBytes() / s
	}
	return 0
}

func (t *Tensor) storageBytes() int {
	if t.device != nil {
		if t.devData == nil {
			return 0
		}
		return t.devData.Size()
	}
	return len(t.cpuData)
}

// Device is the type of the device holding the data.
func (t *Tensor) Device() string {
	if t.device == nil {
		return CPU
	}
	return t.device.Type()
}

// Allocator returns the owning device, or nil when on cpu.
func (t *Tensor) Allocator() Allocator { return t.device }

// DeviceBuffer returns the device-resident storage, nil when on cpu.
func (t *Tensor) DeviceBuffer() Buffer { return t.devData }

// Bytes returns host-addressable storage, or nil if the data lives in
// device memory the host cannot address.
func (t *Tensor) Bytes() []byte {
	if t.device == nil {
		return t.cpuData
	}
	if hb, ok := t.devData.(HostBuffer); ok {
		return hb.Bytes()
	}
	return nil
}

func (t *Tensor) Float32s() []float32 { return viewAs[float32](t.Bytes()) }

func (t *Tensor) Uint16s() []uint16 { return viewAs[uint16](t.Bytes()) }

func (t *Tensor) Uint8s() []uint8 { return t.Bytes() }

func (t *Tensor) Int32s() []int32 { return viewAs[int32](t.Bytes()) }

// IsContiguous reports whether the logical elements are packed row-major at
// the start of the storage.
func (t *Tensor) IsContiguous() bool {
	want := computeStrides(t.dims)
	for i := range want {
		if t.dims[i] > 1 && t.strides[i] != want[i] {
			return false
		}
	}
	return true
}

// Float32Values returns the logical contents, row-major, converted to float32.
func (t *Tensor) Float32Values() ([]float32, error) {
	raw := t.Bytes()
	if raw == nil && t.storageBytes() > 0 {
		return nil, ErrNotOnCPU
	}
	n := t.Len()
	out := make([]float32, n)
	if n == 0 {
		return out, nil
	}
	packed := raw
	if !t.IsContiguous() {
		packed = allocBytes(n * t.dtype.Size())
		copyStrided(packed, computeStrides(t.dims), raw, t.strides, t.dims, t.dtype.Size())
	}
	switch t.dtype {
	case Float32:
		copy(out, viewAs[float32](packed)[:n])
	case Float16:
		quant.DecodeFloat16(out, viewAs[uint16](packed)[:n])
	case Int32:
		for i, v := range viewAs[int32](packed)[:n] {
			out[i] = float32(v)
		}
	case Int8:
		cols := t.dims[len(t.dims)-1]
		if len(t.Channels) < n/max(cols, 1) {
			return nil, fmt.Errorf("%w: int8 tensor %q has %d channel configs for %d rows", ErrDType, t.Name, len(t.Channels), n/max(cols, 1))
		}
		for r := 0; r < n/cols; r++ {
			t.Channels[r].DequantizeSlice(out[r*cols:(r+1)*cols], packed[r*cols:(r+1)*cols])
		}
	default:
		return nil, fmt.Errorf("%w: %v", ErrDType, t.dtype)
	}
	return out, nil
}

// Reshape reinterprets a contiguous tensor with the same element count.
func (t *Tensor) Reshape(dims ...int) error {
	if !t.IsContiguous() {
		return fmt.Errorf("%w: reshape of strided tensor %v", ErrShape, t.dims)
	}
	if product(dims) != t.Len() {
		return fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.dims, dims)
	}
	t.dims = cloneInts(dims)
	t.strides = computeStrides(t.dims)
	t.expansionDims = nil
	return nil
}

// Resize sets the logical dims. The new dims must fit the reserved capacity;
// otherwise the tensor is expanded first. A tensor without reserved capacity
// whose storage is too small is reallocated and its content discarded.
func (t *Tensor) Resize(dims ...int) error {
	if t.expansionDims != nil {
		if len(dims) == len(t.expansionDims) {
			if !fits(dims, t.expansionDims) {
				if err := t.Expansion(dims...); err != nil {
					return err
				}
			}
			t.dims = cloneInts(dims)
			t.strides = computeStrides(t.expansionDims)
			return nil
		}
		t.expansionDims = nil
	}

	need := product(dims) * t.dtype.Size()
	if need > t.storageBytes() {
		if err := t.allocate(need); err != nil {
			return err
		}
	}
	t.dims = cloneInts(dims)
	t.strides = computeStrides(t.dims)
	return nil
}

// allocate replaces the storage with a zeroed buffer of size bytes on the
// current device. Existing content is discarded.
func (t *Tensor) allocate(size int) error {
	if t.device == nil {
		t.cpuData = allocBytes(size)
		return nil
	}
	buf, err := t.device.Malloc(size)
	if err != nil {
		return err
	}
	if t.devData != nil {
		t.device.Free(t.devData)
	}
	t.devData = buf
	return nil
}

// Expansion reserves capacity for dims without changing the logical dims.
// Capacity never shrinks: each axis keeps the larger of the old and new
// reservation. Existing content is preserved and new space is zeroed.
func (t *Tensor) Expansion(dims ...int) error {
	if len(t.dims) != 0 && len(dims) != len(t.dims) {
		return fmt.Errorf("%w: %v -> %v", ErrShrink, t.dims, dims)
	}
	if t.expansionDims != nil && len(t.expansionDims) != len(dims) {
		return fmt.Errorf("%w: %v -> %v", ErrShrink, t.expansionDims, dims)
	}

	target := cloneInts(dims)
	for i := range target {
		if t.expansionDims != nil && t.expansionDims[i] > target[i] {
			target[i] = t.expansionDims[i]
		}
		if i < len(t.dims) && t.dims[i] > target[i] {
			target[i] = t.dims[i]
		}
	}
	if t.expansionDims != nil && equalInts(target, t.expansionDims) {
		return nil
	}

	dev := t.device
	if dev != nil {
		if err := t.ToCPU(); err != nil {
			return err
		}
	}

	fresh := allocBytes(product(target) * t.dtype.Size())
	newStrides := computeStrides(target)
	if len(t.dims) != 0 && t.Len() > 0 {
		copyStrided(fresh, newStrides, t.cpuData, t.strides, t.dims, t.dtype.Size())
	}
	t.cpuData = fresh
	t.expansionDims = target
	if len(t.dims) != 0 {
		t.strides = newStrides
	}

	if dev != nil {
		return t.ToDevice(dev)
	}
	return nil
}

// ToDevice moves the storage to the allocator's memory. A nil allocator or a
// cpu allocator moves the data to host memory.
func (t *Tensor) ToDevice(a Allocator) error {
	if a == nil || a.Type() == CPU {
		return t.ToCPU()
	}
	if t.device == a {
		return nil
	}
	if t.LockInCPU {
		return fmt.Errorf("%w: %q cannot move to %s", ErrLockedInCPU, t.Name, a.Type())
	}
	if err := t.ToCPU(); err != nil {
		return err
	}
	if len(t.cpuData) == 0 {
		t.device = a
		t.cpuData = nil
		return nil
	}
	buf, err := a.Malloc(len(t.cpuData))
	if err != nil {
		return fmt.Errorf("tensor %q to %s: %w", t.Name, a.Type(), err)
	}
	if err := a.CopyDataFromCPU(buf, t.cpuData); err != nil {
		a.Free(buf)
		return fmt.Errorf("tensor %q to %s: %w", t.Name, a.Type(), err)
	}
	t.devData = buf
	t.device = a
	t.cpuData = nil
	return nil
}

// ToCPU copies device-resident data back to host memory and frees the device
// buffer.
func (t *Tensor) ToCPU() error {
	if t.device == nil {
		return nil
	}
	var data []byte
	if t.devData != nil {
		data = allocBytes(t.devData.Size())
		if err := t.device.CopyDataToCPU(data, t.devData); err != nil {
			return fmt.Errorf("tensor %q from %s: %w", t.Name, t.device.Type(), err)
		}
		t.device.Free(t.devData)
	}
	t.cpuData = data
	t.devData = nil
	t.device = nil
	return nil
}

// Free releases the storage and resets the tensor to empty. The handle is kept.
func (t *Tensor) Free() {
	if t.device != nil && t.devData != nil {
		t.device.Free(t.devData)
	}
	t.devData = nil
	t.device = nil
	t.cpuData = nil
	t.expansionDims = nil
	t.dims = nil
	t.strides = nil
}

// CopyFrom replaces the contents with a compact copy of src.
func (t *Tensor) CopyFrom(src *Tensor) error {
	raw := src.Bytes()
	if raw == nil && src.Len() > 0 {
		return ErrNotOnCPU
	}
	if t.device != nil {
		if err := t.ToCPU(); err != nil {
			return err
		}
	}
	t.dtype = src.dtype
	t.dims = cloneInts(src.dims)
	t.strides = computeStrides(t.dims)
	t.expansionDims = nil
	t.cpuData = allocBytes(src.Len() * src.dtype.Size())
	if src.Len() > 0 {
		copyStrided(t.cpuData, t.strides, raw, src.strides, src.dims, src.dtype.Size())
	}
	t.Channels = append([]quant.PerChannelConfig(nil), src.Channels...)
	return nil
}

func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor(%s %v %v on %s", t.Name, t.dtype, t.dims, t.Device())
	if t.expansionDims != nil {
		fmt.Fprintf(&b, " cap %v", t.expansionDims)
	}
	b.WriteString(")")
	return b.String()
}

func computeStrides(dims []int) []int {
	strides := make([]int, len(dims))
	s := 1
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = s
		s *= dims[i]
	}
	return strides
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

func fits(dims, capacity []int) bool {
	for i := range dims {
		if dims[i] > capacity[i] {
			return false
		}
	}
	return true
}

func cloneInts(v []int) []int {
	if v == nil {
		return nil
	}
	return append([]int(nil), v...)
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// allocBytes returns a zeroed buffer aligned for 8-byte element access.
func allocBytes(n int) []byte {
	if n <= 0 {
		return nil
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

func viewAs[T any](b []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(b) < size {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/size)
}

// copyStrided copies the elements of an n-d region of shape dims between two
// strided layouts. Strides are in elements.
func copyStrided(dst []byte, dstStrides []int, src []byte, srcStrides []int, dims []int, elem int) {
	if len(dims) == 0 {
		return
	}
	last := len(dims) - 1
	if dstStrides[last] == 1 && srcStrides[last] == 1 {
		copyRows(dst, dstStrides, src, srcStrides, dims, elem, 0, 0, 0)
		return
	}
	copyElems(dst, dstStrides, src, srcStrides, dims, elem, 0, 0, 0)
}

func copyRows(dst []byte, ds []int, src []byte, ss []int, dims []int, elem, axis, doff, soff int) {
	if axis == len(dims)-1 {
		n := dims[axis] * elem
		copy(dst[doff*elem:doff*elem+n], src[soff*elem:soff*elem+n])
		return
	}
	for i := 0; i < dims[axis]; i++ {
		copyRows(dst, ds, src, ss, dims, elem, axis+1, doff+i*ds[axis], soff+i*ss[axis])
	}
}

func copyElems(dst []byte, ds []int, src []byte, ss []int, dims []int, elem, axis, doff, soff int) {
	for i := 0; i < dims[axis]; i++ {
		d, s := doff+i*ds[axis], soff+i*ss[axis]
		if axis == len(dims)-1 {
			copy(dst[d*elem:(d+1)*elem], src[s*elem:(s+1)*elem])
			continue
		}
		copyElems(dst, ds, src, ss, dims, elem, axis+1, d, s)
	}
}
