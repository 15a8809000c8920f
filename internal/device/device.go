// Package device defines the contract every compute backend implements and
// the cpu backend that is always present.
//
// An op is invoked by type name with three dictionaries: tensors by role
// (Datas), float parameters (FloatDict) and int parameters (IntDict). A role
// may hold an array of tensors; the array length is mirrored in the int
// parameter "<role>___batch".
package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/longbow-forge/internal/tensor"
)

// BatchSuffix marks the int parameter holding the length of a tensor array.
const BatchSuffix = "___batch"

var (
	ErrShapeMismatch = errors.New("device: shape mismatch")
	ErrDType         = errors.New("device: unsupported data type")
	ErrMissing       = errors.New("device: missing operand")
	ErrBatch         = errors.New("device: batch count does not match tensor array")
	ErrUnknownOp     = errors.New("device: operator not registered")
	ErrUnavailable   = errors.New("device: backend not available in this build")
)

// Datas maps an operand role to its tensors. Single operands are stored as
// one-element arrays.
type Datas map[string][]*tensor.Tensor

type FloatDict map[string]float32

type IntDict map[string]int

// Set stores a single tensor under name.
func (d Datas) Set(name string, t *tensor.Tensor) Datas {
	d[name] = []*tensor.Tensor{t}
	return d
}

// Get returns the single tensor stored under name, or nil.
func (d Datas) Get(name string) *tensor.Tensor {
	ts := d[name]
	if len(ts) == 0 {
		return nil
	}
	return ts[0]
}

// SetBatch stores an array under name and records its length in ints.
func (d Datas) SetBatch(ints IntDict, name string, ts []*tensor.Tensor) Datas {
	d[name] = ts
	ints[name+BatchSuffix] = len(ts)
	return d
}

// Batch returns the array stored under name after checking it against the
// "<name>___batch" count.
func (d Datas) Batch(ints IntDict, name string) ([]*tensor.Tensor, error) {
	n, ok := ints[name+BatchSuffix]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no %s count", ErrBatch, name, BatchSuffix)
	}
	if n != len(d[name]) {
		return nil, fmt.Errorf("%w: %q count %d, %d tensors", ErrBatch, name, n, len(d[name]))
	}
	return d[name], nil
}

// All returns every tensor in the envelope, arrays flattened, in role order.
// Roles returns the role names in sorted order.
func (d Datas) Roles() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d Datas) All() []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, name := range d.Roles() {
		for _, t := range d[name] {
			if t != nil {
				out = append(out, t)
			}
		}
	}
	return out
}

// Validate checks the batch convention: every array role has a matching
// count and every count names an array of that length.
func (d Datas) Validate(ints IntDict) error {
	for key, n := range ints {
		name, ok := strings.CutSuffix(key, BatchSuffix)
		if !ok {
			continue
		}
		if len(d[name]) != n {
			return fmt.Errorf("%w: %q count %d, %d tensors", ErrBatch, name, n, len(d[name]))
		}
	}
	for name, ts := range d {
		if len(ts) > 1 {
			if _, ok := ints[name+BatchSuffix]; !ok {
				return fmt.Errorf("%w: %q holds %d tensors without a count", ErrBatch, name, len(ts))
			}
		}
	}
	return nil
}

func (f FloatDict) Get(name string, def float32) float32 {
	if v, ok := f[name]; ok {
		return v
	}
	return def
}

func (i IntDict) Get(name string, def int) int {
	if v, ok := i[name]; ok {
		return v
	}
	return def
}

// Operator is one registered op implementation.
type Operator interface {
	CanRun(datas Datas, floats FloatDict, ints IntDict) bool
	// Reshape sizes the outputs for the given inputs.
	Reshape(datas Datas, floats FloatDict, ints IntDict) error
	Run(datas Datas, floats FloatDict, ints IntDict) error
	// Ops estimates the arithmetic work of one invocation.
	Ops(datas Datas, floats FloatDict, ints IntDict) int64
}

// Device is a compute backend: an allocator plus a registry of operators.
type Device interface {
	tensor.Allocator
	DeviceIDs() []int
	SetDeviceIDs(ids []int)
	CanRun(opType string, datas Datas, floats FloatDict, ints IntDict) bool
	Reshape(opType string, datas Datas, floats FloatDict, ints IntDict) error
	Run(opType string, datas Datas, floats FloatDict, ints IntDict) error
	Ops(opType string, datas Datas, floats FloatDict, ints IntDict) int64
}

// HostReader is implemented by devices that read some operands of an op
// from host memory and keep their own copy, such as a weight cache. The
// executor leaves those roles on the CPU instead of migrating them.
type HostReader interface {
	HostOperands(opType string) []string
}

// BaseDevice implements the registry half of Device. Backends embed it and
// add the allocator methods.
type BaseDevice struct {
	deviceType string
	deviceIDs  []int
	ops        map[string]Operator
}

func NewBaseDevice(deviceType string) BaseDevice {
	return BaseDevice{deviceType: deviceType, ops: make(map[string]Operator)}
}

func (b *BaseDevice) Type() string { return b.deviceType }

func (b *BaseDevice) DeviceIDs() []int { return b.deviceIDs }

func (b *BaseDevice) SetDeviceIDs(ids []int) {
	b.deviceIDs = append([]int(nil), ids...)
}

// Register installs op under opType, replacing any previous entry.
func (b *BaseDevice) Register(opType string, op Operator) {
	b.ops[opType] = op
}

// OpTypes lists the registered op names in sorted order.
func (b *BaseDevice) OpTypes() []string {
	names := make([]string, 0, len(b.ops))
	for name := range b.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *BaseDevice) CanRun(opType string, datas Datas, floats FloatDict, ints IntDict) bool {
	op, ok := b.ops[opType]
	return ok && op.CanRun(datas, floats, ints)
}

func (b *BaseDevice) Reshape(opType string, datas Datas, floats FloatDict, ints IntDict) error {
	op, ok := b.ops[opType]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnknownOp, opType, b.deviceType)
	}
	return op.Reshape(datas, floats, ints)
}

func (b *BaseDevice) Run(opType string, datas Datas, floats FloatDict, ints IntDict) error {
	op, ok := b.ops[opType]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnknownOp, opType, b.deviceType)
	}
	return op.Run(datas, floats, ints)
}

func (b *BaseDevice) Ops(opType string, datas Datas, floats FloatDict, ints IntDict) int64 {
	op, ok := b.ops[opType]
	if !ok {
		return 0
	}
	return op.Ops(datas, floats, ints)
}

// BaseOperator supplies the defaults: always runnable, nothing to reshape,
// no work estimate.
type BaseOperator struct{}

func (BaseOperator) CanRun(Datas, FloatDict, IntDict) bool { return true }

func (BaseOperator) Reshape(Datas, FloatDict, IntDict) error { return nil }

func (BaseOperator) Ops(Datas, FloatDict, IntDict) int64 { return 0 }

// Op type names shared by every backend.
const (
	OpLinear         = "Linear"
	OpMatMul         = "MatMul"
	OpMatMulTransB   = "MatMulTransB"
	OpSoftmax        = "Softmax"
	OpAttentionMask  = "AttentionMask"
	OpRMSNorm        = "RMSNorm"
	OpLayerNorm      = "LayerNorm"
	OpSilu           = "Silu"
	OpGelu           = "Gelu"
	OpSwiglu         = "Swiglu"
	OpMul            = "Mul"
	OpAddTo          = "AddTo"
	OpMulTo          = "MulTo"
	OpSplit          = "Split"
	OpCat            = "Cat"
	OpCatDirect      = "CatDirect"
	OpCatDirectBatch = "CatDirectBatch"
	OpPermute        = "Permute"
)

// Operand roles.
const (
	Input  = "input"
	Input0 = "input0"
	Input1 = "input1"
	Output = "output"
	Weight = "weight"
	Bias   = "bias"
	Mask   = "mask"
	Gamma  = "gamma"
	Beta   = "beta"
	Axis   = "axis"
)

// requireRole returns the single tensor for role or ErrMissing.
func requireRole(datas Datas, role string) (*tensor.Tensor, error) {
	t := datas.Get(role)
	if t == nil {
		return nil, fmt.Errorf("%w: %q", ErrMissing, role)
	}
	return t, nil
}

func sameDims(a, b []int) bool {
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
