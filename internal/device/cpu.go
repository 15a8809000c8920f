package device

import (
	"fmt"

	"github.com/23skdu/longbow-forge/internal/tensor"
	"github.com/23skdu/longbow-forge/internal/threadpool"
)

// hostBuffer is plain host memory.
type hostBuffer struct {
	data []byte
}

func (b *hostBuffer) Size() int { return len(b.data) }

func (b *hostBuffer) Bytes() []byte { return b.data }

// CPUDevice runs every op of the fixed op set on host memory. It is always
// the last entry of the executor's device list.
type CPUDevice struct {
	BaseDevice
	pool *threadpool.Pool
}

func NewCPU(pool *threadpool.Pool) *CPUDevice {
	d := &CPUDevice{BaseDevice: NewBaseDevice(tensor.CPU), pool: pool}
	d.Register(OpLinear, &linearOp{pool: pool})
	d.Register(OpMatMul, &matMulOp{pool: pool})
	d.Register(OpMatMulTransB, &matMulOp{pool: pool, transB: true})
	d.Register(OpSoftmax, softmaxOp{})
	d.Register(OpAttentionMask, attentionMaskOp{})
	d.Register(OpRMSNorm, rmsNormOp{})
	d.Register(OpLayerNorm, layerNormOp{})
	d.Register(OpSilu, unaryOp{fn: silu})
	d.Register(OpGelu, unaryOp{fn: gelu})
	d.Register(OpSwiglu, swigluOp{})
	d.Register(OpMul, mulOp{})
	d.Register(OpAddTo, addToOp{})
	d.Register(OpMulTo, mulToOp{})
	d.Register(OpSplit, splitOp{})
	d.Register(OpCat, catOp{})
	d.Register(OpCatDirect, catDirectOp{})
	d.Register(OpCatDirectBatch, catDirectBatchOp{})
	d.Register(OpPermute, permuteOp{})
	return d
}

func (d *CPUDevice) Pool() *threadpool.Pool { return d.pool }

func (d *CPUDevice) Malloc(size int) (tensor.Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("cpu: malloc of %d bytes", size)
	}
	return &hostBuffer{data: make([]byte, size)}, nil
}

func (d *CPUDevice) Free(tensor.Buffer) {}

func (d *CPUDevice) CopyDataToCPU(dst []byte, src tensor.Buffer) error {
	hb, ok := src.(*hostBuffer)
	if !ok {
		return fmt.Errorf("cpu: foreign buffer %T", src)
	}
	copy(dst, hb.data)
	return nil
}

func (d *CPUDevice) CopyDataFromCPU(dst tensor.Buffer, src []byte) error {
	hb, ok := dst.(*hostBuffer)
	if !ok {
		return fmt.Errorf("cpu: foreign buffer %T", dst)
	}
	copy(hb.data, src)
	return nil
}
