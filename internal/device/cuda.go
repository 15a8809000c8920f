//go:build cuda

package device

/*
#cgo LDFLAGS: -lcublas -lcudart -L/usr/local/cuda/lib64
#cgo CFLAGS: -I/usr/local/cuda/include
#include <cuda_runtime.h>
#include <cublas_v2.h>
*/
import "C"
import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/23skdu/longbow-forge/internal/logger"
	"github.com/23skdu/longbow-forge/internal/tensor"
)

const DeviceCUDA = "cuda"

type cudaBuffer struct {
	ptr  unsafe.Pointer
	size int
}

func (b *cudaBuffer) Size() int { return b.size }

// CUDADevice runs Linear and MatMulTransB through cuBLAS. Every other op
// is left to the devices after it in the executor's list.
type CUDADevice struct {
	BaseDevice
	mu        sync.Mutex
	handle    C.cublasHandle_t
	allocated atomic.Int64
}

// NewCUDA binds device ids[0] (0 when empty) and creates a cuBLAS handle.
func NewCUDA(ids []int) (*CUDADevice, error) {
	d := &CUDADevice{BaseDevice: NewBaseDevice(DeviceCUDA)}
	d.SetDeviceIDs(ids)
	dev := 0
	if len(ids) > 0 {
		dev = ids[0]
	}
	if res := C.cudaSetDevice(C.int(dev)); res != C.cudaSuccess {
		return nil, fmt.Errorf("%w: cudaSetDevice(%d) failed: %d", ErrUnavailable, dev, int(res))
	}
	if status := C.cublasCreate(&d.handle); status != C.CUBLAS_STATUS_SUCCESS {
		return nil, fmt.Errorf("%w: cublasCreate failed with status %d", ErrUnavailable, int(status))
	}

	var version C.int
	C.cudaRuntimeGetVersion(&version)
	logger.Log.Info("CUDA device ready", "device", dev, "runtime", fmt.Sprintf("%d.%d", version/1000, (version%100)/10))

	d.Register(OpLinear, &cudaLinearOp{dev: d})
	d.Register(OpMatMulTransB, &cudaMatMulTransBOp{dev: d})
	return d, nil
}

func (d *CUDADevice) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		C.cublasDestroy(d.handle)
		d.handle = nil
	}
}

func (d *CUDADevice) Malloc(size int) (tensor.Buffer, error) {
	var ptr unsafe.Pointer
	if res := C.cudaMalloc(&ptr, C.size_t(size)); res != C.cudaSuccess {
		return nil, fmt.Errorf("cudaMalloc(%d) failed: %d", size, int(res))
	}
	d.allocated.Add(int64(size))
	return &cudaBuffer{ptr: ptr, size: size}, nil
}

func (d *CUDADevice) Free(b tensor.Buffer) {
	cb, ok := b.(*cudaBuffer)
	if !ok || cb.ptr == nil {
		return
	}
	C.cudaFree(cb.ptr)
	d.allocated.Add(-int64(cb.size))
	cb.ptr = nil
}

func (d *CUDADevice) CopyDataToCPU(dst []byte, src tensor.Buffer) error {
	cb, ok := src.(*cudaBuffer)
	if !ok {
		return fmt.Errorf("cuda: foreign buffer %T", src)
	}
	if len(dst) == 0 {
		return nil
	}
	n := min(len(dst), cb.size)
	if res := C.cudaMemcpy(unsafe.Pointer(&dst[0]), cb.ptr, C.size_t(n), C.cudaMemcpyDeviceToHost); res != C.cudaSuccess {
		return fmt.Errorf("cudaMemcpy to host failed: %d", int(res))
	}
	return nil
}

func (d *CUDADevice) CopyDataFromCPU(dst tensor.Buffer, src []byte) error {
	cb, ok := dst.(*cudaBuffer)
	if !ok {
		return fmt.Errorf("cuda: foreign buffer %T", dst)
	}
	if len(src) == 0 {
		return nil
	}
	n := min(len(src), cb.size)
	if res := C.cudaMemcpy(cb.ptr, unsafe.Pointer(&src[0]), C.size_t(n), C.cudaMemcpyHostToDevice); res != C.cudaSuccess {
		return fmt.Errorf("cudaMemcpy to device failed: %d", int(res))
	}
	return nil
}

func devicePtr(t *tensor.Tensor) (unsafe.Pointer, error) {
	cb, ok := t.DeviceBuffer().(*cudaBuffer)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not on cuda", ErrShapeMismatch, t)
	}
	return cb.ptr, nil
}

// sgemmTransB computes row-major C[n,k] = alpha * A[n,m] · B[k,m]ᵗ.
func (d *CUDADevice) sgemmTransB(a, b, c unsafe.Pointer, n, m, k int, alpha float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	al, beta := C.float(alpha), C.float(0)
	status := C.cublasSgemm(d.handle, C.CUBLAS_OP_T, C.CUBLAS_OP_N,
		C.int(k), C.int(n), C.int(m),
		&al, (*C.float)(b), C.int(m), (*C.float)(a), C.int(m),
		&beta, (*C.float)(c), C.int(k))
	if status != C.CUBLAS_STATUS_SUCCESS {
		return fmt.Errorf("cublasSgemm failed with status %d", int(status))
	}
	return nil
}

type cudaLinearOp struct {
	dev *CUDADevice
}

func (o *cudaLinearOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool {
	w := datas.Get(Weight)
	return linearCanRun(datas) && w.DataType() == tensor.Float32
}

func (o *cudaLinearOp) Reshape(datas Datas, _ FloatDict, _ IntDict) error {
	return LinearReshape(datas)
}

func (o *cudaLinearOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 { return linearOps(datas) }

func (o *cudaLinearOp) Run(datas Datas, _ FloatDict, _ IntDict) error {
	input, weight, bias, output := datas.Get(Input), datas.Get(Weight), datas.Get(Bias), datas.Get(Output)
	n, m, k, err := LinearDims(input, weight, bias)
	if err != nil {
		return err
	}
	x, err := devicePtr(input)
	if err != nil {
		return err
	}
	w, err := devicePtr(weight)
	if err != nil {
		return err
	}
	y, err := devicePtr(output)
	if err != nil {
		return err
	}
	if err := o.dev.sgemmTransB(x, w, y, n, m, k, 1); err != nil {
		return err
	}
	if bias == nil {
		return nil
	}
	b, err := devicePtr(bias)
	if err != nil {
		return err
	}
	o.dev.mu.Lock()
	defer o.dev.mu.Unlock()
	one := C.float(1)
	for i := 0; i < n; i++ {
		row := unsafe.Add(y, i*k*4)
		if status := C.cublasSaxpy(o.dev.handle, C.int(k), &one, (*C.float)(b), 1, (*C.float)(row), 1); status != C.CUBLAS_STATUS_SUCCESS {
			return fmt.Errorf("cublasSaxpy failed with status %d", int(status))
		}
	}
	return nil
}

// cudaMatMulTransBOp handles contiguous rank-2 operands only.
type cudaMatMulTransBOp struct {
	dev *CUDADevice
}

func (o *cudaMatMulTransBOp) CanRun(datas Datas, _ FloatDict, _ IntDict) bool {
	a, b, out := datas.Get(Input0), datas.Get(Input1), datas.Get(Output)
	if a == nil || b == nil || out == nil {
		return false
	}
	return len(a.Dims()) == 2 && len(b.Dims()) == 2 && a.IsContiguous() && b.IsContiguous() &&
		a.DataType() == tensor.Float32 && b.DataType() == tensor.Float32 && out.DataType() == tensor.Float32
}

func (o *cudaMatMulTransBOp) Reshape(datas Datas, _ FloatDict, _ IntDict) error {
	dims, err := MatMulDims(datas.Get(Input0), datas.Get(Input1), true)
	if err != nil {
		return err
	}
	return datas.Get(Output).Resize(dims...)
}

func (o *cudaMatMulTransBOp) Ops(datas Datas, _ FloatDict, _ IntDict) int64 {
	a, b := datas.Get(Input0), datas.Get(Input1)
	return 2 * int64(a.Len()) * int64(b.Dims()[0])
}

func (o *cudaMatMulTransBOp) Run(datas Datas, floats FloatDict, _ IntDict) error {
	a, b, out := datas.Get(Input0), datas.Get(Input1), datas.Get(Output)
	ap, err := devicePtr(a)
	if err != nil {
		return err
	}
	bp, err := devicePtr(b)
	if err != nil {
		return err
	}
	cp, err := devicePtr(out)
	if err != nil {
		return err
	}
	return o.dev.sgemmTransB(ap, bp, cp, a.Dims()[0], a.Dims()[1], b.Dims()[0], floats.Get("alpha", 1))
}
