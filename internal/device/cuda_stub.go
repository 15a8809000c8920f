//go:build !cuda

package device

import (
	"fmt"

	"github.com/23skdu/longbow-forge/internal/tensor"
)

const DeviceCUDA = "cuda"

// CUDADevice is unavailable without the cuda build tag.
type CUDADevice struct {
	BaseDevice
}

func NewCUDA(ids []int) (*CUDADevice, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags cuda", ErrUnavailable)
}

func (d *CUDADevice) Malloc(int) (tensor.Buffer, error) { return nil, ErrUnavailable }

func (d *CUDADevice) Free(tensor.Buffer) {}

func (d *CUDADevice) CopyDataToCPU([]byte, tensor.Buffer) error { return ErrUnavailable }

func (d *CUDADevice) CopyDataFromCPU(tensor.Buffer, []byte) error { return ErrUnavailable }

func (d *CUDADevice) Close() {}
