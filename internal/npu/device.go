package npu

import (
	"fmt"

	"github.com/23skdu/longbow-forge/internal/device"
	"github.com/23skdu/longbow-forge/internal/logger"
	"github.com/23skdu/longbow-forge/internal/tensor"
	"github.com/23skdu/longbow-forge/internal/threadpool"
)

const DeviceNPU = "npu"

// Device exposes the accelerator to the executor. It implements Linear and
// MatMulTransB; the executor routes everything else to later devices.
type Device struct {
	device.BaseDevice
	acc     *Accelerator
	planner *Planner
	cache   *WeightCache
	kernel  *Kernel
}

func NewDevice(opts Options, pool *threadpool.Pool) (*Device, error) {
	acc, err := NewAccelerator(opts)
	if err != nil {
		return nil, err
	}
	planner := NewPlanner(opts.Cores)
	cache := NewWeightCache(acc, pool)
	d := &Device{
		BaseDevice: device.NewBaseDevice(DeviceNPU),
		acc:        acc,
		planner:    planner,
		cache:      cache,
		kernel:     NewKernel(acc, pool, planner, cache),
	}
	d.Register(device.OpLinear, &linearOp{kernel: d.kernel})
	d.Register(device.OpMatMulTransB, &matMulTransBOp{kernel: d.kernel})
	logger.Log.Info("NPU device ready", "cores", opts.Cores, "queue_depth", acc.QueueDepth(), "memory_mb", opts.MemoryMB, "fp16", opts.FP16)
	return d, nil
}

func (d *Device) Accelerator() *Accelerator { return d.acc }

func (d *Device) Planner() *Planner { return d.planner }

func (d *Device) WeightCache() *WeightCache { return d.cache }

func (d *Device) Kernel() *Kernel { return d.kernel }

// Close frees the resident weights and stops the cores.
func (d *Device) Close() {
	d.cache.Close()
	d.acc.Close()
}

// HostOperands names the operands the kernel tiles itself from host memory:
// Linear weights go to the weight cache and MatMulTransB right-hand sides
// are tiled per call.
func (d *Device) HostOperands(opType string) []string {
	switch opType {
	case device.OpLinear:
		return []string{device.Weight}
	case device.OpMatMulTransB:
		return []string{device.Input1}
	}
	return nil
}

func (d *Device) Malloc(size int) (tensor.Buffer, error) {
	return d.acc.Alloc(size)
}

func (d *Device) Free(b tensor.Buffer) {
	if buf, ok := b.(*Buffer); ok {
		buf.Release()
	}
}

func (d *Device) CopyDataToCPU(dst []byte, src tensor.Buffer) error {
	buf, ok := src.(*Buffer)
	if !ok {
		return fmt.Errorf("npu: foreign buffer %T", src)
	}
	copy(dst, buf.Bytes())
	return nil
}

func (d *Device) CopyDataFromCPU(dst tensor.Buffer, src []byte) error {
	buf, ok := dst.(*Buffer)
	if !ok {
		return fmt.Errorf("npu: foreign buffer %T", dst)
	}
	copy(buf.Bytes(), src)
	return nil
}

func tileable(w *tensor.Tensor) bool {
	if len(w.Dims()) != 2 || !w.IsContiguous() {
		return false
	}
	switch w.DataType() {
	case tensor.Float32, tensor.Float16:
		return true
	case tensor.Int8:
		return len(w.Channels) >= w.Dims()[0]
	}
	return false
}

type linearOp struct {
	kernel *Kernel
}

func (o *linearOp) CanRun(datas device.Datas, _ device.FloatDict, _ device.IntDict) bool {
	input, weight, output := datas.Get(device.Input), datas.Get(device.Weight), datas.Get(device.Output)
	if input == nil || weight == nil || output == nil {
		return false
	}
	if bias := datas.Get(device.Bias); bias != nil && bias.DataType() != tensor.Float32 {
		return false
	}
	return input.DataType() == tensor.Float32 && output.DataType() == tensor.Float32 && tileable(weight)
}

func (o *linearOp) Reshape(datas device.Datas, _ device.FloatDict, _ device.IntDict) error {
	return device.LinearReshape(datas)
}

func (o *linearOp) Run(datas device.Datas, _ device.FloatDict, _ device.IntDict) error {
	return o.kernel.Linear(datas.Get(device.Input), datas.Get(device.Weight), datas.Get(device.Bias), datas.Get(device.Output))
}

func (o *linearOp) Ops(datas device.Datas, _ device.FloatDict, _ device.IntDict) int64 {
	n, m, k, err := device.LinearDims(datas.Get(device.Input), datas.Get(device.Weight), nil)
	if err != nil {
		return 0
	}
	return 2 * int64(n) * int64(m) * int64(k)
}

// matMulTransBOp takes rank-2 operands; batched attention scores stay on
// the cpu.
type matMulTransBOp struct {
	kernel *Kernel
}

func (o *matMulTransBOp) CanRun(datas device.Datas, _ device.FloatDict, _ device.IntDict) bool {
	a, b, out := datas.Get(device.Input0), datas.Get(device.Input1), datas.Get(device.Output)
	if a == nil || b == nil || out == nil {
		return false
	}
	return len(a.Dims()) == 2 && a.DataType() == tensor.Float32 && out.DataType() == tensor.Float32 &&
		b.DataType() != tensor.Int8 && tileable(b)
}

func (o *matMulTransBOp) Reshape(datas device.Datas, _ device.FloatDict, _ device.IntDict) error {
	dims, err := device.MatMulDims(datas.Get(device.Input0), datas.Get(device.Input1), true)
	if err != nil {
		return err
	}
	return datas.Get(device.Output).Resize(dims...)
}

func (o *matMulTransBOp) Run(datas device.Datas, floats device.FloatDict, _ device.IntDict) error {
	return o.kernel.MatMulTransB(datas.Get(device.Input0), datas.Get(device.Input1), datas.Get(device.Output), floats.Get("alpha", 1))
}

func (o *matMulTransBOp) Ops(datas device.Datas, _ device.FloatDict, _ device.IntDict) int64 {
	a, b := datas.Get(device.Input0), datas.Get(device.Input1)
	if a == nil || b == nil || len(b.Dims()) != 2 {
		return 0
	}
	return 2 * int64(a.Len()) * int64(b.Dims()[0])
}
