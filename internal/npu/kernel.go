package npu

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/23skdu/longbow-forge/internal/device"
	"github.com/23skdu/longbow-forge/internal/logger"
	"github.com/23skdu/longbow-forge/internal/metrics"
	"github.com/23skdu/longbow-forge/internal/quant"
	"github.com/23skdu/longbow-forge/internal/tensor"
	"github.com/23skdu/longbow-forge/internal/threadpool"
)

// abort terminates the process on a build/hardware capability mismatch.
var abort = func(msg string, args ...interface{}) {
	logger.Log.Fatal(msg, args...)
}

// Kernel is the multi-core linear kernel: Y[n,k] = X[n,m]·Wᵗ + bias.
type Kernel struct {
	acc     *Accelerator
	pool    *threadpool.Pool
	planner *Planner
	cache   *WeightCache
	log     *logger.Logger
}

func NewKernel(acc *Accelerator, pool *threadpool.Pool, planner *Planner, cache *WeightCache) *Kernel {
	return &Kernel{
		acc:     acc,
		pool:    pool,
		planner: planner,
		cache:   cache,
		log:     logger.Log.With("component", "npu", "cores", acc.Cores()),
	}
}

func (kn *Kernel) checkFP16(w *tensor.Tensor) error {
	if w.DataType() == tensor.Float16 && !kn.acc.FP16() {
		abort("fp16 weights on an accelerator without fp16 support", "weight", w.Name)
		return fmt.Errorf("%w: weight %q", ErrFP16Unsupported, w.Name)
	}
	return nil
}

// Linear runs with w's tiles taken from, or uploaded into, the weight cache.
// y must already be sized to the Linear output.
func (kn *Kernel) Linear(x, w, bias, y *tensor.Tensor) error {
	n, m, k, err := device.LinearDims(x, w, bias)
	if err != nil {
		return err
	}
	if err := kn.checkFP16(w); err != nil {
		return err
	}
	plan, err := kn.planner.ConfigureKMRound(k, m)
	if err != nil {
		return err
	}
	rw, err := kn.cache.Get(w, plan)
	if err != nil {
		return err
	}
	kn.log.Debug("linear", "weight", w.Name, "n", n, "k", k, "m", m, "tiles", plan.Tiles())
	return kn.run(x, n, rw, bias, y, 1)
}

// MatMulTransB computes y = alpha · a·bᵗ with b tiled for this call only.
func (kn *Kernel) MatMulTransB(a, b, y *tensor.Tensor, alpha float32) error {
	n, m, k, err := device.LinearDims(a, b, nil)
	if err != nil {
		return err
	}
	if err := kn.checkFP16(b); err != nil {
		return err
	}
	plan, err := kn.planner.ConfigureKMRound(k, m)
	if err != nil {
		return err
	}
	rw, err := upload(kn.acc, kn.pool, b, plan)
	if err != nil {
		return err
	}
	defer rw.release()
	return kn.run(a, n, rw, nil, y, alpha)
}

func (kn *Kernel) run(xt *tensor.Tensor, n int, rw *ResidentWeight, bias, yt *tensor.Tensor, alpha float32) error {
	start := time.Now()
	defer func() { metrics.RecordKernelDuration("npu_linear", time.Since(start)) }()

	x, err := device.Float32Data(xt)
	if err != nil {
		return err
	}
	y, err := device.OutputData(yt)
	if err != nil {
		return err
	}
	var b []float32
	if bias != nil {
		if b, err = device.Float32Data(bias); err != nil {
			return err
		}
	}

	m, k := rw.Plan.M, rw.Plan.K
	chunk := 8 * kn.acc.Cores()
	for r0 := 0; r0 < n; r0 += chunk {
		rows := min(chunk, n-r0)
		if err := kn.runChunk(x[r0*m:(r0+rows)*m], rows, n == 1, rw, y[r0*k:(r0+rows)*k]); err != nil {
			return fmt.Errorf("rows [%d,%d): %w", r0, r0+rows, err)
		}
	}

	if b == nil && alpha == 1 {
		return nil
	}
	return kn.pool.ParallelFor(n, func(s, e int) error {
		for i := s; i < e; i++ {
			row := y[i*k : (i+1)*k]
			for j := range row {
				if alpha != 1 {
					row[j] *= alpha
				}
				if b != nil {
					row[j] += b[j]
				}
			}
		}
		return nil
	})
}

// quantizedInput is a row chunk of X as uint8 codes in accelerator memory.
type quantizedInput struct {
	buf     *Buffer
	configs []quant.PerChannelConfig
}

// quantizeInput uses one range for the whole input when global is set and
// one range per row otherwise, then encodes each m tile on the pool.
func (kn *Kernel) quantizeInput(x []float32, rows int, global bool, plan Plan) (*quantizedInput, error) {
	m := plan.M
	configs := make([]quant.PerChannelConfig, rows)
	if global {
		cfg := quant.ConfigFor(x)
		for i := range configs {
			configs[i] = cfg
		}
	} else {
		for i := range configs {
			configs[i] = quant.ConfigFor(x[i*m : (i+1)*m])
		}
	}
	buf, err := kn.acc.Alloc(rows * m)
	if err != nil {
		return nil, err
	}
	codes := buf.Bytes()
	err = kn.pool.ParallelFor(plan.MRound, func(s, e int) error {
		for j := s; j < e; j++ {
			m0, m1 := plan.MSpan(j)
			for i := 0; i < rows; i++ {
				configs[i].QuantizeSlice(codes[i*m+m0:i*m+m1], x[i*m+m0:i*m+m1])
			}
		}
		return nil
	})
	if err != nil {
		buf.Release()
		return nil, err
	}
	return &quantizedInput{buf: buf, configs: configs}, nil
}

func (kn *Kernel) runChunk(x []float32, rows int, global bool, rw *ResidentWeight, y []float32) error {
	plan := rw.Plan
	tiles := plan.Tiles()

	partials := make([]*Buffer, tiles)
	defer func() {
		for _, p := range partials {
			p.Release()
		}
	}()
	for idx := range partials {
		k0, k1 := plan.KSpan(idx / plan.MRound)
		buf, err := kn.acc.Alloc(rows * (k1 - k0) * 4)
		if err != nil {
			return err
		}
		partials[idx] = buf
	}

	var qin *quantizedInput
	if rw.DType == tensor.Int8 {
		var err error
		if qin, err = kn.quantizeInput(x, rows, global, plan); err != nil {
			return err
		}
		defer qin.buf.Release()
	}

	cores := kn.acc.Cores()
	for w0 := 0; w0 < tiles; w0 += cores {
		w1 := min(w0+cores, tiles)
		futures := make([]*threadpool.Future[struct{}], 0, w1-w0)
		for idx := w0; idx < w1; idx++ {
			idx := idx
			futures = append(futures, kn.acc.Submit(idx%cores, func() error {
				return innerProduct(idx, x, rows, qin, rw, float32View(partials[idx]))
			}))
		}
		metrics.RecordWave(w1 - w0)
		if err := threadpool.Wait(futures); err != nil {
			return err
		}
	}

	// Accumulate every m tile into the first and scatter into y.
	k := plan.K
	return kn.pool.ParallelFor(plan.KRound, func(s, e int) error {
		for a := s; a < e; a++ {
			k0, k1 := plan.KSpan(a)
			width := k1 - k0
			acc := float32View(partials[a*plan.MRound])
			for b := 1; b < plan.MRound; b++ {
				part := float32View(partials[a*plan.MRound+b])
				for i := range acc {
					acc[i] += part[i]
				}
			}
			for i := 0; i < rows; i++ {
				copy(y[i*k+k0:i*k+k1], acc[i*width:(i+1)*width])
			}
		}
		return nil
	})
}

// innerProduct fills out[rows, kTile] with X[:, mTile]·W[kTile, mTile]ᵗ for
// tile idx.
func innerProduct(idx int, x []float32, rows int, qin *quantizedInput, rw *ResidentWeight, out []float32) error {
	plan := rw.Plan
	a, b := idx/plan.MRound, idx%plan.MRound
	k0, k1 := plan.KSpan(a)
	m0, m1 := plan.MSpan(b)
	kw, mw := k1-k0, m1-m0
	m := plan.M
	tile := rw.Tile(a, b).Bytes()

	switch rw.DType {
	case tensor.Float32:
		w := unsafe.Slice((*float32)(unsafe.Pointer(&tile[0])), kw*mw)
		for r := 0; r < kw; r++ {
			floatRow(x, rows, m, m0, m1, w[r*mw:(r+1)*mw], out, r, kw)
		}
	case tensor.Float16:
		w := unsafe.Slice((*uint16)(unsafe.Pointer(&tile[0])), kw*mw)
		row := make([]float32, mw)
		for r := 0; r < kw; r++ {
			quant.DecodeFloat16(row, w[r*mw:(r+1)*mw])
			floatRow(x, rows, m, m0, m1, row, out, r, kw)
		}
	case tensor.Int8:
		if qin == nil {
			return fmt.Errorf("%w: int8 tile without quantized input", ErrWeightLayout)
		}
		codes := qin.buf.Bytes()
		for r := 0; r < kw; r++ {
			wc := rw.Channels[k0+r]
			wq := tile[r*mw : (r+1)*mw]
			wzp := int32(wc.ZeroPoint)
			for i := 0; i < rows; i++ {
				xc := qin.configs[i]
				xq := codes[i*m+m0 : i*m+m1]
				xzp := int32(xc.ZeroPoint)
				var sum int32
				for l := range xq {
					sum += (int32(xq[l]) - xzp) * (int32(wq[l]) - wzp)
				}
				out[i*kw+r] = float32(sum) * xc.Scale * wc.Scale
			}
		}
	default:
		return fmt.Errorf("%w: %v tile", ErrWeightLayout, rw.DType)
	}
	return nil
}

func floatRow(x []float32, rows, m, m0, m1 int, w []float32, out []float32, r, kw int) {
	for i := 0; i < rows; i++ {
		xr := x[i*m+m0 : i*m+m1]
		var sum float32
		for l := range xr {
			sum += float32(xr[l] * w[l])
		}
		out[i*kw+r] = sum
	}
}

func float32View(b *Buffer) []float32 {
	data := b.Bytes()
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), len(data)/4)
}
