// Package executor routes operator invocations to the first capable device in
// a priority list, migrating operands to that device before running.
package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/23skdu/longbow-forge/internal/config"
	"github.com/23skdu/longbow-forge/internal/device"
	"github.com/23skdu/longbow-forge/internal/logger"
	"github.com/23skdu/longbow-forge/internal/metrics"
	"github.com/23skdu/longbow-forge/internal/npu"
	"github.com/23skdu/longbow-forge/internal/tensor"
	"github.com/23skdu/longbow-forge/internal/threadpool"
)

var (
	ErrUnsupportedOp = errors.New("unsupported operator for available devices")
	ErrDevicePrefix  = errors.New("invalid device prefix")
)

type closer interface {
	Close()
}

// Executor owns the device priority list. Run is synchronous on the caller.
type Executor struct {
	mu      sync.RWMutex
	devices []device.Device

	profiler *Profiler
}

func New(devices ...device.Device) *Executor {
	return &Executor{devices: devices, profiler: newProfiler()}
}

// NewDefault builds the devices named in cfg.DevicePriority in order.
// Devices this build or host cannot provide are skipped.
func NewDefault(cfg config.Config, pool *threadpool.Pool) (*Executor, error) {
	e := New()
	for _, name := range cfg.DevicePriority {
		switch strings.ToLower(name) {
		case config.DeviceCUDA:
			d, err := device.NewCUDA(nil)
			if err != nil {
				if !errors.Is(err, device.ErrUnavailable) {
					logger.Log.Warn("Skipping CUDA device", "error", err)
				}
				continue
			}
			e.AddDevice(d)
		case config.DeviceNPU:
			if !cfg.NPU.Enabled {
				continue
			}
			d, err := npu.NewDevice(npu.Options{
				Cores:      cfg.NPU.Cores,
				QueueDepth: cfg.NPU.QueueDepth,
				MemoryMB:   cfg.NPU.MemoryMB,
				FP16:       cfg.NPU.FP16,
			}, pool)
			if err != nil {
				e.Close()
				return nil, fmt.Errorf("npu device: %w", err)
			}
			e.AddDevice(d)
		case config.DeviceCPU:
			e.AddDevice(device.NewCPU(pool))
		default:
			e.Close()
			return nil, fmt.Errorf("unknown device %q", name)
		}
	}
	if cfg.FirstDevice != "" {
		if err := e.SetFirstDevice(cfg.FirstDevice); err != nil {
			e.Close()
			return nil, err
		}
	}
	e.EnableProfiler(cfg.Profile)
	logger.Log.Info("Executor ready", "devices", strings.Join(e.DeviceTypes(), ","))
	return e, nil
}

func (e *Executor) AddDevice(d device.Device) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices = append(e.devices, d)
}

func (e *Executor) ClearDevices() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices = nil
}

// Devices returns a copy of the priority list.
func (e *Executor) Devices() []device.Device {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]device.Device(nil), e.devices...)
}

func (e *Executor) DeviceTypes() []string {
	devs := e.Devices()
	names := make([]string, len(devs))
	for i, d := range devs {
		names[i] = d.Type()
	}
	return names
}

// HasDevice reports whether a device of the given type is registered.
func (e *Executor) HasDevice(deviceType string) bool {
	for _, d := range e.Devices() {
		if d.Type() == deviceType {
			return true
		}
	}
	return false
}

// SetFirstDevice moves the devices whose type matches prefix to the front,
// keeping their relative order. A prefix of the form "type:0,1" also assigns
// the listed ids to those devices.
func (e *Executor) SetFirstDevice(prefix string) error {
	typ, idList, hasIDs := strings.Cut(prefix, ":")
	typ = strings.ToLower(strings.TrimSpace(typ))
	if typ == "" {
		return fmt.Errorf("%w: %q", ErrDevicePrefix, prefix)
	}
	var ids []int
	if hasIDs && idList != "" {
		for _, s := range strings.Split(idList, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil || id < 0 {
				return fmt.Errorf("%w: %q has bad id %q", ErrDevicePrefix, prefix, s)
			}
			ids = append(ids, id)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	front := make([]device.Device, 0, len(e.devices))
	var rest []device.Device
	for _, d := range e.devices {
		if d.Type() == typ {
			if ids != nil {
				d.SetDeviceIDs(ids)
			}
			front = append(front, d)
		} else {
			rest = append(rest, d)
		}
	}
	e.devices = append(front, rest...)
	return nil
}

func (e *Executor) Run(opType string, datas device.Datas, floats device.FloatDict, ints device.IntDict) error {
	return e.RunContext(context.Background(), opType, datas, floats, ints)
}

// RunContext dispatches one op. Cancellation is only observed before the op
// starts.
func (e *Executor) RunContext(ctx context.Context, opType string, datas device.Datas, floats device.FloatDict, ints device.IntDict) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if floats == nil {
		floats = device.FloatDict{}
	}
	if ints == nil {
		ints = device.IntDict{}
	}
	if err := datas.Validate(ints); err != nil {
		return fmt.Errorf("%s: %w", opType, err)
	}

	locked := false
	for _, t := range datas.All() {
		if t.LockInCPU {
			locked = true
			break
		}
	}

	for _, d := range e.Devices() {
		if locked && d.Type() != tensor.CPU {
			continue
		}
		if !d.CanRun(opType, datas, floats, ints) {
			continue
		}
		return e.runOn(d, opType, datas, floats, ints)
	}
	metrics.RecordUnsupportedOp(opType)
	return fmt.Errorf("%w: %s", ErrUnsupportedOp, opType)
}

// migrate moves every operand to d, except the roles d reads from host
// memory, which move to the CPU.
func migrate(d device.Device, opType string, datas device.Datas) error {
	var host []string
	if hr, ok := d.(device.HostReader); ok {
		host = hr.HostOperands(opType)
	}
	for _, role := range datas.Roles() {
		onHost := slices.Contains(host, role)
		for _, t := range datas[role] {
			if t == nil {
				continue
			}
			from := t.Device()
			if onHost {
				if from == tensor.CPU {
					continue
				}
				if err := t.ToCPU(); err != nil {
					return err
				}
				metrics.RecordMigration(from, tensor.CPU)
				continue
			}
			if from == d.Type() {
				continue
			}
			if err := t.ToDevice(d); err != nil {
				return err
			}
			metrics.RecordMigration(from, d.Type())
		}
	}
	return nil
}

func (e *Executor) runOn(d device.Device, opType string, datas device.Datas, floats device.FloatDict, ints device.IntDict) error {
	if err := migrate(d, opType, datas); err != nil {
		return fmt.Errorf("%s on %s: %w", opType, d.Type(), err)
	}

	start := time.Now()
	if err := d.Reshape(opType, datas, floats, ints); err != nil {
		return fmt.Errorf("%s reshape on %s: %w", opType, d.Type(), err)
	}
	if err := d.Run(opType, datas, floats, ints); err != nil {
		return fmt.Errorf("%s on %s: %w", opType, d.Type(), err)
	}
	elapsed := time.Since(start)

	metrics.RecordOp(opType, d.Type(), elapsed)
	if e.profiler.Enabled() {
		e.profiler.Record(opType, d.Type(), elapsed, d.Ops(opType, datas, floats, ints))
	}
	return nil
}

// Close releases devices that hold resources.
func (e *Executor) Close() {
	for _, d := range e.Devices() {
		if c, ok := d.(closer); ok {
			c.Close()
		}
	}
}

func (e *Executor) EnableProfiler(on bool) { e.profiler.Enable(on) }

func (e *Executor) Profiler() *Profiler { return e.profiler }

func (e *Executor) ClearProfiler() { e.profiler.Clear() }
