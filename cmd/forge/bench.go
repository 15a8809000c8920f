package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-forge/internal/device"
	"github.com/23skdu/longbow-forge/internal/executor"
	"github.com/23skdu/longbow-forge/internal/logger"
	"github.com/23skdu/longbow-forge/internal/tensor"
)

func benchCmd() *cli.Command {
	var n, m, k, runs int64
	var quantized bool
	return &cli.Command{
		Name:  "bench",
		Usage: "Time Linear (Y = X·Wᵗ) on the configured devices",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "n", Usage: "input rows", Value: 16, Destination: &n},
			&cli.Int64Flag{Name: "m", Usage: "input columns", Value: 1024, Destination: &m},
			&cli.Int64Flag{Name: "k", Usage: "output columns", Value: 1024, Destination: &k},
			&cli.Int64Flag{Name: "runs", Usage: "timed runs after one warmup", Value: 10, Destination: &runs},
			&cli.BoolFlag{Name: "int8", Usage: "quantize the weight to int8", Destination: &quantized},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			pool := newPool(cfg)
			defer pool.Close()
			ex, err := executor.NewDefault(cfg, pool)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer ex.Close()
			ex.EnableProfiler(true)

			rng := rand.New(rand.NewSource(1))
			fill := func(size int) []float32 {
				v := make([]float32, size)
				for i := range v {
					v[i] = rng.Float32()*2 - 1
				}
				return v
			}
			x := tensor.FromFloat32(fill(int(n*m)), int(n), int(m))
			var w *tensor.Tensor
			if quantized {
				w = tensor.QuantizeFloat32(fill(int(k*m)), int(k), int(m))
			} else {
				w = tensor.FromFloat32(fill(int(k*m)), int(k), int(m))
			}
			w.Name = "bench.weight"
			y := tensor.Empty(tensor.Float32)
			datas := device.Datas{}.Set(device.Input, x).Set(device.Weight, w).Set(device.Output, y)

			if err := ex.RunContext(ctx, device.OpLinear, datas, nil, nil); err != nil {
				return cli.Exit(fmt.Sprintf("error: warmup: %v", err), 1)
			}
			ex.ClearProfiler()

			start := time.Now()
			for i := int64(0); i < runs; i++ {
				if err := ex.RunContext(ctx, device.OpLinear, datas, nil, nil); err != nil {
					return cli.Exit(fmt.Sprintf("error: run %d: %v", i, err), 1)
				}
			}
			elapsed := time.Since(start)
			gops := float64(2*n*m*k*runs) / elapsed.Seconds() / 1e9
			logger.Log.Info("Benchmark finished",
				"devices", ex.DeviceTypes(),
				"n", n, "m", m, "k", k,
				"runs", runs,
				"elapsed", elapsed,
				"gops", fmt.Sprintf("%.2f", gops))

			ex.PrintProfiler(cmd.Root().Writer)
			return nil
		},
	}
}
