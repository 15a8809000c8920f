package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-forge/internal/config"
	"github.com/23skdu/longbow-forge/internal/engine"
	"github.com/23skdu/longbow-forge/internal/executor"
	"github.com/23skdu/longbow-forge/internal/logger"
	"github.com/23skdu/longbow-forge/internal/monitoring"
	"github.com/23skdu/longbow-forge/internal/tensor"
	"github.com/23skdu/longbow-forge/internal/tensorflight"
)

func decodeCmd() *cli.Command {
	var (
		prompt        string
		steps         int64
		topK          int64
		topP          float64
		temperature   float64
		repeatPenalty float64
		samplerSeed   int64
		stop          string
		flightAddr    string
		fetchParallel int64
		tracePath     string
		metricsAddr   string
	)
	flags := append([]cli.Flag{}, modelFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "token ids, comma separated; separate sequences with ';'",
			Value:       "1,2,3",
			Destination: &prompt,
		},
		&cli.Int64Flag{Name: "steps", Aliases: []string{"n"}, Usage: "tokens to generate per sequence", Value: 16, Destination: &steps},
		&cli.Int64Flag{Name: "top-k", Usage: "top_k sampling parameter (<= 1 = greedy)", Value: 1, Destination: &topK},
		&cli.Float64Flag{Name: "top-p", Usage: "top_p sampling parameter", Value: 1, Destination: &topP},
		&cli.Float64Flag{Name: "temp", Aliases: []string{"temperature"}, Usage: "sampling temperature", Value: 1, Destination: &temperature},
		&cli.Float64Flag{Name: "repeat-penalty", Usage: "repetition penalty (1.0 = disabled)", Value: 1, Destination: &repeatPenalty},
		&cli.Int64Flag{Name: "sampler-seed", Usage: "sampler seed (0 = time based)", Destination: &samplerSeed},
		&cli.StringFlag{Name: "stop", Usage: "comma separated stop token ids", Destination: &stop},
		&cli.StringFlag{Name: "flight", Usage: "fetch weights from this Flight address instead of generating them", Destination: &flightAddr},
		&cli.Int64Flag{Name: "fetch-parallel", Usage: "concurrent weight fetches", Value: 4, Destination: &fetchParallel},
		&cli.StringFlag{Name: "trace", Usage: "write per-layer activation statistics to this JSON file", Destination: &tracePath},
		&cli.StringFlag{Name: "metrics-addr", Usage: "serve health and metrics on this address while decoding", Destination: &metricsAddr},
	)

	return &cli.Command{
		Name:  "decode",
		Usage: "Generate tokens from a randomly initialized or remotely served model",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log := logger.Log.With("command", "decode")

			var prompts [][]int
			for _, part := range strings.Split(prompt, ";") {
				toks, err := parseTokens(part)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: prompt: %v", err), 1)
				}
				prompts = append(prompts, toks)
			}
			gen := engine.DefaultGenerationConfig()
			gen.TopK = int(topK)
			gen.TopP = float32(topP)
			gen.Temperature = float32(temperature)
			gen.RepeatPenalty = float32(repeatPenalty)
			gen.Seed = samplerSeed
			if stop != "" {
				if gen.StopTokens, err = parseTokens(stop); err != nil {
					return cli.Exit(fmt.Sprintf("error: stop: %v", err), 1)
				}
			}
			n, err := clampSteps(prompts, int(steps), cfg.KVCache.MaxSequenceLen)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			mc := modelConfig()
			if err := mc.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if flightAddr == "" {
				flightAddr = cfg.FlightAddr
			}
			weights, err := loadWeights(ctx, mc, flightAddr, int(fetchParallel))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: weights: %v", err), 1)
			}
			model, err := engine.NewModel(mc, weights)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if tracePath != "" {
				model.Tracer = engine.NewActivationLogger()
				model.Tracer.Enable()
			}

			pool := newPool(cfg)
			defer pool.Close()
			ex, err := executor.NewDefault(cfg, pool)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer ex.Close()

			var hm *monitoring.HealthMonitor
			if metricsAddr != "" {
				hm = monitoring.NewHealthMonitor(ex.DeviceTypes())
				if err := hm.Start(metricsAddr); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				defer stopMonitor(hm)
			}

			unit := cfg.UnitLength(ex.HasDevice(config.DeviceNPU))
			e := engine.NewEngine(ex, model, unit, engine.NewSampler(samplerSeed))

			start := time.Now()
			out, err := e.Infer(ctx, prompts, n, gen)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: decode: %v", err), 1)
			}
			elapsed := time.Since(start)
			total := 0
			for i, toks := range out {
				total += len(toks)
				fmt.Fprintf(cmd.Root().Writer, "seq %d: %s\n", i, joinTokens(toks))
			}
			if hm != nil {
				hm.RecordInference(total, elapsed)
				if model.Tracer.IsEnabled() {
					hm.RecordNonFinite(nonFinite(model.Tracer.Log()))
				}
			}
			log.Info("Decode finished",
				"sequences", len(prompts),
				"tokens", total,
				"elapsed", elapsed,
				"tokens_per_sec", fmt.Sprintf("%.2f", float64(total)/elapsed.Seconds()))

			if cfg.Profile {
				ex.PrintProfiler(cmd.Root().Writer)
			}
			if tracePath != "" {
				if err := model.Tracer.SaveToFile(tracePath); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			return nil
		},
	}
}

func loadWeights(ctx context.Context, mc engine.ModelConfig, addr string, parallel int) (map[string]*tensor.Tensor, error) {
	if addr == "" {
		return engine.RandomWeights(mc, seed), nil
	}
	c, err := tensorflight.Dial(addr)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.FetchWeights(ctx, engine.WeightNames(mc), parallel)
}

// clampSteps bounds the tokens generated per sequence so that no sequence
// grows past limit. A limit of zero disables the check.
func clampSteps(prompts [][]int, steps, limit int) (int, error) {
	if limit <= 0 {
		return steps, nil
	}
	for i, p := range prompts {
		if len(p) >= limit {
			return 0, fmt.Errorf("prompt %d has %d tokens, max_sequence_len is %d", i, len(p), limit)
		}
		steps = min(steps, limit-len(p))
	}
	return steps, nil
}

func nonFinite(log engine.ActivationLog) int {
	n := 0
	for _, st := range log.Steps {
		for _, l := range st.Layers {
			n += l.AttnNaNCount + l.AttnInfCount + l.FFNNaNCount + l.FFNInfCount
		}
	}
	return n
}

func joinTokens(toks []int) string {
	parts := make([]string, len(toks))
	for i, t := range toks {
		parts[i] = fmt.Sprint(t)
	}
	return strings.Join(parts, ",")
}
