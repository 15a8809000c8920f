package main

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-forge/internal/config"
	"github.com/23skdu/longbow-forge/internal/engine"
	"github.com/23skdu/longbow-forge/internal/logger"
	"github.com/23skdu/longbow-forge/internal/threadpool"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	devices    string
	profile    bool

	vocab, hidden, heads, layers, ffn int64
	int8Weights                       bool
	seed                              int64
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to a YAML config file",
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "override the configured log level (debug, info, warn, error)",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "override the configured log format (console, json)",
			Destination: &logFormat,
		},
		&cli.StringFlag{
			Name:        "devices",
			Usage:       "comma separated device priority, e.g. npu,cpu",
			Destination: &devices,
		},
		&cli.BoolFlag{
			Name:        "profile",
			Usage:       "collect per-op timings and print them on exit",
			Destination: &profile,
		},
	}
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{Name: "vocab", Usage: "vocabulary size", Value: 256, Destination: &vocab},
		&cli.Int64Flag{Name: "hidden", Usage: "hidden size", Value: 128, Destination: &hidden},
		&cli.Int64Flag{Name: "heads", Usage: "attention heads", Value: 4, Destination: &heads},
		&cli.Int64Flag{Name: "layers", Usage: "decoder layers", Value: 2, Destination: &layers},
		&cli.Int64Flag{Name: "ffn", Usage: "feed-forward size", Value: 256, Destination: &ffn},
		&cli.BoolFlag{Name: "int8", Usage: "quantize projection weights to int8", Destination: &int8Weights},
		&cli.Int64Flag{Name: "seed", Usage: "seed for random weights", Value: 1, Destination: &seed},
	}
}

func modelConfig() engine.ModelConfig {
	return engine.ModelConfig{
		Vocab:  int(vocab),
		Hidden: int(hidden),
		Heads:  int(heads),
		Layers: int(layers),
		FFN:    int(ffn),
		Int8:   int8Weights,
	}
}

// loadConfig reads the config file, applies flag overrides and sets up
// logging.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return cfg, err
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if devices != "" {
		cfg.DevicePriority = splitList(devices)
	}
	if profile {
		cfg.Profile = true
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func newPool(cfg config.Config) *threadpool.Pool {
	workers := cfg.Threads
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return threadpool.New(workers, workers*4)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseTokens reads a comma separated list of token ids.
func parseTokens(s string) ([]int, error) {
	parts := splitList(s)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty token list %q", s)
	}
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid token %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}
