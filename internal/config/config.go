package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Device type names as they appear in DevicePriority and SetFirstDevice prefixes.
const (
	DeviceCPU  = "cpu"
	DeviceNPU  = "npu"
	DeviceCUDA = "cuda"
)

type NPUConfig struct {
	Enabled    bool  `yaml:"enabled"`
	Cores      int   `yaml:"cores"`
	QueueDepth int   `yaml:"queue_depth"`
	MemoryMB   int64 `yaml:"memory_mb"`
	FP16       bool  `yaml:"fp16"`
}

type KVCacheConfig struct {
	UnitLength     int `yaml:"unit_length"`
	NPUUnitLength  int `yaml:"npu_unit_length"`
	MaxSequenceLen int `yaml:"max_sequence_len"`
}

type Config struct {
	// DevicePriority is the dispatch order tried by the executor.
	DevicePriority []string `yaml:"device_priority"`
	// FirstDevice, when set, is passed to SetFirstDevice (e.g. "cuda:0,1").
	FirstDevice string `yaml:"first_device"`

	Threads int           `yaml:"threads"`
	NPU     NPUConfig     `yaml:"npu"`
	KVCache KVCacheConfig `yaml:"kv_cache"`

	Profile bool `yaml:"profile"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
	FlightAddr  string `yaml:"flight_addr"`
}

func (c *Config) Validate() error {
	if len(c.DevicePriority) == 0 {
		return fmt.Errorf("invalid device_priority: empty")
	}
	seen := make(map[string]bool, len(c.DevicePriority))
	for _, d := range c.DevicePriority {
		name := strings.ToLower(d)
		switch name {
		case DeviceCPU, DeviceNPU, DeviceCUDA:
		default:
			return fmt.Errorf("invalid device_priority entry %q (expected cpu, npu or cuda)", d)
		}
		if seen[name] {
			return fmt.Errorf("duplicate device_priority entry %q", d)
		}
		seen[name] = true
	}
	if !seen[DeviceCPU] {
		return fmt.Errorf("invalid device_priority: cpu must be present")
	}
	if c.Threads < 0 {
		return fmt.Errorf("invalid threads: %d (must be non-negative)", c.Threads)
	}
	if c.NPU.Enabled {
		if c.NPU.Cores <= 0 {
			return fmt.Errorf("invalid npu.cores: %d (must be positive)", c.NPU.Cores)
		}
		if c.NPU.QueueDepth <= 0 {
			return fmt.Errorf("invalid npu.queue_depth: %d (must be positive)", c.NPU.QueueDepth)
		}
		if c.NPU.MemoryMB <= 0 {
			return fmt.Errorf("invalid npu.memory_mb: %d (must be positive)", c.NPU.MemoryMB)
		}
	}
	if c.KVCache.UnitLength <= 0 {
		return fmt.Errorf("invalid kv_cache.unit_length: %d (must be positive)", c.KVCache.UnitLength)
	}
	if c.KVCache.NPUUnitLength <= 0 {
		return fmt.Errorf("invalid kv_cache.npu_unit_length: %d (must be positive)", c.KVCache.NPUUnitLength)
	}
	if c.KVCache.MaxSequenceLen < 0 {
		return fmt.Errorf("invalid kv_cache.max_sequence_len: %d (must be non-negative)", c.KVCache.MaxSequenceLen)
	}
	return nil
}

// UnitLength returns the KV-cache growth granularity for the active path.
func (c *Config) UnitLength(acceleratorActive bool) int {
	if acceleratorActive {
		return c.KVCache.NPUUnitLength
	}
	return c.KVCache.UnitLength
}

func Default() Config {
	return Config{
		DevicePriority: []string{DeviceCUDA, DeviceNPU, DeviceCPU},
		NPU: NPUConfig{
			Enabled:    true,
			Cores:      4,
			QueueDepth: 8,
			MemoryMB:   2048,
			FP16:       false,
		},
		KVCache: KVCacheConfig{
			UnitLength:    64,
			NPUUnitLength: 128,
		},
		LogLevel:    "info",
		LogFormat:   "console",
		MetricsAddr: ":9090",
	}
}

// Load reads a YAML file on top of Default() and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
