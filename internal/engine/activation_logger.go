package engine

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-forge/internal/logger"
	"github.com/23skdu/longbow-forge/internal/tensor"
)

// ActivationLog stores per-layer activation statistics of forward passes.
type ActivationLog struct {
	Steps []StepLog `json:"steps"`
}

type StepLog struct {
	Tokens      []int              `json:"tokens"`
	Layers      []LayerLog         `json:"layers"`
	FinalLogits map[string]float32 `json:"final_logits,omitempty"`
}

// LayerLog captures the residual-stream updates of one layer.
type LayerLog struct {
	Idx          int       `json:"idx"`
	AttnOutMax   float32   `json:"attn_out_max"`
	FFNOutMax    float32   `json:"ffn_out_max"`
	AttnSample   []float32 `json:"attn_sample"`
	AttnNaNCount int       `json:"attn_nan_count"`
	AttnInfCount int       `json:"attn_inf_count"`
	FFNNaNCount  int       `json:"ffn_nan_count"`
	FFNInfCount  int       `json:"ffn_inf_count"`
}

// ActivationLogger records statistics when enabled. A nil logger records
// nothing.
type ActivationLogger struct {
	mu      sync.Mutex
	enabled bool
	log     ActivationLog
	watch   []int
}

func NewActivationLogger() *ActivationLogger {
	return &ActivationLogger{}
}

// Enable starts recording; the final logits of the watch tokens are kept.
func (al *ActivationLogger) Enable(watch ...int) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.enabled = true
	al.watch = append([]int(nil), watch...)
}

func (al *ActivationLogger) IsEnabled() bool {
	if al == nil {
		return false
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.enabled
}

func (al *ActivationLogger) beginStep(tokens []int) {
	if !al.IsEnabled() {
		return
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	al.log.Steps = append(al.log.Steps, StepLog{Tokens: append([]int(nil), tokens...)})
}

func (al *ActivationLogger) current() *StepLog {
	if len(al.log.Steps) == 0 {
		al.log.Steps = append(al.log.Steps, StepLog{})
	}
	return &al.log.Steps[len(al.log.Steps)-1]
}

// logLayer reads attn and ffn back to the host; tensors the host cannot
// address are skipped.
func (al *ActivationLogger) logLayer(idx int, attn, ffn *tensor.Tensor) {
	if !al.IsEnabled() {
		return
	}
	layer := LayerLog{Idx: idx}
	if data, err := attn.Float32Values(); err == nil {
		layer.AttnOutMax = maxAbs(data)
		layer.AttnSample = sample(data, 10)
		layer.AttnNaNCount, layer.AttnInfCount = countNaNInf(data)
	}
	if data, err := ffn.Float32Values(); err == nil {
		layer.FFNOutMax = maxAbs(data)
		layer.FFNNaNCount, layer.FFNInfCount = countNaNInf(data)
	}
	if layer.AttnNaNCount+layer.AttnInfCount+layer.FFNNaNCount+layer.FFNInfCount > 0 {
		logger.Log.Warn("Non-finite activations", "layer", idx,
			"attn_nan", layer.AttnNaNCount, "attn_inf", layer.AttnInfCount,
			"ffn_nan", layer.FFNNaNCount, "ffn_inf", layer.FFNInfCount)
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	step := al.current()
	step.Layers = append(step.Layers, layer)
}

func (al *ActivationLogger) logLogits(logits [][]float32) {
	if !al.IsEnabled() {
		return
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	if len(al.watch) == 0 {
		return
	}
	step := al.current()
	step.FinalLogits = make(map[string]float32)
	for seq, row := range logits {
		for _, tid := range al.watch {
			if tid >= 0 && tid < len(row) {
				step.FinalLogits[strconv.Itoa(seq)+":"+strconv.Itoa(tid)] = row[tid]
			}
		}
	}
}

// Log returns a copy of what has been recorded.
func (al *ActivationLogger) Log() ActivationLog {
	al.mu.Lock()
	defer al.mu.Unlock()
	return ActivationLog{Steps: append([]StepLog(nil), al.log.Steps...)}
}

// SaveToFile writes the activation log to a JSON file.
func (al *ActivationLogger) SaveToFile(filename string) error {
	if !al.IsEnabled() {
		return fmt.Errorf("no activation log to save")
	}
	data, err := json.MarshalIndent(al.Log(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal activation log: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write activation log: %w", err)
	}
	logger.Log.Info("Activation log saved", "path", filename)
	return nil
}

func sample(data []float32, n int) []float32 {
	return append([]float32(nil), data[:min(n, len(data))]...)
}

func maxAbs(data []float32) float32 {
	var m float32
	for _, v := range data {
		if a := float32(math.Abs(float64(v))); a > m {
			m = a
		}
	}
	return m
}

func countNaNInf(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nanCount++
		} else if math.IsInf(float64(v), 0) {
			infCount++
		}
	}
	return nanCount, infCount
}
