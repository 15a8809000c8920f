package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/23skdu/longbow-forge/internal/logger"
)

// Sampler picks the next token from logits when the config is not plain
// greedy. Implementations may modify logits.
type Sampler interface {
	Sample(logits []float32, cfg GenerationConfig, history *TokenHistory) (int, error)
}

// SelectToken hands off to sampler unless the config is simple greedy.
func SelectToken(logits []float32, cfg GenerationConfig, history *TokenHistory, sampler Sampler) (int, error) {
	if len(logits) == 0 {
		return 0, ErrEmptyLogits
	}
	if cfg.IsSimpleGreedy() {
		return argMax(logits), nil
	}
	if sampler == nil {
		return 0, ErrNoSampler
	}
	return sampler.Sample(logits, cfg, history)
}

// RandomSampler applies repeat penalty, temperature, top-k then top-p and
// draws from what is left.
type RandomSampler struct {
	rng *rand.Rand
}

func NewSampler(seed int64) *RandomSampler {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomSampler{rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomSampler) Sample(logits []float32, cfg GenerationConfig, history *TokenHistory) (int, error) {
	if len(logits) == 0 {
		return 0, ErrEmptyLogits
	}
	if !validLogits(logits) {
		return firstValidToken(logits), nil
	}
	if cfg.RepeatPenalty > 0 && cfg.RepeatPenalty != 1 && history != nil {
		applyRepeatPenalty(logits, history, cfg.RepeatPenalty)
	}
	if cfg.Temperature <= 0 {
		return argMax(logits), nil
	}

	probs := softmaxWithTemperature(logits, float64(cfg.Temperature))
	candidates := make([]tokenProb, 0, len(probs))
	for i, p := range probs {
		if p > 1e-10 {
			candidates = append(candidates, tokenProb{id: i, prob: p})
		}
	}
	if len(candidates) == 0 {
		return argMax(logits), nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})
	candidates = applyTopK(candidates, cfg.TopK)
	candidates = applyTopP(candidates, float64(cfg.TopP))
	return s.draw(candidates), nil
}

func (s *RandomSampler) draw(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}
	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[0].id
}

type tokenProb struct {
	id   int
	prob float64
}

func validLogits(logits []float32) bool {
	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func firstValidToken(logits []float32) int {
	for i, v := range logits {
		if !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0) {
			return i
		}
	}
	return 0
}

func softmaxWithTemperature(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	maxVal := math.Inf(-1)
	for i, v := range logits {
		probs[i] = float64(v) / temperature
		maxVal = math.Max(maxVal, probs[i])
	}
	sum := 0.0
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// applyRepeatPenalty scales each token seen in the window once, regardless
// of how often it occurred.
func applyRepeatPenalty(logits []float32, history *TokenHistory, penalty float32) {
	history.Distinct(func(id, _ int) {
		if id < 0 || id >= len(logits) {
			return
		}
		if logits[id] > 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	})
}

func argMax(logits []float32) int {
	maxIdx := -1
	var maxVal float32
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		if maxIdx < 0 || v > maxVal {
			maxVal, maxIdx = v, i
		}
	}
	if maxIdx < 0 {
		logger.Log.Warn("argMax: all logits are NaN, returning index 0")
		return 0
	}
	return maxIdx
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP keeps the smallest prefix whose mass reaches p.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}
	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			return candidates[:i+1]
		}
	}
	return candidates
}
