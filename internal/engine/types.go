package engine

import (
	"errors"

	"github.com/23skdu/longbow-forge/internal/device"
)

var (
	ErrNoSampler    = errors.New("engine: sampling config needs a sampler")
	ErrEmptyLogits  = errors.New("engine: empty logits")
	ErrCacheShape   = errors.New("engine: kv slice does not match cache")
	ErrSequenceSpan = errors.New("engine: sequence lengths do not cover the batch")
)

// Runner dispatches one op. *executor.Executor satisfies it.
type Runner interface {
	Run(opType string, datas device.Datas, floats device.FloatDict, ints device.IntDict) error
}

// GenerationConfig holds the sampling knobs and the output length limit.
type GenerationConfig struct {
	// OutputTokenLimit stops generation after this many tokens; <= 0 means
	// no limit.
	OutputTokenLimit int     `json:"output_token_limit" yaml:"output_token_limit"`
	LastN            int     `json:"last_n" yaml:"last_n"`
	RepeatPenalty    float32 `json:"repeat_penalty" yaml:"repeat_penalty"`
	TopK             int     `json:"top_k" yaml:"top_k"`
	TopP             float32 `json:"top_p" yaml:"top_p"`
	Temperature      float32 `json:"temperature" yaml:"temperature"`
	Seed             int64   `json:"seed" yaml:"seed"`
	StopTokens       []int   `json:"stop_tokens" yaml:"stop_tokens"`
}

func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		OutputTokenLimit: -1,
		LastN:            64,
		RepeatPenalty:    1,
		TopK:             1,
		TopP:             1,
		Temperature:      1,
	}
}

// IsSimpleGreedy is true when the next token is always the arg-max.
func (c GenerationConfig) IsSimpleGreedy() bool {
	return c.TopK <= 1 && (c.RepeatPenalty == 1 || c.RepeatPenalty == 0)
}

func (c GenerationConfig) isStop(token int) bool {
	for _, s := range c.StopTokens {
		if s == token {
			return true
		}
	}
	return false
}

// TokenHistory is the window of the last N tokens of one sequence, with
// per-token counts for repeat penalties.
type TokenHistory struct {
	size   int
	tokens []int
	counts map[int]int
}

func NewTokenHistory(size int) *TokenHistory {
	return &TokenHistory{size: size, counts: make(map[int]int)}
}

// Push appends token, evicting the oldest entry once the window is full.
func (h *TokenHistory) Push(token int) {
	if h.size <= 0 {
		return
	}
	if len(h.tokens) == h.size {
		old := h.tokens[0]
		h.tokens = h.tokens[1:]
		if h.counts[old]--; h.counts[old] == 0 {
			delete(h.counts, old)
		}
	}
	h.tokens = append(h.tokens, token)
	h.counts[token]++
}

func (h *TokenHistory) Count(token int) int { return h.counts[token] }

func (h *TokenHistory) Len() int { return len(h.tokens) }

// Tokens returns the window, oldest first.
func (h *TokenHistory) Tokens() []int {
	return append([]int(nil), h.tokens...)
}

// Distinct calls fn once per token in the window.
func (h *TokenHistory) Distinct(fn func(token, count int)) {
	for tok, n := range h.counts {
		fn(tok, n)
	}
}
