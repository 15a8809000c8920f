// Package engine holds the decoding side of inference: growable KV caches,
// batched attention, generation sessions and token selection.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-forge/internal/logger"
)

// Engine decodes batches of prompts with one model on one runner.
type Engine struct {
	runner  Runner
	model   *Model
	unit    int
	sampler Sampler
	log     *logger.Logger
}

// NewEngine binds a model to a runner. unit is the KV cache growth step;
// sampler may be nil when only greedy decoding is used.
func NewEngine(r Runner, m *Model, unit int, sampler Sampler) *Engine {
	return &Engine{
		runner:  r,
		model:   m,
		unit:    unit,
		sampler: sampler,
		log:     logger.Log.With("component", "engine"),
	}
}

func (e *Engine) Model() *Model { return e.model }

func (e *Engine) NewSession(sequences int, cfg GenerationConfig) *Session {
	return NewSession(sequences, len(e.model.Layers), e.unit, cfg)
}

// Infer generates up to maxNew tokens for each prompt. All prompts go
// through the model together; a sequence stops on a stop token or the
// config's output limit. ctx is checked between steps.
func (e *Engine) Infer(ctx context.Context, prompts [][]int, maxNew int, cfg GenerationConfig) ([][]int, error) {
	s := e.NewSession(len(prompts), cfg)
	defer s.Close()

	out := make([][]int, len(prompts))
	steps := make([]Step, 0, len(prompts))
	for i, p := range prompts {
		if len(p) == 0 {
			return nil, fmt.Errorf("%w: prompt %d is empty", ErrSequenceSpan, i)
		}
		s.Observe(i, p)
		steps = append(steps, Step{Seq: i, Tokens: p})
	}

	start := time.Now()
	var first time.Duration
	for gen := 0; gen < maxNew && len(steps) > 0; gen++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		logits, err := e.model.Forward(e.runner, s, steps)
		if err != nil {
			return out, err
		}
		if gen == 0 {
			first = time.Since(start)
		}

		next := steps[:0]
		for i, st := range steps {
			tok, err := SelectToken(logits[i], cfg, s.History(st.Seq), e.sampler)
			if err != nil {
				return out, err
			}
			out[st.Seq] = append(out[st.Seq], tok)
			if !s.Accept(st.Seq, tok) {
				next = append(next, Step{Seq: st.Seq, Tokens: []int{tok}})
			}
		}
		steps = next
	}

	e.log.Debug("Inference finished",
		"session", s.ID.String(),
		"sequences", len(prompts),
		"time_to_first_token", first,
		"elapsed", time.Since(start))
	return out, nil
}
