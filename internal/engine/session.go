package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-forge/internal/metrics"
)

// Session is one generation run over a fixed set of sequences. It owns a
// KV cache per (sequence, layer) and a token history per sequence.
type Session struct {
	ID      uuid.UUID
	Config  GenerationConfig
	Created time.Time

	caches    [][]*KVCache
	histories []*TokenHistory
	generated []int
	done      []bool
	closeOnce sync.Once
}

func NewSession(sequences, layers, unit int, cfg GenerationConfig) *Session {
	s := &Session{
		ID:        uuid.New(),
		Config:    cfg,
		Created:   time.Now(),
		caches:    make([][]*KVCache, sequences),
		histories: make([]*TokenHistory, sequences),
		generated: make([]int, sequences),
		done:      make([]bool, sequences),
	}
	for i := range s.caches {
		s.caches[i] = make([]*KVCache, layers)
		for l := range s.caches[i] {
			s.caches[i][l] = NewKVCache(fmt.Sprintf("seq%d.layer%d", i, l), unit)
		}
		s.histories[i] = NewTokenHistory(cfg.LastN)
	}
	metrics.ActiveSessions.Inc()
	return s
}

func (s *Session) Sequences() int { return len(s.caches) }

func (s *Session) Cache(seq, layer int) *KVCache { return s.caches[seq][layer] }

// LayerCaches returns the caches of layer for the given sequences, in order.
func (s *Session) LayerCaches(seqs []int, layer int) []*KVCache {
	out := make([]*KVCache, len(seqs))
	for i, seq := range seqs {
		out[i] = s.caches[seq][layer]
	}
	return out
}

func (s *Session) History(seq int) *TokenHistory { return s.histories[seq] }

// Observe records prompt tokens in the history without counting them as
// generated.
func (s *Session) Observe(seq int, tokens []int) {
	for _, t := range tokens {
		s.histories[seq].Push(t)
	}
}

// Accept records a generated token and reports whether seq is finished,
// either by a stop token or by the output limit.
func (s *Session) Accept(seq, token int) bool {
	s.histories[seq].Push(token)
	s.generated[seq]++
	metrics.RecordTokens(1)
	if s.Config.isStop(token) || (s.Config.OutputTokenLimit > 0 && s.generated[seq] >= s.Config.OutputTokenLimit) {
		s.done[seq] = true
	}
	return s.done[seq]
}

func (s *Session) Done(seq int) bool { return s.done[seq] }

func (s *Session) Generated(seq int) int { return s.generated[seq] }

// Active lists the sequences still generating.
func (s *Session) Active() []int {
	var out []int
	for i, d := range s.done {
		if !d {
			out = append(out, i)
		}
	}
	return out
}

// Close frees every cache.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		for _, layers := range s.caches {
			for _, c := range layers {
				c.Free()
			}
		}
		metrics.ActiveSessions.Dec()
	})
}
