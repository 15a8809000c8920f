package npu

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-forge/internal/metrics"
)

const (
	startTile   = 4096
	floorTile   = 1024
	ceilingTile = 65536
	tileAlign   = 64
)

// Plan is the tiling of a K×M weight: KRound tiles of KTile rows by MRound
// tiles of MTile columns. The last tile on each axis may be partial.
type Plan struct {
	K, M   int
	KTile  int
	MTile  int
	KRound int
	MRound int
}

// Tiles is the number of inner-product commands per row chunk.
func (p Plan) Tiles() int { return p.KRound * p.MRound }

// KSpan returns the [start, end) output rows covered by k tile i.
func (p Plan) KSpan(i int) (int, int) {
	return i * p.KTile, min((i+1)*p.KTile, p.K)
}

// MSpan returns the [start, end) input columns covered by m tile j.
func (p Plan) MSpan(j int) (int, int) {
	return j * p.MTile, min((j+1)*p.MTile, p.M)
}

type planKey struct {
	k, m int
}

// Planner chooses tile sizes for a fixed core count and memoizes them.
type Planner struct {
	cores int

	mu   sync.RWMutex
	memo map[planKey]Plan
}

func NewPlanner(cores int) *Planner {
	return &Planner{cores: max(cores, 1), memo: make(map[planKey]Plan)}
}

// ConfigureKMRound returns the tiling for a k×m weight. Tiles start at 4096
// and are halved, k first, down to 1024 until there is at least one tile per
// core; tiles are then aligned to 64 where the dimension allows and
// coarsened, m first, while there are more than four tiles per core.
func (p *Planner) ConfigureKMRound(k, m int) (Plan, error) {
	if k < 1 || m < 1 {
		return Plan{}, fmt.Errorf("%w: plan for k=%d m=%d", ErrInvalidDims, k, m)
	}
	key := planKey{k, m}
	p.mu.RLock()
	plan, ok := p.memo[key]
	p.mu.RUnlock()
	metrics.RecordTilePlan(ok)
	if ok {
		return plan, nil
	}

	plan = configure(k, m, p.cores)
	p.mu.Lock()
	p.memo[key] = plan
	p.mu.Unlock()
	return plan, nil
}

func configure(k, m, cores int) Plan {
	kt, mt := min(startTile, k), min(startTile, m)
	rounds := func() int { return ceilDiv(k, kt) * ceilDiv(m, mt) }

split:
	for rounds() < cores {
		switch {
		case kt > floorTile:
			kt = max(kt/2, floorTile)
		case mt > floorTile:
			mt = max(mt/2, floorTile)
		default:
			break split
		}
	}

	kt = alignTile(kt, k)
	mt = alignTile(mt, m)

	for rounds() > 4*cores {
		switch {
		case mt < m && mt < ceilingTile:
			mt = min(mt*2, m, ceilingTile)
		case kt < k && kt < ceilingTile:
			kt = min(kt*2, k, ceilingTile)
		default:
			return newPlan(k, m, kt, mt)
		}
	}
	return newPlan(k, m, kt, mt)
}

func newPlan(k, m, kt, mt int) Plan {
	return Plan{K: k, M: m, KTile: kt, MTile: mt, KRound: ceilDiv(k, kt), MRound: ceilDiv(m, mt)}
}

// alignTile rounds tile up to a multiple of 64 when dim is one.
func alignTile(tile, dim int) int {
	if dim%tileAlign != 0 {
		return tile
	}
	return min(ceilDiv(tile, tileAlign)*tileAlign, dim)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
