package pool

import (
	"math/rand"
	"sort"
)

// orderByStrategy orders candidates according to the configured strategy.
// Callers must hold the pool lock: the round robin strategies advance the
// shared rotation index.
func (p *Pool) orderByStrategy(candidates []*record) []*record {
	if len(candidates) == 0 {
		return candidates
	}

	switch p.cfg.Strategy {
	case StrategyPriority:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].priority < candidates[j].priority
		})

	case StrategyResponseTime:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].avgResponseTime() < candidates[j].avgResponseTime()
		})

	case StrategyRoundRobin:
		p.rrIndex = (p.rrIndex + 1) % len(candidates)
		rotated := make([]*record, 0, len(candidates))
		rotated = append(rotated, candidates[p.rrIndex:]...)
		rotated = append(rotated, candidates[:p.rrIndex]...)
		return rotated

	case StrategyWeightedRoundRobin:
		var weighted []*record
		for _, rec := range candidates {
			for i := 0; i < rec.weight; i++ {
				weighted = append(weighted, rec)
			}
		}
		p.rrIndex = (p.rrIndex + 1) % len(weighted)
		selected := weighted[p.rrIndex]

		ordered := []*record{selected}
		for _, rec := range candidates {
			if rec != selected {
				ordered = append(ordered, rec)
			}
		}
		return ordered

	case StrategyRandom:
		shuffled := make([]*record, len(candidates))
		copy(shuffled, candidates)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		return shuffled
	}

	return candidates
}
