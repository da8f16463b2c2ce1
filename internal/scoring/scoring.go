// Package scoring computes retention scores for cache entries and plans
// capacity-driven evictions. Everything here is pure.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/navcache/navcache/pkg/types"
)

// Params holds the tunable constants of the scoring formula.
type Params struct {
	// Weights maps a priority tag to its multiplier.
	Weights map[types.Priority]float64 `yaml:"weights"`

	// FreshnessWindow is the idle time after which freshness reaches zero.
	FreshnessWindow time.Duration `yaml:"freshness_window"`

	// MinAge floors the entry age used for access frequency.
	MinAge time.Duration `yaml:"min_age"`
}

// DefaultParams returns weights low=1 medium=2 high=3 critical=4, a 24h
// freshness window and a 6 minute minimum age.
func DefaultParams() Params {
	return Params{
		Weights: map[types.Priority]float64{
			types.PriorityLow:      1,
			types.PriorityMedium:   2,
			types.PriorityHigh:     3,
			types.PriorityCritical: 4,
		},
		FreshnessWindow: 24 * time.Hour,
		MinAge:          6 * time.Minute,
	}
}

func (p Params) weight(priority types.Priority) float64 {
	if w, ok := p.Weights[priority]; ok {
		return w
	}
	return DefaultParams().Weights[priority]
}

// Score returns priorityWeight × accessFrequency × freshness. Lower scores are
// evicted first.
func Score(entry *types.CacheEntry, now time.Time, p Params) float64 {
	ageHours := math.Max(now.Sub(entry.CreatedAt).Hours(), p.MinAge.Hours())
	if ageHours <= 0 {
		ageHours = 0.1
	}
	frequency := float64(entry.AccessCount) / ageHours

	freshness := 1.0
	if window := p.FreshnessWindow.Hours(); window > 0 {
		idle := math.Max(now.Sub(entry.LastAccessAt).Hours(), 0)
		freshness = math.Max(0, 1-idle/window)
	}

	return p.weight(entry.Priority) * frequency * freshness
}

type candidate struct {
	key      string
	score    float64
	size     int64
	sequence uint64
}

// rank scores every non-critical entry and orders them lowest score first,
// oldest insertion first among equal scores.
func rank(entries []*types.CacheEntry, now time.Time, p Params) []candidate {
	out := make([]candidate, 0, len(entries))
	for _, e := range entries {
		if e.Priority == types.PriorityCritical {
			continue
		}
		out = append(out, candidate{
			key:      e.Key,
			score:    Score(e, now, p),
			size:     e.SizeBytes,
			sequence: e.Sequence,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		return out[i].sequence < out[j].sequence
	})
	return out
}

// PlanEviction returns the keys to evict, lowest score first, until at least
// targetFreeBytes would be freed. Critical entries are never planned. The plan
// may free less than requested when the evictable entries run out.
func PlanEviction(entries []*types.CacheEntry, targetFreeBytes int64, now time.Time, p Params) []string {
	keys, _ := plan(rank(entries, now, p), targetFreeBytes, math.Inf(1))
	return keys
}

// PlanEvictionBelow is PlanEviction restricted to entries scoring at most
// ceiling. It reports whether the target is reachable; when it is not the
// returned plan is nil.
func PlanEvictionBelow(entries []*types.CacheEntry, targetFreeBytes int64, ceiling float64, now time.Time, p Params) ([]string, bool) {
	keys, ok := plan(rank(entries, now, p), targetFreeBytes, ceiling)
	if !ok {
		return nil, false
	}
	return keys, true
}

func plan(ranked []candidate, target int64, ceiling float64) ([]string, bool) {
	if target <= 0 {
		return nil, true
	}
	var (
		keys  []string
		freed int64
	)
	for _, c := range ranked {
		if freed >= target {
			break
		}
		if c.score > ceiling {
			break
		}
		keys = append(keys, c.key)
		freed += c.size
	}
	return keys, freed >= target
}
