package cache

import (
	"time"

	"github.com/navcache/navcache/pkg/types"
)

// Efficiency grades the cache hit rate.
type Efficiency string

const (
	EfficiencyExcellent Efficiency = "excellent"
	EfficiencyGood      Efficiency = "good"
	EfficiencyFair      Efficiency = "fair"
	EfficiencyPoor      Efficiency = "poor"
	EfficiencyUnknown   Efficiency = "unknown"
)

// Report thresholds.
const (
	slowLatency     = 50 * time.Millisecond
	highUtilization = 0.8
)

// PerformanceReport grades cache behaviour and suggests tuning.
type PerformanceReport struct {
	Stats            types.CacheStats `json:"stats"`
	Efficiency       Efficiency       `json:"efficiency"`
	Recommendations  []string         `json:"recommendations"`
	OptimizationTips []string         `json:"optimization_tips"`
}

// PerformanceReport builds a report from the current statistics.
func (s *Store) PerformanceReport() PerformanceReport {
	return BuildReport(s.Stats())
}

// BuildReport grades stats: hit rate of at least 90% is excellent, 80% good,
// 70% fair, anything lower poor.
func BuildReport(stats types.CacheStats) PerformanceReport {
	r := PerformanceReport{
		Stats:            stats,
		Recommendations:  []string{},
		OptimizationTips: []string{},
	}

	switch {
	case stats.Hits+stats.Misses == 0:
		r.Efficiency = EfficiencyUnknown
	case stats.HitRate >= 0.9:
		r.Efficiency = EfficiencyExcellent
	case stats.HitRate >= 0.8:
		r.Efficiency = EfficiencyGood
	case stats.HitRate >= 0.7:
		r.Efficiency = EfficiencyFair
	default:
		r.Efficiency = EfficiencyPoor
	}

	if r.Efficiency == EfficiencyPoor {
		r.Recommendations = append(r.Recommendations,
			"increase entry TTL",
			"add warmup for frequently requested keys")
	}
	if stats.DurableDegraded {
		r.Recommendations = append(r.Recommendations, "check durable backend health")
	}
	if stats.Utilization > highUtilization {
		r.OptimizationTips = append(r.OptimizationTips, "enable compression for large values")
	}
	if stats.RollingAverageLatency > slowLatency {
		r.OptimizationTips = append(r.OptimizationTips, "optimize value serialization")
	}
	return r
}

// latencyWindow keeps the most recent n latencies in a ring.
type latencyWindow struct {
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyWindow(n int) *latencyWindow {
	return &latencyWindow{samples: make([]time.Duration, n)}
}

func (w *latencyWindow) observe(d time.Duration) {
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

func (w *latencyWindow) average() time.Duration {
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range w.samples[:n] {
		total += d
	}
	return total / time.Duration(n)
}
