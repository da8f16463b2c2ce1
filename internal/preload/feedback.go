package preload

import (
	"math"
	"sync"

	"github.com/navcache/navcache/pkg/types"
)

// FeedbackConfig tunes the adaptive confidence threshold.
type FeedbackConfig struct {
	Initial      float64 `yaml:"initial"`
	Floor        float64 `yaml:"floor"`
	Ceiling      float64 `yaml:"ceiling"`
	Step         float64 `yaml:"step"`
	Window       int     `yaml:"window"`
	MinSamples   int     `yaml:"min_samples"`
	LowAccuracy  float64 `yaml:"low_accuracy"`
	HighAccuracy float64 `yaml:"high_accuracy"`
}

// DefaultFeedbackConfig starts at 0.7 and moves in 0.05 steps within
// [0.5, 0.8] over a 20 outcome window.
func DefaultFeedbackConfig() FeedbackConfig {
	return FeedbackConfig{
		Initial:      0.7,
		Floor:        0.5,
		Ceiling:      0.8,
		Step:         0.05,
		Window:       20,
		MinSamples:   5,
		LowAccuracy:  0.5,
		HighAccuracy: 0.8,
	}
}

func (c *FeedbackConfig) applyDefaults() {
	d := DefaultFeedbackConfig()
	if c.Floor <= 0 {
		c.Floor = d.Floor
	}
	if c.Ceiling <= 0 || c.Ceiling > 1 {
		c.Ceiling = d.Ceiling
	}
	if c.Floor > c.Ceiling {
		c.Floor, c.Ceiling = d.Floor, d.Ceiling
	}
	if c.Initial <= 0 {
		c.Initial = d.Initial
	}
	c.Initial = math.Min(math.Max(c.Initial, c.Floor), c.Ceiling)
	if c.Step <= 0 {
		c.Step = d.Step
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.LowAccuracy <= 0 {
		c.LowAccuracy = d.LowAccuracy
	}
	if c.HighAccuracy <= 0 {
		c.HighAccuracy = d.HighAccuracy
	}
}

// Persisted counter names.
const (
	metricMinConfidence = "minConfidence"
	metricHits          = "hits"
	metricMisses        = "misses"
	metricAccuracy      = "accuracy"
)

// Feedback scores predictions against actual navigations and adapts the
// minimum confidence accordingly. It is safe for concurrent use.
type Feedback struct {
	config FeedbackConfig

	mu            sync.Mutex
	outcomes      []bool
	next          int
	filled        int
	minConfidence float64
	hits          uint64
	misses        uint64
}

// NewFeedback creates a feedback loop at the configured initial threshold.
func NewFeedback(config FeedbackConfig) *Feedback {
	config.applyDefaults()
	return &Feedback{
		config:        config,
		outcomes:      make([]bool, config.Window),
		minConfidence: config.Initial,
	}
}

// Record adds one outcome and reports whether the threshold moved.
func (f *Feedback) Record(hit bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.outcomes[f.next] = hit
	f.next = (f.next + 1) % len(f.outcomes)
	if f.filled < len(f.outcomes) {
		f.filled++
	}
	if hit {
		f.hits++
	} else {
		f.misses++
	}

	if f.filled < f.config.MinSamples {
		return false
	}

	accuracy := f.accuracyLocked()
	prev := f.minConfidence
	switch {
	case accuracy < f.config.LowAccuracy:
		f.minConfidence = math.Min(f.config.Ceiling, f.minConfidence+f.config.Step)
	case accuracy > f.config.HighAccuracy:
		f.minConfidence = math.Max(f.config.Floor, f.minConfidence-f.config.Step)
	}
	f.minConfidence = round2(f.minConfidence)
	return f.minConfidence != prev
}

// MinConfidence returns the current threshold.
func (f *Feedback) MinConfidence() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.minConfidence
}

// Accuracy returns the hit fraction over the rolling window.
func (f *Feedback) Accuracy() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accuracyLocked()
}

// Totals returns lifetime hits and misses.
func (f *Feedback) Totals() (hits, misses uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits, f.misses
}

func (f *Feedback) accuracyLocked() float64 {
	if f.filled == 0 {
		return 0
	}
	n := 0
	for i := 0; i < f.filled; i++ {
		if f.outcomes[i] {
			n++
		}
	}
	return float64(n) / float64(f.filled)
}

// Snapshot returns the persisted counters as [name, value] pairs.
func (f *Feedback) Snapshot() []types.Pair[string, float64] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []types.Pair[string, float64]{
		{Key: metricMinConfidence, Value: f.minConfidence},
		{Key: metricHits, Value: float64(f.hits)},
		{Key: metricMisses, Value: float64(f.misses)},
		{Key: metricAccuracy, Value: f.accuracyLocked()},
	}
}

// Restore loads counters from a snapshot. The rolling window starts empty;
// unknown names are ignored.
func (f *Feedback) Restore(pairs []types.Pair[string, float64]) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range pairs {
		switch p.Key {
		case metricMinConfidence:
			if p.Value >= f.config.Floor && p.Value <= f.config.Ceiling {
				f.minConfidence = round2(p.Value)
			}
		case metricHits:
			if p.Value >= 0 {
				f.hits = uint64(p.Value)
			}
		case metricMisses:
			if p.Value >= 0 {
				f.misses = uint64(p.Value)
			}
		}
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
