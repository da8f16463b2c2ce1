// Package sequence predicts the next route of a session by matching its
// recent routes against windows of every recorded session history.
package sequence

import (
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/navcache/navcache/pkg/types"
	"github.com/navcache/navcache/pkg/utils"
)

// Config represents predictor configuration
type Config struct {
	// SimilarityFloor is the similarity a window must exceed to count.
	SimilarityFloor float64 `yaml:"similarity_floor"`

	// MinObservations is the session length required before predicting.
	MinObservations int `yaml:"min_observations"`

	// WindowSize is the recent sequence length used when none is given.
	WindowSize int `yaml:"window_size"`

	// MaxHistory caps the samples kept per session.
	MaxHistory int `yaml:"max_history"`

	// Retention drops samples older than this on Prune.
	Retention time.Duration `yaml:"retention"`

	// MaxResults caps PredictNext output.
	MaxResults int `yaml:"max_results"`
}

// DefaultConfig returns a 0.6 similarity floor over 3-route windows.
func DefaultConfig() Config {
	return Config{
		SimilarityFloor: 0.6,
		MinObservations: 3,
		WindowSize:      3,
		MaxHistory:      200,
		Retention:       30 * 24 * time.Hour,
		MaxResults:      5,
	}
}

// Match is an aggregated prediction for one follower route.
type Match struct {
	Route      string  `json:"route"`
	Similarity float64 `json:"similarity"`
	Matches    int     `json:"matches"`
	Confidence float64 `json:"confidence"`
}

// Usage counts visits to a route within a time-of-day bucket.
type Usage struct {
	Route string  `json:"route"`
	Count int     `json:"count"`
	Share float64 `json:"share"`
}

// Deps carries the collaborators of a Predictor.
type Deps struct {
	Logger *utils.StructuredLogger
	Clock  types.Clock
}

// Predictor owns per-session behaviour samples. It is safe for concurrent use.
type Predictor struct {
	config Config
	logger *utils.StructuredLogger
	clock  types.Clock

	mu       sync.RWMutex
	sessions map[string][]types.BehaviorSample
}

// NewPredictor creates an empty predictor.
func NewPredictor(config Config, deps Deps) *Predictor {
	defaults := DefaultConfig()
	if config.SimilarityFloor <= 0 || config.SimilarityFloor >= 1 {
		config.SimilarityFloor = defaults.SimilarityFloor
	}
	if config.MinObservations <= 0 {
		config.MinObservations = defaults.MinObservations
	}
	if config.WindowSize <= 0 {
		config.WindowSize = defaults.WindowSize
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = defaults.MaxHistory
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.MaxResults <= 0 {
		config.MaxResults = defaults.MaxResults
	}
	if deps.Logger == nil {
		deps.Logger = utils.NewDiscardLogger()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Predictor{
		config:   config,
		logger:   deps.Logger.WithComponent("sequence"),
		clock:    deps.Clock,
		sessions: make(map[string][]types.BehaviorSample),
	}
}

// NewSessionID returns a fresh lexically sortable session identifier.
func NewSessionID() string {
	return ulid.Make().String()
}

// Record appends a sample to its session history.
func (p *Predictor) Record(sample types.BehaviorSample) {
	if sample.SessionID == "" || sample.Route == "" {
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = p.clock()
		sample.HourOfDay = sample.Timestamp.Hour()
		sample.DayOfWeek = sample.Timestamp.Weekday()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	history := append(p.sessions[sample.SessionID], sample)
	if len(history) > p.config.MaxHistory {
		history = history[len(history)-p.config.MaxHistory:]
	}
	p.sessions[sample.SessionID] = history
}

// Observations returns the number of samples held for a session.
func (p *Predictor) Observations(sessionID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions[sessionID])
}

// Recent returns the last n routes of a session, oldest first.
func (p *Predictor) Recent(sessionID string, n int) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return tail(p.sessions[sessionID], n)
}

// PredictNext returns likely next routes for a session. recent defaults to
// the session's last WindowSize routes. Sessions with fewer than
// MinObservations samples yield no matches.
func (p *Predictor) PredictNext(sessionID string, recent []string) []Match {
	p.mu.RLock()
	defer p.mu.RUnlock()

	observed := len(p.sessions[sessionID])
	if observed < p.config.MinObservations {
		p.logger.Trace("prediction data insufficient", map[string]interface{}{
			"session":      sessionID,
			"observations": observed,
		})
		return nil
	}
	if len(recent) == 0 {
		recent = tail(p.sessions[sessionID], p.config.WindowSize)
	}
	width := len(recent)
	if width == 0 {
		return nil
	}

	type agg struct {
		sum   float64
		count int
	}
	byRoute := make(map[string]*agg)
	total := 0

	for _, history := range p.sessions {
		for i := 0; i+width < len(history); i++ {
			sim := similarity(recent, history[i:i+width])
			if sim <= p.config.SimilarityFloor {
				continue
			}
			follower := history[i+width].Route
			a, ok := byRoute[follower]
			if !ok {
				a = &agg{}
				byRoute[follower] = a
			}
			a.sum += sim
			a.count++
			total++
		}
	}
	if total == 0 {
		return nil
	}

	matches := make([]Match, 0, len(byRoute))
	for route, a := range byRoute {
		mean := a.sum / float64(a.count)
		matches = append(matches, Match{
			Route:      route,
			Similarity: mean,
			Matches:    a.count,
			Confidence: mean * float64(a.count) / float64(total),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Route < matches[j].Route
	})
	if len(matches) > p.config.MaxResults {
		matches = matches[:p.config.MaxResults]
	}
	return matches
}

// PopularAt ranks routes visited at hour on day across all sessions. When the
// weekday bucket is thinner than MinObservations the hour alone is used.
func (p *Predictor) PopularAt(hour int, day time.Weekday, limit int) []Usage {
	p.mu.RLock()
	defer p.mu.RUnlock()

	exact := make(map[string]int)
	hourly := make(map[string]int)
	var exactTotal, hourlyTotal int
	for _, history := range p.sessions {
		for _, s := range history {
			if s.HourOfDay != hour {
				continue
			}
			hourly[s.Route]++
			hourlyTotal++
			if s.DayOfWeek == day {
				exact[s.Route]++
				exactTotal++
			}
		}
	}

	counts, total := exact, exactTotal
	if exactTotal < p.config.MinObservations {
		counts, total = hourly, hourlyTotal
	}
	if total == 0 {
		return nil
	}

	out := make([]Usage, 0, len(counts))
	for route, n := range counts {
		out = append(out, Usage{Route: route, Count: n, Share: float64(n) / float64(total)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Route < out[j].Route
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Prune drops samples older than the retention window and returns how many
// were removed.
func (p *Predictor) Prune(now time.Time) int {
	cutoff := now.Add(-p.config.Retention)

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, history := range p.sessions {
		keep := history[:0]
		for _, s := range history {
			if s.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			keep = append(keep, s)
		}
		if len(keep) == 0 {
			delete(p.sessions, id)
			continue
		}
		p.sessions[id] = keep
	}
	if removed > 0 {
		p.logger.Debug("pruned behaviour samples", map[string]interface{}{
			"removed":  removed,
			"sessions": len(p.sessions),
		})
	}
	return removed
}

// Sessions returns the number of sessions with samples.
func (p *Predictor) Sessions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

func similarity(recent []string, window []types.BehaviorSample) float64 {
	same := 0
	for i := range recent {
		if recent[i] == window[i].Route {
			same++
		}
	}
	return float64(same) / float64(len(recent))
}

func tail(history []types.BehaviorSample, n int) []string {
	if n <= 0 || len(history) == 0 {
		return nil
	}
	if n > len(history) {
		n = len(history)
	}
	out := make([]string, 0, n)
	for _, s := range history[len(history)-n:] {
		out = append(out, s.Route)
	}
	return out
}
