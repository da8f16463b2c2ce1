// Package navigation tracks observed route-to-route transitions as a
// weighted directed graph with normalized outgoing probabilities.
package navigation

import (
	"sort"
	"sync"
	"time"

	"github.com/navcache/navcache/pkg/types"
	"github.com/navcache/navcache/pkg/utils"
)

// Config represents tracker configuration
type Config struct {
	// Retention drops edges not observed within this window on Prune.
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig keeps edges for seven days.
func DefaultConfig() Config {
	return Config{Retention: 7 * 24 * time.Hour}
}

// Deps carries the collaborators of a Tracker.
type Deps struct {
	Logger  *utils.StructuredLogger
	Clock   types.Clock
	Metrics types.MetricsRecorder
}

// Tracker owns the navigation graph. It is safe for concurrent use.
type Tracker struct {
	config  Config
	logger  *utils.StructuredLogger
	clock   types.Clock
	metrics types.MetricsRecorder

	mu    sync.RWMutex
	edges map[string]map[string]*types.NavigationEdge
	count int
}

// NewTracker creates an empty tracker.
func NewTracker(config Config, deps Deps) *Tracker {
	if config.Retention <= 0 {
		config.Retention = DefaultConfig().Retention
	}
	if deps.Logger == nil {
		deps.Logger = utils.NewDiscardLogger()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = types.NopMetrics{}
	}
	return &Tracker{
		config:  config,
		logger:  deps.Logger.WithComponent("navigation"),
		clock:   deps.Clock,
		metrics: deps.Metrics,
		edges:   make(map[string]map[string]*types.NavigationEdge),
	}
}

// RecordTransition counts one navigation from -> to and renormalizes the
// outgoing edges of from. Empty routes and self-transitions are ignored; the
// return value reports whether the transition was recorded.
func (t *Tracker) RecordTransition(from, to string) bool {
	if from == "" || to == "" || from == to {
		return false
	}
	now := t.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	out, ok := t.edges[from]
	if !ok {
		out = make(map[string]*types.NavigationEdge)
		t.edges[from] = out
	}
	edge, ok := out[to]
	if !ok {
		edge = &types.NavigationEdge{From: from, To: to}
		out[to] = edge
		t.count++
		t.metrics.SetEdgeCount(t.count)
	}
	edge.Count++
	edge.LastObservedAt = now
	normalize(out)

	t.logger.Trace("recorded transition", map[string]interface{}{
		"from":  from,
		"to":    to,
		"count": edge.Count,
	})
	return true
}

// TopTransitions returns up to n outgoing edges of from ordered by
// probability, most recent observation first among ties. n <= 0 returns all.
func (t *Tracker) TopTransitions(from string, n int) []types.NavigationEdge {
	t.mu.RLock()
	out := make([]types.NavigationEdge, 0, len(t.edges[from]))
	for _, e := range t.edges[from] {
		out = append(out, *e)
	}
	t.mu.RUnlock()

	sortEdges(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Prune drops edges last observed before now minus the retention window and
// renormalizes the survivors. It returns the number of edges removed.
func (t *Tracker) Prune(now time.Time) int {
	cutoff := now.Add(-t.config.Retention)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for from, out := range t.edges {
		changed := false
		for to, e := range out {
			if e.LastObservedAt.Before(cutoff) {
				delete(out, to)
				removed++
				changed = true
			}
		}
		if len(out) == 0 {
			delete(t.edges, from)
			continue
		}
		if changed {
			normalize(out)
		}
	}

	if removed > 0 {
		t.count -= removed
		t.metrics.SetEdgeCount(t.count)
		t.logger.Debug("pruned stale transitions", map[string]interface{}{
			"removed":   removed,
			"remaining": t.count,
		})
	}
	return removed
}

// EdgeCount returns the number of distinct edges.
func (t *Tracker) EdgeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Routes returns every route with outgoing edges, sorted.
func (t *Tracker) Routes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	routes := make([]string, 0, len(t.edges))
	for from := range t.edges {
		routes = append(routes, from)
	}
	sort.Strings(routes)
	return routes
}

// Snapshot returns the graph as [from, edges] pairs sorted by source route.
func (t *Tracker) Snapshot() []types.Pair[string, []types.NavigationEdge] {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := make([]types.Pair[string, []types.NavigationEdge], 0, len(t.edges))
	for from, out := range t.edges {
		edges := make([]types.NavigationEdge, 0, len(out))
		for _, e := range out {
			edges = append(edges, *e)
		}
		sortEdges(edges)
		snap = append(snap, types.Pair[string, []types.NavigationEdge]{Key: from, Value: edges})
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].Key < snap[j].Key })
	return snap
}

// Restore replaces the graph with snap. Invalid edges are skipped and
// probabilities are recomputed from counts. It returns the number of edges
// loaded.
func (t *Tracker) Restore(snap []types.Pair[string, []types.NavigationEdge]) int {
	edges := make(map[string]map[string]*types.NavigationEdge, len(snap))
	count := 0
	for _, p := range snap {
		from := p.Key
		for _, e := range p.Value {
			if from == "" || e.To == "" || e.To == from || e.Count < 1 {
				continue
			}
			out, ok := edges[from]
			if !ok {
				out = make(map[string]*types.NavigationEdge)
				edges[from] = out
			}
			if existing, ok := out[e.To]; ok {
				existing.Count += e.Count
				if e.LastObservedAt.After(existing.LastObservedAt) {
					existing.LastObservedAt = e.LastObservedAt
				}
				continue
			}
			out[e.To] = &types.NavigationEdge{
				From:           from,
				To:             e.To,
				Count:          e.Count,
				LastObservedAt: e.LastObservedAt,
			}
			count++
		}
	}
	for _, out := range edges {
		normalize(out)
	}

	t.mu.Lock()
	t.edges = edges
	t.count = count
	t.mu.Unlock()

	t.metrics.SetEdgeCount(count)
	return count
}

func normalize(out map[string]*types.NavigationEdge) {
	var total int64
	for _, e := range out {
		total += e.Count
	}
	if total == 0 {
		return
	}
	for _, e := range out {
		e.Probability = float64(e.Count) / float64(total)
	}
}

func sortEdges(edges []types.NavigationEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Probability != edges[j].Probability {
			return edges[i].Probability > edges[j].Probability
		}
		if !edges[i].LastObservedAt.Equal(edges[j].LastObservedAt) {
			return edges[i].LastObservedAt.After(edges[j].LastObservedAt)
		}
		return edges[i].To < edges[j].To
	})
}
