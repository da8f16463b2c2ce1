package preload

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navcache/navcache/pkg/types"
)

func TestFiveMissesRaiseThresholdOneStep(t *testing.T) {
	f := NewFeedback(DefaultFeedbackConfig())

	for i := 0; i < 4; i++ {
		assert.False(t, f.Record(false))
	}
	assert.Equal(t, 0.7, f.MinConfidence())

	assert.True(t, f.Record(false))
	assert.Equal(t, 0.75, f.MinConfidence())
}

func TestThresholdStaysWithinBounds(t *testing.T) {
	f := NewFeedback(DefaultFeedbackConfig())
	for i := 0; i < 40; i++ {
		f.Record(false)
	}
	assert.Equal(t, 0.8, f.MinConfidence())

	g := NewFeedback(DefaultFeedbackConfig())
	for i := 0; i < 40; i++ {
		g.Record(true)
	}
	assert.Equal(t, 0.5, g.MinConfidence())
}

func TestMiddlingAccuracyHoldsThreshold(t *testing.T) {
	f := NewFeedback(DefaultFeedbackConfig())
	for i := 0; i < 10; i++ {
		f.Record(i%3 != 0)
	}
	assert.InDelta(t, 0.6, f.Accuracy(), 1e-9)
	assert.Equal(t, 0.7, f.MinConfidence())
}

func TestAccuracyUsesRollingWindow(t *testing.T) {
	cfg := DefaultFeedbackConfig()
	cfg.Window = 4
	f := NewFeedback(cfg)
	for i := 0; i < 4; i++ {
		f.Record(false)
	}
	for i := 0; i < 4; i++ {
		f.Record(true)
	}
	assert.InDelta(t, 1.0, f.Accuracy(), 1e-9)

	hits, misses := f.Totals()
	assert.Equal(t, uint64(4), hits)
	assert.Equal(t, uint64(4), misses)
}

func TestFeedbackSnapshotRestore(t *testing.T) {
	f := NewFeedback(DefaultFeedbackConfig())
	for i := 0; i < 5; i++ {
		f.Record(false)
	}
	f.Record(true)

	raw, err := json.Marshal(f.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `["minConfidence",0.8]`)

	var pairs []types.Pair[string, float64]
	require.NoError(t, json.Unmarshal(raw, &pairs))

	g := NewFeedback(DefaultFeedbackConfig())
	g.Restore(pairs)
	assert.Equal(t, f.MinConfidence(), g.MinConfidence())
	hits, misses := g.Totals()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(5), misses)
	assert.Zero(t, g.Accuracy())
}

func TestRestoreIgnoresOutOfRangeThreshold(t *testing.T) {
	f := NewFeedback(DefaultFeedbackConfig())
	f.Restore([]types.Pair[string, float64]{
		{Key: "minConfidence", Value: 0.95},
		{Key: "misses", Value: -1},
		{Key: "unknown", Value: 3},
	})
	assert.Equal(t, 0.7, f.MinConfidence())
	_, misses := f.Totals()
	assert.Zero(t, misses)
}

func TestHeuristicsByRole(t *testing.T) {
	h := DefaultHeuristics()

	got := h.byRole("teacher")
	require.Len(t, got, 2)
	assert.Equal(t, "/classes", got[0].Route)
	assert.Equal(t, types.SourceRole, got[0].Source)

	assert.Empty(t, h.byRole(""))
	assert.Empty(t, h.byRole("visitor"))
}

func TestHeuristicsByTime(t *testing.T) {
	h := DefaultHeuristics()
	monday9 := time.Date(2025, 4, 7, 9, 30, 0, 0, time.UTC)

	got := h.byTime(monday9)
	require.Len(t, got, 1)
	assert.Equal(t, "/schedule/week", got[0].Route)
	assert.Equal(t, 0.85, got[0].Confidence)

	assert.Empty(t, h.byTime(monday9.Add(24*time.Hour)))

	// 17:00 Friday matches both the daily and the Friday rule
	friday17 := time.Date(2025, 4, 11, 17, 0, 0, 0, time.UTC)
	routes := map[string]bool{}
	for _, p := range h.byTime(friday17) {
		routes[p.Route] = true
		assert.Equal(t, types.SourceTime, p.Source)
	}
	assert.Equal(t, map[string]bool{"/schedule/tomorrow": true, "/reports/weekly": true}, routes)
}
