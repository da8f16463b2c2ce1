package sequence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navcache/navcache/pkg/types"
)

var monday9 = time.Date(2025, 4, 7, 9, 0, 0, 0, time.UTC)

func record(p *Predictor, session string, start time.Time, routes ...string) {
	for i, r := range routes {
		p.Record(types.NewBehaviorSample(session, r, start.Add(time.Duration(i)*time.Minute), types.DeviceDesktop, "teacher"))
	}
}

func TestColdStartReturnsEmpty(t *testing.T) {
	p := NewPredictor(DefaultConfig(), Deps{})
	record(p, "history", monday9, "/a", "/b", "/c", "/d")

	for n := 0; n < 3; n++ {
		session := "fresh"
		if n > 0 {
			record(p, session, monday9, "/a")
		}
		assert.Empty(t, p.PredictNext(session, nil), "observations=%d", p.Observations(session))
	}
	assert.Empty(t, p.PredictNext("unknown", []string{"/a", "/b", "/c"}))
}

func TestPredictNextAggregatesFollowers(t *testing.T) {
	p := NewPredictor(DefaultConfig(), Deps{})
	record(p, "s1", monday9, "/login", "/dash", "/list", "/detail")
	record(p, "s2", monday9, "/login", "/dash", "/list", "/detail")
	record(p, "s3", monday9, "/login", "/dash", "/list", "/export")
	record(p, "cur", monday9, "/login", "/dash", "/list")

	matches := p.PredictNext("cur", nil)
	require.NotEmpty(t, matches)

	byRoute := map[string]Match{}
	for _, m := range matches {
		byRoute[m.Route] = m
	}

	detail := byRoute["/detail"]
	assert.Equal(t, 2, detail.Matches)
	assert.InDelta(t, 1.0, detail.Similarity, 1e-9)
	assert.InDelta(t, 2.0/3.0, detail.Confidence, 1e-9)

	export := byRoute["/export"]
	assert.Equal(t, 1, export.Matches)
	assert.InDelta(t, 1.0/3.0, export.Confidence, 1e-9)

	assert.Equal(t, "/detail", matches[0].Route)
}

func TestSimilarityFloorIsStrict(t *testing.T) {
	cfg := DefaultConfig()
	p := NewPredictor(cfg, Deps{})
	// five-route windows: 3 of 5 positions match gives exactly 0.6
	record(p, "h", monday9, "/a", "/b", "/c", "/x", "/y", "/next")
	record(p, "cur", monday9, "/a", "/b", "/c")

	assert.Empty(t, p.PredictNext("cur", []string{"/a", "/b", "/c", "/q", "/r"}))

	matches := p.PredictNext("cur", []string{"/a", "/b", "/c", "/x", "/r"})
	require.Len(t, matches, 1)
	assert.Equal(t, "/next", matches[0].Route)
	assert.InDelta(t, 0.8, matches[0].Similarity, 1e-9)
}

func TestRecentAndHistoryCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistory = 3
	p := NewPredictor(cfg, Deps{})
	record(p, "s", monday9, "/1", "/2", "/3", "/4", "/5")

	assert.Equal(t, 3, p.Observations("s"))
	assert.Equal(t, []string{"/4", "/5"}, p.Recent("s", 2))
	assert.Equal(t, []string{"/3", "/4", "/5"}, p.Recent("s", 10))
	assert.Nil(t, p.Recent("missing", 2))
}

func TestRecordIgnoresIncompleteSamples(t *testing.T) {
	p := NewPredictor(DefaultConfig(), Deps{})
	p.Record(types.BehaviorSample{Route: "/a"})
	p.Record(types.BehaviorSample{SessionID: "s"})
	assert.Equal(t, 0, p.Sessions())
}

func TestPopularAt(t *testing.T) {
	p := NewPredictor(DefaultConfig(), Deps{})
	record(p, "s1", monday9, "/reports", "/reports", "/inbox")
	record(p, "s2", monday9, "/reports", "/calendar")
	record(p, "s3", monday9.Add(5*time.Hour), "/settings", "/settings")

	top := p.PopularAt(9, time.Monday, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "/reports", top[0].Route)
	assert.Equal(t, 3, top[0].Count)
	assert.InDelta(t, 0.6, top[0].Share, 1e-9)

	// no Tuesday samples: falls back to the hour bucket
	fallback := p.PopularAt(9, time.Tuesday, 1)
	require.Len(t, fallback, 1)
	assert.Equal(t, "/reports", fallback[0].Route)

	assert.Empty(t, p.PopularAt(3, time.Monday, 5))
}

func TestPruneDropsOldSamples(t *testing.T) {
	p := NewPredictor(DefaultConfig(), Deps{})
	record(p, "old", monday9, "/a", "/b")
	record(p, "new", monday9.Add(40*24*time.Hour), "/c")

	removed := p.Prune(monday9.Add(41 * 24 * time.Hour))

	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, p.Sessions())
	assert.Equal(t, 0, p.Observations("old"))
}

func TestNewSessionIDIsUnique(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
}
