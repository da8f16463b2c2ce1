package preload

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navcache/navcache/internal/cache"
	"github.com/navcache/navcache/internal/navigation"
	"github.com/navcache/navcache/internal/storage"
	"github.com/navcache/navcache/pkg/errors"
	"github.com/navcache/navcache/pkg/types"
)

// dataSource serves one key per route and can hold fetches until released.
type dataSource struct {
	mu      sync.Mutex
	calls   map[string]int
	active  atomic.Int32
	peak    atomic.Int32
	release chan struct{}
}

func newDataSource(blocking bool) *dataSource {
	d := &dataSource{calls: make(map[string]int)}
	if blocking {
		d.release = make(chan struct{})
	}
	return d
}

func keyOf(route string) string { return "data:" + route }

func (d *dataSource) Resolve(route string) []DataRequest {
	return []DataRequest{{Key: keyOf(route), Fetcher: d.fetcher(route)}}
}

func (d *dataSource) fetcher(route string) types.Fetcher {
	return func(ctx context.Context) ([]byte, error) {
		n := d.active.Add(1)
		defer d.active.Add(-1)
		for {
			p := d.peak.Load()
			if n <= p || d.peak.CompareAndSwap(p, n) {
				break
			}
		}

		d.mu.Lock()
		d.calls[route]++
		d.mu.Unlock()

		if d.release != nil {
			select {
			case <-d.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return []byte("payload for " + route), nil
	}
}

func (d *dataSource) count(route string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[route]
}

func newStore(t *testing.T) *cache.Store {
	t.Helper()
	cfg := cache.DefaultConfig()
	cfg.DefaultTTL = time.Hour
	s, err := cache.New(cfg, nil, cache.Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// roleConfig accepts every route listed for role "tester" at high confidence.
func roleConfig(routes ...string) Config {
	cfg := DefaultConfig()
	cfg.Heuristics = Heuristics{Roles: []RoleRule{{Role: "tester", Routes: routes, Confidence: 0.9}}}
	cfg.DispatchRate = 1000
	cfg.DispatchBurst = 100
	return cfg
}

func newOrchestrator(t *testing.T, cfg Config, deps Deps) *Orchestrator {
	t.Helper()
	o, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = o.Dispose(ctx)
	})
	return o
}

func drain(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Drain(ctx))
}

func TestNewRequiresStoreAndResolver(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{Resolver: newDataSource(false)})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))

	_, err = New(DefaultConfig(), Deps{Store: newStore(t)})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func TestFilterMergesRanksAndCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCandidates = 2
	o := newOrchestrator(t, cfg, Deps{Store: newStore(t), Resolver: newDataSource(false)})

	got := o.filter([]types.Prediction{
		{Route: "/a", Confidence: 0.75, Source: types.SourcePattern},
		{Route: "/a", Confidence: 0.95, Source: types.SourceRole},
		{Route: "/current", Confidence: 0.99, Source: types.SourcePattern},
		{Route: "/b", Confidence: 0.65, Source: types.SourceUsage},
		{Route: "/c", Confidence: 0.8, Source: types.SourceTime},
		{Route: "/d", Confidence: 0.72, Source: types.SourceSequence},
		{Route: "", Confidence: 1},
	}, "/current", 0.7)

	require.Len(t, got, 2)
	assert.Equal(t, "/a", got[0].Route)
	assert.Equal(t, types.SourceRole, got[0].Source)
	assert.Equal(t, types.PriorityHigh, got[0].Priority)
	assert.Equal(t, "/c", got[1].Route)
	assert.Equal(t, types.PriorityMedium, got[1].Priority)
}

func TestPriorityFromConfidence(t *testing.T) {
	assert.Equal(t, types.PriorityHigh, priorityFor(0.9))
	assert.Equal(t, types.PriorityMedium, priorityFor(0.7))
	assert.Equal(t, types.PriorityLow, priorityFor(0.69))
}

func TestOnNavigatePreloadsLikelyNextRoute(t *testing.T) {
	tracker := navigation.NewTracker(navigation.DefaultConfig(), navigation.Deps{})
	for i := 0; i < 8; i++ {
		tracker.RecordTransition("/dash", "/list")
	}
	for i := 0; i < 2; i++ {
		tracker.RecordTransition("/dash", "/settings")
	}

	store := newStore(t)
	src := newDataSource(false)
	cfg := DefaultConfig()
	cfg.Heuristics = Heuristics{}
	o := newOrchestrator(t, cfg, Deps{Store: store, Resolver: src, Tracker: tracker})

	accepted := o.OnNavigate(context.Background(), "/login", "/dash", NavContext{})
	require.Len(t, accepted, 1)
	assert.Equal(t, "/list", accepted[0].Route)
	assert.Equal(t, []string{keyOf("/list")}, accepted[0].RequiredDataKeys)
	assert.Equal(t, types.SourcePattern, accepted[0].Source)

	drain(t, o)

	assert.True(t, store.Has(context.Background(), keyOf("/list")))
	assert.False(t, store.Has(context.Background(), keyOf("/settings")))
	assert.Equal(t, 1, src.count("/list"))
	assert.Equal(t, StateIdle, o.State())

	m := o.GetPerformanceMetrics()
	assert.Equal(t, uint64(1), m.Completed)
	assert.Equal(t, uint64(1), m.Cycles)
}

func TestConcurrentPreloadsAreBounded(t *testing.T) {
	routes := []string{"/r1", "/r2", "/r3", "/r4", "/r5"}
	store := newStore(t)
	src := newDataSource(true)
	o := newOrchestrator(t, roleConfig(routes...), Deps{Store: store, Resolver: src})

	accepted := o.OnNavigate(context.Background(), "", "/home", NavContext{Role: "tester"})
	require.Len(t, accepted, 5)

	m := o.GetPerformanceMetrics()
	assert.Equal(t, 3, m.InFlight)
	assert.Equal(t, 2, m.Queued)
	assert.Equal(t, StatePreloading, o.State())

	close(src.release)
	drain(t, o)

	for _, r := range routes {
		assert.True(t, store.Has(context.Background(), keyOf(r)), r)
	}
	assert.LessOrEqual(t, src.peak.Load(), int32(3))
	assert.Equal(t, uint64(5), o.GetPerformanceMetrics().Completed)
}

func TestNewNavigationReplacesQueue(t *testing.T) {
	routes := []string{"/r1", "/r2", "/r3", "/r4", "/r5"}
	store := newStore(t)
	src := newDataSource(true)
	o := newOrchestrator(t, roleConfig(routes...), Deps{Store: store, Resolver: src})

	o.OnNavigate(context.Background(), "", "/home", NavContext{Role: "tester"})
	accepted := o.OnNavigate(context.Background(), "/home", "/elsewhere", NavContext{})
	assert.Empty(t, accepted)

	m := o.GetPerformanceMetrics()
	assert.Equal(t, 0, m.Queued)
	assert.Equal(t, uint64(2), m.Discarded)

	close(src.release)
	drain(t, o)

	// abandoned preloads still land in the cache
	for _, r := range routes[:3] {
		assert.True(t, store.Has(context.Background(), keyOf(r)), r)
	}
	for _, r := range routes[3:] {
		assert.False(t, store.Has(context.Background(), keyOf(r)), r)
		assert.Zero(t, src.count(r))
	}
}

func TestFullyCachedRouteIsSkipped(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Set(context.Background(), keyOf("/r1"), []byte("warm")))
	src := newDataSource(false)
	o := newOrchestrator(t, roleConfig("/r1"), Deps{Store: store, Resolver: src})

	o.OnNavigate(context.Background(), "", "/home", NavContext{Role: "tester"})
	drain(t, o)

	assert.Zero(t, src.count("/r1"))
	assert.Equal(t, uint64(1), o.GetPerformanceMetrics().Cached)
}

func TestPreloadTimeoutIsDiscarded(t *testing.T) {
	store := newStore(t)
	src := newDataSource(true)
	cfg := roleConfig("/slow")
	cfg.PreloadTimeout = 20 * time.Millisecond
	o := newOrchestrator(t, cfg, Deps{Store: store, Resolver: src})

	o.OnNavigate(context.Background(), "", "/home", NavContext{Role: "tester"})
	drain(t, o)

	m := o.GetPerformanceMetrics()
	assert.Equal(t, uint64(1), m.TimedOut)
	assert.Zero(t, m.Completed)
	assert.False(t, store.Has(context.Background(), keyOf("/slow")))
	close(src.release)
}

func TestPreloadOutlivesNavigationContext(t *testing.T) {
	store := newStore(t)
	src := newDataSource(true)
	o := newOrchestrator(t, roleConfig("/r1"), Deps{Store: store, Resolver: src})

	ctx, cancel := context.WithCancel(context.Background())
	o.OnNavigate(ctx, "", "/home", NavContext{Role: "tester"})
	cancel()
	close(src.release)
	drain(t, o)

	assert.True(t, store.Has(context.Background(), keyOf("/r1")))
}

func TestFeedbackScoresOnlyAfterAcceptedCycles(t *testing.T) {
	store := newStore(t)
	o := newOrchestrator(t, roleConfig("/r1"), Deps{Store: store, Resolver: newDataSource(false)})
	ctx := context.Background()

	o.OnNavigate(ctx, "", "/a", NavContext{})
	o.OnNavigate(ctx, "/a", "/b", NavContext{})
	m := o.GetPerformanceMetrics()
	assert.Zero(t, m.Hits+m.Misses)

	o.OnNavigate(ctx, "/b", "/c", NavContext{Role: "tester"})
	drain(t, o)
	o.OnNavigate(ctx, "/c", "/r1", NavContext{})

	m = o.GetPerformanceMetrics()
	assert.Equal(t, uint64(1), m.Hits)
	assert.Zero(t, m.Misses)
	assert.InDelta(t, 1.0, m.PredictionAccuracy, 1e-9)
}

func TestRouteWithoutDataCountsAsHit(t *testing.T) {
	src := newDataSource(false)
	resolver := ResolverFunc(func(route string) []DataRequest {
		if route == "/static" {
			return nil
		}
		return src.Resolve(route)
	})
	o := newOrchestrator(t, roleConfig("/static"), Deps{Store: newStore(t), Resolver: resolver})
	ctx := context.Background()

	o.OnNavigate(ctx, "", "/home", NavContext{Role: "tester"})
	drain(t, o)
	o.OnNavigate(ctx, "/home", "/static", NavContext{})

	m := o.GetPerformanceMetrics()
	assert.Equal(t, uint64(1), m.Hits)
	assert.Zero(t, m.Misses)
	assert.Zero(t, m.Completed)
}

func TestRepeatedMissesRaiseThreshold(t *testing.T) {
	store := newStore(t)
	o := newOrchestrator(t, roleConfig("/never"), Deps{Store: store, Resolver: newDataSource(false)})
	ctx := context.Background()

	o.OnNavigate(ctx, "", "/p0", NavContext{Role: "tester"})
	for i := 1; i <= 5; i++ {
		drain(t, o)
		o.OnNavigate(ctx, "", "/p"+string(rune('0'+i)), NavContext{Role: "tester"})
	}

	assert.Equal(t, 0.75, o.MinConfidence())
}

func TestWarmupLoadsCriticalRoutes(t *testing.T) {
	store := newStore(t)
	src := newDataSource(false)
	o := newOrchestrator(t, DefaultConfig(), Deps{Store: store, Resolver: src})

	res := o.Warmup(context.Background(), "/a", "/b", "/c")
	assert.Equal(t, 3, res.Loaded)
	assert.Empty(t, res.Failed)

	res = o.Warmup(context.Background(), "/a")
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, src.count("/a"))
}

func TestLifecycle(t *testing.T) {
	o, err := New(DefaultConfig(), Deps{Store: newStore(t), Resolver: newDataSource(false)})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, o.Init(ctx))
	assert.True(t, errors.HasCode(o.Init(ctx), errors.ErrCodeAlreadyStarted))

	require.NoError(t, o.Dispose(ctx))
	require.NoError(t, o.Dispose(ctx))
	assert.Nil(t, o.OnNavigate(ctx, "/a", "/b", NavContext{Role: "admin"}))
	assert.True(t, errors.HasCode(o.Init(ctx), errors.ErrCodeComponentStopped))
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	kv := storage.NewMemoryKV(0)
	ctx := context.Background()

	tracker := navigation.NewTracker(navigation.DefaultConfig(), navigation.Deps{})
	first := newOrchestrator(t, roleConfig("/never"), Deps{
		Store: newStore(t), Resolver: newDataSource(false), Tracker: tracker, KV: kv,
	})
	require.NoError(t, first.Init(ctx))
	first.OnNavigate(ctx, "/dash", "/list", NavContext{Role: "tester"})
	for i := 0; i < 5; i++ {
		drain(t, first)
		first.OnNavigate(ctx, "/list", "/dash", NavContext{Role: "tester"})
	}
	require.NoError(t, first.Save(ctx))

	restored := navigation.NewTracker(navigation.DefaultConfig(), navigation.Deps{})
	second := newOrchestrator(t, DefaultConfig(), Deps{
		Store: newStore(t), Resolver: newDataSource(false), Tracker: restored, KV: kv,
	})
	require.NoError(t, second.Init(ctx))

	assert.Equal(t, tracker.EdgeCount(), restored.EdgeCount())
	assert.Equal(t, first.MinConfidence(), second.MinConfidence())
	hits, misses := second.feedback.Totals()
	assert.Zero(t, hits)
	assert.Equal(t, uint64(5), misses)
}

func TestCorruptStateIsDiscarded(t *testing.T) {
	kv := storage.NewMemoryKV(0)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, PatternsKey, []byte("{not json")))
	require.NoError(t, kv.Set(ctx, MetricsKey, []byte(`[["minConfidence"`)))

	tracker := navigation.NewTracker(navigation.DefaultConfig(), navigation.Deps{})
	o := newOrchestrator(t, DefaultConfig(), Deps{
		Store: newStore(t), Resolver: newDataSource(false), Tracker: tracker, KV: kv,
	})
	require.NoError(t, o.Init(ctx))

	assert.Zero(t, tracker.EdgeCount())
	assert.Equal(t, 0.7, o.MinConfidence())
	_, err := kv.Get(ctx, PatternsKey)
	assert.True(t, errors.HasCode(err, errors.ErrCodeKeyNotFound))
}

func TestColdStartWithoutPersistedState(t *testing.T) {
	tracker := navigation.NewTracker(navigation.DefaultConfig(), navigation.Deps{})
	o := newOrchestrator(t, DefaultConfig(), Deps{
		Store: newStore(t), Resolver: newDataSource(false), Tracker: tracker, KV: storage.NewMemoryKV(0),
	})
	require.NoError(t, o.Init(context.Background()))
	assert.Zero(t, tracker.EdgeCount())
	assert.Equal(t, StateIdle, o.State())
}
