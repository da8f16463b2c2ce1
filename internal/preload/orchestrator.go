// Package preload turns navigation events into background cache warmups.
//
// Each navigation gathers candidate routes from the transition graph, the
// sequence predictor, role and time rules and usage statistics, filters them
// against an adaptive confidence threshold and materializes the survivors'
// data through the cache store on a bounded set of goroutines.
package preload

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/navcache/navcache/internal/cache"
	"github.com/navcache/navcache/internal/navigation"
	"github.com/navcache/navcache/internal/sequence"
	"github.com/navcache/navcache/pkg/errors"
	"github.com/navcache/navcache/pkg/types"
	"github.com/navcache/navcache/pkg/utils"
)

// State is the orchestrator's position in a navigation cycle.
type State int

const (
	StateIdle State = iota
	StateGathering
	StateFiltering
	StatePreloading
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGathering:
		return "gathering"
	case StateFiltering:
		return "filtering"
	case StatePreloading:
		return "preloading"
	default:
		return "unknown"
	}
}

// Preload outcomes reported to the metrics recorder.
const (
	OutcomeCompleted = "completed"
	OutcomeCached    = "cached"
	OutcomeTimeout   = "timeout"
	OutcomeFailed    = "failed"
	OutcomeEmpty     = "empty"
)

// DataRequest is one cache key a route needs.
type DataRequest struct {
	Key     string
	Fetcher types.Fetcher
	Options []cache.Option
}

// RouteResolver maps a route to the data it renders.
type RouteResolver interface {
	Resolve(route string) []DataRequest
}

// ResolverFunc adapts a function to RouteResolver.
type ResolverFunc func(route string) []DataRequest

// Resolve calls f.
func (f ResolverFunc) Resolve(route string) []DataRequest { return f(route) }

// NavContext describes who navigated and when.
type NavContext struct {
	SessionID string
	Role      string
	Device    types.DeviceClass
	// Time defaults to the orchestrator clock.
	Time time.Time
}

// Config represents orchestrator configuration
type Config struct {
	MaxCandidates         int           `yaml:"max_candidates"`
	MaxConcurrentPreloads int           `yaml:"max_concurrent_preloads"`
	PreloadTimeout        time.Duration `yaml:"preload_timeout"`
	DispatchRate          float64       `yaml:"dispatch_rate"`
	DispatchBurst         int           `yaml:"dispatch_burst"`
	PatternFanout         int           `yaml:"pattern_fanout"`
	UsageFanout           int           `yaml:"usage_fanout"`
	// PreloadedRetention is how long a finished preload counts as a hit.
	PreloadedRetention time.Duration  `yaml:"preloaded_retention"`
	Heuristics         Heuristics     `yaml:"heuristics"`
	Feedback           FeedbackConfig `yaml:"feedback"`
}

// DefaultConfig returns three preload slots and five candidates per cycle.
func DefaultConfig() Config {
	return Config{
		MaxCandidates:         5,
		MaxConcurrentPreloads: 3,
		PreloadTimeout:        5 * time.Second,
		DispatchRate:          10,
		DispatchBurst:         3,
		PatternFanout:         3,
		UsageFanout:           3,
		PreloadedRetention:    10 * time.Minute,
		Heuristics:            DefaultHeuristics(),
		Feedback:              DefaultFeedbackConfig(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = d.MaxCandidates
	}
	if c.MaxConcurrentPreloads <= 0 {
		c.MaxConcurrentPreloads = d.MaxConcurrentPreloads
	}
	if c.PreloadTimeout <= 0 {
		c.PreloadTimeout = d.PreloadTimeout
	}
	if c.DispatchRate <= 0 {
		c.DispatchRate = d.DispatchRate
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = d.DispatchBurst
	}
	if c.PatternFanout <= 0 {
		c.PatternFanout = d.PatternFanout
	}
	if c.UsageFanout <= 0 {
		c.UsageFanout = d.UsageFanout
	}
	if c.PreloadedRetention <= 0 {
		c.PreloadedRetention = d.PreloadedRetention
	}
}

// Deps carries the collaborators of an Orchestrator. Store and Resolver are
// required; the rest are optional.
type Deps struct {
	Store     *cache.Store
	Resolver  RouteResolver
	Tracker   *navigation.Tracker
	Predictor *sequence.Predictor
	// KV persists patterns and feedback counters across restarts.
	KV      types.KVStore
	Logger  *utils.StructuredLogger
	Clock   types.Clock
	Metrics types.MetricsRecorder
}

// PerformanceMetrics summarizes prediction quality and preload work.
type PerformanceMetrics struct {
	PredictionAccuracy float64       `json:"prediction_accuracy"`
	CacheHitRate       float64       `json:"cache_hit_rate"`
	AverageLoadTime    time.Duration `json:"average_load_time"`
	MinConfidence      float64       `json:"min_confidence"`
	Hits               uint64        `json:"hits"`
	Misses             uint64        `json:"misses"`
	Cycles             uint64        `json:"cycles"`
	Accepted           uint64        `json:"accepted"`
	Started            uint64        `json:"started"`
	Completed          uint64        `json:"completed"`
	Cached             uint64        `json:"cached"`
	TimedOut           uint64        `json:"timed_out"`
	Failed             uint64        `json:"failed"`
	Discarded          uint64        `json:"discarded"`
	InFlight           int           `json:"in_flight"`
	Queued             int           `json:"queued"`
}

type preloadStats struct {
	cycles    uint64
	accepted  uint64
	started   uint64
	completed uint64
	cached    uint64
	timedOut  uint64
	failed    uint64
	discarded uint64
	loadTotal time.Duration
	loads     uint64
}

// Orchestrator runs the gather, filter and preload cycle. It is safe for
// concurrent use.
type Orchestrator struct {
	config    Config
	store     *cache.Store
	resolver  RouteResolver
	tracker   *navigation.Tracker
	predictor *sequence.Predictor
	kv        types.KVStore
	logger    *utils.StructuredLogger
	clock     types.Clock
	metrics   types.MetricsRecorder
	feedback  *Feedback
	sem       *semaphore.Weighted
	limiter   *rate.Limiter

	// preloads outlive the navigation that queued them
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu           sync.Mutex
	state        State
	queue        []types.Prediction
	inFlight     map[string]struct{}
	preloaded    map[string]time.Time
	lastAccepted bool
	initialized  bool
	disposed     bool
	stats        preloadStats
}

// New creates an orchestrator.
func New(config Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "preload requires a cache store").
			WithComponent("preload")
	}
	if deps.Resolver == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "preload requires a route resolver").
			WithComponent("preload")
	}
	config.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = utils.NewDiscardLogger()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = types.NopMetrics{}
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		config:    config,
		store:     deps.Store,
		resolver:  deps.Resolver,
		tracker:   deps.Tracker,
		predictor: deps.Predictor,
		kv:        deps.KV,
		logger:    deps.Logger.WithComponent("preload"),
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		feedback:  NewFeedback(config.Feedback),
		sem:       semaphore.NewWeighted(int64(config.MaxConcurrentPreloads)),
		limiter:   rate.NewLimiter(rate.Limit(config.DispatchRate), config.DispatchBurst),
		baseCtx:   baseCtx,
		cancel:    cancel,
		inFlight:  make(map[string]struct{}),
		preloaded: make(map[string]time.Time),
	}
	o.metrics.SetMinConfidence(o.feedback.MinConfidence())
	return o, nil
}

// Init restores persisted patterns and feedback counters. Missing state is a
// cold start.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return errors.NewError(errors.ErrCodeComponentStopped, "preload orchestrator disposed").
			WithComponent("preload").WithOperation("init")
	}
	if o.initialized {
		o.mu.Unlock()
		return errors.NewError(errors.ErrCodeAlreadyStarted, "preload orchestrator already initialized").
			WithComponent("preload").WithOperation("init")
	}
	o.initialized = true
	o.mu.Unlock()

	o.load(ctx)
	o.metrics.SetMinConfidence(o.feedback.MinConfidence())
	return nil
}

// Dispose stops accepting navigations, waits for running preloads until ctx
// ends and persists state.
func (o *Orchestrator) Dispose(ctx context.Context) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return nil
	}
	o.disposed = true
	o.stats.discarded += uint64(len(o.queue))
	o.queue = nil
	o.mu.Unlock()

	drainErr := o.Drain(ctx)
	o.cancel()
	if err := o.Save(ctx); err != nil {
		return err
	}
	return drainErr
}

// OnNavigate records a navigation from one route to another and schedules
// preloads for the routes likely to follow. It returns the accepted
// candidates in dispatch order.
func (o *Orchestrator) OnNavigate(ctx context.Context, from, to string, nav NavContext) []types.Prediction {
	if to == "" {
		return nil
	}
	now := nav.Time
	if now.IsZero() {
		now = o.clock()
	}

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return nil
	}
	scored := o.lastAccepted
	_, inFlight := o.inFlight[to]
	doneAt, preloaded := o.preloaded[to]
	hit := inFlight || (preloaded && now.Sub(doneAt) <= o.config.PreloadedRetention)
	o.state = StateGathering
	o.stats.cycles++
	o.mu.Unlock()

	if scored {
		o.score(hit)
	}

	if o.tracker != nil {
		o.tracker.RecordTransition(from, to)
		o.metrics.SetEdgeCount(o.tracker.EdgeCount())
	}
	if o.predictor != nil && nav.SessionID != "" {
		o.predictor.Record(types.NewBehaviorSample(nav.SessionID, to, now, nav.Device, nav.Role))
	}

	candidates := o.gather(to, nav, now)

	o.setState(StateFiltering)
	accepted := o.filter(candidates, to, o.feedback.MinConfidence())
	o.annotate(accepted)

	o.mu.Lock()
	o.expirePreloadedLocked(now)
	o.stats.discarded += uint64(len(o.queue))
	o.queue = append([]types.Prediction(nil), accepted...)
	o.lastAccepted = len(accepted) > 0
	o.stats.accepted += uint64(len(accepted))
	o.mu.Unlock()

	o.logger.Debug("navigation processed", map[string]interface{}{
		"from":       from,
		"to":         to,
		"candidates": len(candidates),
		"accepted":   len(accepted),
	})

	o.pump()
	return accepted
}

func (o *Orchestrator) score(hit bool) {
	o.metrics.RecordPrediction(hit)
	if o.feedback.Record(hit) {
		minConf := o.feedback.MinConfidence()
		o.metrics.SetMinConfidence(minConf)
		o.logger.Info("confidence threshold adjusted", map[string]interface{}{
			"min_confidence": minConf,
			"accuracy":       o.feedback.Accuracy(),
		})
	}
}

func (o *Orchestrator) gather(current string, nav NavContext, now time.Time) []types.Prediction {
	var out []types.Prediction

	if o.tracker != nil {
		for _, e := range o.tracker.TopTransitions(current, o.config.PatternFanout) {
			out = append(out, types.Prediction{Route: e.To, Confidence: e.Probability, Source: types.SourcePattern})
		}
	}
	if o.predictor != nil {
		if nav.SessionID != "" {
			for _, m := range o.predictor.PredictNext(nav.SessionID, nil) {
				out = append(out, types.Prediction{Route: m.Route, Confidence: m.Confidence, Source: types.SourceSequence})
			}
		}
		for _, u := range o.predictor.PopularAt(now.Hour(), now.Weekday(), o.config.UsageFanout) {
			out = append(out, types.Prediction{Route: u.Route, Confidence: u.Share, Source: types.SourceUsage})
		}
	}
	out = append(out, o.config.Heuristics.byRole(nav.Role)...)
	out = append(out, o.config.Heuristics.byTime(now)...)
	return out
}

// filter merges duplicate routes keeping the highest confidence, drops the
// current route and anything under minConfidence, ranks the rest and caps
// the result.
func (o *Orchestrator) filter(candidates []types.Prediction, current string, minConfidence float64) []types.Prediction {
	best := make(map[string]types.Prediction, len(candidates))
	for _, c := range candidates {
		if c.Route == "" || c.Route == current {
			continue
		}
		if prev, ok := best[c.Route]; ok && prev.Confidence >= c.Confidence {
			continue
		}
		best[c.Route] = c
	}

	out := make([]types.Prediction, 0, len(best))
	for _, c := range best {
		if c.Confidence < minConfidence {
			continue
		}
		c.Priority = priorityFor(c.Confidence)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Route < out[j].Route
	})
	if len(out) > o.config.MaxCandidates {
		out = out[:o.config.MaxCandidates]
	}
	return out
}

func priorityFor(confidence float64) types.Priority {
	switch {
	case confidence >= 0.9:
		return types.PriorityHigh
	case confidence >= 0.7:
		return types.PriorityMedium
	default:
		return types.PriorityLow
	}
}

func (o *Orchestrator) annotate(preds []types.Prediction) {
	expected := o.averageLoadTime().Milliseconds()
	for i := range preds {
		preds[i].ExpectedLatencyMs = expected
		reqs := o.resolver.Resolve(preds[i].Route)
		keys := make([]string, 0, len(reqs))
		for _, r := range reqs {
			keys = append(keys, r.Key)
		}
		preds[i].RequiredDataKeys = keys
	}
}

// pump dispatches queued candidates while preload slots are free.
func (o *Orchestrator) pump() {
	for {
		o.mu.Lock()
		if o.disposed || len(o.queue) == 0 {
			o.settleLocked()
			o.mu.Unlock()
			return
		}
		next := o.queue[0]
		if _, busy := o.inFlight[next.Route]; busy {
			o.queue = o.queue[1:]
			o.mu.Unlock()
			continue
		}
		if !o.sem.TryAcquire(1) {
			o.state = StatePreloading
			o.mu.Unlock()
			return
		}
		o.queue = o.queue[1:]
		o.inFlight[next.Route] = struct{}{}
		o.state = StatePreloading
		o.stats.started++
		o.metrics.SetInFlightPreloads(len(o.inFlight))
		o.wg.Add(1)
		o.mu.Unlock()

		go o.run(next)
	}
}

func (o *Orchestrator) run(p types.Prediction) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(o.baseCtx, o.config.PreloadTimeout)
	start := o.clock()
	outcome := o.materialize(ctx, p)
	cancel()
	elapsed := o.clock().Sub(start)
	o.sem.Release(1)

	o.mu.Lock()
	delete(o.inFlight, p.Route)
	switch outcome {
	case OutcomeCompleted:
		o.stats.completed++
		o.stats.loadTotal += elapsed
		o.stats.loads++
		o.preloaded[p.Route] = o.clock()
	case OutcomeCached:
		o.stats.cached++
		o.preloaded[p.Route] = o.clock()
	case OutcomeEmpty:
		// Nothing to load still counts as ready.
		o.preloaded[p.Route] = o.clock()
	case OutcomeTimeout:
		o.stats.timedOut++
	case OutcomeFailed:
		o.stats.failed++
	}
	o.metrics.SetInFlightPreloads(len(o.inFlight))
	o.mu.Unlock()

	o.metrics.RecordPreload(outcome)
	o.pump()
}

func (o *Orchestrator) materialize(ctx context.Context, p types.Prediction) string {
	reqs := o.resolver.Resolve(p.Route)
	if len(reqs) == 0 {
		return OutcomeEmpty
	}

	missing := reqs[:0:0]
	for _, r := range reqs {
		if !o.store.Has(ctx, r.Key) {
			missing = append(missing, r)
		}
	}
	if len(missing) == 0 {
		return OutcomeCached
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return OutcomeTimeout
	}

	outcome := OutcomeCompleted
	for _, r := range missing {
		opts := append([]cache.Option{
			cache.WithPriority(p.Priority),
			cache.WithTimeout(o.config.PreloadTimeout),
		}, r.Options...)
		if _, err := o.store.Get(ctx, r.Key, r.Fetcher, opts...); err != nil {
			fields := map[string]interface{}{
				"route": p.Route,
				"key":   r.Key,
				"error": err.Error(),
			}
			if errors.HasCode(err, errors.ErrCodeFetchTimeout) || errors.HasCode(err, errors.ErrCodeOperationCanceled) {
				o.logger.Debug("preload timed out", fields)
				return OutcomeTimeout
			}
			o.logger.Warn("preload failed", fields)
			outcome = OutcomeFailed
		}
	}
	return outcome
}

func (o *Orchestrator) settleLocked() {
	if len(o.inFlight) == 0 {
		o.state = StateIdle
	} else {
		o.state = StatePreloading
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) expirePreloadedLocked(now time.Time) {
	for route, at := range o.preloaded {
		if now.Sub(at) > o.config.PreloadedRetention {
			delete(o.preloaded, route)
		}
	}
}

// Warmup materializes the data of routes immediately at critical priority.
func (o *Orchestrator) Warmup(ctx context.Context, routes ...string) cache.WarmupResult {
	var items []cache.WarmupItem
	for _, route := range routes {
		for _, r := range o.resolver.Resolve(route) {
			opts := append([]cache.Option{cache.WithPriority(types.PriorityCritical)}, r.Options...)
			items = append(items, cache.WarmupItem{Key: r.Key, Fetcher: r.Fetcher, Options: opts})
		}
	}
	res := o.store.BatchWarmup(ctx, items, o.config.MaxConcurrentPreloads)
	o.logger.Info("critical routes warmed", map[string]interface{}{
		"routes":  len(routes),
		"loaded":  res.Loaded,
		"skipped": res.Skipped,
		"failed":  len(res.Failed),
	})
	return res
}

// Drain waits until no preload is queued or running, or ctx ends.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "drain interrupted").
			WithComponent("preload").WithOperation("drain")
	}
}

// State returns the current cycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// MinConfidence returns the current adaptive threshold.
func (o *Orchestrator) MinConfidence() float64 {
	return o.feedback.MinConfidence()
}

// GetPerformanceMetrics returns prediction accuracy, cache hit rate and
// preload counters.
func (o *Orchestrator) GetPerformanceMetrics() PerformanceMetrics {
	hits, misses := o.feedback.Totals()
	cacheStats := o.store.Stats()

	o.mu.Lock()
	defer o.mu.Unlock()
	return PerformanceMetrics{
		PredictionAccuracy: o.feedback.Accuracy(),
		CacheHitRate:       cacheStats.HitRate,
		AverageLoadTime:    o.averageLoadTimeLocked(),
		MinConfidence:      o.feedback.MinConfidence(),
		Hits:               hits,
		Misses:             misses,
		Cycles:             o.stats.cycles,
		Accepted:           o.stats.accepted,
		Started:            o.stats.started,
		Completed:          o.stats.completed,
		Cached:             o.stats.cached,
		TimedOut:           o.stats.timedOut,
		Failed:             o.stats.failed,
		Discarded:          o.stats.discarded,
		InFlight:           len(o.inFlight),
		Queued:             len(o.queue),
	}
}

func (o *Orchestrator) averageLoadTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.averageLoadTimeLocked()
}

func (o *Orchestrator) averageLoadTimeLocked() time.Duration {
	if o.stats.loads == 0 {
		return 0
	}
	return o.stats.loadTotal / time.Duration(o.stats.loads)
}
