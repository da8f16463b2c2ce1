// Package engine wires the cache store, navigation tracker, sequence
// predictor, preload orchestrator, metrics and scheduler into one service.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/navcache/navcache/internal/cache"
	"github.com/navcache/navcache/internal/config"
	"github.com/navcache/navcache/internal/metrics"
	"github.com/navcache/navcache/internal/navigation"
	"github.com/navcache/navcache/internal/preload"
	"github.com/navcache/navcache/internal/scheduler"
	"github.com/navcache/navcache/internal/sequence"
	"github.com/navcache/navcache/internal/storage"
	"github.com/navcache/navcache/pkg/errors"
	"github.com/navcache/navcache/pkg/types"
	"github.com/navcache/navcache/pkg/utils"
)

// Scheduled job names.
const (
	JobCacheSweep      = "cache-sweep"
	JobNavigationPrune = "navigation-prune"
	JobSequencePrune   = "sequence-prune"
	JobPersist         = "persist"
)

// Option customizes engine construction.
type Option func(*options)

type options struct {
	logger *utils.StructuredLogger
	clock  types.Clock
	kv     types.KVStore
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(l *utils.StructuredLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock injects the time source shared by every component.
func WithClock(c types.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithKV supplies the durable store instead of opening the configured one.
// The engine takes ownership and closes it on Stop.
func WithKV(kv types.KVStore) Option {
	return func(o *options) { o.kv = kv }
}

// Engine is the assembled navcache service.
type Engine struct {
	config    *config.Configuration
	logger    *utils.StructuredLogger
	clock     types.Clock
	kv        types.KVStore
	collector *metrics.Collector
	store     *cache.Store
	tracker   *navigation.Tracker
	predictor *sequence.Predictor
	preloader *preload.Orchestrator
	scheduler *scheduler.Scheduler

	mu      sync.Mutex
	started bool
	stopped bool
}

// Snapshot is a point-in-time view of the whole engine.
type Snapshot struct {
	Cache     types.CacheStats           `json:"cache"`
	Report    cache.PerformanceReport    `json:"report"`
	Preload   preload.PerformanceMetrics `json:"preload"`
	Edges     int                        `json:"edges"`
	Sessions  int                        `json:"sessions"`
	Jobs      []scheduler.JobStatus      `json:"jobs"`
	Preloader string                     `json:"preloader_state"`
}

// New validates cfg and constructs every component. resolver maps routes to
// the data they need.
func New(ctx context.Context, cfg *config.Configuration, resolver preload.RouteResolver, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		logger, err := utils.NewLoggerFromSettings(cfg.Global.LogLevel, cfg.Global.LogFormat, cfg.Global.LogFile)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to create logger").WithComponent("engine")
		}
		o.logger = logger
	}

	e := &Engine{
		config: cfg,
		logger: o.logger.WithComponent("engine"),
		clock:  o.clock,
	}

	collector, err := metrics.NewCollector(cfg.MetricsSettings())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to create metrics collector").WithComponent("engine")
	}
	e.collector = collector

	e.kv = o.kv
	if e.kv == nil {
		durable, err := cfg.DurableSettings()
		if err != nil {
			return nil, err
		}
		if e.kv, err = storage.Open(ctx, durable, o.logger); err != nil {
			return nil, err
		}
	}

	cacheCfg, err := cfg.CacheSettings()
	if err != nil {
		_ = e.kv.Close()
		return nil, err
	}
	cacheCfg.Breaker.Clock = o.clock
	if e.store, err = cache.New(cacheCfg, e.kv, cache.Deps{Logger: o.logger, Clock: o.clock, Metrics: collector}); err != nil {
		_ = e.kv.Close()
		return nil, err
	}

	e.tracker = navigation.NewTracker(cfg.NavigationSettings(), navigation.Deps{
		Logger: o.logger, Clock: o.clock, Metrics: collector,
	})
	e.predictor = sequence.NewPredictor(cfg.SequenceSettings(), sequence.Deps{
		Logger: o.logger, Clock: o.clock,
	})

	if e.preloader, err = preload.New(cfg.PreloadSettings(), preload.Deps{
		Store:     e.store,
		Resolver:  resolver,
		Tracker:   e.tracker,
		Predictor: e.predictor,
		KV:        e.kv,
		Logger:    o.logger,
		Clock:     o.clock,
		Metrics:   collector,
	}); err != nil {
		_ = e.store.Close()
		_ = e.kv.Close()
		return nil, err
	}

	e.scheduler = scheduler.New(scheduler.DefaultConfig(), scheduler.Deps{Logger: o.logger, Clock: o.clock})
	if err := e.registerJobs(); err != nil {
		_ = e.store.Close()
		_ = e.kv.Close()
		return nil, err
	}

	return e, nil
}

func (e *Engine) registerJobs() error {
	sweep := e.config.Global.SweepInterval
	persist := e.config.Global.PersistInterval
	if persist <= 0 {
		persist = 5 * sweep
	}

	jobs := []struct {
		name     string
		interval time.Duration
		fn       scheduler.JobFunc
	}{
		{JobCacheSweep, sweep, func(ctx context.Context, now time.Time) error {
			res := e.store.Tick(ctx, now)
			if res.Expired+res.Inactive+res.Evicted+res.DurablePruned > 0 {
				e.logger.Debug("cache sweep", map[string]interface{}{
					"expired":        res.Expired,
					"inactive":       res.Inactive,
					"evicted":        res.Evicted,
					"durable_pruned": res.DurablePruned,
				})
			}
			return nil
		}},
		{JobNavigationPrune, sweep, func(_ context.Context, now time.Time) error {
			e.tracker.Prune(now)
			e.collector.SetEdgeCount(e.tracker.EdgeCount())
			return nil
		}},
		{JobSequencePrune, sweep, func(_ context.Context, now time.Time) error {
			e.predictor.Prune(now)
			return nil
		}},
		{JobPersist, persist, func(ctx context.Context, _ time.Time) error {
			return e.preloader.Save(ctx)
		}},
	}
	for _, j := range jobs {
		if err := e.scheduler.Register(j.name, j.interval, j.fn); err != nil {
			return err
		}
	}
	return nil
}

// Start restores persisted state, warms critical routes and starts the
// metrics endpoint and background maintenance.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return errors.NewError(errors.ErrCodeComponentStopped, "engine stopped").
			WithComponent("engine").WithOperation("start")
	}
	if e.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "engine already started").
			WithComponent("engine").WithOperation("start")
	}

	if err := e.collector.Start(ctx); err != nil {
		return err
	}
	if err := e.preloader.Init(ctx); err != nil {
		return err
	}
	if routes := e.config.Preload.CriticalRoutes; len(routes) > 0 {
		e.preloader.Warmup(ctx, routes...)
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}

	e.started = true
	e.logger.Info("engine started", map[string]interface{}{
		"backend":  e.config.Durable.Backend,
		"capacity": e.config.Cache.Capacity,
		"strategy": e.config.Cache.Strategy,
	})
	return nil
}

// Stop halts maintenance, drains preloads, persists state and releases the
// durable store.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil
	}
	e.stopped = true

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(e.scheduler.Stop())
	keep(e.preloader.Dispose(ctx))
	keep(e.store.Close())
	keep(e.kv.Close())
	keep(e.collector.Stop(ctx))

	e.logger.Info("engine stopped")
	return firstErr
}

// Navigate records a navigation and schedules preloads.
func (e *Engine) Navigate(ctx context.Context, from, to string, nav preload.NavContext) []types.Prediction {
	return e.preloader.OnNavigate(ctx, from, to, nav)
}

// Tick runs due maintenance jobs at now.
func (e *Engine) Tick(ctx context.Context, now time.Time) int {
	return e.scheduler.Tick(ctx, now)
}

// Snapshot gathers statistics from every component.
func (e *Engine) Snapshot() Snapshot {
	stats := e.store.Stats()
	return Snapshot{
		Cache:     stats,
		Report:    cache.BuildReport(stats),
		Preload:   e.preloader.GetPerformanceMetrics(),
		Edges:     e.tracker.EdgeCount(),
		Sessions:  e.predictor.Sessions(),
		Jobs:      e.scheduler.Status(),
		Preloader: e.preloader.State().String(),
	}
}

// Cache returns the two-tier store.
func (e *Engine) Cache() *cache.Store { return e.store }

// Tracker returns the navigation graph.
func (e *Engine) Tracker() *navigation.Tracker { return e.tracker }

// Predictor returns the sequence predictor.
func (e *Engine) Predictor() *sequence.Predictor { return e.predictor }

// Preloader returns the preload orchestrator.
func (e *Engine) Preloader() *preload.Orchestrator { return e.preloader }

// Metrics returns the Prometheus collector.
func (e *Engine) Metrics() *metrics.Collector { return e.collector }
