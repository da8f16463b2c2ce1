package cache

import (
	"time"

	"github.com/navcache/navcache/internal/circuit"
	"github.com/navcache/navcache/internal/scoring"
	"github.com/navcache/navcache/pkg/errors"
	"github.com/navcache/navcache/pkg/types"
	"github.com/navcache/navcache/pkg/utils"
)

// Config represents two-tier cache configuration
type Config struct {
	// Capacity is the fast tier budget in bytes.
	Capacity int64 `yaml:"capacity"`

	// MaxFastEntryBytes is the largest non-critical entry admitted to the fast tier.
	MaxFastEntryBytes int64 `yaml:"max_fast_entry_bytes"`

	DefaultTTL      time.Duration  `yaml:"default_ttl"`
	DefaultPriority types.Priority `yaml:"default_priority"`
	Strategy        types.Strategy `yaml:"strategy"`

	// FetchTimeout bounds a fetcher call when the caller sets no timeout. Zero disables it.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// CompressionThreshold compresses durable values at least this large. Zero disables it.
	CompressionThreshold int64 `yaml:"compression_threshold"`

	// Version tags every written entry; entries from other versions read as misses.
	Version string `yaml:"version"`

	// Sweep thresholds as fractions of Capacity.
	HighWatermark float64 `yaml:"high_watermark"`
	LowWatermark  float64 `yaml:"low_watermark"`

	// InactivityThreshold marks fast entries as stale during a pressured sweep.
	InactivityThreshold time.Duration `yaml:"inactivity_threshold"`

	// LatencyWindow is the number of recent Get latencies averaged in Stats.
	LatencyWindow int `yaml:"latency_window"`

	Scoring scoring.Params `yaml:"scoring"`
	Breaker circuit.Config `yaml:"breaker"`
}

// DefaultConfig returns a 50MB fast tier with a 5 minute TTL.
func DefaultConfig() Config {
	return Config{
		Capacity:            50 * 1024 * 1024,
		MaxFastEntryBytes:   1024 * 1024,
		DefaultTTL:          5 * time.Minute,
		DefaultPriority:     types.PriorityMedium,
		Strategy:            types.StrategyMemoryFirst,
		FetchTimeout:        10 * time.Second,
		HighWatermark:       0.8,
		LowWatermark:        0.6,
		InactivityThreshold: time.Hour,
		LatencyWindow:       100,
		Scoring:             scoring.DefaultParams(),
		Breaker:             circuit.DefaultConfig(),
	}
}

// Validate checks the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	defaults := DefaultConfig()
	if c.Capacity <= 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "cache capacity must be positive").
			WithComponent("cache").
			WithDetail("capacity", c.Capacity)
	}
	if c.MaxFastEntryBytes <= 0 {
		c.MaxFastEntryBytes = defaults.MaxFastEntryBytes
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = defaults.DefaultTTL
	}
	if !c.DefaultPriority.Valid() {
		c.DefaultPriority = defaults.DefaultPriority
	}
	if c.Strategy == "" {
		c.Strategy = defaults.Strategy
	}
	if _, err := types.ParseStrategy(string(c.Strategy)); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid cache strategy").WithComponent("cache")
	}
	if c.HighWatermark <= 0 || c.HighWatermark > 1 {
		c.HighWatermark = defaults.HighWatermark
	}
	if c.LowWatermark <= 0 || c.LowWatermark > c.HighWatermark {
		c.LowWatermark = c.HighWatermark * defaults.LowWatermark / defaults.HighWatermark
	}
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = defaults.InactivityThreshold
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = defaults.LatencyWindow
	}
	if c.Scoring.Weights == nil {
		c.Scoring.Weights = defaults.Scoring.Weights
	}
	if c.Scoring.FreshnessWindow <= 0 {
		c.Scoring.FreshnessWindow = defaults.Scoring.FreshnessWindow
	}
	if c.Scoring.MinAge <= 0 {
		c.Scoring.MinAge = defaults.Scoring.MinAge
	}
	return nil
}

// Deps carries the collaborators of a Store. Zero values are replaced with
// a discard logger, time.Now and no-op metrics.
type Deps struct {
	Logger  *utils.StructuredLogger
	Clock   types.Clock
	Metrics types.MetricsRecorder
}

// Option adjusts a single Get or Set call.
type Option func(*callOptions)

type callOptions struct {
	ttl      time.Duration
	priority types.Priority
	tags     []string
	strategy types.Strategy
	compress *bool
	timeout  time.Duration
}

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(o *callOptions) { o.ttl = ttl }
}

// WithPriority sets the retention priority.
func WithPriority(p types.Priority) Option {
	return func(o *callOptions) { o.priority = p }
}

// WithTags attaches invalidation tags.
func WithTags(tags ...string) Option {
	return func(o *callOptions) { o.tags = append(o.tags, tags...) }
}

// WithStrategy overrides the placement strategy for one write.
func WithStrategy(s types.Strategy) Option {
	return func(o *callOptions) { o.strategy = s }
}

// WithCompression forces durable compression on or off.
func WithCompression(enabled bool) Option {
	return func(o *callOptions) { o.compress = &enabled }
}

// WithTimeout bounds the fetcher call of a Get.
func WithTimeout(d time.Duration) Option {
	return func(o *callOptions) { o.timeout = d }
}

func (s *Store) resolve(opts []Option) callOptions {
	o := callOptions{
		ttl:      s.config.DefaultTTL,
		priority: s.config.DefaultPriority,
		strategy: s.config.Strategy,
		timeout:  s.config.FetchTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = s.config.DefaultTTL
	}
	if !o.priority.Valid() {
		o.priority = s.config.DefaultPriority
	}
	if o.strategy == "" {
		o.strategy = s.config.Strategy
	}
	o.tags = types.NormalizeTags(o.tags)
	return o
}
