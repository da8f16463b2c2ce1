package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	"github.com/navcache/navcache/internal/cache"
	"github.com/navcache/navcache/internal/metrics"
	"github.com/navcache/navcache/internal/navigation"
	"github.com/navcache/navcache/internal/preload"
	"github.com/navcache/navcache/internal/sequence"
	"github.com/navcache/navcache/internal/storage"
	"github.com/navcache/navcache/pkg/errors"
	"github.com/navcache/navcache/pkg/types"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NAVCACHE_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Durable    DurableConfig    `yaml:"durable"`
	Navigation NavigationConfig `yaml:"navigation"`
	Sequence   SequenceConfig   `yaml:"sequence"`
	Preload    PreloadConfig    `yaml:"preload"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`

	// SweepInterval drives cache, tracker and predictor maintenance.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// PersistInterval drives saving navigation patterns and feedback counters.
	PersistInterval time.Duration `yaml:"persist_interval"`
}

// CacheConfig represents two-tier cache settings
type CacheConfig struct {
	Capacity             string        `yaml:"capacity"`
	MaxEntrySize         string        `yaml:"max_entry_size"`
	DefaultTTL           time.Duration `yaml:"default_ttl"`
	DefaultPriority      string        `yaml:"default_priority"`
	Strategy             string        `yaml:"strategy"`
	FetchTimeout         time.Duration `yaml:"fetch_timeout"`
	CompressionThreshold string        `yaml:"compression_threshold"`
	Version              string        `yaml:"version"`
	HighWatermark        float64       `yaml:"high_watermark"`
	LowWatermark         float64       `yaml:"low_watermark"`
	InactivityThreshold  time.Duration `yaml:"inactivity_threshold"`
	FreshnessWindow      time.Duration `yaml:"freshness_window"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig represents circuit breaker settings for the durable tier
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	Interval         time.Duration `yaml:"interval"`
}

// DurableConfig represents durable backend settings
type DurableConfig struct {
	Backend string           `yaml:"backend"`
	Path    string           `yaml:"path"`
	Quota   string           `yaml:"quota"`
	S3      storage.S3Config `yaml:"s3"`
}

// NavigationConfig represents transition graph settings
type NavigationConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// SequenceConfig represents sequence predictor settings
type SequenceConfig struct {
	SimilarityFloor float64       `yaml:"similarity_floor"`
	MinObservations int           `yaml:"min_observations"`
	WindowSize      int           `yaml:"window_size"`
	MaxHistory      int           `yaml:"max_history"`
	Retention       time.Duration `yaml:"retention"`
	MaxResults      int           `yaml:"max_results"`
}

// PreloadConfig represents preload orchestrator settings
type PreloadConfig struct {
	MaxCandidates         int                    `yaml:"max_candidates"`
	MaxConcurrentPreloads int                    `yaml:"max_concurrent_preloads"`
	Timeout               time.Duration          `yaml:"timeout"`
	DispatchRate          float64                `yaml:"dispatch_rate"`
	DispatchBurst         int                    `yaml:"dispatch_burst"`
	CriticalRoutes        []string               `yaml:"critical_routes"`
	Feedback              preload.FeedbackConfig `yaml:"feedback"`
	Heuristics            preload.Heuristics     `yaml:"heuristics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled bool              `yaml:"enabled"`
	Port    int               `yaml:"port"`
	Path    string            `yaml:"path"`
	Labels  map[string]string `yaml:"labels"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	cacheDefaults := cache.DefaultConfig()
	seqDefaults := sequence.DefaultConfig()
	preDefaults := preload.DefaultConfig()

	return &Configuration{
		Global: GlobalConfig{
			LogLevel:        "INFO",
			LogFormat:       "text",
			SweepInterval:   time.Minute,
			PersistInterval: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Capacity:             "50MiB",
			MaxEntrySize:         "1MiB",
			DefaultTTL:           cacheDefaults.DefaultTTL,
			DefaultPriority:      cacheDefaults.DefaultPriority.String(),
			Strategy:             string(cacheDefaults.Strategy),
			FetchTimeout:         cacheDefaults.FetchTimeout,
			CompressionThreshold: "1KiB",
			Version:              "1",
			HighWatermark:        cacheDefaults.HighWatermark,
			LowWatermark:         cacheDefaults.LowWatermark,
			InactivityThreshold:  cacheDefaults.InactivityThreshold,
			FreshnessWindow:      cacheDefaults.Scoring.FreshnessWindow,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: cacheDefaults.Breaker.ConsecutiveFailures,
				Timeout:          cacheDefaults.Breaker.Timeout,
				Interval:         cacheDefaults.Breaker.Interval,
			},
		},
		Durable: DurableConfig{
			Backend: string(storage.BackendMemory),
			Quota:   "5MiB",
			S3: storage.S3Config{
				Prefix:     "navcache/",
				Region:     "us-east-1",
				MaxRetries: 3,
			},
		},
		Navigation: NavigationConfig{
			Retention: navigation.DefaultConfig().Retention,
		},
		Sequence: SequenceConfig{
			SimilarityFloor: seqDefaults.SimilarityFloor,
			MinObservations: seqDefaults.MinObservations,
			WindowSize:      seqDefaults.WindowSize,
			MaxHistory:      seqDefaults.MaxHistory,
			Retention:       seqDefaults.Retention,
			MaxResults:      seqDefaults.MaxResults,
		},
		Preload: PreloadConfig{
			MaxCandidates:         preDefaults.MaxCandidates,
			MaxConcurrentPreloads: preDefaults.MaxConcurrentPreloads,
			Timeout:               preDefaults.PreloadTimeout,
			DispatchRate:          preDefaults.DispatchRate,
			DispatchBurst:         preDefaults.DispatchBurst,
			Feedback:              preDefaults.Feedback,
			Heuristics:            preDefaults.Heuristics,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9464,
			Path:    "/metrics",
			Labels: map[string]string{
				"service": "navcache",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithContext("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from NAVCACHE_* environment variables.
// Unparseable numbers and durations are ignored.
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := getenv("LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := getenv("LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := getenv("LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}

	// Cache settings
	if val := getenv("CACHE_CAPACITY"); val != "" {
		c.Cache.Capacity = val
	}
	if val := getenv("CACHE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.DefaultTTL = d
		}
	}
	if val := getenv("CACHE_STRATEGY"); val != "" {
		c.Cache.Strategy = val
	}
	if val := getenv("CACHE_VERSION"); val != "" {
		c.Cache.Version = val
	}
	if val := getenv("FETCH_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.FetchTimeout = d
		}
	}

	// Durable backend
	if val := getenv("DURABLE_BACKEND"); val != "" {
		c.Durable.Backend = val
	}
	if val := getenv("DURABLE_PATH"); val != "" {
		c.Durable.Path = val
	}
	if val := getenv("S3_BUCKET"); val != "" {
		c.Durable.S3.Bucket = val
	}
	if val := getenv("S3_REGION"); val != "" {
		c.Durable.S3.Region = val
	}
	if val := getenv("S3_ENDPOINT"); val != "" {
		c.Durable.S3.Endpoint = val
	}

	// Preload
	if val := getenv("PRELOAD_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Preload.MaxConcurrentPreloads = n
		}
	}

	// Metrics
	if val := getenv("METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := getenv("METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}

	return nil
}

func getenv(name string) string {
	return os.Getenv(EnvPrefix + name)
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to marshal config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to create config directory")
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to write config file").
			WithContext("file", filename)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return invalid(fmt.Sprintf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", ")))
	}

	if c.Global.SweepInterval <= 0 {
		return invalid("sweep_interval must be greater than 0")
	}

	cacheCfg, err := c.CacheSettings()
	if err != nil {
		return err
	}
	if cacheCfg.LowWatermark >= cacheCfg.HighWatermark {
		return invalid("low_watermark must be below high_watermark")
	}

	if _, err := c.DurableSettings(); err != nil {
		return err
	}
	if strings.EqualFold(c.Durable.Backend, string(storage.BackendS3)) && c.Durable.S3.Bucket == "" {
		return invalid("durable.s3.bucket is required for the s3 backend")
	}

	if c.Sequence.SimilarityFloor < 0 || c.Sequence.SimilarityFloor >= 1 {
		return invalid("similarity_floor must be in [0, 1)")
	}
	if c.Preload.MaxConcurrentPreloads <= 0 {
		return invalid("max_concurrent_preloads must be greater than 0")
	}
	for _, r := range c.Preload.Heuristics.Times {
		if r.FromHour < 0 || r.ToHour > 23 || r.FromHour > r.ToHour {
			return invalid(fmt.Sprintf("time rule %q has an invalid hour range", r.Name))
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return invalid("metrics port must be between 1 and 65535")
	}

	return nil
}

func invalid(msg string) error {
	return errors.NewError(errors.ErrCodeConfigValidation, msg).WithComponent("config")
}

// CacheSettings converts the cache section into a cache.Config.
func (c *Configuration) CacheSettings() (cache.Config, error) {
	out := cache.DefaultConfig()

	capacity, err := parseSize("cache.capacity", c.Cache.Capacity)
	if err != nil {
		return out, err
	}
	if capacity <= 0 {
		return out, invalid("cache.capacity must be greater than 0")
	}
	out.Capacity = capacity

	if c.Cache.MaxEntrySize != "" {
		if out.MaxFastEntryBytes, err = parseSize("cache.max_entry_size", c.Cache.MaxEntrySize); err != nil {
			return out, err
		}
	}
	if c.Cache.CompressionThreshold != "" {
		if out.CompressionThreshold, err = parseSize("cache.compression_threshold", c.Cache.CompressionThreshold); err != nil {
			return out, err
		}
	}
	if c.Cache.DefaultPriority != "" {
		p, err := types.ParsePriority(c.Cache.DefaultPriority)
		if err != nil {
			return out, errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid cache.default_priority").WithComponent("config")
		}
		out.DefaultPriority = p
	}
	if c.Cache.Strategy != "" {
		s, err := types.ParseStrategy(c.Cache.Strategy)
		if err != nil {
			return out, errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid cache.strategy").WithComponent("config")
		}
		out.Strategy = s
	}

	out.DefaultTTL = c.Cache.DefaultTTL
	out.FetchTimeout = c.Cache.FetchTimeout
	out.Version = c.Cache.Version
	out.HighWatermark = c.Cache.HighWatermark
	out.LowWatermark = c.Cache.LowWatermark
	out.InactivityThreshold = c.Cache.InactivityThreshold
	if c.Cache.FreshnessWindow > 0 {
		out.Scoring.FreshnessWindow = c.Cache.FreshnessWindow
	}
	if cb := c.Cache.CircuitBreaker; cb.FailureThreshold > 0 {
		out.Breaker.ConsecutiveFailures = cb.FailureThreshold
	}
	if c.Cache.CircuitBreaker.Timeout > 0 {
		out.Breaker.Timeout = c.Cache.CircuitBreaker.Timeout
	}
	if c.Cache.CircuitBreaker.Interval > 0 {
		out.Breaker.Interval = c.Cache.CircuitBreaker.Interval
	}

	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

// DurableSettings converts the durable section into a storage.Config.
func (c *Configuration) DurableSettings() (storage.Config, error) {
	out := storage.Config{
		Backend: storage.Backend(strings.ToLower(c.Durable.Backend)),
		Path:    c.Durable.Path,
		S3:      c.Durable.S3,
	}
	switch out.Backend {
	case "", storage.BackendMemory, storage.BackendBadger, storage.BackendSQLite, storage.BackendS3:
	default:
		return out, invalid(fmt.Sprintf("unknown durable backend %q", c.Durable.Backend))
	}
	if c.Durable.Quota != "" {
		q, err := parseSize("durable.quota", c.Durable.Quota)
		if err != nil {
			return out, err
		}
		out.QuotaBytes = q
	}
	return out, nil
}

// NavigationSettings converts the navigation section.
func (c *Configuration) NavigationSettings() navigation.Config {
	return navigation.Config{Retention: c.Navigation.Retention}
}

// SequenceSettings converts the sequence section.
func (c *Configuration) SequenceSettings() sequence.Config {
	return sequence.Config{
		SimilarityFloor: c.Sequence.SimilarityFloor,
		MinObservations: c.Sequence.MinObservations,
		WindowSize:      c.Sequence.WindowSize,
		MaxHistory:      c.Sequence.MaxHistory,
		Retention:       c.Sequence.Retention,
		MaxResults:      c.Sequence.MaxResults,
	}
}

// PreloadSettings converts the preload section.
func (c *Configuration) PreloadSettings() preload.Config {
	out := preload.DefaultConfig()
	out.MaxCandidates = c.Preload.MaxCandidates
	out.MaxConcurrentPreloads = c.Preload.MaxConcurrentPreloads
	out.PreloadTimeout = c.Preload.Timeout
	out.DispatchRate = c.Preload.DispatchRate
	out.DispatchBurst = c.Preload.DispatchBurst
	out.Feedback = c.Preload.Feedback
	out.Heuristics = c.Preload.Heuristics
	return out
}

// MetricsSettings converts the metrics section.
func (c *Configuration) MetricsSettings() *metrics.Config {
	out := metrics.DefaultConfig()
	out.Enabled = c.Metrics.Enabled
	if c.Metrics.Port > 0 {
		out.Port = c.Metrics.Port
	}
	if c.Metrics.Path != "" {
		out.Path = c.Metrics.Path
	}
	out.Labels = c.Metrics.Labels
	return out
}

func parseSize(field, s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeConfigValidation, fmt.Sprintf("invalid size for %s", field)).
			WithComponent("config").
			WithDetail("value", s)
	}
	return int64(n), nil
}
