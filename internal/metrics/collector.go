package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/navcache/navcache/pkg/errors"
	"github.com/navcache/navcache/pkg/types"
)

// Collector records cache and preload metrics into a private Prometheus
// registry. It implements types.MetricsRecorder.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	cacheRequests *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	storageErrors *prometheus.CounterVec
	preloads      *prometheus.CounterVec
	predictions   *prometheus.CounterVec
	tierBytes     *prometheus.GaugeVec
	tierEntries   *prometheus.GaugeVec
	inFlight      prometheus.Gauge
	minConfidence prometheus.Gauge
	edges         prometheus.Gauge

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	// HTTP server for metrics endpoint
	server *http.Server
}

var _ types.MetricsRecorder = (*Collector)(nil)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns an enabled collector serving /metrics on 9464.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "navcache",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Collector{config: config, operations: make(map[string]*OperationMetrics)}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start starts the metrics collection server
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", c.server.Addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "metrics listener failed").
			WithComponent("metrics").WithOperation("start")
	}

	go func() {
		<-ctx.Done()
		_ = c.server.Close()
	}()
	go func() {
		_ = c.server.Serve(ln)
	}()

	return nil
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordCacheRequest counts a lookup answered by tier, or a miss.
func (c *Collector) RecordCacheRequest(tier types.Tier, hit bool) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.With(prometheus.Labels{
		"tier":   string(tier),
		"result": map[bool]string{true: "hit", false: "miss"}[hit],
	}).Inc()
}

// RecordEviction counts entries removed from the fast tier.
func (c *Collector) RecordEviction(reason string, n int) {
	if !c.config.Enabled || n <= 0 {
		return
	}
	c.evictions.With(prometheus.Labels{"reason": reason}).Add(float64(n))
}

// RecordFetch records one fetcher call.
func (c *Collector) RecordFetch(d time.Duration, err error) {
	c.recordOperation("fetch", d, err == nil)
	if !c.config.Enabled {
		return
	}
	c.fetches.With(prometheus.Labels{"status": c.classifyError(err)}).Inc()
	c.fetchDuration.Observe(d.Seconds())
}

// RecordStorageError counts a failed durable backend call.
func (c *Collector) RecordStorageError(op string) {
	c.recordOperation("storage_"+op, 0, false)
	if !c.config.Enabled {
		return
	}
	c.storageErrors.With(prometheus.Labels{"operation": op}).Inc()
}

// RecordPreload counts a finished preload by outcome.
func (c *Collector) RecordPreload(outcome string) {
	if !c.config.Enabled {
		return
	}
	c.preloads.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RecordPrediction counts a scored prediction cycle.
func (c *Collector) RecordPrediction(hit bool) {
	if !c.config.Enabled {
		return
	}
	c.predictions.With(prometheus.Labels{
		"result": map[bool]string{true: "hit", false: "miss"}[hit],
	}).Inc()
}

// SetTierUsage publishes the bytes and entries held by a tier.
func (c *Collector) SetTierUsage(tier types.Tier, bytes int64, entries int) {
	if !c.config.Enabled {
		return
	}
	c.tierBytes.With(prometheus.Labels{"tier": string(tier)}).Set(float64(bytes))
	c.tierEntries.With(prometheus.Labels{"tier": string(tier)}).Set(float64(entries))
}

// SetInFlightPreloads publishes the number of running preloads.
func (c *Collector) SetInFlightPreloads(n int) {
	if !c.config.Enabled {
		return
	}
	c.inFlight.Set(float64(n))
}

// SetMinConfidence publishes the adaptive prediction threshold.
func (c *Collector) SetMinConfidence(v float64) {
	if !c.config.Enabled {
		return
	}
	c.minConfidence.Set(v)
}

// SetEdgeCount publishes the size of the navigation graph.
func (c *Collector) SetEdgeCount(n int) {
	if !c.config.Enabled {
		return
	}
	c.edges.Set(float64(n))
}

// GetMetrics returns current metrics
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		op := *v
		operations[k] = &op
	}

	return map[string]interface{}{
		"operations": operations,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics resets the internal operation summary. Prometheus series are
// cumulative and are left untouched.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) recordOperation(operation string, duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
}

func (c *Collector) initMetrics() {
	opts := func(name, help string) (string, string, string, string, prometheus.Labels) {
		return c.config.Namespace, c.config.Subsystem, name, help, c.config.Labels
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		ns, sub, n, h, cl := opts(name, help)
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: n, Help: h, ConstLabels: cl,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		ns, sub, n, h, cl := opts(name, help)
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: n, Help: h, ConstLabels: cl,
		})
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		ns, sub, n, h, cl := opts(name, help)
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: n, Help: h, ConstLabels: cl,
		}, labels)
	}

	c.cacheRequests = counter("cache_requests_total", "Cache lookups by answering tier and result", "tier", "result")
	c.evictions = counter("cache_evictions_total", "Entries removed from the fast tier", "reason")
	c.fetches = counter("fetches_total", "Fetcher calls by status", "status")
	c.storageErrors = counter("storage_errors_total", "Failed durable backend calls", "operation")
	c.preloads = counter("preloads_total", "Finished preloads by outcome", "outcome")
	c.predictions = counter("predictions_total", "Scored prediction cycles", "result")
	c.tierBytes = gaugeVec("tier_bytes", "Bytes held per tier", "tier")
	c.tierEntries = gaugeVec("tier_entries", "Entries held per tier", "tier")
	c.inFlight = gauge("preloads_in_flight", "Preloads currently running")
	c.minConfidence = gauge("prediction_min_confidence", "Adaptive prediction confidence threshold")
	c.edges = gauge("navigation_edges", "Edges in the navigation graph")

	ns, sub, _, _, cl := opts("", "")
	c.fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   ns,
		Subsystem:   sub,
		Name:        "fetch_duration_seconds",
		Help:        "Duration of fetcher calls in seconds",
		ConstLabels: cl,
		Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
	})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.cacheRequests,
		c.evictions,
		c.fetches,
		c.fetchDuration,
		c.storageErrors,
		c.preloads,
		c.predictions,
		c.tierBytes,
		c.tierEntries,
		c.inFlight,
		c.minConfidence,
		c.edges,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// classifyError maps a fetch error to a status label.
func (c *Collector) classifyError(err error) string {
	if err == nil {
		return "ok"
	}
	if code := errors.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline"), strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "canceled"):
		return "canceled"
	default:
		return "other"
	}
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"navcache-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.GetMetrics())
}
