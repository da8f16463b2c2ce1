package cache

import (
	"bytes"
	"context"
	stderrors "errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/navcache/navcache/internal/scoring"
	"github.com/navcache/navcache/pkg/errors"
	"github.com/navcache/navcache/pkg/types"
	"github.com/navcache/navcache/pkg/utils"
)

// Store is a two-tier cache: a bounded in-memory fast tier in front of an
// optional durable tier backed by a types.KVStore.
type Store struct {
	config  Config
	logger  *utils.StructuredLogger
	clock   types.Clock
	metrics types.MetricsRecorder

	mu      sync.Mutex
	fast    *fastTier
	seq     uint64
	stats   counters
	latency *latencyWindow
	closed  bool

	durable *durableTier
	group   singleflight.Group
}

type counters struct {
	fastHits    uint64
	durableHits uint64
	misses      uint64
	evictions   uint64
}

// SweepResult summarizes one Tick.
type SweepResult struct {
	Expired       int `json:"expired"`
	Inactive      int `json:"inactive"`
	Evicted       int `json:"evicted"`
	DurablePruned int `json:"durable_pruned"`
}

// New creates a store. A nil kv runs the store fast-tier only.
func New(config Config, kv types.KVStore, deps Deps) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
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
	if config.Breaker.Clock == nil {
		config.Breaker.Clock = deps.Clock
	}

	s := &Store{
		config:  config,
		logger:  deps.Logger.WithComponent("cache"),
		clock:   deps.Clock,
		metrics: deps.Metrics,
		fast:    newFastTier(config.Capacity),
		latency: newLatencyWindow(config.LatencyWindow),
	}
	if kv != nil {
		s.durable = newDurableTier(kv, config.Breaker, deps.Logger, deps.Metrics)
	}
	return s, nil
}

// Get returns the value for key, consulting the fast tier, then the durable
// tier, then fetcher. Concurrent misses on one key share a single fetch.
func (s *Store) Get(ctx context.Context, key string, fetcher types.Fetcher, opts ...Option) ([]byte, error) {
	start := time.Now()
	defer func() { s.observeLatency(time.Since(start)) }()

	if err := s.checkOpen("get"); err != nil {
		return nil, err
	}

	if v, ok := s.getFast(key); ok {
		return v, nil
	}
	if v, ok := s.getDurable(ctx, key); ok {
		return v, nil
	}

	s.mu.Lock()
	s.stats.misses++
	s.mu.Unlock()

	if fetcher == nil {
		return nil, errors.NoFetcherMiss(key)
	}
	return s.fetch(ctx, key, fetcher, s.resolve(opts))
}

// Set stores value under key. Durable failures are logged and never returned.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts ...Option) error {
	if err := s.checkOpen("set"); err != nil {
		return err
	}
	return s.set(ctx, key, value, s.resolve(opts))
}

// Has reports whether an unexpired entry exists in either tier. Expired
// entries are not removed.
func (s *Store) Has(ctx context.Context, key string) bool {
	now := s.clock()
	s.mu.Lock()
	e, ok := s.fast.get(key)
	if ok && !e.Expired(now) {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	if s.durable == nil || !s.durable.available() {
		return false
	}
	entry, err := s.durable.get(ctx, key)
	if err != nil || entry == nil {
		return false
	}
	return !entry.Expired(now) && entry.Version == s.config.Version
}

// Delete removes key from both tiers and reports whether it was present.
func (s *Store) Delete(ctx context.Context, key string) bool {
	s.mu.Lock()
	existed := s.fast.remove(key)
	s.publishUsage()
	s.mu.Unlock()

	if s.durable != nil && s.durable.available() {
		if ok, err := s.durable.delete(ctx, key); err == nil && ok {
			existed = true
		}
	}
	return existed
}

// Clear empties both tiers.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.fast.clear()
	s.publishUsage()
	s.mu.Unlock()

	if s.durable == nil || !s.durable.available() {
		return
	}
	keys, err := s.durable.keys(ctx)
	if err != nil {
		return
	}
	for _, k := range keys {
		if ctx.Err() != nil {
			return
		}
		_, _ = s.durable.delete(ctx, k)
	}
	s.durable.count.Store(0)
	s.logger.Info("cache cleared", map[string]interface{}{"durable_keys": len(keys)})
}

// Stats returns a snapshot of cache statistics.
func (s *Store) Stats() types.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	hits := s.stats.fastHits + s.stats.durableHits
	st := types.CacheStats{
		Hits:                  hits,
		Misses:                s.stats.misses,
		FastHits:              s.stats.fastHits,
		DurableHits:           s.stats.durableHits,
		Evictions:             s.stats.evictions,
		CurrentBytes:          s.fast.bytes,
		Capacity:              s.fast.capacity,
		EntryCount:            len(s.fast.entries),
		RollingAverageLatency: s.latency.average(),
	}
	if total := hits + s.stats.misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	if s.fast.capacity > 0 {
		st.Utilization = float64(s.fast.bytes) / float64(s.fast.capacity)
	}
	if s.durable != nil {
		st.StorageErrors = s.durable.failures.Load()
		st.DurableEntryCount = int(s.durable.count.Load())
		st.DurableDegraded = s.durable.isDegraded()
	}
	return st
}

// Tick runs one maintenance sweep at now: expired fast entries are dropped,
// memory pressure above the high watermark evicts inactive entries and then
// plans evictions down to the low watermark, and expired durable entries are
// pruned.
func (s *Store) Tick(ctx context.Context, now time.Time) SweepResult {
	var res SweepResult

	s.mu.Lock()
	res.Expired = s.evict(s.fast.expired(now), "expired")

	capacity := float64(s.fast.capacity)
	if float64(s.fast.bytes) > capacity*s.config.HighWatermark {
		res.Inactive = s.evict(s.fast.inactive(now, s.config.InactivityThreshold), "inactive")

		low := int64(capacity * s.config.LowWatermark)
		if s.fast.bytes > low {
			keys := scoring.PlanEviction(s.fast.snapshot(), s.fast.bytes-low, now, s.config.Scoring)
			res.Evicted = s.evict(keys, "pressure")
		}
	}
	s.mu.Unlock()

	if s.durable != nil && s.durable.available() {
		res.DurablePruned = s.pruneDurable(ctx, now)
	}

	if res != (SweepResult{}) {
		s.logger.Debug("cache sweep finished", map[string]interface{}{
			"expired":        res.Expired,
			"inactive":       res.Inactive,
			"evicted":        res.Evicted,
			"durable_pruned": res.DurablePruned,
		})
	}
	return res
}

// Close stops the store. The KV store is owned by the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.NewError(errors.ErrCodeComponentStopped, "cache store is closed").
			WithComponent("cache").
			WithOperation(op)
	}
	return nil
}

func (s *Store) getFast(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	e, ok := s.fast.get(key)
	if ok && e.Expired(now) {
		s.evict([]string{key}, "expired")
		ok = false
	}
	if !ok {
		s.metrics.RecordCacheRequest(types.TierFast, false)
		return nil, false
	}

	e.Touch(now)
	s.stats.fastHits++
	s.metrics.RecordCacheRequest(types.TierFast, true)
	return bytes.Clone(e.Value), true
}

// getDurable reads the durable tier and promotes an unexpired hit into the
// fast tier.
func (s *Store) getDurable(ctx context.Context, key string) ([]byte, bool) {
	if s.durable == nil || !s.durable.available() {
		return nil, false
	}

	entry, err := s.durable.get(ctx, key)
	now := s.clock()
	if err != nil || entry == nil || entry.Expired(now) || entry.Version != s.config.Version {
		s.metrics.RecordCacheRequest(types.TierDurable, false)
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.fast.get(key); ok && !cur.Expired(now) {
		cur.Touch(now)
		s.stats.fastHits++
		s.metrics.RecordCacheRequest(types.TierFast, true)
		return bytes.Clone(cur.Value), true
	}

	entry.Touch(now)
	s.stats.durableHits++
	s.metrics.RecordCacheRequest(types.TierDurable, true)

	if entry.Priority == types.PriorityCritical || entry.SizeBytes <= s.config.MaxFastEntryBytes {
		entry.Sequence = s.nextSeq()
		if s.admit(entry, now) {
			s.logger.Trace("promoted durable entry", map[string]interface{}{"key": key})
		}
	}
	return bytes.Clone(entry.Value), true
}

// fetch joins or starts the shared fetch for key and waits for it under the
// caller's own deadline. The shared fetch is detached from every caller and
// caches its result whenever it arrives.
func (s *Store) fetch(ctx context.Context, key string, fetcher types.Fetcher, o callOptions) ([]byte, error) {
	ch := s.group.DoChan(key, func() (interface{}, error) {
		bg := context.WithoutCancel(ctx)
		value, err := s.callFetcher(bg, key, fetcher, s.sharedTimeout(o.timeout))
		if err != nil {
			return nil, err
		}
		if err := s.set(bg, key, value, o); err != nil {
			s.logger.Warn("failed to cache fetched value", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return value, nil
	})

	wait, cancel := ctx, context.CancelFunc(func() {})
	if o.timeout > 0 {
		wait, cancel = context.WithTimeout(ctx, o.timeout)
	}
	defer cancel()

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			s.logger.Trace("shared in-flight fetch", map[string]interface{}{"key": key})
		}
		return bytes.Clone(r.Val.([]byte)), nil
	case <-wait.Done():
		return nil, fetchError(key, o.timeout, wait.Err())
	}
}

// sharedTimeout bounds the shared fetch by the larger of the starting
// caller's timeout and the store's FetchTimeout. Zero means unbounded.
func (s *Store) sharedTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 || s.config.FetchTimeout <= 0 {
		return 0
	}
	if s.config.FetchTimeout > timeout {
		return s.config.FetchTimeout
	}
	return timeout
}

// callFetcher runs fetcher under the fetch deadline. A fetcher that ignores
// its context is abandoned once the deadline passes.
func (s *Store) callFetcher(ctx context.Context, key string, fetcher types.Fetcher, timeout time.Duration) ([]byte, error) {
	fctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		fctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		value []byte
		err   error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		v, err := fetcher(fctx)
		done <- result{value: v, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-fctx.Done():
		r.err = fctx.Err()
	}
	s.metrics.RecordFetch(time.Since(start), r.err)

	if r.err != nil {
		return nil, fetchError(key, timeout, r.err)
	}
	if r.value == nil {
		r.value = []byte{}
	}
	return r.value, nil
}

func fetchError(key string, timeout time.Duration, err error) error {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.FetchTimeout(key, timeout, err)
	case stderrors.Is(err, context.Canceled):
		return errors.Wrap(err, errors.ErrCodeOperationCanceled, "fetch canceled").
			WithComponent("cache").
			WithOperation("fetch").
			WithContext("key", key)
	default:
		return errors.Wrap(err, errors.ErrCodeFetchFailed, "fetcher failed").
			WithComponent("cache").
			WithOperation("fetch").
			WithContext("key", key)
	}
}

func (s *Store) set(ctx context.Context, key string, value []byte, o callOptions) error {
	now := s.clock()
	entry := &types.CacheEntry{
		Key:          key,
		Value:        bytes.Clone(value),
		CreatedAt:    now,
		ExpiresAt:    now.Add(o.ttl),
		LastAccessAt: now,
		AccessCount:  1,
		Priority:     o.priority,
		SizeBytes:    int64(len(value)),
		TierHint:     types.TierDurable,
		Tags:         o.tags,
		Version:      s.config.Version,
	}
	if entry.Value == nil {
		entry.Value = []byte{}
	}
	if o.compress != nil {
		entry.Compressed = *o.compress
	} else {
		entry.Compressed = s.config.CompressionThreshold > 0 && entry.SizeBytes >= s.config.CompressionThreshold
	}

	useDurable := o.strategy != types.StrategyMemoryOnly && s.durable != nil && s.durable.available()

	s.mu.Lock()
	if prev, ok := s.fast.get(key); ok {
		entry.AccessCount = prev.AccessCount + 1
		s.fast.remove(key)
	}
	entry.Sequence = s.nextSeq()

	var wantFast bool
	switch o.strategy {
	case types.StrategyMemoryOnly:
		wantFast = true
	case types.StrategyPersistentFirst:
		wantFast = !useDurable
	default:
		wantFast = !useDurable || s.shouldStoreInFast(entry)
	}

	admitted := wantFast && s.admit(entry, now)
	if !admitted {
		s.publishUsage()
	}
	var record *types.CacheEntry
	if useDurable {
		record = entry.Clone()
	}
	s.mu.Unlock()

	if !useDurable {
		if !admitted {
			s.logger.Debug("entry not admitted to fast tier", map[string]interface{}{
				"key":  key,
				"size": entry.SizeBytes,
			})
		}
		return nil
	}

	if err := s.durable.put(ctx, record); err != nil {
		if stdIsContext(err) {
			return err
		}
		if !admitted {
			s.mu.Lock()
			if _, ok := s.fast.get(key); !ok {
				s.admit(record, now)
			}
			s.mu.Unlock()
		}
	}
	return nil
}

// shouldStoreInFast reports fast tier eligibility: critical entries always,
// others when small and either reused or high priority.
func (s *Store) shouldStoreInFast(e *types.CacheEntry) bool {
	if e.Priority == types.PriorityCritical {
		return true
	}
	if e.SizeBytes > s.config.MaxFastEntryBytes {
		return false
	}
	return e.AccessCount > 1 || e.Priority == types.PriorityHigh
}

// admit inserts e into the fast tier if room can be made for it. Callers
// hold s.mu.
func (s *Store) admit(e *types.CacheEntry, now time.Time) bool {
	if e.SizeBytes > s.fast.capacity {
		return false
	}
	if !s.ensureCapacity(e.SizeBytes, scoring.Score(e, now, s.config.Scoring), now) {
		s.logger.Debug("fast tier admission refused", map[string]interface{}{
			"key":      e.Key,
			"size":     e.SizeBytes,
			"priority": e.Priority.String(),
		})
		return false
	}
	s.fast.put(e)
	s.publishUsage()
	return true
}

// ensureCapacity tries to reserve min(2×required, capacity) free bytes,
// falling back to exactly required. Only entries scoring at most ceiling are
// evicted, and nothing is evicted when neither target is reachable.
func (s *Store) ensureCapacity(required int64, ceiling float64, now time.Time) bool {
	free := s.fast.free()
	reserve := min(2*required, s.fast.capacity)
	if free >= reserve {
		return true
	}

	entries := s.fast.snapshot()
	keys, ok := scoring.PlanEvictionBelow(entries, reserve-free, ceiling, now, s.config.Scoring)
	if !ok {
		if free >= required {
			return true
		}
		keys, ok = scoring.PlanEvictionBelow(entries, required-free, ceiling, now, s.config.Scoring)
		if !ok {
			return false
		}
	}
	s.evict(keys, "capacity")
	return true
}

// evict removes keys from the fast tier. Callers hold s.mu.
func (s *Store) evict(keys []string, reason string) int {
	n := 0
	for _, k := range keys {
		if s.fast.remove(k) {
			n++
		}
	}
	if n == 0 {
		return 0
	}
	s.stats.evictions += uint64(n)
	s.metrics.RecordEviction(reason, n)
	s.publishUsage()
	s.logger.Trace("evicted fast entries", map[string]interface{}{
		"reason": reason,
		"count":  n,
	})
	return n
}

func (s *Store) pruneDurable(ctx context.Context, now time.Time) int {
	keys, err := s.durable.keys(ctx)
	if err != nil {
		return 0
	}
	pruned := 0
	for _, k := range keys {
		if ctx.Err() != nil {
			break
		}
		entry, err := s.durable.get(ctx, k)
		if err != nil || entry == nil {
			continue
		}
		if entry.Expired(now) || entry.Version != s.config.Version {
			if ok, err := s.durable.delete(ctx, k); err == nil && ok {
				pruned++
			}
		}
	}
	return pruned
}

func (s *Store) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func (s *Store) publishUsage() {
	s.metrics.SetTierUsage(types.TierFast, s.fast.bytes, len(s.fast.entries))
}

func (s *Store) observeLatency(d time.Duration) {
	s.mu.Lock()
	s.latency.observe(d)
	s.mu.Unlock()
}

func stdIsContext(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
