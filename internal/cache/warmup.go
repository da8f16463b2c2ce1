package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/navcache/navcache/pkg/types"
)

// DefaultWarmupConcurrency bounds BatchWarmup when no limit is given.
const DefaultWarmupConcurrency = 4

// WarmupItem is one key to preload.
type WarmupItem struct {
	Key     string
	Fetcher types.Fetcher
	Options []Option
}

// WarmupResult reports the outcome of a batch warmup.
type WarmupResult struct {
	Loaded  int              `json:"loaded"`
	Skipped int              `json:"skipped"`
	Failed  map[string]error `json:"-"`
}

// Warmup loads key through fetcher unless it is already cached. It reports
// whether the fetcher ran.
func (s *Store) Warmup(ctx context.Context, key string, fetcher types.Fetcher, opts ...Option) (bool, error) {
	if s.Has(ctx, key) {
		return false, nil
	}
	if _, err := s.Get(ctx, key, fetcher, opts...); err != nil {
		return false, err
	}
	return true, nil
}

// BatchWarmup warms items with at most concurrency loads in flight. A failing
// item is recorded and does not stop the others.
func (s *Store) BatchWarmup(ctx context.Context, items []WarmupItem, concurrency int) WarmupResult {
	if concurrency <= 0 {
		concurrency = DefaultWarmupConcurrency
	}

	var (
		mu  sync.Mutex
		res = WarmupResult{Failed: make(map[string]error)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, item := range items {
		g.Go(func() error {
			loaded, err := s.Warmup(gctx, item.Key, item.Fetcher, item.Options...)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed[item.Key] = err
			case loaded:
				res.Loaded++
			default:
				res.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(res.Failed) > 0 {
		s.logger.Warn("batch warmup had failures", map[string]interface{}{
			"loaded": res.Loaded,
			"failed": len(res.Failed),
		})
	}
	return res
}

// InvalidateTags removes every entry carrying any of tags from both tiers and
// returns the number of distinct keys removed.
func (s *Store) InvalidateTags(ctx context.Context, tags ...string) int {
	tags = types.NormalizeTags(tags)
	if len(tags) == 0 {
		return 0
	}
	removed := make(map[string]struct{})

	s.mu.Lock()
	for k, e := range s.fast.entries {
		if hasAnyTag(e, tags) {
			s.fast.remove(k)
			removed[k] = struct{}{}
		}
	}
	s.publishUsage()
	s.mu.Unlock()

	if s.durable != nil && s.durable.available() {
		keys, err := s.durable.keys(ctx)
		if err == nil {
			for _, k := range keys {
				if ctx.Err() != nil {
					break
				}
				entry, err := s.durable.get(ctx, k)
				if err != nil || entry == nil || !hasAnyTag(entry, tags) {
					continue
				}
				if _, err := s.durable.delete(ctx, k); err == nil {
					removed[k] = struct{}{}
				}
			}
		}
	}

	s.logger.Debug("invalidated tags", map[string]interface{}{
		"tags":    tags,
		"removed": len(removed),
	})
	return len(removed)
}

func hasAnyTag(e *types.CacheEntry, tags []string) bool {
	for _, t := range tags {
		if e.HasTag(t) {
			return true
		}
	}
	return false
}
