package preload

import (
	"context"
	"encoding/json"

	"github.com/navcache/navcache/pkg/errors"
	"github.com/navcache/navcache/pkg/types"
)

// Fixed keys of the persisted preload state.
const (
	PatternsKey = "nav-patterns"
	MetricsKey  = "perf-metrics"
)

// Save writes transition patterns and feedback counters to the KV store.
func (o *Orchestrator) Save(ctx context.Context) error {
	if o.kv == nil {
		return nil
	}
	if o.tracker != nil {
		if err := o.put(ctx, PatternsKey, o.tracker.Snapshot()); err != nil {
			return err
		}
	}
	return o.put(ctx, MetricsKey, o.feedback.Snapshot())
}

func (o *Orchestrator) put(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "encode preload state").
			WithComponent("preload").WithOperation("save").WithContext("key", key)
	}
	if err := o.kv.Set(ctx, key, raw); err != nil {
		o.metrics.RecordStorageError("save")
		return errors.StorageBackend("save", key, err).WithComponent("preload")
	}
	return nil
}

// load restores persisted state. Absent keys leave a cold start; unreadable
// or corrupt values are logged, deleted and ignored.
func (o *Orchestrator) load(ctx context.Context) {
	if o.kv == nil {
		return
	}

	if o.tracker != nil {
		var snap []types.Pair[string, []types.NavigationEdge]
		if o.get(ctx, PatternsKey, &snap) {
			n := o.tracker.Restore(snap)
			o.metrics.SetEdgeCount(o.tracker.EdgeCount())
			o.logger.Info("navigation patterns restored", map[string]interface{}{
				"edges": n,
			})
		}
	}

	var counters []types.Pair[string, float64]
	if o.get(ctx, MetricsKey, &counters) {
		o.feedback.Restore(counters)
	}
}

func (o *Orchestrator) get(ctx context.Context, key string, v interface{}) bool {
	raw, err := o.kv.Get(ctx, key)
	if err != nil {
		if !errors.HasCode(err, errors.ErrCodeKeyNotFound) {
			o.metrics.RecordStorageError("load")
			o.logger.Warn("preload state unavailable", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		o.logger.Warn("discarding corrupt preload state", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		if delErr := o.kv.Delete(ctx, key); delErr != nil && !errors.HasCode(delErr, errors.ErrCodeKeyNotFound) {
			o.metrics.RecordStorageError("delete")
		}
		return false
	}
	return true
}
