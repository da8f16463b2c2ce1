package types

import (
	"context"
	"time"

	"github.com/navcache/navcache/pkg/errors"
)

// ErrKeyNotFound is returned by KVStore.Get for absent keys. Compare with errors.Is.
var ErrKeyNotFound = errors.NewError(errors.ErrCodeKeyNotFound, "key not found")

// KVStore is the durable key-value capability behind the durable tier and the
// persisted navigation state.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys with the given prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Fetcher produces the value for a cache miss. Its transport is the caller's concern.
type Fetcher func(ctx context.Context) ([]byte, error)

// Clock returns the current time. Components accept one so tests can control time.
type Clock func() time.Time

// MetricsRecorder receives engine telemetry.
type MetricsRecorder interface {
	RecordCacheRequest(tier Tier, hit bool)
	RecordEviction(reason string, count int)
	RecordFetch(duration time.Duration, err error)
	RecordStorageError(operation string)
	RecordPreload(outcome string)
	RecordPrediction(hit bool)
	SetTierUsage(tier Tier, bytes int64, entries int)
	SetInFlightPreloads(n int)
	SetMinConfidence(v float64)
	SetEdgeCount(n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordCacheRequest(Tier, bool)    {}
func (NopMetrics) RecordEviction(string, int)       {}
func (NopMetrics) RecordFetch(time.Duration, error) {}
func (NopMetrics) RecordStorageError(string)        {}
func (NopMetrics) RecordPreload(string)             {}
func (NopMetrics) RecordPrediction(bool)            {}
func (NopMetrics) SetTierUsage(Tier, int64, int)    {}
func (NopMetrics) SetInFlightPreloads(int)          {}
func (NopMetrics) SetMinConfidence(float64)         {}
func (NopMetrics) SetEdgeCount(int)                 {}
