package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/navcache/navcache/internal/circuit"
	"github.com/navcache/navcache/pkg/errors"
	"github.com/navcache/navcache/pkg/types"
	"github.com/navcache/navcache/pkg/utils"
)

// EntryPrefix namespaces cache entries inside the durable KV store.
const EntryPrefix = "entry:"

// durableRecord is the stored form of an entry. Value is carried in Payload,
// gzip-compressed when Entry.Compressed is set.
type durableRecord struct {
	Entry    types.CacheEntry `json:"entry"`
	Payload  []byte           `json:"payload"`
	Checksum string           `json:"checksum"`
}

// durableTier persists entries through a KVStore behind a circuit breaker.
type durableTier struct {
	kv      types.KVStore
	breaker *circuit.CircuitBreaker
	logger  *utils.StructuredLogger
	metrics types.MetricsRecorder

	failures atomic.Uint64
	degraded atomic.Bool
	count    atomic.Int64
}

func newDurableTier(kv types.KVStore, cfg circuit.Config, logger *utils.StructuredLogger, metrics types.MetricsRecorder) *durableTier {
	d := &durableTier{
		kv:      kv,
		logger:  logger.WithComponent("durable"),
		metrics: metrics,
	}
	cfg.IsSuccessful = func(err error) bool {
		return err == nil ||
			errors.HasCode(err, errors.ErrCodeKeyNotFound) ||
			errors.HasCode(err, errors.ErrCodeCorruptState) ||
			stdIsContext(err)
	}
	onChange := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to circuit.State) {
		d.logger.Warn("durable tier circuit changed state", map[string]interface{}{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		})
		if onChange != nil {
			onChange(name, from, to)
		}
	}
	d.breaker = circuit.NewCircuitBreaker("durable", cfg)
	return d
}

func storageKey(key string) string { return EntryPrefix + key }

// available reports whether the backend is currently usable.
func (d *durableTier) available() bool {
	return d.breaker.Allow()
}

func (d *durableTier) isDegraded() bool {
	return d.degraded.Load() || !d.breaker.Allow()
}

// fail records a backend failure. Circuit rejections pass through uncounted.
func (d *durableTier) fail(op, key string, err error) error {
	if errors.HasCode(err, errors.ErrCodeCircuitOpen) {
		return err
	}
	wrapped := errors.StorageBackend(op, key, err)
	d.failures.Add(1)
	d.degraded.Store(true)
	d.metrics.RecordStorageError(op)
	d.logger.Error("StorageBackendError", wrapped.Fields())
	return wrapped
}

func (d *durableTier) succeed() {
	d.degraded.Store(false)
}

// get loads and verifies an entry. A missing key yields (nil, nil). Corrupt
// records are deleted and reported as absent.
func (d *durableTier) get(ctx context.Context, key string) (*types.CacheEntry, error) {
	var raw []byte
	err := d.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		raw, err = d.kv.Get(ctx, storageKey(key))
		return err
	})
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeKeyNotFound) {
			d.succeed()
			return nil, nil
		}
		if stdIsContext(err) {
			return nil, err
		}
		return nil, d.fail("get", key, err)
	}
	d.succeed()

	entry, err := decodeRecord(raw)
	if err != nil {
		d.logger.Warn("dropping corrupt durable entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		_, _ = d.delete(ctx, key)
		return nil, nil
	}
	return entry, nil
}

func (d *durableTier) put(ctx context.Context, entry *types.CacheEntry) error {
	raw, err := encodeRecord(entry)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "encode durable record").
			WithComponent("durable").
			WithOperation("put")
	}
	added := false
	err = d.breaker.Execute(ctx, func(ctx context.Context) error {
		_, getErr := d.kv.Get(ctx, storageKey(entry.Key))
		if getErr != nil && !errors.HasCode(getErr, errors.ErrCodeKeyNotFound) {
			return getErr
		}
		if err := d.kv.Set(ctx, storageKey(entry.Key), raw); err != nil {
			return err
		}
		added = getErr != nil
		return nil
	})
	if err != nil {
		if stdIsContext(err) {
			return err
		}
		return d.fail("put", entry.Key, err)
	}
	d.succeed()
	if added {
		d.count.Add(1)
	}
	return nil
}

// delete removes key and reports whether it existed.
func (d *durableTier) delete(ctx context.Context, key string) (bool, error) {
	existed := false
	err := d.breaker.Execute(ctx, func(ctx context.Context) error {
		if _, err := d.kv.Get(ctx, storageKey(key)); err == nil {
			existed = true
		} else if !errors.HasCode(err, errors.ErrCodeKeyNotFound) {
			return err
		}
		return d.kv.Delete(ctx, storageKey(key))
	})
	if err != nil {
		if stdIsContext(err) {
			return false, err
		}
		return false, d.fail("delete", key, err)
	}
	d.succeed()
	if existed {
		d.count.Add(-1)
	}
	return existed, nil
}

// keys lists every cache key held in the durable tier.
func (d *durableTier) keys(ctx context.Context) ([]string, error) {
	var stored []string
	err := d.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		stored, err = d.kv.Keys(ctx, EntryPrefix)
		return err
	})
	if err != nil {
		if stdIsContext(err) {
			return nil, err
		}
		return nil, d.fail("keys", EntryPrefix, err)
	}
	d.succeed()

	out := make([]string, 0, len(stored))
	for _, k := range stored {
		out = append(out, strings.TrimPrefix(k, EntryPrefix))
	}
	d.count.Store(int64(len(out)))
	return out, nil
}

func calculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

func encodeRecord(entry *types.CacheEntry) ([]byte, error) {
	rec := durableRecord{
		Entry:    *entry,
		Checksum: calculateChecksum(entry.Value),
	}
	rec.Entry.Value = nil
	rec.Entry.TierHint = types.TierDurable

	if entry.Compressed {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(entry.Value); err != nil {
			return nil, err
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}
		rec.Payload = buf.Bytes()
	} else {
		rec.Payload = entry.Value
	}
	return json.Marshal(rec)
}

func decodeRecord(raw []byte) (*types.CacheEntry, error) {
	var rec durableRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCorruptState, "malformed durable record")
	}

	value := rec.Payload
	if rec.Entry.Compressed {
		gz, err := gzip.NewReader(bytes.NewReader(rec.Payload))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeCorruptState, "open compressed payload")
		}
		defer func() { _ = gz.Close() }()
		value, err = io.ReadAll(gz)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeCorruptState, "read compressed payload")
		}
	}

	if calculateChecksum(value) != rec.Checksum {
		return nil, errors.NewError(errors.ErrCodeCorruptState, "checksum mismatch for durable entry")
	}

	entry := rec.Entry
	entry.Value = value
	if entry.Value == nil {
		entry.Value = []byte{}
	}
	entry.SizeBytes = int64(len(value))
	return &entry, nil
}
