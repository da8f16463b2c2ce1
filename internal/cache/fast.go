package cache

import (
	"time"

	"github.com/navcache/navcache/pkg/types"
)

// fastTier is the bounded in-memory tier. It is not safe for concurrent use;
// the Store serializes access with its mutex.
type fastTier struct {
	entries  map[string]*types.CacheEntry
	bytes    int64
	capacity int64
}

func newFastTier(capacity int64) *fastTier {
	return &fastTier{
		entries:  make(map[string]*types.CacheEntry),
		capacity: capacity,
	}
}

func (f *fastTier) get(key string) (*types.CacheEntry, bool) {
	e, ok := f.entries[key]
	return e, ok
}

func (f *fastTier) put(e *types.CacheEntry) {
	f.remove(e.Key)
	e.TierHint = types.TierFast
	f.entries[e.Key] = e
	f.bytes += e.SizeBytes
}

func (f *fastTier) remove(key string) bool {
	e, ok := f.entries[key]
	if !ok {
		return false
	}
	delete(f.entries, key)
	f.bytes -= e.SizeBytes
	return true
}

func (f *fastTier) free() int64 {
	return f.capacity - f.bytes
}

func (f *fastTier) clear() {
	f.entries = make(map[string]*types.CacheEntry)
	f.bytes = 0
}

func (f *fastTier) snapshot() []*types.CacheEntry {
	out := make([]*types.CacheEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out
}

// expired returns the keys of entries past their expiry at now.
func (f *fastTier) expired(now time.Time) []string {
	var keys []string
	for k, e := range f.entries {
		if e.Expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// inactive returns non-critical keys not accessed within threshold.
func (f *fastTier) inactive(now time.Time, threshold time.Duration) []string {
	var keys []string
	for k, e := range f.entries {
		if e.Priority == types.PriorityCritical {
			continue
		}
		if now.Sub(e.LastAccessAt) >= threshold {
			keys = append(keys, k)
		}
	}
	return keys
}
