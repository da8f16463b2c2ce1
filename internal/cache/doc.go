/*
Package cache provides the two-tier cache store used by the preload engine.

A Store keeps a bounded in-memory fast tier in front of an optional durable
tier backed by a types.KVStore (memory, Badger, SQLite or S3):

	┌─────────────────────────────────────────────┐
	│          Caller / Preload Orchestrator      │
	└─────────────────────────────────────────────┘
	                      │ Get / Set
	┌─────────────────────────────────────────────┐
	│                 Fast Tier                   │
	│   • byte budget (Capacity)                  │
	│   • score-based eviction, critical pinned   │
	└─────────────────────────────────────────────┘
	                      │ miss / write-through
	┌─────────────────────────────────────────────┐
	│               Durable Tier                  │
	│   • "entry:" keys in the KV store           │
	│   • gzip payloads, sha256 checksums         │
	│   • circuit breaker, fast-only on failure   │
	└─────────────────────────────────────────────┘
	                      │ miss
	┌─────────────────────────────────────────────┐
	│         Fetcher (caller supplied)           │
	└─────────────────────────────────────────────┘

# Reads

Get consults the fast tier, then the durable tier, then the fetcher. A durable
hit is promoted into the fast tier once. Concurrent misses on the same key
share one fetcher call. A miss with no fetcher fails with NO_FETCHER_MISS, and
a fetcher exceeding its deadline fails with FETCH_TIMEOUT.

# Writes

Set places an entry according to the strategy:

  - memory-first: fast tier when the entry is critical, or at most
    MaxFastEntryBytes and either reused or high priority; always written
    through to the durable tier.
  - persistent-first: durable tier only; reads promote on demand.
  - memory-only: fast tier only.

Admission reserves twice the entry size (capped at capacity), falling back to
the exact size, and may only evict entries that score no higher than the
incoming entry. When that is not possible the entry stays durable-only.

# Maintenance

Tick drops expired entries, evicts inactive entries once usage passes the high
watermark, plans evictions down to the low watermark and prunes expired
durable entries. It is driven by the scheduler or called directly in tests.

# Usage

	store, err := cache.New(cache.DefaultConfig(), kv, cache.Deps{Logger: logger})
	if err != nil {
		return err
	}
	value, err := store.Get(ctx, "user:42", fetchUser,
		cache.WithPriority(types.PriorityHigh),
		cache.WithTTL(10*time.Minute),
		cache.WithTags("user"))
*/
package cache
