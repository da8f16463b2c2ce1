/*
Package types provides the shared data model and capability interfaces for navcache.

# Data Model

CacheEntry is a cached value with its access metadata. The cache store owns entry
lifetime; other components only ever see clones.

NavigationEdge is a directed transition between two routes. For a fixed From route
the probabilities of all outgoing edges sum to 1.

BehaviorSample is one navigation observed in a session. Samples are append-only and
pruned by age.

Prediction is an ephemeral candidate route produced on every navigation.

# Capabilities

KVStore abstracts the durable key-value backend (in-memory, Badger, SQLite or S3).
Absent keys are reported with ErrKeyNotFound.

MetricsRecorder receives telemetry; NopMetrics discards it.

Clock is injected wherever time is read so tests can drive time explicitly:

	now := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

Pair encodes persisted state as JSON lists of [key, value] tuples.
*/
package types
