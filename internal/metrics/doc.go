/*
Package metrics exports navcache cache and preload activity to Prometheus.

# Overview

Collector implements types.MetricsRecorder on a private registry, so several
engines in one process never collide on metric names. The cache store, the
durable tier and the preload orchestrator all report through it.

Architecture

	┌─────────────┐
	│  Collector  │  ← types.MetricsRecorder
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌──────────▼────────┐
	│  Prometheus  │         │  HTTP Endpoints   │
	│   Registry   │         │  /metrics         │
	│              │         │  /health          │
	│ - Counters   │         │  /debug/operations│
	│ - Histograms │         └───────────────────┘
	│ - Gauges     │
	└──────────────┘

# Usage

	collector, err := metrics.NewCollector(metrics.DefaultConfig())
	if err != nil {
		log.Fatal(err)
	}
	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

	store, err := cache.New(cfg, kv, cache.Deps{Metrics: collector})

# Exported Series

	navcache_cache_requests_total{tier,result}
	navcache_cache_evictions_total{reason}
	navcache_fetches_total{status}
	navcache_fetch_duration_seconds
	navcache_storage_errors_total{operation}
	navcache_preloads_total{outcome}
	navcache_predictions_total{result}
	navcache_tier_bytes{tier}
	navcache_tier_entries{tier}
	navcache_preloads_in_flight
	navcache_prediction_min_confidence
	navcache_navigation_edges

A disabled collector accepts every call and records nothing into Prometheus;
the operation summary behind /debug/operations is kept either way.
*/
package metrics
