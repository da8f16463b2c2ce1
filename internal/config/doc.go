/*
Package config provides layered configuration for navcache.

Sources are applied in increasing precedence:

	┌─────────────────────────────────────────────┐
	│          Command-line flags                 │ ← Highest Priority
	│        (bound through viper)                │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        Environment Variables                │
	│           (NAVCACHE_*)                      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (NewDefault)                         │
	└─────────────────────────────────────────────┘

# Sections

	global      log level, format and file; sweep and persist intervals
	cache       fast tier capacity, TTL, strategy, watermarks, breaker
	durable     backend (memory, badger, sqlite, s3) and its location
	navigation  transition retention
	sequence    similarity floor, window size, history cap
	preload     candidate cap, preload slots, pacing, feedback, heuristics
	metrics     Prometheus endpoint

Sizes are human readable ("50MiB", "512KB") and parsed with go-humanize.

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("navcache.yaml"); err != nil {
		return err
	}
	_ = cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	cacheCfg, err := cfg.CacheSettings()

The *Settings methods translate each section into the config type of the
owning package.
*/
package config
