package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Priority is the retention priority tag carried by cache entries and predictions.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase name of the priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the four defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority parses a priority name.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityMedium, fmt.Errorf("invalid priority: %s", s)
	}
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Tier identifies a cache tier.
type Tier string

const (
	TierFast    Tier = "fast"
	TierDurable Tier = "durable"
)

// Strategy selects how a write is placed across tiers.
type Strategy string

const (
	// StrategyMemoryFirst admits into the fast tier when eligible and writes through.
	StrategyMemoryFirst Strategy = "memory-first"
	// StrategyPersistentFirst writes the durable tier only; reads promote on demand.
	StrategyPersistentFirst Strategy = "persistent-first"
	// StrategyMemoryOnly never touches the durable tier.
	StrategyMemoryOnly Strategy = "memory-only"
)

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyMemoryFirst, "":
		return StrategyMemoryFirst, nil
	case StrategyPersistentFirst:
		return StrategyPersistentFirst, nil
	case StrategyMemoryOnly:
		return StrategyMemoryOnly, nil
	default:
		return StrategyMemoryFirst, fmt.Errorf("invalid cache strategy: %s", s)
	}
}

// CacheEntry is a cached value with its access metadata.
type CacheEntry struct {
	Key          string    `json:"key"`
	Value        []byte    `json:"value"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastAccessAt time.Time `json:"last_access_at"`
	AccessCount  int64     `json:"access_count"`
	Priority     Priority  `json:"priority"`
	SizeBytes    int64     `json:"size_bytes"`
	TierHint     Tier      `json:"tier_hint"`
	Tags         []string  `json:"tags,omitempty"`
	Sequence     uint64    `json:"sequence"`
	Compressed   bool      `json:"compressed,omitempty"`
	Version      string    `json:"version,omitempty"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// HasTag reports whether the entry carries tag.
func (e *CacheEntry) HasTag(tag string) bool {
	i := sort.SearchStrings(e.Tags, tag)
	return i < len(e.Tags) && e.Tags[i] == tag
}

// Touch records a read hit.
func (e *CacheEntry) Touch(now time.Time) {
	e.AccessCount++
	e.LastAccessAt = now
}

// Clone returns a copy that shares no mutable state with e.
func (e *CacheEntry) Clone() *CacheEntry {
	c := *e
	c.Value = append([]byte(nil), e.Value...)
	c.Tags = append([]string(nil), e.Tags...)
	return &c
}

// NormalizeTags sorts and deduplicates tags so they behave as a set.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits                  uint64        `json:"hits"`
	Misses                uint64        `json:"misses"`
	FastHits              uint64        `json:"fast_hits"`
	DurableHits           uint64        `json:"durable_hits"`
	Evictions             uint64        `json:"evictions"`
	StorageErrors         uint64        `json:"storage_errors"`
	CurrentBytes          int64         `json:"current_bytes"`
	Capacity              int64         `json:"capacity"`
	EntryCount            int           `json:"entry_count"`
	DurableEntryCount     int           `json:"durable_entry_count"`
	HitRate               float64       `json:"hit_rate"`
	Utilization           float64       `json:"utilization"`
	RollingAverageLatency time.Duration `json:"rolling_average_latency"`
	DurableDegraded       bool          `json:"durable_degraded"`
}

// NavigationEdge is an observed directed transition between two routes.
type NavigationEdge struct {
	From           string    `json:"from"`
	To             string    `json:"to"`
	Count          int64     `json:"count"`
	LastObservedAt time.Time `json:"last_observed_at"`
	Probability    float64   `json:"probability"`
}

// DeviceClass buckets the client form factor.
type DeviceClass string

const (
	DeviceDesktop DeviceClass = "desktop"
	DeviceTablet  DeviceClass = "tablet"
	DeviceMobile  DeviceClass = "mobile"
)

// BehaviorSample is one observed navigation within a session.
type BehaviorSample struct {
	SessionID   string       `json:"session_id"`
	Route       string       `json:"route"`
	Timestamp   time.Time    `json:"timestamp"`
	DeviceClass DeviceClass  `json:"device_class,omitempty"`
	HourOfDay   int          `json:"hour_of_day"`
	DayOfWeek   time.Weekday `json:"day_of_week"`
	Role        string       `json:"role,omitempty"`
}

// NewBehaviorSample fills the derived time fields from ts.
func NewBehaviorSample(sessionID, route string, ts time.Time, device DeviceClass, role string) BehaviorSample {
	return BehaviorSample{
		SessionID:   sessionID,
		Route:       route,
		Timestamp:   ts,
		DeviceClass: device,
		HourOfDay:   ts.Hour(),
		DayOfWeek:   ts.Weekday(),
		Role:        role,
	}
}

// PredictionSource names the signal a prediction came from.
type PredictionSource string

const (
	SourcePattern  PredictionSource = "pattern"
	SourceSequence PredictionSource = "sequence"
	SourceRole     PredictionSource = "role"
	SourceTime     PredictionSource = "time"
	SourceUsage    PredictionSource = "usage"
)

// Prediction is a candidate next route.
type Prediction struct {
	Route             string           `json:"route"`
	Confidence        float64          `json:"confidence"`
	Priority          Priority         `json:"priority"`
	ExpectedLatencyMs int64            `json:"expected_latency_ms"`
	RequiredDataKeys  []string         `json:"required_data_keys,omitempty"`
	Source            PredictionSource `json:"source"`
}

// Pair is a [key, value] tuple encoded as a two element JSON array.
type Pair[K comparable, V any] struct {
	Key   K
	Value V
}

// MarshalJSON encodes the pair as [key, value].
func (p Pair[K, V]) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{p.Key, p.Value})
}

// UnmarshalJSON decodes a [key, value] array.
func (p *Pair[K, V]) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("pair must have 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Key); err != nil {
		return fmt.Errorf("pair key: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Value); err != nil {
		return fmt.Errorf("pair value: %w", err)
	}
	return nil
}
