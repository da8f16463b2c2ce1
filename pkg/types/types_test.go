package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nerrors "github.com/navcache/navcache/pkg/errors"
)

func TestInterfaces(t *testing.T) {
	var _ MetricsRecorder = NopMetrics{}
}

func TestPriorityText(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical} {
		text, err := p.MarshalText()
		require.NoError(t, err)

		var back Priority
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, p, back)
		assert.True(t, back.Valid())
	}

	_, err := ParsePriority("urgent")
	assert.Error(t, err)
	assert.False(t, Priority(0).Valid())
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyMemoryFirst, s)

	s, err = ParseStrategy("Memory-Only")
	require.NoError(t, err)
	assert.Equal(t, StrategyMemoryOnly, s)

	_, err = ParseStrategy("disk")
	assert.Error(t, err)
}

func TestCacheEntryHelpers(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &CacheEntry{
		Key:         "k",
		Value:       []byte("v"),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Minute),
		AccessCount: 1,
		Tags:        NormalizeTags([]string{"users", "", "admin", "users"}),
	}

	assert.Equal(t, []string{"admin", "users"}, e.Tags)
	assert.True(t, e.HasTag("users"))
	assert.False(t, e.HasTag("reports"))

	assert.False(t, e.Expired(now))
	assert.True(t, e.Expired(now.Add(time.Minute)))

	c := e.Clone()
	c.Value[0] = 'x'
	c.Touch(now.Add(time.Second))
	assert.Equal(t, byte('v'), e.Value[0])
	assert.Equal(t, int64(1), e.AccessCount)
	assert.Equal(t, int64(2), c.AccessCount)
}

func TestNewBehaviorSample(t *testing.T) {
	ts := time.Date(2025, 1, 6, 9, 30, 0, 0, time.UTC)
	s := NewBehaviorSample("s1", "/dash", ts, DeviceDesktop, "teacher")
	assert.Equal(t, 9, s.HourOfDay)
	assert.Equal(t, time.Monday, s.DayOfWeek)
}

func TestPairJSON(t *testing.T) {
	pairs := []Pair[string, int]{{Key: "a", Value: 1}, {Key: "b", Value: 2}}
	data, err := json.Marshal(pairs)
	require.NoError(t, err)
	assert.JSONEq(t, `[["a",1],["b",2]]`, string(data))

	var back []Pair[string, int]
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, pairs, back)

	var bad Pair[string, int]
	assert.Error(t, json.Unmarshal([]byte(`["a"]`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &bad))
}

func TestErrKeyNotFoundMatchesByCode(t *testing.T) {
	err := nerrors.Wrap(errors.New("missing"), nerrors.ErrCodeKeyNotFound, "no such key")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
