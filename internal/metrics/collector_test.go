package metrics

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/navcache/navcache/pkg/errors"
	"github.com/navcache/navcache/pkg/types"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want 200", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func mustContain(t *testing.T, body string, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if !strings.Contains(body, line) {
			t.Errorf("exposition missing %q", line)
		}
	}
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Port != 9464 {
			t.Errorf("default port = %d, want 9464", collector.config.Port)
		}
		if collector.config.Namespace != "navcache" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "navcache")
		}
		if collector.registry == nil {
			t.Error("collector.registry is nil")
		}
	})

	t.Run("disabled collector is a no-op", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		collector.RecordCacheRequest(types.TierFast, true)
		collector.RecordEviction("capacity", 2)
		collector.RecordPreload("completed")
		collector.SetMinConfidence(0.7)
		collector.RecordFetch(time.Millisecond, nil)
		if err := collector.Start(context.Background()); err != nil {
			t.Errorf("Start() on disabled collector = %v", err)
		}

		rec := httptest.NewRecorder()
		collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("disabled handler status = %d, want 404", rec.Code)
		}
	})

	t.Run("two collectors do not collide", func(t *testing.T) {
		if _, err := NewCollector(DefaultConfig()); err != nil {
			t.Fatal(err)
		}
		if _, err := NewCollector(DefaultConfig()); err != nil {
			t.Fatal(err)
		}
	})
}

func TestRecordCacheActivity(t *testing.T) {
	c, err := NewCollector(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	c.RecordCacheRequest(types.TierFast, true)
	c.RecordCacheRequest(types.TierFast, true)
	c.RecordCacheRequest(types.TierDurable, true)
	c.RecordCacheRequest(types.TierFast, false)
	c.RecordEviction("capacity", 3)
	c.RecordEviction("expired", 0)
	c.SetTierUsage(types.TierFast, 2048, 4)

	mustContain(t, scrape(t, c),
		`navcache_cache_requests_total{result="hit",tier="fast"} 2`,
		`navcache_cache_requests_total{result="hit",tier="durable"} 1`,
		`navcache_cache_requests_total{result="miss",tier="fast"} 1`,
		`navcache_cache_evictions_total{reason="capacity"} 3`,
		`navcache_tier_bytes{tier="fast"} 2048`,
		`navcache_tier_entries{tier="fast"} 4`,
	)
}

func TestRecordFetchClassifiesErrors(t *testing.T) {
	c, err := NewCollector(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	c.RecordFetch(5*time.Millisecond, nil)
	c.RecordFetch(time.Second, errors.FetchTimeout("k", time.Second, context.DeadlineExceeded))
	c.RecordFetch(time.Millisecond, stderrors.New("boom"))

	mustContain(t, scrape(t, c),
		`navcache_fetches_total{status="ok"} 1`,
		`navcache_fetches_total{status="fetch_timeout"} 1`,
		`navcache_fetches_total{status="other"} 1`,
		`navcache_fetch_duration_seconds_count 3`,
	)

	ops, ok := c.GetMetrics()["operations"].(map[string]*OperationMetrics)
	if !ok {
		t.Fatal("operations summary missing")
	}
	fetch := ops["fetch"]
	if fetch == nil || fetch.Count != 3 || fetch.Errors != 2 {
		t.Errorf("fetch summary = %+v, want count 3 errors 2", fetch)
	}
}

func TestClassifyError(t *testing.T) {
	c := &Collector{config: DefaultConfig()}
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"coded", errors.NewError(errors.ErrCodeFetchFailed, "x"), "fetch_failed"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"canceled", context.Canceled, "canceled"},
		{"plain", stderrors.New("disk on fire"), "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestPreloadAndNavigationGauges(t *testing.T) {
	c, err := NewCollector(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	c.RecordPreload("completed")
	c.RecordPreload("timeout")
	c.RecordPrediction(true)
	c.RecordPrediction(false)
	c.RecordPrediction(false)
	c.RecordStorageError("put")
	c.SetInFlightPreloads(2)
	c.SetMinConfidence(0.75)
	c.SetEdgeCount(12)

	mustContain(t, scrape(t, c),
		`navcache_preloads_total{outcome="completed"} 1`,
		`navcache_preloads_total{outcome="timeout"} 1`,
		`navcache_predictions_total{result="miss"} 2`,
		`navcache_storage_errors_total{operation="put"} 1`,
		`navcache_preloads_in_flight 2`,
		`navcache_prediction_min_confidence 0.75`,
		`navcache_navigation_edges 12`,
	)
}

func TestConstLabels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Labels = map[string]string{"instance": "edge-1"}
	c, err := NewCollector(cfg)
	if err != nil {
		t.Fatal(err)
	}
	c.SetEdgeCount(1)
	mustContain(t, scrape(t, c), `navcache_navigation_edges{instance="edge-1"} 1`)
}

func TestResetMetrics(t *testing.T) {
	c, err := NewCollector(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	c.RecordStorageError("get")
	c.ResetMetrics()

	ops := c.GetMetrics()["operations"].(map[string]*OperationMetrics)
	if len(ops) != 0 {
		t.Errorf("operations after reset = %d, want 0", len(ops))
	}
}

func TestStopWithoutStart(t *testing.T) {
	c, err := NewCollector(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop() without Start() = %v, want nil", err)
	}
}
