package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestMetrics(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	t.Run("Counters", func(t *testing.T) {
		m.AnalysesTotal.WithLabelValues("high", "true").Inc()
		m.AnalysesTotal.WithLabelValues("high", "true").Inc()
		if got := counterValue(t, m.AnalysesTotal.WithLabelValues("high", "true")); got != 2 {
			t.Errorf("expected 2 analyses, got %f", got)
		}

		m.VerdictCacheHits.Inc()
		if got := counterValue(t, m.VerdictCacheHits); got != 1 {
			t.Errorf("expected 1 cache hit, got %f", got)
		}
	})

	t.Run("Handler", func(t *testing.T) {
		m.ScorerFallbacks.WithLabelValues("not_trained").Inc()

		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		body, _ := io.ReadAll(rec.Body)
		for _, name := range []string{
			"landwatch_analyses_total",
			"landwatch_verdict_cache_hits_total",
			`landwatch_scorer_fallbacks_total{reason="not_trained"} 1`,
		} {
			if !strings.Contains(string(body), name) {
				t.Errorf("expected %s in exposition", name)
			}
		}
	})
}

func TestNewRegistersRuntimeCollectors(t *testing.T) {
	m := New()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "go_goroutines" {
			found = true
		}
	}
	if !found {
		t.Error("expected go runtime collector")
	}
}
