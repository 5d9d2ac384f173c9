package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/landwatch/internal/analyzer"
	"github.com/opensource-finance/landwatch/internal/bus"
	"github.com/opensource-finance/landwatch/internal/domain"
	"github.com/opensource-finance/landwatch/internal/features"
	"github.com/opensource-finance/landwatch/internal/metrics"
	"github.com/opensource-finance/landwatch/internal/rules"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// recordingAnalyzer captures the records it is asked to analyze.
type recordingAnalyzer struct {
	mu      sync.Mutex
	calls   map[string]string // record id -> tenant
	fail    bool
	arrived chan struct{}
}

func newRecordingAnalyzer() *recordingAnalyzer {
	return &recordingAnalyzer{calls: make(map[string]string), arrived: make(chan struct{}, 10)}
}

func (a *recordingAnalyzer) Analyze(ctx context.Context, tenantID string, record *domain.LandRecord) (*domain.FraudVerdict, error) {
	a.mu.Lock()
	a.calls[record.ID] = tenantID
	a.mu.Unlock()
	a.arrived <- struct{}{}
	if a.fail {
		return nil, errors.New("analysis failed")
	}
	return &domain.FraudVerdict{ID: "v-" + record.ID, TenantID: tenantID, RecordID: record.ID}, nil
}

func (a *recordingAnalyzer) tenantFor(id string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.calls[id]
	return t, ok
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func publishRecord(t *testing.T, b domain.EventBus, subject string, record *domain.LandRecord) {
	t.Helper()
	if err := bus.PublishJSON(context.Background(), b, subject, domain.TopicRecordIngested, record); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, newRecordingAnalyzer(), nil)
		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicRecordIngested {
			t.Errorf("expected topic %s, got %s", domain.TopicRecordIngested, stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if w.GetStats().SubscriptionCount != 0 {
			t.Error("expected 0 subscriptions after stop")
		}
	})

	t.Run("ProcessRecord", func(t *testing.T) {
		a := newRecordingAnalyzer()
		m := metrics.NewWithRegistry(prometheus.NewRegistry())
		w := NewWorker(eventBus, a, m)
		if err := w.Start(Config{TenantIDs: []string{"tenant-test"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		// The subscription tenant wins over the record's own.
		publishRecord(t, eventBus, "tenant-test", &domain.LandRecord{ID: "rec-001", TenantID: "someone-else"})
		waitFor(t, a.arrived)

		tenant, ok := a.tenantFor("rec-001")
		if !ok {
			t.Fatal("expected record to be analyzed")
		}
		if tenant != "tenant-test" {
			t.Errorf("expected tenant-test, got %s", tenant)
		}

		deadline := time.Now().Add(time.Second)
		for counterValue(t, m.WorkerMessages.WithLabelValues("ok")) != 1 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if got := counterValue(t, m.WorkerMessages.WithLabelValues("ok")); got != 1 {
			t.Errorf("expected 1 ok message, got %f", got)
		}
	})

	t.Run("GlobalUsesRecordTenant", func(t *testing.T) {
		a := newRecordingAnalyzer()
		w := NewWorker(eventBus, a, nil)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		publishRecord(t, eventBus, GlobalTenant, &domain.LandRecord{ID: "rec-global", TenantID: "tenant-z"})
		waitFor(t, a.arrived)

		if tenant, _ := a.tenantFor("rec-global"); tenant != "tenant-z" {
			t.Errorf("expected tenant-z, got %q", tenant)
		}
	})

	t.Run("InvalidPayload", func(t *testing.T) {
		a := newRecordingAnalyzer()
		m := metrics.NewWithRegistry(prometheus.NewRegistry())
		w := NewWorker(eventBus, a, m)
		w.Start(Config{TenantIDs: []string{"tenant-bad"}})
		defer w.Stop()

		err := w.processRecord(context.Background(), "tenant-bad", &domain.Message{ID: "m1", Payload: []byte("{not json")})
		if err == nil {
			t.Error("expected decode error")
		}
		err = w.processRecord(context.Background(), "", &domain.Message{ID: "m2", Payload: []byte(`{"id":"rec-x"}`)})
		if err == nil {
			t.Error("expected error for record without tenant")
		}
		if got := counterValue(t, m.WorkerMessages.WithLabelValues("invalid")); got != 2 {
			t.Errorf("expected 2 invalid messages, got %f", got)
		}
	})

	t.Run("AnalysisError", func(t *testing.T) {
		a := newRecordingAnalyzer()
		a.fail = true
		m := metrics.NewWithRegistry(prometheus.NewRegistry())
		w := NewWorker(eventBus, a, m)

		payload, _ := json.Marshal(&domain.LandRecord{ID: "rec-err"})
		err := w.processRecord(context.Background(), "tenant-err", &domain.Message{ID: "m3", Payload: payload})
		if err == nil {
			t.Error("expected analysis error")
		}
		if got := counterValue(t, m.WorkerMessages.WithLabelValues("error")); got != 1 {
			t.Errorf("expected 1 error message, got %f", got)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, newRecordingAnalyzer(), nil)
		w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}})
		defer w.Stop()

		if got := w.GetStats().SubscriptionCount; got != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", got)
		}
	})
}

func TestWorkerPublishesAlert(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	cfg := domain.DefaultAnalysisConfig()
	builder := features.NewBuilder(cfg.Features)
	engine, err := rules.NewEngine(builder.FeatureNames(), nil, 2)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := engine.LoadRules(rules.DefaultRules()); err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}
	a, err := analyzer.New(cfg, analyzer.Deps{Builder: builder, Engine: engine, Bus: eventBus})
	if err != nil {
		t.Fatalf("analyzer.New failed: %v", err)
	}

	w := NewWorker(eventBus, a, nil)
	if err := w.Start(Config{TenantIDs: []string{"tenant-alert"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	alerts := make(chan struct{}, 1)
	_, err = eventBus.Subscribe(context.Background(), "tenant-alert", domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		var v domain.FraudVerdict
		if err := json.Unmarshal(msg.Payload, &v); err == nil && v.RecordID == "rec-self" {
			alerts <- struct{}{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Seller and buyer are the same party: a failing rule.
	publishRecord(t, eventBus, "tenant-alert", &domain.LandRecord{
		ID:         "rec-self",
		OwnerName:  "Lakshmi Pillai",
		SellerName: "lakshmi pillai",
		Documents:  []string{"sale_deed", "title_deed", "encumbrance_certificate"},
	})
	waitFor(t, alerts)
}

func TestWorkerServesRequests(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	rec := newRecordingAnalyzer()
	w := NewWorker(eventBus, rec, nil)
	if err := w.Start(Config{TenantIDs: []string{"tenant-rr"}, ServeRequests: true}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if got := w.GetStats().SubscriptionCount; got != 2 {
		t.Fatalf("expected ingest and request subscriptions, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, _ := json.Marshal(&domain.LandRecord{ID: "rec-rr"})
	raw, err := eventBus.Request(ctx, "tenant-rr", domain.TopicAnalyzeRequest, payload)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	var reply domain.AnalyzeReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatalf("failed to decode reply: %v", err)
	}
	if reply.Error != "" || reply.Verdict == nil || reply.Verdict.RecordID != "rec-rr" {
		t.Errorf("unexpected reply %+v", reply)
	}

	t.Run("Failure", func(t *testing.T) {
		rec.fail = true
		defer func() { rec.fail = false }()

		raw, err := eventBus.Request(ctx, "tenant-rr", domain.TopicAnalyzeRequest, payload)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		var reply domain.AnalyzeReply
		json.Unmarshal(raw, &reply)
		if reply.Error == "" || reply.Verdict != nil {
			t.Errorf("expected an error reply, got %+v", reply)
		}
	})
}
