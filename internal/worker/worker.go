// Package worker analyzes land records ingested through the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/landwatch/internal/domain"
	"github.com/opensource-finance/landwatch/internal/metrics"
)

// GlobalTenant is the subscription used when no tenants are configured.
// Records are then attributed to the tenant of each message.
const GlobalTenant = "_global"

// Analyzer produces a verdict for one record. The analyzer persists and
// publishes the verdict itself.
type Analyzer interface {
	Analyze(ctx context.Context, tenantID string, record *domain.LandRecord) (*domain.FraudVerdict, error)
}

// Worker consumes TopicRecordIngested and runs each record through the
// analyzer. Optionally it also answers TopicAnalyzeRequest.
type Worker struct {
	bus      domain.EventBus
	analyzer Analyzer
	metrics  *metrics.Metrics

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to consume. Empty subscribes to
	// GlobalTenant and takes the tenant from each record.
	TenantIDs []string

	// ServeRequests also answers synchronous analysis requests.
	ServeRequests bool
}

// NewWorker creates a new async worker. m may be nil.
func NewWorker(bus domain.EventBus, analyzer Analyzer, m *metrics.Metrics) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		analyzer: analyzer,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes for the given tenants. A tenant whose subscription fails
// is logged and skipped.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		if err := w.subscribe(GlobalTenant, "", cfg.ServeRequests); err != nil {
			return err
		}
		slog.Info("global worker started", "serve_requests", cfg.ServeRequests)
		return nil
	}

	started := 0
	for _, tenantID := range cfg.TenantIDs {
		if err := w.subscribe(tenantID, tenantID, cfg.ServeRequests); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		started++
	}
	if started == 0 {
		return errors.New("no tenant subscriptions could be started")
	}

	slog.Info("workers started",
		"tenant_count", started,
		"serve_requests", cfg.ServeRequests,
	)
	return nil
}

// subscribe listens on the subject tenant. fixedTenant, when set, overrides
// the tenant carried by each record.
func (w *Worker) subscribe(subject, fixedTenant string, serveRequests bool) error {
	topics := []string{domain.TopicRecordIngested}
	if serveRequests {
		topics = append(topics, domain.TopicAnalyzeRequest)
	}

	for _, topic := range topics {
		handle := w.processRecord
		if topic == domain.TopicAnalyzeRequest {
			handle = w.processRequest
		}
		sub, err := w.bus.Subscribe(w.ctx, subject, topic, func(ctx context.Context, msg *domain.Message) error {
			return handle(ctx, fixedTenant, msg)
		})
		if err != nil {
			return err
		}

		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()

		slog.Info("tenant worker started",
			"tenant_id", subject,
			"topic", topic,
		)
	}
	return nil
}

// decode reads the record of msg and resolves the tenant to analyze it
// under.
func (w *Worker) decode(fixedTenant string, msg *domain.Message) (*domain.LandRecord, string, error) {
	var record domain.LandRecord
	if err := json.Unmarshal(msg.Payload, &record); err != nil {
		return nil, "", fmt.Errorf("failed to parse record message %s: %w", msg.ID, err)
	}

	tenantID := fixedTenant
	if tenantID == "" {
		tenantID = record.TenantID
	}
	if tenantID == "" || tenantID == GlobalTenant {
		return nil, "", fmt.Errorf("message %s carries no tenant", msg.ID)
	}
	return &record, tenantID, nil
}

// processRecord decodes and analyzes one ingested record.
func (w *Worker) processRecord(ctx context.Context, tenantID string, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	start := time.Now()
	traceID := msg.Metadata[domain.MetadataTraceID]

	record, tenantID, err := w.decode(tenantID, msg)
	if err != nil {
		slog.Error("invalid record message",
			"message_id", msg.ID,
			"error", err,
		)
		w.count("invalid")
		return err
	}

	v, err := w.analyzer.Analyze(ctx, tenantID, record)
	if err != nil {
		slog.Error("record analysis failed",
			"record_id", record.ID,
			"tenant_id", tenantID,
			"trace_id", traceID,
			"error", err,
		)
		w.count("error")
		return err
	}
	w.count("ok")

	slog.Info("record processed",
		"record_id", record.ID,
		"tenant_id", tenantID,
		"trace_id", traceID,
		"risk_score", v.RiskScore,
		"fraud_detected", v.FraudDetected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// processRequest analyzes a record and replies with the verdict or the
// failure.
func (w *Worker) processRequest(ctx context.Context, tenantID string, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	var reply domain.AnalyzeReply
	record, tenantID, err := w.decode(tenantID, msg)
	if err != nil {
		w.count("invalid")
		reply.Error = err.Error()
	} else if v, err := w.analyzer.Analyze(ctx, tenantID, record); err != nil {
		w.count("error")
		reply.Error = err.Error()
	} else {
		w.count("ok")
		reply.Verdict = v
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	if err := w.bus.Reply(ctx, msg, payload); err != nil {
		slog.Error("failed to reply",
			"message_id", msg.ID,
			"trace_id", msg.Metadata[domain.MetadataTraceID],
			"error", err,
		)
		return err
	}
	return nil
}

func (w *Worker) count(result string) {
	if w.metrics != nil {
		w.metrics.WorkerMessages.WithLabelValues(result).Inc()
	}
}

// Stop unsubscribes and waits for in-flight records.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
