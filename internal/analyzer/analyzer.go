// Package analyzer runs the full land-record analysis: features, document
// detectors, custom rules and typologies, the statistical scorer and the
// verdict blend.
package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/landwatch/internal/bus"
	"github.com/opensource-finance/landwatch/internal/detect"
	"github.com/opensource-finance/landwatch/internal/domain"
	"github.com/opensource-finance/landwatch/internal/features"
	"github.com/opensource-finance/landwatch/internal/metrics"
	"github.com/opensource-finance/landwatch/internal/outlier"
	"github.com/opensource-finance/landwatch/internal/rules"
	"github.com/opensource-finance/landwatch/internal/verdict"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidRecord is returned for a nil record or one without an ID.
	ErrInvalidRecord = errors.New("record id is required")

	// ErrLabelMismatch is returned when training labels do not line up with records.
	ErrLabelMismatch = errors.New("labels must match records one to one")
)

// Deps are the collaborators of an Analyzer. Only Builder is required.
type Deps struct {
	Builder    *features.Builder
	Engine     *rules.Engine
	Typologies *rules.TypologyEngine
	Repo       domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Now        func() time.Time

	// Velocity counts survey registrations and submissions. Each call
	// records one submission.
	Velocity rules.VelocityGetter
}

// Analyzer produces fraud verdicts for land records.
type Analyzer struct {
	cfg        domain.AnalysisConfig
	builder    *features.Builder
	fraud      *detect.FraudDetector
	anomaly    *detect.AnomalyDetector
	engine     *rules.Engine
	typologies *rules.TypologyEngine
	aggregator *verdict.Aggregator
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	now        func() time.Time
	velocity   rules.VelocityGetter

	mu      sync.RWMutex
	scorers map[string]*outlier.Scorer // per tenant
}

// New creates an analyzer.
func New(cfg domain.AnalysisConfig, deps Deps) (*Analyzer, error) {
	if deps.Builder == nil {
		return nil, errors.New("feature builder is required")
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("landwatch/analyzer")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = 8
	}

	return &Analyzer{
		cfg:        cfg,
		builder:    deps.Builder,
		fraud:      detect.NewFraudDetector(cfg.Fraud),
		anomaly:    detect.NewAnomalyDetector(cfg.Anomaly),
		engine:     deps.Engine,
		typologies: deps.Typologies,
		aggregator: verdict.NewAggregator(cfg.Aggregator),
		repo:       deps.Repo,
		cache:      deps.Cache,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		now:        deps.Now,
		velocity:   deps.Velocity,
		scorers:    make(map[string]*outlier.Scorer),
	}, nil
}

// Analyze produces a verdict for one record. Scorer failures degrade to a
// verdict without the statistical component; they are never returned.
func (a *Analyzer) Analyze(ctx context.Context, tenantID string, record *domain.LandRecord) (*domain.FraudVerdict, error) {
	if record == nil || record.ID == "" {
		return nil, ErrInvalidRecord
	}

	start := a.now()
	ctx, span := a.tracer.Start(ctx, "analyzer.Analyze",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("record.id", record.ID),
		),
	)
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	if !span.SpanContext().TraceID().IsValid() {
		traceID = ""
	}

	scorer := a.scorerFor(tenantID)
	model := scorer.Model()

	// Persist and count before the cache lookup: every submission moves
	// the survey counters, including ones answered from cache.
	if a.repo != nil {
		if err := a.repo.SaveRecord(ctx, tenantID, record); err != nil {
			slog.Warn("failed to save record",
				"record_id", record.ID,
				"tenant_id", tenantID,
				"error", err,
			)
		}
	}
	counts := a.velocityCounts(ctx, tenantID, record)

	fingerprint := ""
	if a.cache != nil && a.cfg.VerdictCacheTTL > 0 {
		fingerprint = cacheKey(record, model, counts)
		if cached := a.cachedVerdict(ctx, tenantID, fingerprint); cached != nil {
			span.SetAttributes(attribute.Bool("verdict.cached", true))
			return cached, nil
		}
	}

	// 1. Features
	featStart := time.Now()
	vector := a.builder.Build(record)
	featuresMs := time.Since(featStart).Milliseconds()

	// 2. Document detectors
	detStart := time.Now()
	var fraudRes *detect.FraudResult
	var anomalyRes *detect.AnomalyResult
	if record.DocumentText != "" {
		f, an := a.DetectText(record.DocumentText)
		fraudRes, anomalyRes = &f, &an
	}

	// 3. Custom rules and typologies
	var ruleResults []domain.RuleResult
	var typologyResults []domain.TypologyResult
	if a.engine != nil && a.engine.RulesCount() > 0 {
		var err error
		ruleResults, err = a.engine.EvaluateAll(ctx, &rules.EvaluateInput{
			TenantID:       tenantID,
			Record:         record,
			Features:       vector,
			History:        rules.Summarize(record, a.now()),
			VelocityWindow: a.cfg.VelocityWindow,
			Velocity:       counts,
		})
		if err != nil {
			slog.Error("rule evaluation failed",
				"record_id", record.ID,
				"tenant_id", tenantID,
				"error", err,
			)
		}
		a.countRuleErrors(ruleResults)

		if a.typologies != nil && a.typologies.TypologyCount() > 0 {
			typologyResults = a.typologies.EvaluateTypologies(ruleResults)
		}
	}
	detectorsMs := time.Since(detStart).Milliseconds()

	// 4. Statistical scorer
	scoreStart := time.Now()
	var outlierRes *outlier.Result
	if model != nil {
		res, err := model.Predict(vector)
		if err != nil {
			a.fallback(record.ID, tenantID, err)
		} else {
			outlierRes = res
		}
	} else {
		a.fallback(record.ID, tenantID, outlier.ErrNotTrained)
	}
	scoringMs := time.Since(scoreStart).Milliseconds()

	// 5. Blend
	v := a.aggregator.Aggregate(ctx, &verdict.Input{
		TenantID:        tenantID,
		RecordID:        record.ID,
		TraceID:         traceID,
		StartTime:       start,
		Fraud:           fraudRes,
		Anomaly:         anomalyRes,
		RuleResults:     ruleResults,
		TypologyResults: typologyResults,
		Outlier:         outlierRes,
		FeaturesMs:      featuresMs,
		DetectorsMs:     detectorsMs,
		ScoringMs:       scoringMs,
	})

	span.SetAttributes(
		attribute.Float64("verdict.risk_score", v.RiskScore),
		attribute.Bool("verdict.fraud_detected", v.FraudDetected),
	)

	a.record(ctx, tenantID, fingerprint, v)

	slog.Debug("record analyzed",
		"record_id", record.ID,
		"tenant_id", tenantID,
		"risk_score", v.RiskScore,
		"risk_level", v.RiskLevel,
		"fraud_detected", v.FraudDetected,
		"duration_ms", v.Metadata.TotalMs,
	)

	return v, nil
}

// AnalyzeBatch analyzes records concurrently. Verdicts are returned in
// input order; the first error cancels the rest.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, tenantID string, records []*domain.LandRecord) ([]*domain.FraudVerdict, error) {
	verdicts := make([]*domain.FraudVerdict, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.BatchWorkers)

	for i, rec := range records {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := a.Analyze(gctx, tenantID, rec)
			if err != nil {
				id := ""
				if rec != nil {
					id = rec.ID
				}
				return fmt.Errorf("record %d (%s): %w", i, id, err)
			}
			verdicts[i] = v
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return verdicts, nil
}

// DetectText runs only the document detectors.
func (a *Analyzer) DetectText(text string) (detect.FraudResult, detect.AnomalyResult) {
	return a.fraud.Detect(text), a.anomaly.Detect(text)
}

// FeatureNames returns the ordered feature names.
func (a *Analyzer) FeatureNames() []string {
	return a.builder.FeatureNames()
}

// Features builds the feature vector for a record.
func (a *Analyzer) Features(record *domain.LandRecord) domain.FeatureVector {
	return a.builder.Build(record)
}

func (a *Analyzer) scorerFor(tenantID string) *outlier.Scorer {
	a.mu.RLock()
	s, ok := a.scorers[tenantID]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.scorers[tenantID]; ok {
		return s
	}
	s = outlier.NewScorer(a.cfg.Scorer)
	a.scorers[tenantID] = s
	return s
}

func (a *Analyzer) cachedVerdict(ctx context.Context, tenantID, fingerprint string) *domain.FraudVerdict {
	v, err := a.cache.GetVerdict(ctx, tenantID, fingerprint)
	if err != nil {
		slog.Warn("verdict cache lookup failed", "tenant_id", tenantID, "error", err)
		return nil
	}
	if a.metrics != nil {
		if v != nil {
			a.metrics.VerdictCacheHits.Inc()
		} else {
			a.metrics.VerdictCacheMisses.Inc()
		}
	}
	if v != nil {
		v.Metadata.Cached = true
	}
	return v
}

func (a *Analyzer) fallback(recordID, tenantID string, err error) {
	reason := "error"
	switch {
	case errors.Is(err, outlier.ErrNotTrained):
		reason = "not_trained"
		slog.Debug("statistical model not trained, using rule-based verdict",
			"record_id", recordID,
			"tenant_id", tenantID,
		)
	case errors.Is(err, outlier.ErrSchemaMismatch):
		reason = "schema_mismatch"
		slog.Warn("feature schema does not match model, using rule-based verdict",
			"record_id", recordID,
			"tenant_id", tenantID,
			"error", err,
		)
	default:
		slog.Warn("statistical scoring failed, using rule-based verdict",
			"record_id", recordID,
			"tenant_id", tenantID,
			"error", err,
		)
	}
	if a.metrics != nil {
		a.metrics.ScorerFallbacks.WithLabelValues(reason).Inc()
	}
}

func (a *Analyzer) countRuleErrors(results []domain.RuleResult) {
	if a.metrics == nil {
		return
	}
	for _, r := range results {
		if r.SubRuleRef == domain.RuleOutcomeError {
			a.metrics.RuleErrors.Inc()
		}
	}
}

// record persists, caches, publishes and counts a fresh verdict.
func (a *Analyzer) record(ctx context.Context, tenantID, fingerprint string, v *domain.FraudVerdict) {
	if a.repo != nil {
		if err := a.repo.SaveVerdict(ctx, tenantID, v); err != nil {
			slog.Error("failed to save verdict",
				"verdict_id", v.ID,
				"record_id", v.RecordID,
				"error", err,
			)
		}
	}

	if fingerprint != "" {
		if err := a.cache.SetVerdict(ctx, tenantID, fingerprint, v, a.cfg.VerdictCacheTTL); err != nil {
			slog.Warn("failed to cache verdict", "verdict_id", v.ID, "error", err)
		}
	}

	if a.bus != nil {
		if err := bus.PublishJSON(ctx, a.bus, tenantID, domain.TopicVerdict, v); err != nil {
			slog.Error("failed to publish verdict", "verdict_id", v.ID, "error", err)
		}
		if verdict.ShouldAlert(v) {
			if err := bus.PublishJSON(ctx, a.bus, tenantID, domain.TopicAlert, v); err != nil {
				slog.Error("failed to publish alert", "verdict_id", v.ID, "error", err)
			}
		}
	}

	if a.metrics != nil {
		a.metrics.AnalysesTotal.WithLabelValues(string(v.RiskLevel), strconv.FormatBool(v.FraudDetected)).Inc()
		a.metrics.RiskScore.Observe(v.RiskScore)
		a.metrics.AnalysisDuration.Observe(float64(v.Metadata.TotalMs) / 1000)
	}
}

// Fingerprint hashes the analysed content of a record. Tenant and storage
// timestamps do not contribute.
func Fingerprint(record *domain.LandRecord) string {
	c := *record
	c.TenantID = ""
	c.CreatedAt = time.Time{}
	data, _ := json.Marshal(&c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// cacheKey covers every input of a verdict: the record, the model version
// and, when taken, the survey counts.
func cacheKey(record *domain.LandRecord, model *outlier.Model, counts *rules.VelocityCounts) string {
	version := "untrained"
	if model != nil {
		version = model.Version
	}
	key := Fingerprint(record) + ":" + version
	if counts != nil {
		key += fmt.Sprintf(":r%d:s%d", counts.Registrations, counts.Submissions)
	}
	return key
}

// velocityCounts takes the survey counts for record, recording this
// submission. It returns nil when velocity does not apply. A failed lookup
// yields whatever was counted so the engine does not count again.
func (a *Analyzer) velocityCounts(ctx context.Context, tenantID string, record *domain.LandRecord) *rules.VelocityCounts {
	if a.velocity == nil || a.cfg.VelocityWindow <= 0 || strings.TrimSpace(record.SurveyNumber) == "" {
		return nil
	}
	reg, sub, err := a.velocity(ctx, tenantID, record.SurveyNumber, a.cfg.VelocityWindow)
	if err != nil {
		slog.Warn("survey velocity unavailable",
			"record_id", record.ID,
			"tenant_id", tenantID,
			"error", err,
		)
	}
	return &rules.VelocityCounts{Registrations: reg, Submissions: sub}
}

// spanError marks span as failed.
func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
