// Package verdict aggregates detector, rule and statistical signals into a
// single fraud verdict for a land record.
package verdict

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/landwatch/internal/detect"
	"github.com/opensource-finance/landwatch/internal/domain"
	"github.com/opensource-finance/landwatch/internal/outlier"
)

var tracer = otel.Tracer("landwatch/verdict")

// EngineVersion is stamped into verdict metadata.
const EngineVersion = "landwatch-1.0"

// Component names used in FraudVerdict.Components.
const (
	ComponentFraud       = "fraud"
	ComponentAnomaly     = "anomaly"
	ComponentRules       = "rules"
	ComponentStatistical = "statistical"
	ComponentClassifier  = "classifier"
)

// Aggregator blends component scores into a verdict.
type Aggregator struct {
	cfg domain.AggregatorConfig
}

// NewAggregator creates an aggregator with the given weights and cut points.
func NewAggregator(cfg domain.AggregatorConfig) *Aggregator {
	if cfg.ShortCircuitSeverity == "" {
		cfg.ShortCircuitSeverity = domain.SeverityHigh
	}
	return &Aggregator{cfg: cfg}
}

// Input contains every signal available for one record. Nil or empty
// signals are left out of the blend.
type Input struct {
	TenantID  string
	RecordID  string
	TraceID   string
	StartTime time.Time

	Fraud           *detect.FraudResult
	Anomaly         *detect.AnomalyResult
	RuleResults     []domain.RuleResult
	TypologyResults []domain.TypologyResult
	Outlier         *outlier.Result

	// ClassifierProbability overrides the outlier model's classifier.
	ClassifierProbability *float64

	FeaturesMs  int64
	DetectorsMs int64
	ScoringMs   int64
}

type component struct {
	name       string
	score      float64
	weight     float64
	confidence float64
}

// Aggregate produces the verdict. It always returns a complete verdict.
// When Input.TraceID is empty the trace ID of ctx's span, if any, is used.
func (a *Aggregator) Aggregate(ctx context.Context, in *Input) *domain.FraudVerdict {
	start := in.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	ctx, span := tracer.Start(ctx, "verdict.Aggregate")
	defer span.End()

	traceID := in.TraceID
	if sc := trace.SpanContextFromContext(ctx); traceID == "" && sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	var (
		components []component
		indicators []domain.Indicator
		// flagged records which sources independently declared fraud or anomaly.
		flagged = make(map[string]bool)
	)

	if in.Fraud != nil {
		components = append(components, component{ComponentFraud, in.Fraud.Score, a.cfg.FraudWeight, in.Fraud.Confidence})
		indicators = append(indicators, in.Fraud.Indicators...)
		flagged[domain.SourceFraudDetector] = in.Fraud.FraudDetected
	}

	if in.Anomaly != nil {
		components = append(components, component{ComponentAnomaly, in.Anomaly.Score, a.cfg.AnomalyWeight, in.Anomaly.Confidence})
		indicators = append(indicators, in.Anomaly.Indicators...)
		flagged[domain.SourceAnomalyDetector] = in.Anomaly.AnomalyDetected
	}

	if len(in.RuleResults) > 0 {
		agg := aggregateRules(in.RuleResults)
		score := agg.AggregateScore
		for _, t := range in.TypologyResults {
			if t.Triggered {
				score = math.Max(score, clamp01(t.Score))
			}
		}
		components = append(components, component{ComponentRules, score, a.cfg.RulesWeight, agg.Confidence})
		indicators = append(indicators, ruleIndicators(in.RuleResults)...)
		indicators = append(indicators, typologyIndicators(in.TypologyResults)...)
		flagged[domain.SourceRule] = agg.RulesTriggered > 0
		flagged[domain.SourceTypology] = true
	}

	classifierP := in.ClassifierProbability
	if in.Outlier != nil {
		o := in.Outlier
		components = append(components, component{ComponentStatistical, o.Score, a.cfg.StatisticalWeight, 0.5 + math.Abs(o.Score-0.5)})
		indicators = append(indicators, statisticalIndicators(o)...)
		flagged[domain.SourceStatistical] = o.IsAnomaly
		if classifierP == nil {
			classifierP = o.ClassifierProbability
		}
	}

	if classifierP != nil {
		p := clamp01(*classifierP)
		components = append(components, component{ComponentClassifier, p, a.cfg.ClassifierWeight, math.Max(p, 1-p)})
		if ind, ok := classifierIndicator(p); ok {
			indicators = append(indicators, ind)
		}
		flagged[domain.SourceClassifier] = p >= 0.5
	}

	// Blend with weights renormalised over the components present.
	var weighted, totalWeight, confidence float64
	scores := make(map[string]float64, len(components))
	for _, c := range components {
		scores[c.name] = c.score
		confidence += c.confidence
		if c.weight <= 0 {
			continue
		}
		weighted += c.weight * clamp01(c.score)
		totalWeight += c.weight
	}
	risk := 0.0
	if totalWeight > 0 {
		risk = 100 * weighted / totalWeight
	}
	risk = math.Min(math.Max(risk, 0), 100)
	if len(components) > 0 {
		confidence /= float64(len(components))
	}

	domain.SortIndicators(indicators)

	fraud := risk > a.cfg.FraudThreshold
	for _, ind := range indicators {
		if ind.Severity == domain.SeverityCritical {
			fraud = true
			break
		}
		if flagged[ind.Source] && ind.Severity.AtLeast(a.cfg.ShortCircuitSeverity) {
			fraud = true
			break
		}
	}

	v := &domain.FraudVerdict{
		ID:            uuid.New().String(),
		TenantID:      in.TenantID,
		RecordID:      in.RecordID,
		RiskScore:     risk,
		RiskLevel:     a.Level(risk),
		FraudDetected: fraud,
		Confidence:    confidence,
		Indicators:    indicators,
		Explanations:  explanations(indicators),
		Timestamp:     time.Now().UTC(),
		Components:    scores,
		Metadata: domain.VerdictMetadata{
			TraceID:         traceID,
			FeaturesMs:      in.FeaturesMs,
			DetectorsMs:     in.DetectorsMs,
			ScoringMs:       in.ScoringMs,
			RulesEvaluated:  len(in.RuleResults),
			StatisticalUsed: in.Outlier != nil,
			EngineVersion:   EngineVersion,
		},
	}
	if in.Outlier != nil {
		v.Metadata.ModelVersion = in.Outlier.ModelVersion
	}
	v.Metadata.TotalMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Float64("risk.score", risk),
		attribute.Bool("fraud.detected", fraud),
		attribute.Int("indicators", len(indicators)),
	)
	return v
}

// Level buckets a 0-100 risk score by the configured cut points.
func (a *Aggregator) Level(risk float64) domain.RiskLevel {
	switch {
	case risk >= a.cfg.CriticalCut:
		return domain.RiskCritical
	case risk >= a.cfg.HighCut:
		return domain.RiskHigh
	case risk >= a.cfg.MediumCut:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// RuleAggregate holds the aggregated custom rule results.
type RuleAggregate struct {
	AggregateScore float64
	TotalWeight    float64
	RulesTriggered int
	Confidence     float64 // share of rules that evaluated without error
}

// aggregateRules computes the weighted mean rule score.
func aggregateRules(results []domain.RuleResult) RuleAggregate {
	var agg RuleAggregate
	if len(results) == 0 {
		return agg
	}

	errored := 0
	for _, r := range results {
		if r.SubRuleRef == domain.RuleOutcomeError {
			errored++
			continue
		}
		weight := r.Weight
		if weight <= 0 {
			weight = 1.0
		}
		if r.SubRuleRef == domain.RuleOutcomeFail || r.SubRuleRef == domain.RuleOutcomeReview {
			agg.RulesTriggered++
		}
		agg.AggregateScore += clamp01(r.Score) * weight
		agg.TotalWeight += weight
	}

	if agg.TotalWeight > 0 {
		agg.AggregateScore /= agg.TotalWeight
	}
	agg.Confidence = float64(len(results)-errored) / float64(len(results))
	return agg
}

func ruleIndicators(results []domain.RuleResult) []domain.Indicator {
	var out []domain.Indicator
	for _, r := range results {
		var sev domain.Severity
		switch r.SubRuleRef {
		case domain.RuleOutcomeFail:
			sev = domain.SeverityHigh
		case domain.RuleOutcomeReview:
			sev = domain.SeverityMedium
		default:
			continue
		}
		desc := r.Reason
		if desc == "" {
			desc = fmt.Sprintf("rule %s matched", r.RuleID)
		}
		out = append(out, domain.Indicator{
			Type:        "rule",
			Source:      domain.SourceRule,
			Severity:    sev,
			Description: desc,
			Evidence:    []string{r.RuleID},
			Confidence:  0.9,
			Score:       r.Score,
		})
	}
	return out
}

func typologyIndicators(results []domain.TypologyResult) []domain.Indicator {
	var out []domain.Indicator
	for _, t := range results {
		if !t.Triggered {
			continue
		}
		var evidence []string
		for _, c := range t.Contributions {
			if c.Contribution > 0 {
				evidence = append(evidence, c.RuleID)
			}
		}
		name := t.TypologyName
		if name == "" {
			name = t.TypologyID
		}
		out = append(out, domain.Indicator{
			Type:        "typology",
			Source:      domain.SourceTypology,
			Severity:    domain.SeverityCritical,
			Description: fmt.Sprintf("record matches the %s pattern (score %.2f, threshold %.2f)", name, t.Score, t.Threshold),
			Evidence:    evidence,
			Confidence:  0.9,
			Score:       t.Score,
		})
	}
	return out
}

func statisticalIndicators(o *outlier.Result) []domain.Indicator {
	conf := 0.5 + math.Abs(o.Score-0.5)
	if o.IsAnomaly {
		sev := domain.SeverityMedium
		if o.Score >= 0.7 || (o.IsolationOutlier && o.DensityOutlier) {
			sev = domain.SeverityHigh
		}
		var methods []string
		if o.IsolationOutlier {
			methods = append(methods, "isolation")
		}
		if o.DensityOutlier {
			methods = append(methods, "density")
		}
		return []domain.Indicator{{
			Type:        "statistical_outlier",
			Source:      domain.SourceStatistical,
			Severity:    sev,
			Description: fmt.Sprintf("record is a statistical outlier (%s, score %.2f)", strings.Join(methods, "+"), o.Score),
			Evidence:    o.Explanations,
			Confidence:  conf,
			Score:       o.Score,
		}}
	}
	if o.ZScore.IsAnomaly {
		return []domain.Indicator{{
			Type:        "extreme_values",
			Source:      domain.SourceStatistical,
			Severity:    domain.SeverityLow,
			Description: fmt.Sprintf("features beyond the z-score threshold: %s", strings.Join(o.ZScore.Flagged, ", ")),
			Evidence:    o.ZScore.Flagged,
			Confidence:  conf,
			Score:       o.Score,
		}}
	}
	return nil
}

func classifierIndicator(p float64) (domain.Indicator, bool) {
	if p < 0.5 {
		return domain.Indicator{}, false
	}
	sev := domain.SeverityMedium
	if p >= 0.8 {
		sev = domain.SeverityHigh
	}
	return domain.Indicator{
		Type:        "classifier",
		Source:      domain.SourceClassifier,
		Severity:    sev,
		Description: fmt.Sprintf("fraud classifier probability %.2f", p),
		Confidence:  math.Max(p, 1-p),
		Score:       p,
	}, true
}

// explanations lists indicator descriptions in indicator order, with the
// statistical evidence lines after their indicator. Duplicates are dropped.
func explanations(indicators []domain.Indicator) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(indicators))
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, ind := range indicators {
		add(ind.Description)
		if ind.Source == domain.SourceStatistical && ind.Type == "statistical_outlier" {
			for _, e := range ind.Evidence {
				add(e)
			}
		}
	}
	return out
}

// ShouldAlert returns true if the verdict should trigger an alert.
func ShouldAlert(v *domain.FraudVerdict) bool {
	return v != nil && v.FraudDetected
}

// GetReasons extracts the rule reasons behind a verdict.
func GetReasons(v *domain.FraudVerdict) []string {
	var reasons []string
	for _, ind := range v.Indicators {
		if ind.Source == domain.SourceRule || ind.Source == domain.SourceTypology {
			reasons = append(reasons, ind.Description)
		}
	}
	return reasons
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
