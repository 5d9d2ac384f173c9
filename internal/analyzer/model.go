package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/landwatch/internal/bus"
	"github.com/opensource-finance/landwatch/internal/domain"
	"github.com/opensource-finance/landwatch/internal/outlier"
	"github.com/opensource-finance/landwatch/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoModel is returned by LoadModel when the tenant has no stored model.
var ErrNoModel = errors.New("no stored model")

// ModelInfo describes the current model of a tenant.
type ModelInfo struct {
	TenantID      string             `json:"tenantId"`
	Version       string             `json:"version"`
	TrainedAt     time.Time          `json:"trainedAt"`
	Samples       int                `json:"samples"`
	FeatureNames  []string           `json:"featureNames"`
	Importance    map[string]float64 `json:"importance"`
	Contamination float64            `json:"contamination"`
	HasDensity    bool               `json:"hasDensity"`
	HasClassifier bool               `json:"hasClassifier"`
}

func infoFor(tenantID string, m *outlier.Model) *ModelInfo {
	return &ModelInfo{
		TenantID:      tenantID,
		Version:       m.Version,
		TrainedAt:     m.TrainedAt,
		Samples:       m.Samples,
		FeatureNames:  m.FeatureNames,
		Importance:    m.Importance,
		Contamination: m.Contamination,
		HasDensity:    m.Density != nil,
		HasClassifier: m.Classifier != nil,
	}
}

// Train fits a new outlier model on records and makes it current for the
// tenant. labels may be nil; when given they must match records and enable
// the supervised classifier. The encoded model is persisted when a
// repository is configured.
func (a *Analyzer) Train(ctx context.Context, tenantID string, records []*domain.LandRecord, labels []bool) (*ModelInfo, error) {
	if labels != nil && len(labels) != len(records) {
		return nil, fmt.Errorf("%w: %d labels for %d records", ErrLabelMismatch, len(labels), len(records))
	}

	ctx, span := a.tracer.Start(ctx, "analyzer.Train",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Int("model.samples", len(records)),
		),
	)
	defer span.End()

	start := time.Now()
	rows := a.builder.Matrix(records)

	scorer := a.scorerFor(tenantID)
	model, err := outlier.Fit(a.cfg.Scorer, a.builder.FeatureNames(), rows, labels)
	if err != nil {
		spanError(span, err)
		return nil, fmt.Errorf("failed to fit model: %w", err)
	}

	if a.repo != nil {
		data, err := outlier.EncodeModel(model)
		if err != nil {
			spanError(span, err)
			return nil, fmt.Errorf("failed to encode model: %w", err)
		}
		blob := &domain.ModelBlob{
			Version:   model.Version,
			TenantID:  tenantID,
			Samples:   model.Samples,
			Data:      data,
			CreatedAt: model.TrainedAt,
		}
		if err := a.repo.SaveModel(ctx, tenantID, blob); err != nil {
			spanError(span, err)
			return nil, fmt.Errorf("failed to save model: %w", err)
		}
	}

	// Swap only after the model is durable.
	scorer.Load(model)
	info := infoFor(tenantID, model)

	if a.metrics != nil {
		a.metrics.ModelsTrained.Inc()
		a.metrics.ModelSamples.Set(float64(model.Samples))
	}

	if a.bus != nil {
		if err := bus.PublishJSON(ctx, a.bus, tenantID, domain.TopicModelTrained, info); err != nil {
			slog.Warn("failed to publish model trained event", "version", model.Version, "error", err)
		}
	}

	slog.Info("outlier model trained",
		"tenant_id", tenantID,
		"version", model.Version,
		"samples", model.Samples,
		"classifier", model.Classifier != nil,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return info, nil
}

// TrainFromRepository fits a model on the tenant's most recent stored records.
func (a *Analyzer) TrainFromRepository(ctx context.Context, tenantID string, limit int) (*ModelInfo, error) {
	if a.repo == nil {
		return nil, errors.New("no repository configured")
	}
	records, err := a.repo.ListRecords(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return a.Train(ctx, tenantID, records, nil)
}

// LoadModel restores the tenant's latest stored model. It returns
// ErrNoModel when nothing is stored.
func (a *Analyzer) LoadModel(ctx context.Context, tenantID string) (*ModelInfo, error) {
	if a.repo == nil {
		return nil, ErrNoModel
	}

	blob, err := a.repo.GetLatestModel(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoModel
		}
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	model, err := outlier.DecodeModel(blob.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode model %s: %w", blob.Version, err)
	}

	if names := a.builder.FeatureNames(); !sameNames(names, model.FeatureNames) {
		return nil, &outlier.SchemaMismatchError{Expected: len(model.FeatureNames), Got: len(names)}
	}

	a.scorerFor(tenantID).Load(model)
	slog.Info("outlier model loaded",
		"tenant_id", tenantID,
		"version", model.Version,
		"samples", model.Samples,
	)
	return infoFor(tenantID, model), nil
}

// ModelInfo returns the tenant's current model, or nil before training.
func (a *Analyzer) ModelInfo(tenantID string) *ModelInfo {
	m := a.scorerFor(tenantID).Model()
	if m == nil {
		return nil
	}
	return infoFor(tenantID, m)
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
