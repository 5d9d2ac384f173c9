// Package features turns land records into fixed-schema numeric vectors.
package features

import (
	"math"
	"time"

	"github.com/opensource-finance/landwatch/internal/domain"
)

// Builder converts land records into feature vectors.
// It is safe for concurrent use.
type Builder struct {
	cfg   domain.FeatureConfig
	now   func() time.Time
	names []string
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the time source used by temporal features.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// group computes one independent family of features.
type group func(b *Builder, r *domain.NormalizedRecord, out *emitter)

// groups in computation order. The order fixes FeatureNames.
var groups = []group{
	priceFeatures,
	documentFeatures,
	temporalFeatures,
	ownerFeatures,
	surveyFeatures,
	transactionFeatures,
}

// NewBuilder creates a feature builder.
func NewBuilder(cfg domain.FeatureConfig, opts ...Option) *Builder {
	b := &Builder{
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	// Names are the keys of any record, in first-computation order.
	probe := newEmitter()
	empty := domain.NormalizedRecord{}
	for _, g := range groups {
		g(b, &empty, probe)
	}
	b.names = probe.names

	return b
}

// Build returns the feature vector for a record. It never fails: missing or
// malformed fields degrade to their defaults.
func (b *Builder) Build(record *domain.LandRecord) domain.FeatureVector {
	n := record.Normalize()
	return b.BuildNormalized(&n)
}

// BuildNormalized is Build for an already normalized record.
func (b *Builder) BuildNormalized(n *domain.NormalizedRecord) domain.FeatureVector {
	out := newEmitter()
	for _, g := range groups {
		g(b, n, out)
	}
	return out.values
}

// FeatureNames returns the ordered feature names. The slice is a copy.
func (b *Builder) FeatureNames() []string {
	names := make([]string, len(b.names))
	copy(names, b.names)
	return names
}

// Matrix builds vectors for many records as dense rows in FeatureNames order.
func (b *Builder) Matrix(records []*domain.LandRecord) [][]float64 {
	rows := make([][]float64, len(records))
	for i, r := range records {
		rows[i] = b.Build(r).Values(b.names)
	}
	return rows
}

type emitter struct {
	names  []string
	values domain.FeatureVector
}

func newEmitter() *emitter {
	return &emitter{values: make(domain.FeatureVector, 48)}
}

// MaxMagnitude bounds every feature value. Larger magnitudes, including
// infinities from extreme inputs, are clamped to it and NaN becomes 0, so
// vectors stay finite and their squares cannot overflow during fitting.
const MaxMagnitude = 1e15

func (e *emitter) set(name string, v float64) {
	if _, ok := e.values[name]; !ok {
		e.names = append(e.names, name)
	}
	e.values[name] = bounded(v)
}

func bounded(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > MaxMagnitude:
		return MaxMagnitude
	case v < -MaxMagnitude:
		return -MaxMagnitude
	}
	return v
}

func (e *emitter) flag(name string, b bool) {
	e.set(name, domain.Bool(b))
}
