// Package outlier implements the statistical outlier scorer: a Z-score
// model, an isolation forest and a density signal fitted over feature
// vectors, plus an optional logistic classifier for labelled data.
package outlier

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/landwatch/internal/domain"
)

// Model is an immutable fitted scorer snapshot. It is safe for concurrent
// reads; re-fitting produces a new Model.
type Model struct {
	Format    string    `json:"format"`
	Version   string    `json:"version"`
	TrainedAt time.Time `json:"trainedAt"`
	Samples   int       `json:"samples"`

	FeatureNames []string           `json:"featureNames"`
	Mean         []float64          `json:"mean"`
	Std          []float64          `json:"std"`
	Variance     []float64          `json:"variance"`
	Importance   map[string]float64 `json:"importance"`

	Contamination   float64 `json:"contamination"`
	ZScoreThreshold float64 `json:"zScoreThreshold"`
	Epsilon         float64 `json:"epsilon"`
	ExplanationZ    float64 `json:"explanationZ"`
	ExplanationTopK int     `json:"explanationTopK"`
	MaxExplanations int     `json:"maxExplanations"`

	Forest     Forest      `json:"forest"`
	Density    *Density    `json:"density,omitempty"`
	Classifier *Classifier `json:"classifier,omitempty"`
}

// ZScoreResult is the per-record Z-score report.
type ZScoreResult struct {
	IsAnomaly bool      `json:"isAnomaly"`
	MaxZ      float64   `json:"maxZ"`
	Flagged   []string  `json:"flagged,omitempty"` // features over threshold, in model order
	Scores    []float64 `json:"scores"`
}

// Result is the outcome of scoring one feature vector.
type Result struct {
	IsAnomaly bool `json:"isAnomaly"`

	// Score is the normalized outlier score: 0 normal, 1 highly anomalous.
	Score    float64 `json:"score"`
	RawScore float64 `json:"rawScore"`

	IsolationOutlier bool         `json:"isolationOutlier"`
	DensityOutlier   bool         `json:"densityOutlier"`
	ZScore           ZScoreResult `json:"zScore"`

	// ClassifierProbability is set only when the model carries a classifier.
	ClassifierProbability *float64 `json:"classifierProbability,omitempty"`

	Explanations []string `json:"explanations,omitempty"`
	ModelVersion string   `json:"modelVersion"`
}

// Fit trains a model over rows laid out in names order. labels may be nil;
// when given they must align with rows.
func Fit(cfg domain.ScorerConfig, names []string, rows [][]float64, labels []bool) (*Model, error) {
	if len(rows) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrInsufficientData, len(rows))
	}
	dims := len(names)
	if dims == 0 {
		return nil, fmt.Errorf("%w: no features", ErrSchemaMismatch)
	}
	for i, row := range rows {
		if len(row) != dims {
			return nil, fmt.Errorf("%w: row %d has %d values, expected %d", ErrSchemaMismatch, i, len(row), dims)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("outlier: row %d feature %s is not finite", i, names[j])
			}
		}
	}
	if labels != nil && len(labels) != len(rows) {
		return nil, fmt.Errorf("outlier: %d labels for %d rows", len(labels), len(rows))
	}

	contamination := cfg.Contamination
	if contamination <= 0 || contamination > 0.5 {
		contamination = 0.1
	}

	eps := cfg.Epsilon
	if eps <= 0 {
		eps = 1e-10
	}

	mean, std, variance := meanStd(rows, dims)
	m := &Model{
		Format:          ModelFormat,
		Version:         uuid.NewString(),
		TrainedAt:       time.Now().UTC(),
		Samples:         len(rows),
		FeatureNames:    append([]string(nil), names...),
		Mean:            mean,
		Std:             std,
		Variance:        variance,
		Importance:      importance(names, variance),
		Contamination:   contamination,
		ZScoreThreshold: cfg.ZScoreThreshold,
		Epsilon:         eps,
		ExplanationZ:    cfg.ExplanationZ,
		ExplanationTopK: cfg.ExplanationTopK,
		MaxExplanations: cfg.MaxExplanations,
	}

	scaled := make([][]float64, len(rows))
	for i, row := range rows {
		scaled[i] = m.standardize(row)
	}

	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)^0x9e3779b97f4a7c15))
	m.Forest = fitForest(scaled, cfg.Trees, cfg.SampleSize, contamination, rng)
	m.Density = fitDensity(scaled, cfg.DensityMinSamples, cfg.DensityEps, cfg.DensityEpsQuantile, rng)
	if labels != nil {
		m.Classifier = fitClassifier(scaled, labels, cfg.ClassifierIterations, cfg.ClassifierRate, cfg.ClassifierL2)
	}

	return m, nil
}

// importance is the training variance normalised to sum to 1.
func importance(names []string, variance []float64) map[string]float64 {
	total := 0.0
	for _, v := range variance {
		total += v
	}
	out := make(map[string]float64, len(names))
	for j, name := range names {
		if total > 0 {
			out[name] = variance[j] / total
		} else {
			out[name] = 1 / float64(len(names))
		}
	}
	return out
}

// standardize scales x by the training mean and std; constant features
// scale by 1.
func (m *Model) standardize(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		s := m.Std[j]
		if s == 0 {
			s = 1
		}
		out[j] = (v - m.Mean[j]) / s
	}
	return out
}

// Predict scores a feature vector whose keys must equal the model's.
func (m *Model) Predict(v domain.FeatureVector) (*Result, error) {
	if m == nil {
		return nil, ErrNotTrained
	}
	if !v.SameKeys(m.FeatureNames) {
		return nil, m.mismatch(v)
	}
	return m.PredictValues(v.Values(m.FeatureNames))
}

// PredictValues scores a dense row in FeatureNames order.
func (m *Model) PredictValues(x []float64) (*Result, error) {
	if m == nil {
		return nil, ErrNotTrained
	}
	if len(x) != len(m.FeatureNames) {
		return nil, &SchemaMismatchError{Expected: len(m.FeatureNames), Got: len(x)}
	}

	scaled := m.standardize(x)
	raw := m.Forest.decision(scaled)

	res := &Result{
		RawScore:         raw,
		Score:            clip(0.5-raw, 0, 1),
		IsolationOutlier: raw < 0,
		ZScore:           m.ZScore(x, m.ZScoreThreshold),
		ModelVersion:     m.Version,
	}
	if m.Density != nil {
		res.DensityOutlier = m.Density.isNoise(scaled)
	}
	res.IsAnomaly = res.IsolationOutlier || res.DensityOutlier

	if m.Classifier != nil {
		p := m.Classifier.probability(scaled)
		res.ClassifierProbability = &p
	}

	if res.IsAnomaly {
		res.Explanations = m.explain(x, scaled)
	}
	return res, nil
}

// ZScore computes |x - mean| / (std + eps) per feature against threshold.
func (m *Model) ZScore(x []float64, threshold float64) ZScoreResult {
	res := ZScoreResult{Scores: make([]float64, len(x))}
	for j, v := range x {
		z := math.Abs(v-m.Mean[j]) / (m.Std[j] + m.Epsilon)
		res.Scores[j] = z
		if z > res.MaxZ {
			res.MaxZ = z
		}
		if z > threshold {
			res.Flagged = append(res.Flagged, m.FeatureNames[j])
		}
	}
	res.IsAnomaly = len(res.Flagged) > 0
	return res
}

// explain lists features far from the training mean, then the most
// variable training features, capped at MaxExplanations.
func (m *Model) explain(x, scaled []float64) []string {
	var out []string
	for j, z := range scaled {
		if math.Abs(z) <= m.ExplanationZ {
			continue
		}
		direction := "high"
		if z < 0 {
			direction = "low"
		}
		out = append(out, fmt.Sprintf("%s is unusually %s (%.2f, z-score %.2f)", m.FeatureNames[j], direction, x[j], z))
	}

	for _, name := range m.topVariance(m.ExplanationTopK) {
		out = append(out, fmt.Sprintf("%s is among the most variable features in the reference data", name))
	}

	if m.MaxExplanations > 0 && len(out) > m.MaxExplanations {
		out = out[:m.MaxExplanations]
	}
	return out
}

// topVariance returns the k feature names with the largest training
// variance, ties broken by name.
func (m *Model) topVariance(k int) []string {
	idx := make([]int, len(m.FeatureNames))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		va, vb := m.Variance[idx[a]], m.Variance[idx[b]]
		if va != vb {
			return va > vb
		}
		return m.FeatureNames[idx[a]] < m.FeatureNames[idx[b]]
	})
	if k > len(idx) {
		k = len(idx)
	}
	if k < 0 {
		k = 0
	}
	names := make([]string, k)
	for i := 0; i < k; i++ {
		names[i] = m.FeatureNames[idx[i]]
	}
	return names
}

func (m *Model) mismatch(v domain.FeatureVector) *SchemaMismatchError {
	e := &SchemaMismatchError{Expected: len(m.FeatureNames), Got: len(v)}
	known := make(map[string]struct{}, len(m.FeatureNames))
	for _, name := range m.FeatureNames {
		known[name] = struct{}{}
		if _, ok := v[name]; !ok {
			e.Missing = append(e.Missing, name)
		}
	}
	for _, name := range v.Keys() {
		if _, ok := known[name]; !ok {
			e.Unexpected = append(e.Unexpected, name)
		}
	}
	return e
}
