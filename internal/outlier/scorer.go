package outlier

import (
	"sync/atomic"

	"github.com/opensource-finance/landwatch/internal/domain"
)

// Scorer holds the current model snapshot. Predictions read the snapshot
// without locking; Fit and Load swap in a new one.
type Scorer struct {
	cfg   domain.ScorerConfig
	model atomic.Pointer[Model]
}

// NewScorer creates an untrained scorer.
func NewScorer(cfg domain.ScorerConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Fit trains a new model and makes it current.
func (s *Scorer) Fit(names []string, rows [][]float64, labels []bool) (*Model, error) {
	m, err := Fit(s.cfg, names, rows, labels)
	if err != nil {
		return nil, err
	}
	s.model.Store(m)
	return m, nil
}

// Load makes m the current model.
func (s *Scorer) Load(m *Model) {
	s.model.Store(m)
}

// Model returns the current snapshot, or nil before training.
func (s *Scorer) Model() *Model {
	return s.model.Load()
}

// Trained reports whether a model is loaded.
func (s *Scorer) Trained() bool {
	return s.model.Load() != nil
}

// Predict scores v against the current snapshot.
func (s *Scorer) Predict(v domain.FeatureVector) (*Result, error) {
	m := s.model.Load()
	if m == nil {
		return nil, ErrNotTrained
	}
	return m.Predict(v)
}
