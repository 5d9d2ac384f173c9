package rules

import (
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/landwatch/internal/domain"
)

// TypologyEngine scores land fraud typologies as weighted sums of rule scores.
// The loaded set is an immutable snapshot swapped atomically on reload, so
// evaluation never blocks behind a reload.
type TypologyEngine struct {
	set atomic.Pointer[typologySet]
}

// typologySet is the enabled typologies sorted by ID.
type typologySet struct {
	ordered []*domain.Typology
}

func (s *typologySet) find(id string) (*domain.Typology, bool) {
	i, ok := slices.BinarySearchFunc(s.ordered, id, func(t *domain.Typology, id string) int {
		return strings.Compare(t.ID, id)
	})
	if !ok {
		return nil, false
	}
	return s.ordered[i], true
}

// NewTypologyEngine returns an engine with no typologies loaded.
func NewTypologyEngine() *TypologyEngine {
	e := &TypologyEngine{}
	e.set.Store(&typologySet{})
	return e
}

// LoadTypologies replaces the loaded set with the enabled entries of typologies.
func (e *TypologyEngine) LoadTypologies(typologies []*domain.Typology) {
	enabled := make([]*domain.Typology, 0, len(typologies))
	for _, t := range typologies {
		if t != nil && t.Enabled {
			enabled = append(enabled, t)
		}
	}
	slices.SortStableFunc(enabled, func(a, b *domain.Typology) int { return strings.Compare(a.ID, b.ID) })
	enabled = slices.CompactFunc(enabled, func(a, b *domain.Typology) bool { return a.ID == b.ID })
	e.set.Store(&typologySet{ordered: enabled})
}

// ReloadTypologies is LoadTypologies under the name the admin API uses.
func (e *TypologyEngine) ReloadTypologies(typologies []*domain.Typology) {
	e.LoadTypologies(typologies)
}

// GetLoadedTypologies returns the loaded typologies ordered by ID.
func (e *TypologyEngine) GetLoadedTypologies() []*domain.Typology {
	return slices.Clone(e.set.Load().ordered)
}

func (e *TypologyEngine) TypologyCount() int {
	return len(e.set.Load().ordered)
}

// scoreIndex maps rule ID to score. Errored rules are left out so they
// contribute nothing to any typology.
func scoreIndex(results []domain.RuleResult) map[string]float64 {
	idx := make(map[string]float64, len(results))
	for _, r := range results {
		if r.SubRuleRef == domain.RuleOutcomeError {
			continue
		}
		idx[r.RuleID] = r.Score
	}
	return idx
}

// score sums rule score times weight over the typology's rules that were
// evaluated. Rules absent from scores are skipped.
func score(t *domain.Typology, scores map[string]float64) domain.TypologyResult {
	res := domain.TypologyResult{
		TypologyID:    t.ID,
		TypologyName:  t.Name,
		Threshold:     t.AlertThreshold,
		Contributions: make([]domain.RuleContribution, 0, len(t.Rules)),
	}
	for _, w := range t.Rules {
		s, ok := scores[w.RuleID]
		if !ok {
			continue
		}
		c := s * w.Weight
		res.Score += c
		res.Contributions = append(res.Contributions, domain.RuleContribution{
			RuleID:       w.RuleID,
			RuleScore:    s,
			Weight:       w.Weight,
			Contribution: c,
		})
	}
	res.Triggered = res.Score >= t.AlertThreshold
	return res
}

// EvaluateTypologies scores every loaded typology against ruleResults and
// returns the results ordered by typology ID. It returns nil when nothing is
// loaded.
func (e *TypologyEngine) EvaluateTypologies(ruleResults []domain.RuleResult) []domain.TypologyResult {
	set := e.set.Load()
	if len(set.ordered) == 0 {
		return nil
	}

	start := time.Now()
	scores := scoreIndex(ruleResults)
	out := make([]domain.TypologyResult, len(set.ordered))
	for i, t := range set.ordered {
		out[i] = score(t, scores)
		out[i].ProcessMs = time.Since(start).Milliseconds()
	}
	return out
}

// EvaluateTypology scores a single loaded typology.
func (e *TypologyEngine) EvaluateTypology(typologyID string, ruleResults []domain.RuleResult) (*domain.TypologyResult, bool) {
	t, ok := e.set.Load().find(typologyID)
	if !ok {
		return nil, false
	}
	res := score(t, scoreIndex(ruleResults))
	return &res, true
}

// GetTriggeredTypologies returns the typologies whose score reached their threshold.
func (e *TypologyEngine) GetTriggeredTypologies(ruleResults []domain.RuleResult) []domain.TypologyResult {
	all := e.EvaluateTypologies(ruleResults)
	triggered := make([]domain.TypologyResult, 0, len(all))
	for _, t := range all {
		if t.Triggered {
			triggered = append(triggered, t)
		}
	}
	return triggered
}

// Close unloads every typology.
func (e *TypologyEngine) Close() error {
	e.set.Store(&typologySet{})
	return nil
}
