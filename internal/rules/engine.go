// Package rules provides the CEL-Go based rule evaluation engine for
// tenant-configurable land-record rules and typologies.
package rules

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/landwatch/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Engine compiles tenant rules to CEL programs and evaluates them
// concurrently. Loaded rules live in an immutable snapshot; writers build a
// new snapshot under mu and swap it in, so evaluation never takes a lock.
type Engine struct {
	mu           sync.Mutex
	env          *cel.Env
	featureNames []string
	loaded       atomic.Pointer[ruleSet]
	velocity     VelocityGetter
	maxWorkers   int
}

// compiledRule pairs a rule with its checked program.
type compiledRule struct {
	cfg     *domain.RuleConfig
	program cel.Program
}

// ruleSet is the loaded rules ordered by ID.
type ruleSet []*compiledRule

func (s ruleSet) with(add ...*compiledRule) ruleSet {
	byID := make(map[string]*compiledRule, len(s)+len(add))
	for _, r := range s {
		byID[r.cfg.ID] = r
	}
	for _, r := range add {
		byID[r.cfg.ID] = r
	}
	out := make(ruleSet, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *compiledRule) int { return strings.Compare(a.cfg.ID, b.cfg.ID) })
	return out
}

// VelocityGetter returns how often a survey number was registered and
// submitted for analysis within a window.
type VelocityGetter func(ctx context.Context, tenantID, surveyNumber string, window time.Duration) (registrations, submissions int64, err error)

// NewEngine builds the CEL environment. Every feature name becomes a double
// variable of the same name next to the record, history and velocity inputs.
func NewEngine(featureNames []string, velocity VelocityGetter, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	opts := []cel.EnvOption{
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("transfer_count", cel.IntType),
		cel.Variable("transfers_last_year", cel.IntType),
		cel.Variable("min_days_between_transfers", cel.DoubleType),
		cel.Variable("max_transaction_amount", cel.DoubleType),
		cel.Variable("survey_registrations", cel.IntType),
		cel.Variable("survey_submissions", cel.IntType),
	}
	for _, name := range featureNames {
		opts = append(opts, cel.Variable(name, cel.DoubleType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}

	e := &Engine{
		env:          env,
		featureNames: slices.Clone(featureNames),
		velocity:     velocity,
		maxWorkers:   maxWorkers,
	}
	e.loaded.Store(&ruleSet{})
	return e, nil
}

// ValidateRule reports whether cfg compiles, without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return errors.New("rule config is required")
	}
	_, err := e.compile(cfg)
	return err
}

// LoadRule compiles cfg and adds it, replacing any rule with the same ID.
// The Enabled flag is not consulted.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return errors.New("rule config is required")
	}
	c, err := e.compile(cfg)
	if err != nil {
		return err
	}
	e.swap(true, c)
	return nil
}

// LoadRules adds the enabled configs. Nothing is loaded if any fails to compile.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	compiled, err := e.compileEnabled(configs)
	if err != nil {
		return err
	}
	e.swap(true, compiled...)
	return nil
}

// ReloadRules replaces every loaded rule with the enabled configs. The
// previous set stays in place if any config fails to compile.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	compiled, err := e.compileEnabled(configs)
	if err != nil {
		return err
	}
	e.swap(false, compiled...)
	return nil
}

func (e *Engine) swap(merge bool, rules ...*compiledRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var base ruleSet
	if merge {
		base = *e.loaded.Load()
	}
	next := base.with(rules...)
	e.loaded.Store(&next)
}

func (e *Engine) compileEnabled(configs []*domain.RuleConfig) ([]*compiledRule, error) {
	out := make([]*compiledRule, 0, len(configs))
	for _, cfg := range configs {
		if cfg == nil || !cfg.Enabled {
			continue
		}
		c, err := e.compile(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// EvaluateInput holds the record data for rule evaluation.
type EvaluateInput struct {
	TenantID       string
	Record         *domain.LandRecord
	Features       domain.FeatureVector
	History        domain.HistorySummary
	VelocityWindow time.Duration
	AdditionalData map[string]any

	// Velocity, when set, supplies survey counts the caller already took.
	// The engine's VelocityGetter is then not called, so a submission is
	// counted once.
	Velocity *VelocityCounts
}

// VelocityCounts are survey-number counts inside the velocity window.
type VelocityCounts struct {
	Registrations int64
	Submissions   int64
}

// EvaluateAll runs every loaded rule against input, at most maxWorkers at a
// time. Results are ordered by rule ID. A rule that fails to evaluate yields
// an error outcome rather than failing the call.
func (e *Engine) EvaluateAll(ctx context.Context, input *EvaluateInput) ([]domain.RuleResult, error) {
	rules := *e.loaded.Load()
	if len(rules) == 0 {
		return nil, nil
	}

	record := input.Record
	if record == nil {
		record = &domain.LandRecord{}
	}

	history := input.History
	switch {
	case input.Velocity != nil:
		history.SurveyRegistrations = int(input.Velocity.Registrations)
		history.SurveySubmissions = int(input.Velocity.Submissions)
	case e.velocity != nil && input.VelocityWindow > 0 && record.SurveyNumber != "":
		registrations, submissions, err := e.velocity(ctx, input.TenantID, record.SurveyNumber, input.VelocityWindow)
		if err == nil {
			history.SurveyRegistrations = int(registrations)
			history.SurveySubmissions = int(submissions)
		}
	}

	vars := e.activation(record, input.Features, history)
	maps.Copy(vars, input.AdditionalData)

	results := make([]domain.RuleResult, len(rules))
	var g errgroup.Group
	g.SetLimit(e.maxWorkers)
	for i, rule := range rules {
		g.Go(func() error {
			results[i] = evaluateRule(rule, vars, input.TenantID, record.ID)
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

func (e *Engine) activation(record *domain.LandRecord, features domain.FeatureVector, history domain.HistorySummary) map[string]any {
	n := record.Normalize()

	docs := make([]string, len(n.Documents))
	copy(docs, n.Documents)

	featureMap := make(map[string]float64, len(e.featureNames))
	activation := map[string]any{
		"record": map[string]any{
			"id":                n.ID,
			"owner_name":        n.OwnerName,
			"seller_name":       n.SellerName,
			"transaction_type":  n.TransactionType,
			"survey_number":     n.SurveyNumber,
			"registration_date": n.RegistrationDate,
			"documents":         docs,
		},
		"transfer_count":             int64(history.TransferCount),
		"transfers_last_year":        int64(history.TransfersLastYear),
		"min_days_between_transfers": history.MinDaysBetweenTransfers,
		"max_transaction_amount":     history.MaxTransactionAmount,
		"survey_registrations":       int64(history.SurveyRegistrations),
		"survey_submissions":         int64(history.SurveySubmissions),
	}
	// Unknown features read as 0 so every declared variable is bound.
	for _, name := range e.featureNames {
		v := features[name]
		featureMap[name] = v
		activation[name] = v
	}
	activation["features"] = featureMap

	return activation
}

func evaluateRule(rule *compiledRule, vars map[string]any, tenantID, recordID string) domain.RuleResult {
	start := time.Now()
	res := domain.RuleResult{
		RuleID:   rule.cfg.ID,
		TenantID: tenantID,
		RecordID: recordID,
		Weight:   rule.cfg.Weight,
	}

	out, _, err := rule.program.Eval(vars)
	if err != nil {
		res.SubRuleRef = domain.RuleOutcomeError
		res.Reason = fmt.Sprintf("evaluation error: %v", err)
	} else {
		res.Score = toScore(out)
		res.SubRuleRef, res.Reason = matchBand(res.Score, rule.cfg.Bands)
	}
	res.ProcessMs = time.Since(start).Milliseconds()
	return res
}

// toScore maps true to 1 and false to 0; numbers pass through.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// matchBand finds the matching band for a score.
// Bands are evaluated in order: lower inclusive, upper exclusive, nil upper
// meaning unbounded.
func matchBand(score float64, bands []domain.RuleBand) (string, string) {
	for _, band := range bands {
		if band.LowerLimit != nil && score < *band.LowerLimit {
			continue
		}
		if band.UpperLimit != nil && score >= *band.UpperLimit {
			continue
		}
		return band.SubRuleRef, band.Reason
	}
	return domain.RuleOutcomePass, "no matching band"
}

func (e *Engine) RulesCount() int {
	return len(*e.loaded.Load())
}

// GetLoadedRules returns the loaded rule configurations ordered by ID.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	rules := *e.loaded.Load()
	out := make([]*domain.RuleConfig, len(rules))
	for i, r := range rules {
		out[i] = r.cfg
	}
	return out
}

// Close unloads every rule.
func (e *Engine) Close() error {
	e.swap(false)
	return nil
}

// compile type-checks cfg and requires a bool, int or double result.
func (e *Engine) compile(cfg *domain.RuleConfig) (*compiledRule, error) {
	ast, iss := e.env.Compile(cfg.Expression)
	if err := iss.Err(); err != nil {
		return nil, fmt.Errorf("rule %s: compile: %w", cfg.ID, err)
	}

	switch ast.OutputType() {
	case cel.BoolType, cel.DoubleType, cel.IntType:
	default:
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("rule %s: program: %w", cfg.ID, err)
	}
	return &compiledRule{cfg: cfg, program: prg}, nil
}
