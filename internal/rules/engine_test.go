package rules

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/landwatch/internal/domain"
	"github.com/opensource-finance/landwatch/internal/features"
)

var testNow = time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC)

func testBuilder() *features.Builder {
	return features.NewBuilder(domain.DefaultAnalysisConfig().Features, features.WithClock(func() time.Time { return testNow }))
}

func newTestEngine(t *testing.T, getter VelocityGetter, workers int) *Engine {
	t.Helper()
	engine, err := NewEngine(testBuilder().FeatureNames(), getter, workers)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func inputFor(b *features.Builder, rec *domain.LandRecord) *EvaluateInput {
	return &EvaluateInput{
		TenantID: "tenant-001",
		Record:   rec,
		Features: b.Build(rec),
		History:  Summarize(rec, testNow),
	}
}

func TestEngineCreation(t *testing.T) {
	engine := newTestEngine(t, nil, 5)

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine := newTestEngine(t, nil, 5)

	rule := &domain.RuleConfig{
		ID:         "test-rule-001",
		Name:       "Test Rule",
		Expression: "price > 100.0",
		Bands:      []domain.RuleBand{},
		Weight:     1.0,
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine := newTestEngine(t, nil, 5)

	cases := map[string]string{
		"Syntax":        "this is not valid CEL !!!",
		"UnknownVar":    "bedrooms > 2.0",
		"NonNumericOut": "record.owner_name",
	}
	for name, expr := range cases {
		t.Run(name, func(t *testing.T) {
			rule := &domain.RuleConfig{ID: "invalid-" + name, Expression: expr, Enabled: true}
			if err := engine.LoadRule(rule); err == nil {
				t.Errorf("expected error for %q", expr)
			}
			if err := engine.ValidateRule(rule); err == nil {
				t.Errorf("expected validation error for %q", expr)
			}
		})
	}

	if engine.RulesCount() != 0 {
		t.Errorf("invalid rules must not be loaded, got %d", engine.RulesCount())
	}
}

func TestEvaluateFeatureRule(t *testing.T) {
	engine := newTestEngine(t, nil, 5)
	b := testBuilder()

	zero := 0.0
	one := 1.0

	rule := &domain.RuleConfig{
		ID:         "price-check",
		Name:       "Price Check",
		Expression: "price_deviation_ratio > 0.5 ? 1.0 : 0.0",
		Bands: []domain.RuleBand{
			{LowerLimit: &zero, UpperLimit: &one, SubRuleRef: domain.RuleOutcomePass, Reason: "Price near market"},
			{LowerLimit: &one, UpperLimit: nil, SubRuleRef: domain.RuleOutcomeFail, Reason: "Price far from market"},
		},
		Weight:  1.0,
		Enabled: true,
	}
	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	ctx := context.Background()

	rec := &domain.LandRecord{ID: "rec-001", Price: domain.Float(950000), MarketValue: domain.Float(1000000)}
	results, err := engine.EvaluateAll(ctx, inputFor(b, rec))
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Score != 0.0 || results[0].SubRuleRef != domain.RuleOutcomePass {
		t.Errorf("expected pass at 0.0, got %s at %.2f", results[0].SubRuleRef, results[0].Score)
	}

	rec.Price = domain.Float(100000)
	results, _ = engine.EvaluateAll(ctx, inputFor(b, rec))
	if results[0].Score != 1.0 || results[0].SubRuleRef != domain.RuleOutcomeFail {
		t.Errorf("expected fail at 1.0, got %s at %.2f", results[0].SubRuleRef, results[0].Score)
	}
}

func TestEvaluateRecordFields(t *testing.T) {
	engine := newTestEngine(t, nil, 5)
	b := testBuilder()

	rule := &domain.RuleConfig{
		ID:         "no-survey",
		Expression: `record.survey_number == "" && !("sale_deed" in record.documents)`,
		Weight:     1.0,
		Enabled:    true,
	}
	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	results, _ := engine.EvaluateAll(context.Background(), inputFor(b, &domain.LandRecord{ID: "r1"}))
	if results[0].Score != 1.0 {
		t.Errorf("expected score 1.0, got %.2f (%s)", results[0].Score, results[0].Reason)
	}

	rec := &domain.LandRecord{ID: "r2", SurveyNumber: "SY-12", Documents: []string{"sale_deed"}}
	results, _ = engine.EvaluateAll(context.Background(), inputFor(b, rec))
	if results[0].Score != 0.0 {
		t.Errorf("expected score 0.0, got %.2f", results[0].Score)
	}
}

func TestVelocityRule(t *testing.T) {
	var gotSurvey string
	var gotWindow time.Duration
	velocityGetter := func(ctx context.Context, tenantID, surveyNumber string, window time.Duration) (int64, int64, error) {
		gotSurvey, gotWindow = surveyNumber, window
		return 3, 7, nil
	}

	engine := newTestEngine(t, velocityGetter, 5)
	b := testBuilder()

	for _, r := range DefaultRules() {
		if r.ID == "rule-survey-duplicate" || r.ID == "rule-repeat-submission" {
			if err := engine.LoadRule(r); err != nil {
				t.Fatalf("failed to load %s: %v", r.ID, err)
			}
		}
	}

	input := inputFor(b, &domain.LandRecord{ID: "rec-v", SurveyNumber: "SY-42/1"})
	input.VelocityWindow = 30 * 24 * time.Hour

	results, err := engine.EvaluateAll(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if gotSurvey != "SY-42/1" || gotWindow != input.VelocityWindow {
		t.Errorf("velocity getter called with %q/%v", gotSurvey, gotWindow)
	}
	for _, r := range results {
		if r.SubRuleRef == domain.RuleOutcomePass {
			t.Errorf("%s: expected a non-pass outcome, got %s", r.RuleID, r.SubRuleRef)
		}
	}

	// No survey number, no lookup
	gotSurvey = ""
	input = inputFor(b, &domain.LandRecord{ID: "rec-v2"})
	input.VelocityWindow = time.Hour
	results, _ = engine.EvaluateAll(context.Background(), input)
	if gotSurvey != "" {
		t.Error("velocity getter should not be called without a survey number")
	}
	for _, r := range results {
		if r.SubRuleRef != domain.RuleOutcomePass {
			t.Errorf("%s: expected PASS without velocity, got %s", r.RuleID, r.SubRuleRef)
		}
	}
}

func TestVelocityErrorIgnored(t *testing.T) {
	getter := func(ctx context.Context, tenantID, surveyNumber string, window time.Duration) (int64, int64, error) {
		return 0, 0, fmt.Errorf("store unavailable")
	}
	engine := newTestEngine(t, getter, 5)
	engine.LoadRule(&domain.RuleConfig{ID: "v", Expression: "survey_registrations > 1", Enabled: true})

	input := inputFor(testBuilder(), &domain.LandRecord{ID: "r", SurveyNumber: "SY-1"})
	input.VelocityWindow = time.Hour
	results, err := engine.EvaluateAll(context.Background(), input)
	if err != nil {
		t.Fatalf("velocity errors must not fail evaluation: %v", err)
	}
	if results[0].Score != 0 {
		t.Errorf("expected score 0 when velocity is unavailable, got %.2f", results[0].Score)
	}
}

func TestPrecomputedVelocitySkipsGetter(t *testing.T) {
	var calls int
	getter := func(ctx context.Context, tenantID, surveyNumber string, window time.Duration) (int64, int64, error) {
		calls++
		return 0, 0, nil
	}
	engine := newTestEngine(t, getter, 2)
	engine.LoadRule(&domain.RuleConfig{ID: "repeat", Expression: "survey_submissions > 3", Enabled: true})

	input := inputFor(testBuilder(), &domain.LandRecord{ID: "r", SurveyNumber: "SY-9"})
	input.VelocityWindow = time.Hour
	input.Velocity = &VelocityCounts{Registrations: 1, Submissions: 4}
	results, err := engine.EvaluateAll(context.Background(), input)
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if calls != 0 {
		t.Errorf("getter called %d times with counts supplied", calls)
	}
	if results[0].Score != 1 {
		t.Errorf("expected supplied submissions to trigger the rule, got score %.2f", results[0].Score)
	}
}

func TestParallelExecution(t *testing.T) {
	engine := newTestEngine(t, nil, 3)

	for i := 0; i < 10; i++ {
		rule := &domain.RuleConfig{
			ID:         fmt.Sprintf("rule-%02d", i),
			Name:       fmt.Sprintf("Rule %d", i),
			Expression: "area > 0.0",
			Weight:     1.0,
			Enabled:    true,
		}
		engine.LoadRule(rule)
	}

	if engine.RulesCount() != 10 {
		t.Fatalf("expected 10 rules, got %d", engine.RulesCount())
	}

	results, err := engine.EvaluateAll(context.Background(), inputFor(testBuilder(), &domain.LandRecord{ID: "r", Area: domain.Float(500)}))
	if err != nil {
		t.Fatalf("parallel evaluation failed: %v", err)
	}
	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}

	for i, r := range results {
		if r.RuleID != fmt.Sprintf("rule-%02d", i) {
			t.Errorf("expected results ordered by rule ID, got %s at %d", r.RuleID, i)
		}
		if r.Score != 1.0 {
			t.Errorf("rule %d: expected score 1.0, got %.2f", i, r.Score)
		}
	}
}

func TestDefaultRules(t *testing.T) {
	engine := newTestEngine(t, nil, 5)
	if err := engine.LoadRules(DefaultRules()); err != nil {
		t.Fatalf("default rules must compile: %v", err)
	}
	b := testBuilder()

	rec := &domain.LandRecord{
		ID:              "rec-gift",
		OwnerName:       "Kiran Shah",
		SellerName:      "kiran shah",
		Price:           domain.Float(100000),
		MarketValue:     domain.Float(5000000),
		StampDuty:       domain.Float(100),
		TransactionType: "gift",
		Transactions: []domain.LandTransaction{
			{ID: "t1", Date: "2023-11-01", Amount: 4000000},
			{ID: "t2", Date: "2024-02-01", Amount: 100000},
		},
	}

	results, err := engine.EvaluateAll(context.Background(), inputFor(b, rec))
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	outcomes := make(map[string]string, len(results))
	for _, r := range results {
		outcomes[r.RuleID] = r.SubRuleRef
	}
	want := map[string]string{
		"rule-gift-below-market": domain.RuleOutcomeReview,
		"rule-missing-deeds":     domain.RuleOutcomeReview,
		"rule-rapid-flipping":    domain.RuleOutcomeReview,
		"rule-underpaid-duty":    domain.RuleOutcomeReview,
		"rule-self-transfer":     domain.RuleOutcomeFail,
		"rule-survey-duplicate":  domain.RuleOutcomePass,
		"rule-repeat-submission": domain.RuleOutcomePass,
	}
	for id, expected := range want {
		if outcomes[id] != expected {
			t.Errorf("%s: expected %s, got %s", id, expected, outcomes[id])
		}
	}
}

func TestRuleResultMetadata(t *testing.T) {
	engine := newTestEngine(t, nil, 5)

	rule := &domain.RuleConfig{
		ID:         "meta-test",
		Expression: "price > 0.0",
		Weight:     0.75,
		Enabled:    true,
	}
	engine.LoadRule(rule)

	input := inputFor(testBuilder(), &domain.LandRecord{ID: "rec-456", Price: domain.Float(10)})
	input.TenantID = "tenant-123"
	results, _ := engine.EvaluateAll(context.Background(), input)

	if results[0].RuleID != "meta-test" {
		t.Errorf("expected RuleID 'meta-test', got '%s'", results[0].RuleID)
	}
	if results[0].TenantID != "tenant-123" {
		t.Errorf("expected TenantID 'tenant-123', got '%s'", results[0].TenantID)
	}
	if results[0].RecordID != "rec-456" {
		t.Errorf("expected RecordID 'rec-456', got '%s'", results[0].RecordID)
	}
	if results[0].Weight != 0.75 {
		t.Errorf("expected Weight 0.75, got %.2f", results[0].Weight)
	}
	if results[0].ProcessMs < 0 {
		t.Error("ProcessMs should be non-negative")
	}
}

func TestReloadRules(t *testing.T) {
	engine := newTestEngine(t, nil, 5)
	engine.LoadRules(DefaultRules())

	err := engine.ReloadRules([]*domain.RuleConfig{
		{ID: "only", Expression: "area > 0.0", Enabled: true},
		{ID: "disabled", Expression: "area > 0.0", Enabled: false},
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	loaded := engine.GetLoadedRules()
	if len(loaded) != 1 || loaded[0].ID != "only" {
		t.Errorf("expected only the enabled rule after reload, got %d rules", len(loaded))
	}

	err = engine.ReloadRules([]*domain.RuleConfig{{ID: "bad", Expression: "(((", Enabled: true}})
	if err == nil {
		t.Fatal("expected reload error")
	}
	if engine.RulesCount() != 1 {
		t.Error("a failed reload must keep the previous rules")
	}
}

func TestMatchBand(t *testing.T) {
	lo, hi := 0.3, 0.6
	bands := []domain.RuleBand{
		{UpperLimit: &lo, SubRuleRef: domain.RuleOutcomePass},
		{LowerLimit: &lo, UpperLimit: &hi, SubRuleRef: domain.RuleOutcomeReview},
		{LowerLimit: &hi, SubRuleRef: domain.RuleOutcomeFail},
	}
	cases := []struct {
		score float64
		want  string
	}{
		{0, domain.RuleOutcomePass},
		{0.3, domain.RuleOutcomeReview},
		{0.59, domain.RuleOutcomeReview},
		{0.6, domain.RuleOutcomeFail},
		{5, domain.RuleOutcomeFail},
	}
	for _, c := range cases {
		if got, _ := matchBand(c.score, bands); got != c.want {
			t.Errorf("matchBand(%v) = %s, want %s", c.score, got, c.want)
		}
	}
	if got, _ := matchBand(1, nil); got != domain.RuleOutcomePass {
		t.Errorf("expected pass without bands, got %s", got)
	}
}

func TestSummarize(t *testing.T) {
	t.Run("Transactions", func(t *testing.T) {
		rec := &domain.LandRecord{
			Transactions: []domain.LandTransaction{
				{Date: "2020-01-10", Amount: 200},
				{Date: "2023-12-01", Amount: 900},
				{Date: "2024-01-15", Amount: 300},
				{Date: "garbage", Amount: 50},
			},
		}
		s := Summarize(rec, testNow)
		if s.TransferCount != 4 {
			t.Errorf("expected 4 transfers, got %d", s.TransferCount)
		}
		if s.TransfersLastYear != 2 {
			t.Errorf("expected 2 transfers in the last year, got %d", s.TransfersLastYear)
		}
		if s.MinDaysBetweenTransfers != 45 {
			t.Errorf("expected 45 days between closest transfers, got %v", s.MinDaysBetweenTransfers)
		}
		if s.MaxTransactionAmount != 900 {
			t.Errorf("expected max amount 900, got %v", s.MaxTransactionAmount)
		}
	})

	t.Run("OwnerHistory", func(t *testing.T) {
		rec := &domain.LandRecord{
			OwnerHistory: []domain.OwnerHistory{
				{Name: "A", Date: "2001-01-01"},
				{Name: "B", Date: "2010-01-01"},
				{Name: "C", Date: "2010-03-02"},
			},
		}
		s := Summarize(rec, testNow)
		if s.TransferCount != 2 {
			t.Errorf("expected 2 ownership changes, got %d", s.TransferCount)
		}
		if s.MinDaysBetweenTransfers != 60 {
			t.Errorf("expected 60 days, got %v", s.MinDaysBetweenTransfers)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		s := Summarize(nil, testNow)
		if s.TransferCount != 0 || s.MinDaysBetweenTransfers != -1 {
			t.Errorf("unexpected summary for nil record: %+v", s)
		}
	})
}

func TestLoadRulesAllOrNothing(t *testing.T) {
	engine := newTestEngine(t, nil, 2)

	err := engine.LoadRules([]*domain.RuleConfig{
		{ID: "ok", Expression: "transfer_count > 1", Enabled: true},
		{ID: "broken", Expression: "transfer_count >", Enabled: true},
	})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if engine.RulesCount() != 0 {
		t.Errorf("expected no rules after failed batch, got %d", engine.RulesCount())
	}

	if err := engine.LoadRules([]*domain.RuleConfig{
		{ID: "b", Expression: "transfer_count > 1", Enabled: true},
		{ID: "a", Expression: "transfer_count > 2", Enabled: true},
		{ID: "off", Expression: "transfer_count > 3"},
	}); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	loaded := engine.GetLoadedRules()
	if len(loaded) != 2 || loaded[0].ID != "a" || loaded[1].ID != "b" {
		t.Errorf("expected [a b], got %d rules", len(loaded))
	}
}
