package analyzer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/landwatch/internal/bus"
	"github.com/opensource-finance/landwatch/internal/cache"
	"github.com/opensource-finance/landwatch/internal/domain"
	"github.com/opensource-finance/landwatch/internal/features"
	"github.com/opensource-finance/landwatch/internal/metrics"
	"github.com/opensource-finance/landwatch/internal/repository"
	"github.com/opensource-finance/landwatch/internal/rules"
	"github.com/opensource-finance/landwatch/internal/velocity"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	analyzer *Analyzer
	repo     domain.Repository
	cache    *cache.LRUCache
	bus      *bus.ChannelBus
	metrics  *metrics.Metrics
}

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "analyzer-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestEnvWithRepo(t *testing.T, repo domain.Repository) *testEnv {
	t.Helper()
	cfg := domain.DefaultAnalysisConfig()
	cfg.Scorer.Trees = 50

	lru := cache.NewLRUCache(1000)
	t.Cleanup(func() { lru.Close() })
	channelBus := bus.NewChannelBus(100)
	t.Cleanup(func() { channelBus.Close() })
	m := metrics.NewWithRegistry(prometheus.NewRegistry())

	builder := features.NewBuilder(cfg.Features, features.WithClock(func() time.Time { return testNow }))
	velocitySvc := velocity.NewService(repo, lru)
	engine, err := rules.NewEngine(builder.FeatureNames(), velocitySvc.Counts, 4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := engine.LoadRules(rules.DefaultRules()); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	typologies := rules.NewTypologyEngine()
	typologies.LoadTypologies(rules.DefaultTypologies())

	a, err := New(cfg, Deps{
		Builder:    builder,
		Engine:     engine,
		Typologies: typologies,
		Repo:       repo,
		Cache:      lru,
		Bus:        channelBus,
		Metrics:    m,
		Now:        func() time.Time { return testNow },
		Velocity:   velocitySvc.Counts,
	})
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}

	return &testEnv{analyzer: a, repo: repo, cache: lru, bus: channelBus, metrics: m}
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithRepo(t, newTestRepo(t))
}

var ownerNames = []string{"Asha Verma", "Ravi Kumar", "Meena Iyer", "Suresh Nair", "Kavita Rao", "Arjun Mehta"}

// cleanRecord is a well-documented sale at market value with full duty paid.
func cleanRecord(i int) *domain.LandRecord {
	area := 800.0 + float64(i*37%400)
	market := area * 2500
	price := market * (0.95 + float64(i%7)*0.01)
	return &domain.LandRecord{
		ID:               fmt.Sprintf("rec-%03d", i),
		OwnerName:        ownerNames[i%len(ownerNames)],
		SellerName:       ownerNames[(i+1)%len(ownerNames)],
		Area:             domain.Float(area),
		Price:            domain.Float(price),
		MarketValue:      domain.Float(market),
		RegistrationDate: fmt.Sprintf("2022-%02d-%02d", i%12+1, i%27+1),
		TransactionType:  "sale",
		StampDuty:        domain.Float(price * 0.05),
		RegistrationFee:  domain.Float(price * 0.01),
		Documents:        []string{"sale_deed", "title_deed", "encumbrance_certificate", "tax_receipt"},
		SurveyNumber:     fmt.Sprintf("SN-%03d", i),
	}
}

// giftRecord is a gift declared at a tenth of market value with no deeds.
func giftRecord(id string) *domain.LandRecord {
	return &domain.LandRecord{
		ID:               id,
		OwnerName:        "Kiran Shah",
		SellerName:       "Mohan Shah",
		Area:             domain.Float(1500),
		Price:            domain.Float(300000),
		MarketValue:      domain.Float(3000000),
		RegistrationDate: "2024-05-01",
		TransactionType:  "gift",
		StampDuty:        domain.Float(0),
		SurveyNumber:     "SN-GIFT-" + id,
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNew(t *testing.T) {
	if _, err := New(domain.DefaultAnalysisConfig(), Deps{}); err == nil {
		t.Error("expected error without a feature builder")
	}
}

func TestAnalyze(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("InvalidRecord", func(t *testing.T) {
		if _, err := env.analyzer.Analyze(ctx, tenantID, nil); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("expected ErrInvalidRecord, got %v", err)
		}
		if _, err := env.analyzer.Analyze(ctx, tenantID, &domain.LandRecord{}); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("expected ErrInvalidRecord, got %v", err)
		}
	})

	t.Run("CleanRecordWithoutModel", func(t *testing.T) {
		rec := cleanRecord(1)
		v, err := env.analyzer.Analyze(ctx, tenantID, rec)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}

		if v.FraudDetected {
			t.Errorf("expected clean verdict, got risk %.2f indicators %+v", v.RiskScore, v.Indicators)
		}
		if v.Metadata.StatisticalUsed {
			t.Error("expected rule-only verdict before training")
		}
		if v.Metadata.RulesEvaluated != len(rules.DefaultRules()) {
			t.Errorf("expected %d rules evaluated, got %d", len(rules.DefaultRules()), v.Metadata.RulesEvaluated)
		}
		if got := counterValue(t, env.metrics.ScorerFallbacks.WithLabelValues("not_trained")); got < 1 {
			t.Errorf("expected not_trained fallback to be counted, got %f", got)
		}

		if _, err := env.repo.GetRecord(ctx, tenantID, rec.ID); err != nil {
			t.Errorf("expected record to be persisted: %v", err)
		}
		stored, err := env.repo.GetVerdict(ctx, tenantID, v.ID)
		if err != nil {
			t.Fatalf("expected verdict to be persisted: %v", err)
		}
		if stored.RecordID != rec.ID {
			t.Errorf("expected stored verdict for %s, got %s", rec.ID, stored.RecordID)
		}
	})

	t.Run("UndervaluedGift", func(t *testing.T) {
		v, err := env.analyzer.Analyze(ctx, tenantID, giftRecord("gift-001"))
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}

		if !v.FraudDetected {
			t.Fatalf("expected fraud, got risk %.2f", v.RiskScore)
		}
		if v.Indicators[0].Severity != domain.SeverityCritical || v.Indicators[0].Source != domain.SourceTypology {
			t.Errorf("expected critical typology indicator first, got %+v", v.Indicators[0])
		}
		if len(v.Explanations) == 0 {
			t.Error("expected explanations")
		}
	})

	t.Run("SelfTransfer", func(t *testing.T) {
		rec := cleanRecord(2)
		rec.SellerName = rec.OwnerName
		v, err := env.analyzer.Analyze(ctx, tenantID, rec)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		if !v.FraudDetected {
			t.Error("expected failing rule to force fraud")
		}
	})

	t.Run("DoubleSale", func(t *testing.T) {
		first := cleanRecord(3)
		first.SurveyNumber = "SN-DOUBLE"
		v, err := env.analyzer.Analyze(ctx, tenantID, first)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		if v.FraudDetected {
			t.Fatalf("first registration should be clean, got %+v", v.Indicators)
		}

		// Re-analysing the same record does not count as a second sale.
		v, _ = env.analyzer.Analyze(ctx, tenantID, first)
		if v.FraudDetected {
			t.Fatalf("re-analysis should stay clean, got %+v", v.Indicators)
		}

		second := cleanRecord(4)
		second.SurveyNumber = "SN-DOUBLE"
		v, err = env.analyzer.Analyze(ctx, tenantID, second)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		if !v.FraudDetected {
			t.Fatal("expected second registration of the survey number to be flagged")
		}

		found := false
		for _, ind := range v.Indicators {
			for _, e := range ind.Evidence {
				if e == "rule-survey-duplicate" {
					found = true
				}
			}
		}
		if !found {
			t.Errorf("expected survey duplicate evidence, got %+v", v.Indicators)
		}
	})

	t.Run("DocumentText", func(t *testing.T) {
		rec := cleanRecord(5)
		rec.DocumentText = "This forged sale deed transfers the property."
		v, err := env.analyzer.Analyze(ctx, tenantID, rec)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		if !v.FraudDetected {
			t.Error("expected lexical fraud marker to force fraud")
		}
		if _, ok := v.Components["fraud"]; !ok {
			t.Error("expected fraud component")
		}
		if _, ok := v.Components["anomaly"]; !ok {
			t.Error("expected anomaly component")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		first := cleanRecord(6)
		first.SurveyNumber = "SN-SHARED"
		second := cleanRecord(7)
		second.SurveyNumber = "SN-SHARED"

		if _, err := env.analyzer.Analyze(ctx, "tenant-a", first); err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		v, err := env.analyzer.Analyze(ctx, "tenant-b", second)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		if v.FraudDetected {
			t.Error("survey numbers must not collide across tenants")
		}
	})
}

func TestVerdictCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Without a survey number no velocity is taken, so an identical
	// resubmission has identical inputs.
	rec := cleanRecord(10)
	rec.SurveyNumber = ""
	first, err := env.analyzer.Analyze(ctx, "tenant-001", rec)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	second, err := env.analyzer.Analyze(ctx, "tenant-001", rec)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if !second.Metadata.Cached {
		t.Error("expected second verdict from cache")
	}
	if second.ID != first.ID {
		t.Errorf("expected cached verdict %s, got %s", first.ID, second.ID)
	}
	if got := counterValue(t, env.metrics.VerdictCacheHits); got != 1 {
		t.Errorf("expected 1 cache hit, got %f", got)
	}

	changed := cleanRecord(10)
	changed.SurveyNumber = ""
	changed.Price = domain.Float(*changed.Price + 1)
	third, _ := env.analyzer.Analyze(ctx, "tenant-001", changed)
	if third.Metadata.Cached {
		t.Error("changed record must not hit the cache")
	}
}

func hasEvidence(v *domain.FraudVerdict, ruleID string) bool {
	for _, ind := range v.Indicators {
		for _, e := range ind.Evidence {
			if e == ruleID {
				return true
			}
		}
	}
	return false
}

func TestRepeatSubmission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := cleanRecord(42)

	for i := 1; i <= 6; i++ {
		v, err := env.analyzer.Analyze(ctx, "tenant-repeat", rec)
		if err != nil {
			t.Fatalf("submission %d: %v", i, err)
		}
		if v.Metadata.Cached {
			t.Errorf("submission %d answered from cache despite a new submission count", i)
		}
		// survey_submissions > 3
		if want := i > 3; hasEvidence(v, "rule-repeat-submission") != want {
			t.Errorf("submission %d: repeat-submission fired = %v, want %v", i, !want, want)
		}
	}

	n, err := env.cache.IncrementCounter(ctx, "tenant-repeat", "survey:sn-042", time.Hour)
	if err != nil {
		t.Fatalf("IncrementCounter: %v", err)
	}
	if n != 7 {
		t.Errorf("expected 6 counted submissions before this one, counter reads %d", n)
	}
}

func TestPublishesEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenantID := "tenant-events"

	alerts := make(chan *domain.Message, 1)
	_, err := env.bus.Subscribe(ctx, tenantID, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, err := env.analyzer.Analyze(ctx, tenantID, giftRecord("gift-evt")); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	select {
	case <-alerts:
	case <-time.After(2 * time.Second):
		t.Fatal("expected alert event")
	}
}

func TestAnalyzeBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	records := make([]*domain.LandRecord, 12)
	for i := range records {
		records[i] = cleanRecord(20 + i)
	}
	records[5] = giftRecord("gift-batch")

	verdicts, err := env.analyzer.AnalyzeBatch(ctx, "tenant-001", records)
	if err != nil {
		t.Fatalf("AnalyzeBatch failed: %v", err)
	}
	if len(verdicts) != len(records) {
		t.Fatalf("expected %d verdicts, got %d", len(records), len(verdicts))
	}
	for i, v := range verdicts {
		if v.RecordID != records[i].ID {
			t.Errorf("verdict %d is for %s, want %s", i, v.RecordID, records[i].ID)
		}
	}
	if !verdicts[5].FraudDetected {
		t.Error("expected gift record in batch to be flagged")
	}

	t.Run("InvalidRecordFailsBatch", func(t *testing.T) {
		_, err := env.analyzer.AnalyzeBatch(ctx, "tenant-001", []*domain.LandRecord{cleanRecord(40), {}})
		if !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("expected ErrInvalidRecord, got %v", err)
		}
	})
}

func trainingSet(n int) []*domain.LandRecord {
	records := make([]*domain.LandRecord, n)
	for i := range records {
		records[i] = cleanRecord(100 + i)
	}
	return records
}

func TestTrain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenantID := "tenant-train"

	if env.analyzer.ModelInfo(tenantID) != nil {
		t.Fatal("expected no model before training")
	}

	t.Run("LabelMismatch", func(t *testing.T) {
		_, err := env.analyzer.Train(ctx, tenantID, trainingSet(5), []bool{true})
		if !errors.Is(err, ErrLabelMismatch) {
			t.Errorf("expected ErrLabelMismatch, got %v", err)
		}
	})

	t.Run("InsufficientData", func(t *testing.T) {
		if _, err := env.analyzer.Train(ctx, tenantID, trainingSet(1), nil); err == nil {
			t.Error("expected error training on one record")
		}
	})

	info, err := env.analyzer.Train(ctx, tenantID, trainingSet(60), nil)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if info.Samples != 60 || info.Version == "" {
		t.Errorf("unexpected model info %+v", info)
	}
	if len(info.FeatureNames) != len(env.analyzer.FeatureNames()) {
		t.Errorf("expected %d features, got %d", len(env.analyzer.FeatureNames()), len(info.FeatureNames))
	}
	if got := env.analyzer.ModelInfo(tenantID); got == nil || got.Version != info.Version {
		t.Errorf("expected current model %s, got %+v", info.Version, got)
	}
	if env.analyzer.ModelInfo("other-tenant") != nil {
		t.Error("models must be per tenant")
	}

	typical, err := env.analyzer.Analyze(ctx, tenantID, cleanRecord(130))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if !typical.Metadata.StatisticalUsed || typical.Metadata.ModelVersion != info.Version {
		t.Errorf("expected statistical component from model %s, got %+v", info.Version, typical.Metadata)
	}

	odd := cleanRecord(131)
	odd.ID = "rec-odd"
	odd.Price = domain.Float(*odd.MarketValue * 40)
	odd.StampDuty = domain.Float(1)
	odd.Area = domain.Float(12)
	unusual, err := env.analyzer.Analyze(ctx, tenantID, odd)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if unusual.Components["statistical"] <= typical.Components["statistical"] {
		t.Errorf("expected unusual record to score higher: %.3f vs %.3f",
			unusual.Components["statistical"], typical.Components["statistical"])
	}

	if got := counterValue(t, env.metrics.ModelsTrained); got != 1 {
		t.Errorf("expected 1 trained model, got %f", got)
	}
}

func TestTrainToleratesExtremeRecord(t *testing.T) {
	env := newTestEnv(t)

	extreme := cleanRecord(999)
	extreme.Price = domain.Float(1e308)
	extreme.Area = domain.Float(0.5)
	extreme.StampDuty = domain.Float(1e308)
	extreme.RegistrationFee = domain.Float(1e308)
	records := append(trainingSet(50), extreme)

	if _, err := env.analyzer.Train(context.Background(), "tenant-extreme", records, nil); err != nil {
		t.Fatalf("one extreme record must not block training: %v", err)
	}

	v, err := env.analyzer.Analyze(context.Background(), "tenant-extreme", extreme)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if math.IsNaN(v.RiskScore) || v.RiskScore < 0 || v.RiskScore > 100 {
		t.Errorf("risk score out of range: %v", v.RiskScore)
	}
}

func TestTrainWithLabels(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	records := trainingSet(30)
	labels := make([]bool, len(records))
	for i := 0; i < 6; i++ {
		g := giftRecord(fmt.Sprintf("gift-%d", i))
		g.Area = domain.Float(1000 + float64(i*50))
		records = append(records, g)
		labels = append(labels, true)
	}

	info, err := env.analyzer.Train(ctx, "tenant-labels", records, labels)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if !info.HasClassifier {
		t.Error("expected classifier with both classes labelled")
	}

	v, err := env.analyzer.Analyze(ctx, "tenant-labels", giftRecord("gift-new"))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if _, ok := v.Components["classifier"]; !ok {
		t.Error("expected classifier component")
	}
}

func TestLoadModel(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-load"

	trainer := newTestEnvWithRepo(t, repo)
	if _, err := trainer.analyzer.LoadModel(ctx, tenantID); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}

	info, err := trainer.analyzer.Train(ctx, tenantID, trainingSet(40), nil)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	restarted := newTestEnvWithRepo(t, repo)
	loaded, err := restarted.analyzer.LoadModel(ctx, tenantID)
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	if loaded.Version != info.Version {
		t.Errorf("expected version %s, got %s", info.Version, loaded.Version)
	}

	rec := cleanRecord(999)
	m1 := trainer.analyzer.scorerFor(tenantID).Model()
	m2 := restarted.analyzer.scorerFor(tenantID).Model()
	x := trainer.analyzer.Features(rec)
	r1, err := m1.Predict(x)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	r2, err := m2.Predict(x)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if r1.Score != r2.Score || r1.IsAnomaly != r2.IsAnomaly {
		t.Errorf("restored model predicts differently: %+v vs %+v", r1, r2)
	}
}

func TestTrainFromRepository(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenantID := "tenant-stored"

	for _, rec := range trainingSet(25) {
		if err := env.repo.SaveRecord(ctx, tenantID, rec); err != nil {
			t.Fatalf("SaveRecord failed: %v", err)
		}
	}

	info, err := env.analyzer.TrainFromRepository(ctx, tenantID, 100)
	if err != nil {
		t.Fatalf("TrainFromRepository failed: %v", err)
	}
	if info.Samples != 25 {
		t.Errorf("expected 25 samples, got %d", info.Samples)
	}
}

func TestFingerprint(t *testing.T) {
	a := cleanRecord(1)
	b := cleanRecord(1)
	b.TenantID = "other"
	b.CreatedAt = time.Now()

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("tenant and storage time must not change the fingerprint")
	}

	b.Price = domain.Float(*b.Price + 1)
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("content change must change the fingerprint")
	}
}

func TestDetectText(t *testing.T) {
	env := newTestEnv(t)
	fraud, anomaly := env.analyzer.DetectText("")
	if fraud.FraudDetected {
		t.Error("empty text should not be fraudulent")
	}
	if !anomaly.AnomalyDetected {
		t.Error("empty text should be anomalous")
	}
}
