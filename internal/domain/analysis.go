package domain

import "time"

// AnalysisConfig collects every threshold used by the analysis engine.
// It is injected into each component at construction time.
type AnalysisConfig struct {
	Features   FeatureConfig     `json:"features" koanf:"features"`
	Fraud      FraudRuleConfig   `json:"fraud" koanf:"fraud"`
	Anomaly    AnomalyRuleConfig `json:"anomaly" koanf:"anomaly"`
	Scorer     ScorerConfig      `json:"scorer" koanf:"scorer"`
	Aggregator AggregatorConfig  `json:"aggregator" koanf:"aggregator"`

	// VerdictCacheTTL bounds how long a verdict is reused for an identical
	// record under the same model. Zero disables the verdict cache.
	VerdictCacheTTL time.Duration `json:"verdictCacheTtl" koanf:"verdict_cache_ttl"`

	// VelocityWindow is the look-back used for survey-number velocity.
	VelocityWindow time.Duration `json:"velocityWindow" koanf:"velocity_window"`

	// BatchWorkers caps concurrent analyses in a batch.
	BatchWorkers int `json:"batchWorkers" koanf:"batch_workers"`
}

// FeatureConfig holds feature-engineering thresholds.
type FeatureConfig struct {
	BelowMarketRatio  float64  `json:"belowMarketRatio" koanf:"below_market_ratio"`
	AboveMarketRatio  float64  `json:"aboveMarketRatio" koanf:"above_market_ratio"`
	RoundPriceUnit    float64  `json:"roundPriceUnit" koanf:"round_price_unit"`
	RoundAreaUnit     float64  `json:"roundAreaUnit" koanf:"round_area_unit"`
	RecentDays        float64  `json:"recentDays" koanf:"recent_days"`
	SmallPlotArea     float64  `json:"smallPlotArea" koanf:"small_plot_area"`
	LargePlotArea     float64  `json:"largePlotArea" koanf:"large_plot_area"`
	StampDutyRate     float64  `json:"stampDutyRate" koanf:"stamp_duty_rate"`
	UnderpaidRatio    float64  `json:"underpaidRatio" koanf:"underpaid_ratio"`
	ShortNameLength   int      `json:"shortNameLength" koanf:"short_name_length"`
	CompleteDocCount  float64  `json:"completeDocCount" koanf:"complete_doc_count"`
	CriticalDocuments []string `json:"criticalDocuments" koanf:"critical_documents"`
}

// FraudRuleConfig configures the lexical fraud detector.
type FraudRuleConfig struct {
	Patterns          []string `json:"patterns" koanf:"patterns"`
	PatternWeight     float64  `json:"patternWeight" koanf:"pattern_weight"`
	FormattingWeight  float64  `json:"formattingWeight" koanf:"formatting_weight"`
	FutureDateWeight  float64  `json:"futureDateWeight" koanf:"future_date_weight"`
	FutureYears       []string `json:"futureYears" koanf:"future_years"`
	WhitespaceRun     int      `json:"whitespaceRun" koanf:"whitespace_run"`
	RepeatedCharRun   int      `json:"repeatedCharRun" koanf:"repeated_char_run"`
	DetectedThreshold float64  `json:"detectedThreshold" koanf:"detected_threshold"`
}

// AnomalyRuleConfig configures the structural document anomaly detector.
type AnomalyRuleConfig struct {
	MinLength          int     `json:"minLength" koanf:"min_length"`
	MaxLength          int     `json:"maxLength" koanf:"max_length"`
	ShortWeight        float64 `json:"shortWeight" koanf:"short_weight"`
	LongWeight         float64 `json:"longWeight" koanf:"long_weight"`
	MissingFieldWeight float64 `json:"missingFieldWeight" koanf:"missing_field_weight"`
	UnusualCharRatio   float64 `json:"unusualCharRatio" koanf:"unusual_char_ratio"`
	UnusualCharWeight  float64 `json:"unusualCharWeight" koanf:"unusual_char_weight"`
	DuplicateRatio     float64 `json:"duplicateRatio" koanf:"duplicate_ratio"`
	DuplicateWeight    float64 `json:"duplicateWeight" koanf:"duplicate_weight"`
	DetectedThreshold  float64 `json:"detectedThreshold" koanf:"detected_threshold"`
}

// ScorerConfig configures the statistical outlier models.
type ScorerConfig struct {
	ZScoreThreshold      float64 `json:"zScoreThreshold" koanf:"z_score_threshold"`
	Epsilon              float64 `json:"epsilon" koanf:"epsilon"`
	Contamination        float64 `json:"contamination" koanf:"contamination"`
	Trees                int     `json:"trees" koanf:"trees"`
	SampleSize           int     `json:"sampleSize" koanf:"sample_size"`
	Seed                 int64   `json:"seed" koanf:"seed"`
	DensityMinSamples    int     `json:"densityMinSamples" koanf:"density_min_samples"`
	DensityEps           float64 `json:"densityEps" koanf:"density_eps"` // 0 = derive from data
	DensityEpsQuantile   float64 `json:"densityEpsQuantile" koanf:"density_eps_quantile"`
	ExplanationZ         float64 `json:"explanationZ" koanf:"explanation_z"`
	ExplanationTopK      int     `json:"explanationTopK" koanf:"explanation_top_k"`
	MaxExplanations      int     `json:"maxExplanations" koanf:"max_explanations"`
	ClassifierIterations int     `json:"classifierIterations" koanf:"classifier_iterations"`
	ClassifierRate       float64 `json:"classifierRate" koanf:"classifier_rate"`
	ClassifierL2         float64 `json:"classifierL2" koanf:"classifier_l2"`
}

// AggregatorConfig configures the verdict blend. Weights need not sum to 1;
// they are renormalised over the components present for a record.
type AggregatorConfig struct {
	FraudWeight       float64 `json:"fraudWeight" koanf:"fraud_weight"`
	AnomalyWeight     float64 `json:"anomalyWeight" koanf:"anomaly_weight"`
	RulesWeight       float64 `json:"rulesWeight" koanf:"rules_weight"`
	StatisticalWeight float64 `json:"statisticalWeight" koanf:"statistical_weight"`
	ClassifierWeight  float64 `json:"classifierWeight" koanf:"classifier_weight"`

	// Risk level cut points on the 0-100 scale.
	MediumCut   float64 `json:"mediumCut" koanf:"medium_cut"`
	HighCut     float64 `json:"highCut" koanf:"high_cut"`
	CriticalCut float64 `json:"criticalCut" koanf:"critical_cut"`

	// FraudThreshold on the 0-100 scale; scores strictly above it are fraud.
	FraudThreshold float64 `json:"fraudThreshold" koanf:"fraud_threshold"`

	// ShortCircuitSeverity is the minimum severity of an indicator from a
	// flagging detector that forces fraudDetected.
	ShortCircuitSeverity Severity `json:"shortCircuitSeverity" koanf:"short_circuit_severity"`
}

// DefaultAnalysisConfig returns the documented defaults.
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		Features: FeatureConfig{
			BelowMarketRatio:  0.7,
			AboveMarketRatio:  1.5,
			RoundPriceUnit:    100000,
			RoundAreaUnit:     100,
			RecentDays:        180,
			SmallPlotArea:     100,
			LargePlotArea:     1000,
			StampDutyRate:     0.05,
			UnderpaidRatio:    0.8,
			ShortNameLength:   3,
			CompleteDocCount:  5,
			CriticalDocuments: []string{"sale_deed", "title_deed", "encumbrance_certificate"},
		},
		Fraud: FraudRuleConfig{
			Patterns:          []string{"fake", "forged", "counterfeit", "fraudulent", "tampered"},
			PatternWeight:     0.2,
			FormattingWeight:  0.1,
			FutureDateWeight:  0.3,
			FutureYears:       []string{"2030", "2040"},
			WhitespaceRun:     10,
			RepeatedCharRun:   6,
			DetectedThreshold: 0.3,
		},
		Anomaly: AnomalyRuleConfig{
			MinLength:          100,
			MaxLength:          50000,
			ShortWeight:        0.2,
			LongWeight:         0.1,
			MissingFieldWeight: 0.3,
			UnusualCharRatio:   0.05,
			UnusualCharWeight:  0.15,
			DuplicateRatio:     0.2,
			DuplicateWeight:    0.1,
			DetectedThreshold:  0.2,
		},
		Scorer: ScorerConfig{
			ZScoreThreshold:      3.0,
			Epsilon:              1e-10,
			Contamination:        0.1,
			Trees:                100,
			SampleSize:           256,
			Seed:                 42,
			DensityMinSamples:    5,
			DensityEps:           0,
			DensityEpsQuantile:   0.9,
			ExplanationZ:         2.0,
			ExplanationTopK:      3,
			MaxExplanations:      5,
			ClassifierIterations: 500,
			ClassifierRate:       0.1,
			ClassifierL2:         0.01,
		},
		Aggregator: AggregatorConfig{
			FraudWeight:          0.30,
			AnomalyWeight:        0.15,
			RulesWeight:          0.15,
			StatisticalWeight:    0.25,
			ClassifierWeight:     0.15,
			MediumCut:            30,
			HighCut:              60,
			CriticalCut:          85,
			FraudThreshold:       60,
			ShortCircuitSeverity: SeverityHigh,
		},
		VerdictCacheTTL: 5 * time.Minute,
		VelocityWindow:  365 * 24 * time.Hour,
		BatchWorkers:    8,
	}
}
