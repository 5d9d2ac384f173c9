package domain

// RuleConfig defines a tenant-configurable land-record rule.
// The expression is CEL over the feature vector and history summary.
type RuleConfig struct {
	ID          string `json:"id" validate:"required"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression to evaluate
	Expression string `json:"expression" validate:"required"`

	// Outcome bands for score-to-decision mapping
	Bands []RuleBand `json:"bands" validate:"omitempty,dive"`

	// Rule weight within the custom rule score
	Weight float64 `json:"weight" validate:"gte=0,lte=1"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// RuleBand maps a score range to an outcome.
type RuleBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	SubRuleRef string   `json:"subRuleRef" validate:"required"` // e.g., ".pass", ".fail", ".review"
	Reason     string   `json:"reason"`
}

// RuleResult is the output of a rule evaluation.
type RuleResult struct {
	RuleID     string  `json:"ruleId"`
	TenantID   string  `json:"tenantId"`
	RecordID   string  `json:"recordId"`
	SubRuleRef string  `json:"subRuleRef"` // ".pass", ".fail", ".review", ".err"
	Score      float64 `json:"score"`      // The computed value
	Reason     string  `json:"reason"`
	Weight     float64 `json:"weight"`
	ProcessMs  int64   `json:"processMs"` // Processing time in milliseconds
}

// Predefined rule outcomes
const (
	RuleOutcomePass   = ".pass"
	RuleOutcomeFail   = ".fail"
	RuleOutcomeReview = ".review"
	RuleOutcomeError  = ".err"
)

// HistorySummary is derived from a record's ownership chain and transfers.
// It is exposed to rule expressions only; the feature vector never carries it.
type HistorySummary struct {
	TransferCount           int     `json:"transferCount"`
	TransfersLastYear       int     `json:"transfersLastYear"`
	MinDaysBetweenTransfers float64 `json:"minDaysBetweenTransfers"` // -1 when fewer than two dated transfers
	MaxTransactionAmount    float64 `json:"maxTransactionAmount"`
	SurveyRegistrations     int     `json:"surveyRegistrations"`
	SurveySubmissions       int     `json:"surveySubmissions"`
}

// GlobalTenantID owns rules and typologies that apply to every tenant.
const GlobalTenantID = "*"
