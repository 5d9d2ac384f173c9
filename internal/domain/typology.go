package domain

import "time"

// Typology defines a land fraud pattern.
// A typology groups multiple rules with weights to calculate a composite score.
// Example: "Undervalued Gift" combines GiftTransfer (0.4) + BelowMarket (0.4) + MissingDeeds (0.2)
type Typology struct {
	ID          string `json:"id" validate:"required"`
	TenantID    string `json:"tenantId,omitempty"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// Rules contains the list of rules with their weights
	Rules []TypologyRuleWeight `json:"rules" validate:"required,min=1,dive"`

	// AlertThreshold is the minimum score to trigger an alert (0.0-1.0)
	AlertThreshold float64 `json:"alertThreshold" validate:"gte=0,lte=1"`

	// Whether typology is active
	Enabled bool `json:"enabled"`

	// Audit timestamps
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// TypologyRuleWeight defines a rule and its weight within a typology.
type TypologyRuleWeight struct {
	RuleID string  `json:"ruleId" validate:"required"`
	Weight float64 `json:"weight" validate:"gte=0,lte=1"` // 0.0 to 1.0
}

// RuleContribution shows how a single rule contributed to a typology score.
type RuleContribution struct {
	RuleID       string  `json:"ruleId"`
	RuleScore    float64 `json:"ruleScore"`    // Original rule score (0.0-1.0)
	Weight       float64 `json:"weight"`       // Weight in typology
	Contribution float64 `json:"contribution"` // ruleScore * weight
}

// TypologyResult is the outcome of one typology for one record.
type TypologyResult struct {
	TypologyID    string             `json:"typologyId"`
	TypologyName  string             `json:"typologyName"`
	Score         float64            `json:"score"`
	Threshold     float64            `json:"threshold"`
	Triggered     bool               `json:"triggered"`
	Contributions []RuleContribution `json:"contributions"`
	ProcessMs     int64              `json:"processMs"`
}

// Predefined typology IDs for default typologies
const (
	TypologyUndervaluedGift = "typology-undervalued-gift"
	TypologyParcelFlipping  = "typology-parcel-flipping"
	TypologyDoubleSale      = "typology-double-sale"
)
