package rules

import "github.com/opensource-finance/landwatch/internal/domain"

// DefaultTypologies returns the land fraud typologies seeded into an empty
// tenant. Rule IDs refer to DefaultRules.
func DefaultTypologies() []*domain.Typology {
	return []*domain.Typology{
		{
			ID:          domain.TypologyUndervaluedGift,
			Name:        "Undervalued Gift",
			Description: "Sale disguised as a gift to avoid stamp duty",
			Version:     "1.0.0",
			Rules: []domain.TypologyRuleWeight{
				{RuleID: "rule-gift-below-market", Weight: 0.5},
				{RuleID: "rule-underpaid-duty", Weight: 0.3},
				{RuleID: "rule-missing-deeds", Weight: 0.2},
			},
			AlertThreshold: 0.7,
			Enabled:        true,
		},
		{
			ID:          domain.TypologyParcelFlipping,
			Name:        "Parcel Flipping",
			Description: "Rapid resale chains that launder ownership",
			Version:     "1.0.0",
			Rules: []domain.TypologyRuleWeight{
				{RuleID: "rule-rapid-flipping", Weight: 0.6},
				{RuleID: "rule-underpaid-duty", Weight: 0.2},
				{RuleID: "rule-self-transfer", Weight: 0.2},
			},
			AlertThreshold: 0.6,
			Enabled:        true,
		},
		{
			ID:          domain.TypologyDoubleSale,
			Name:        "Double Sale",
			Description: "The same parcel sold to more than one buyer",
			Version:     "1.0.0",
			Rules: []domain.TypologyRuleWeight{
				{RuleID: "rule-survey-duplicate", Weight: 0.7},
				{RuleID: "rule-repeat-submission", Weight: 0.3},
			},
			AlertThreshold: 0.7,
			Enabled:        true,
		},
	}
}
