package rules

import "github.com/opensource-finance/landwatch/internal/domain"

func limit(v float64) *float64 { return &v }

// boolBands maps a 0/1 rule onto pass or the given outcome.
func boolBands(outcome, reason string) []domain.RuleBand {
	return []domain.RuleBand{
		{UpperLimit: limit(1), SubRuleRef: domain.RuleOutcomePass, Reason: "not observed"},
		{LowerLimit: limit(1), SubRuleRef: outcome, Reason: reason},
	}
}

// DefaultRules returns the land fraud rules seeded into an empty tenant.
// They can be replaced through the rules API.
func DefaultRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "rule-gift-below-market",
			Name:        "Gift Below Market",
			Description: "Gift transfer declared far below market value",
			Version:     "1.0.0",
			Expression:  "is_gift == 1.0 && price_below_market == 1.0",
			Bands:       boolBands(domain.RuleOutcomeReview, "gift declared below market value"),
			Weight:      1.0,
			Enabled:     true,
		},
		{
			ID:          "rule-missing-deeds",
			Name:        "Missing Title Documents",
			Description: "Share of critical title documents not supplied",
			Version:     "1.0.0",
			Expression:  "missing_critical_docs / 3.0",
			Bands: []domain.RuleBand{
				{UpperLimit: limit(0.3), SubRuleRef: domain.RuleOutcomePass, Reason: "title documents present"},
				{LowerLimit: limit(0.3), SubRuleRef: domain.RuleOutcomeReview, Reason: "critical title documents missing"},
			},
			Weight:  0.6,
			Enabled: true,
		},
		{
			ID:          "rule-rapid-flipping",
			Name:        "Rapid Parcel Flipping",
			Description: "Repeated transfers of the same parcel in a short time",
			Version:     "1.0.0",
			Expression:  "transfers_last_year >= 2 || (min_days_between_transfers >= 0.0 && min_days_between_transfers < 180.0)",
			Bands:       boolBands(domain.RuleOutcomeReview, "parcel transferred repeatedly within months"),
			Weight:      0.8,
			Enabled:     true,
		},
		{
			ID:          "rule-underpaid-duty",
			Name:        "Underpaid Stamp Duty",
			Description: "Stamp duty well below the statutory rate on the declared price",
			Version:     "1.0.0",
			Expression:  "underpaid_stamp_duty",
			Bands:       boolBands(domain.RuleOutcomeReview, "stamp duty underpaid"),
			Weight:      0.6,
			Enabled:     true,
		},
		{
			ID:          "rule-self-transfer",
			Name:        "Self Transfer",
			Description: "Seller and buyer are the same party",
			Version:     "1.0.0",
			Expression:  "seller_buyer_same",
			Bands:       boolBands(domain.RuleOutcomeFail, "seller and buyer are the same"),
			Weight:      0.7,
			Enabled:     true,
		},
		{
			ID:          "rule-survey-duplicate",
			Name:        "Survey Number Re-registered",
			Description: "Stored registrations of the same survey number inside the velocity window, the record itself included",
			Version:     "1.0.0",
			Expression:  "survey_registrations > 1",
			Bands:       boolBands(domain.RuleOutcomeFail, "survey number registered again within the window"),
			Weight:      0.9,
			Enabled:     true,
		},
		{
			ID:          "rule-repeat-submission",
			Name:        "Repeated Submission",
			Description: "The same parcel analysed many times inside the velocity window",
			Version:     "1.0.0",
			Expression:  "survey_submissions > 3",
			Bands:       boolBands(domain.RuleOutcomeReview, "parcel submitted repeatedly"),
			Weight:      0.4,
			Enabled:     true,
		},
	}
}
