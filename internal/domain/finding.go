package domain

import (
	"sort"
	"strings"
)

// Severity grades a single indicator.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; higher is worse. Unknown severities rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity maps a free-form string onto a Severity, defaulting to low.
func ParseSeverity(v string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(v))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Indicator sources, in explanation order.
const (
	SourceFraudDetector   = "fraud_detector"
	SourceAnomalyDetector = "anomaly_detector"
	SourceRule            = "rule"
	SourceTypology        = "typology"
	SourceStatistical     = "statistical"
	SourceClassifier      = "classifier"
)

// SourceRank orders detectors: rule-based before statistical.
func SourceRank(source string) int {
	switch source {
	case SourceFraudDetector:
		return 0
	case SourceAnomalyDetector:
		return 1
	case SourceRule:
		return 2
	case SourceTypology:
		return 3
	case SourceStatistical:
		return 4
	case SourceClassifier:
		return 5
	default:
		return 6
	}
}

// Indicator is one piece of evidence contributing to a verdict.
type Indicator struct {
	Type        string   `json:"type"`
	Source      string   `json:"source"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence,omitempty"`
	Confidence  float64  `json:"confidence"`
	Score       float64  `json:"score"`
}

// SortIndicators orders indicators by severity (critical first), then by
// source rank. Order within a tier is preserved.
func SortIndicators(in []Indicator) {
	sort.SliceStable(in, func(i, j int) bool {
		ri, rj := in[i].Severity.Rank(), in[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return SourceRank(in[i].Source) < SourceRank(in[j].Source)
	})
}
