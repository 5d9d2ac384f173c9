package domain

import (
	"time"
)

// RiskLevel is the categorical bucketing of a risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// FraudVerdict is the complete analysis result for a land record.
type FraudVerdict struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenantId"`
	RecordID      string      `json:"recordId"`
	RiskScore     float64     `json:"riskScore"` // 0-100
	RiskLevel     RiskLevel   `json:"riskLevel"`
	FraudDetected bool        `json:"fraudDetected"`
	Confidence    float64     `json:"confidence"` // 0-1
	Indicators    []Indicator `json:"indicators"`
	Explanations  []string    `json:"explanations"`
	Timestamp     time.Time   `json:"timestamp"`

	// Components holds the per-signal scores (0-1) that fed the blend.
	Components map[string]float64 `json:"components,omitempty"`

	Metadata VerdictMetadata `json:"metadata"`
}

// VerdictMetadata contains processing information.
type VerdictMetadata struct {
	TraceID         string `json:"traceId,omitempty"`
	FeaturesMs      int64  `json:"featuresMs"`
	DetectorsMs     int64  `json:"detectorsMs"`
	ScoringMs       int64  `json:"scoringMs"`
	TotalMs         int64  `json:"totalMs"`
	RulesEvaluated  int    `json:"rulesEvaluated"`
	ModelVersion    string `json:"modelVersion,omitempty"`
	StatisticalUsed bool   `json:"statisticalUsed"`
	Cached          bool   `json:"cached,omitempty"`
	EngineVersion   string `json:"engineVersion"`
}

// VerdictResponse is the API-facing summary of a verdict.
type VerdictResponse struct {
	VerdictID     string          `json:"verdictId"`
	RecordID      string          `json:"recordId"`
	TenantID      string          `json:"tenantId"`
	Status        string          `json:"status"` // "PASS" or "ALERT"
	RiskScore     float64         `json:"riskScore"`
	RiskLevel     RiskLevel       `json:"riskLevel"`
	FraudDetected bool            `json:"fraudDetected"`
	Confidence    float64         `json:"confidence"`
	Explanations  []string        `json:"explanations,omitempty"`
	Metadata      VerdictMetadata `json:"metadata"`
}

// API-friendly status
const (
	StatusPass  = "PASS"
	StatusAlert = "ALERT"
)

// ToResponse converts a verdict to an API response.
func (v *FraudVerdict) ToResponse() *VerdictResponse {
	status := StatusPass
	if v.FraudDetected {
		status = StatusAlert
	}

	return &VerdictResponse{
		VerdictID:     v.ID,
		RecordID:      v.RecordID,
		TenantID:      v.TenantID,
		Status:        status,
		RiskScore:     v.RiskScore,
		RiskLevel:     v.RiskLevel,
		FraudDetected: v.FraudDetected,
		Confidence:    v.Confidence,
		Explanations:  v.Explanations,
		Metadata:      v.Metadata,
	}
}
