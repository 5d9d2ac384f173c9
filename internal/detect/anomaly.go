package detect

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/opensource-finance/landwatch/internal/domain"
)

// requiredField pairs a semantic field with the keywords that evidence it.
type requiredField struct {
	name    string
	pattern *regexp.Regexp
}

var requiredFields = []requiredField{
	{"owner", regexp.MustCompile(`(?i)\b(owner|proprietor|vendor|purchaser|buyer|seller|transferee|transferor)\b`)},
	{"location", regexp.MustCompile(`(?i)\b(location|village|district|taluk|tehsil|address|plot|survey)\b`)},
	{"area", regexp.MustCompile(`(?i)\b(area|acres?|hectares?|sq\.?\s?(ft|m|yd)|square|guntha)\b`)},
	{"date", regexp.MustCompile(`(?i)\bdated?\b|\b\d{1,4}[-/.]\d{1,2}[-/.]\d{1,4}\b`)},
}

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

// AnomalyResult is the outcome of a structural document scan.
type AnomalyResult struct {
	AnomalyDetected bool               `json:"anomalyDetected"`
	Score           float64            `json:"score"` // 0-1
	Confidence      float64            `json:"confidence"`
	MissingFields   []string           `json:"missingFields,omitempty"`
	Indicators      []domain.Indicator `json:"indicators"`
}

// AnomalyDetector checks document text for structural anomalies.
type AnomalyDetector struct {
	cfg domain.AnomalyRuleConfig
}

// NewAnomalyDetector creates an anomaly detector from configuration.
func NewAnomalyDetector(cfg domain.AnomalyRuleConfig) *AnomalyDetector {
	return &AnomalyDetector{cfg: cfg}
}

// Detect scans text and returns a scored result.
func (d *AnomalyDetector) Detect(text string) AnomalyResult {
	var (
		indicators []domain.Indicator
		score      float64
		missing    []string
	)
	add := func(kind string, sev domain.Severity, weight float64, desc string, evidence ...string) {
		score += weight
		indicators = append(indicators, domain.Indicator{
			Type:        kind,
			Source:      domain.SourceAnomalyDetector,
			Severity:    sev,
			Description: desc,
			Evidence:    evidence,
			Score:       weight,
		})
	}

	length := utf8.RuneCountInString(text)
	switch {
	case length < d.cfg.MinLength:
		add("document_too_short", domain.SeverityMedium, d.cfg.ShortWeight,
			fmt.Sprintf("document is unusually short (%d characters)", length))
	case d.cfg.MaxLength > 0 && length > d.cfg.MaxLength:
		add("document_too_long", domain.SeverityLow, d.cfg.LongWeight,
			fmt.Sprintf("document is unusually long (%d characters)", length))
	}

	for _, f := range requiredFields {
		if !f.pattern.MatchString(text) {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		add("missing_required_fields", domain.SeverityHigh, d.cfg.MissingFieldWeight*float64(len(missing)),
			fmt.Sprintf("document is missing required fields: %s", strings.Join(missing, ", ")),
			missing...)
	}

	if ratio := unusualCharRatio(text); ratio > d.cfg.UnusualCharRatio {
		add("unusual_characters", domain.SeverityMedium, d.cfg.UnusualCharWeight,
			fmt.Sprintf("%.1f%% of characters are unusual", ratio*100))
	}

	if ratio := duplicateSentenceRatio(text); ratio > d.cfg.DuplicateRatio {
		add("duplicate_content", domain.SeverityLow, d.cfg.DuplicateWeight,
			fmt.Sprintf("%.1f%% of sentences are repeated", ratio*100))
	}

	score = clamp01(score)
	detected := score > d.cfg.DetectedThreshold
	confidence := 0.9
	if detected {
		confidence = 0.75
	}
	for i := range indicators {
		indicators[i].Confidence = confidence
	}

	return AnomalyResult{
		AnomalyDetected: detected,
		Score:           score,
		Confidence:      confidence,
		MissingFields:   missing,
		Indicators:      indicators,
	}
}

// unusualCharRatio is the share of characters that are neither letters,
// digits, whitespace nor common document punctuation. Empty text is 0.
func unusualCharRatio(text string) float64 {
	total, unusual := 0, 0
	for _, c := range text {
		total++
		if unicode.IsLetter(c) || unicode.IsDigit(c) || unicode.IsSpace(c) {
			continue
		}
		if strings.ContainsRune(`.,;:!?'"()-/&%#@[]`, c) {
			continue
		}
		unusual++
	}
	if total == 0 {
		return 0
	}
	return float64(unusual) / float64(total)
}

// duplicateSentenceRatio is the share of sentences that repeat an earlier
// one, case-folded. Text without sentences is 0.
func duplicateSentenceRatio(text string) float64 {
	seen := make(map[string]struct{})
	total := 0
	for _, s := range sentenceSplit.Split(strings.ToLower(text), -1) {
		s = strings.Join(strings.Fields(s), " ")
		if s == "" {
			continue
		}
		total++
		seen[s] = struct{}{}
	}
	if total == 0 {
		return 0
	}
	return float64(total-len(seen)) / float64(total)
}
