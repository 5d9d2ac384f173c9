// Package detect provides rule-based fraud and anomaly detectors over
// document text. Detectors are total: they never fail on malformed input.
package detect

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/opensource-finance/landwatch/internal/domain"
)

// datePattern extracts numeric dates such as 12/03/2031 or 2031-03-12.
var datePattern = regexp.MustCompile(`\b\d{1,4}[-/.]\d{1,2}[-/.]\d{1,4}\b`)

// FraudResult is the outcome of a lexical fraud scan.
type FraudResult struct {
	FraudDetected bool               `json:"fraudDetected"`
	Score         float64            `json:"score"` // 0-1
	Confidence    float64            `json:"confidence"`
	Indicators    []domain.Indicator `json:"indicators"`
}

// FraudDetector scans document text for fraud markers.
type FraudDetector struct {
	cfg      domain.FraudRuleConfig
	patterns []string
}

// NewFraudDetector creates a fraud detector from configuration.
func NewFraudDetector(cfg domain.FraudRuleConfig) *FraudDetector {
	patterns := make([]string, 0, len(cfg.Patterns))
	seen := make(map[string]struct{}, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		patterns = append(patterns, p)
	}
	return &FraudDetector{cfg: cfg, patterns: patterns}
}

// Detect scans text and returns a scored result.
func (d *FraudDetector) Detect(text string) FraudResult {
	lower := strings.ToLower(text)
	var indicators []domain.Indicator
	score := 0.0

	for _, p := range d.patterns {
		if !strings.Contains(lower, p) {
			continue
		}
		score += d.cfg.PatternWeight
		indicators = append(indicators, domain.Indicator{
			Type:        "fraud_pattern",
			Source:      domain.SourceFraudDetector,
			Severity:    domain.SeverityHigh,
			Description: fmt.Sprintf("document contains fraud marker %q", p),
			Evidence:    []string{p},
			Score:       d.cfg.PatternWeight,
		})
	}

	if evidence := d.suspiciousFormatting(text); evidence != "" {
		score += d.cfg.FormattingWeight
		indicators = append(indicators, domain.Indicator{
			Type:        "suspicious_formatting",
			Source:      domain.SourceFraudDetector,
			Severity:    domain.SeverityMedium,
			Description: "document has suspicious formatting",
			Evidence:    []string{evidence},
			Score:       d.cfg.FormattingWeight,
		})
	}

	if dates := d.futureDates(text); len(dates) > 0 {
		score += d.cfg.FutureDateWeight
		indicators = append(indicators, domain.Indicator{
			Type:        "inconsistent_dates",
			Source:      domain.SourceFraudDetector,
			Severity:    domain.SeverityHigh,
			Description: "document contains implausible future dates",
			Evidence:    dates,
			Score:       d.cfg.FutureDateWeight,
		})
	}

	score = clamp01(score)
	confidence := 0.95
	if len(indicators) > 0 {
		confidence = 0.8
	}

	detected := score > d.cfg.DetectedThreshold
	for i := range indicators {
		indicators[i].Confidence = confidence
		if indicators[i].Severity.AtLeast(domain.SeverityHigh) {
			detected = true
		}
	}

	return FraudResult{
		FraudDetected: detected,
		Score:         score,
		Confidence:    confidence,
		Indicators:    indicators,
	}
}

// suspiciousFormatting returns a short description of the first whitespace
// run or repeated-character run over the configured lengths.
func (d *FraudDetector) suspiciousFormatting(text string) string {
	var (
		prev      rune
		run       int
		spaceRun  int
		haveFirst bool
	)
	for _, c := range text {
		if unicode.IsSpace(c) {
			spaceRun++
		} else {
			spaceRun = 0
		}
		if d.cfg.WhitespaceRun > 0 && spaceRun >= d.cfg.WhitespaceRun {
			return fmt.Sprintf("%d consecutive whitespace characters", spaceRun)
		}

		if haveFirst && c == prev {
			run++
		} else {
			run = 1
		}
		prev, haveFirst = c, true
		if d.cfg.RepeatedCharRun > 0 && run >= d.cfg.RepeatedCharRun && !unicode.IsSpace(c) {
			return fmt.Sprintf("character %q repeated %d times", c, run)
		}
	}
	return ""
}

func (d *FraudDetector) futureDates(text string) []string {
	var found []string
	for _, date := range datePattern.FindAllString(text, -1) {
		for _, year := range d.cfg.FutureYears {
			if year != "" && strings.Contains(date, year) {
				found = append(found, date)
				break
			}
		}
	}
	return found
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
