// Package velocity counts how often a survey number is registered and
// submitted for analysis, the double-sale and repeat-submission signals.
package velocity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/landwatch/internal/domain"
)

// ErrNoDataSource is returned when the service has neither repository nor cache.
var ErrNoDataSource = errors.New("no data source available")

// Service calculates survey-number velocity.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	now   func() time.Time
}

// NewService creates a new velocity service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		now:   time.Now,
	}
}

// RegistrationCount returns the number of stored records carrying the survey
// number that were saved within the window.
func (s *Service) RegistrationCount(ctx context.Context, tenantID, surveyNumber string, window time.Duration) (int64, error) {
	if err := checkArgs(tenantID, surveyNumber); err != nil {
		return 0, err
	}
	if s.repo == nil {
		return 0, ErrNoDataSource
	}

	n, err := s.repo.CountRecordsBySurvey(ctx, tenantID, surveyNumber, s.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to count registrations: %w", err)
	}
	return int64(n), nil
}

// SubmissionCount records one analysis of the survey number and returns the
// number of analyses within the current window, this one included.
func (s *Service) SubmissionCount(ctx context.Context, tenantID, surveyNumber string, window time.Duration) (int64, error) {
	if err := checkArgs(tenantID, surveyNumber); err != nil {
		return 0, err
	}
	if s.cache == nil {
		return 0, ErrNoDataSource
	}

	n, err := s.cache.IncrementCounter(ctx, tenantID, submissionKey(surveyNumber), window)
	if err != nil {
		return 0, fmt.Errorf("failed to count submissions: %w", err)
	}
	return n, nil
}

// Counts returns registrations and submissions together. Its signature
// matches rules.VelocityGetter.
func (s *Service) Counts(ctx context.Context, tenantID, surveyNumber string, window time.Duration) (int64, int64, error) {
	reg, err := s.RegistrationCount(ctx, tenantID, surveyNumber, window)
	if err != nil {
		return 0, 0, err
	}
	sub, err := s.SubmissionCount(ctx, tenantID, surveyNumber, window)
	if err != nil {
		return reg, 0, err
	}
	return reg, sub, nil
}

func checkArgs(tenantID, surveyNumber string) error {
	if tenantID == "" || strings.TrimSpace(surveyNumber) == "" {
		return fmt.Errorf("tenantID and surveyNumber are required")
	}
	return nil
}

func submissionKey(surveyNumber string) string {
	return "survey:" + strings.ToLower(strings.TrimSpace(surveyNumber))
}
