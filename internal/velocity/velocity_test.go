package velocity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/landwatch/internal/cache"
	"github.com/opensource-finance/landwatch/internal/domain"
	"github.com/opensource-finance/landwatch/internal/repository"
	"github.com/opensource-finance/landwatch/internal/rules"
)

func TestVelocityService(t *testing.T) {
	// Create temp database
	tmpFile, err := os.CreateTemp("", "velocity-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	svc := NewService(repo, lruCache)

	ctx := context.Background()
	tenantID := "tenant-001"
	window := time.Hour

	t.Run("EmptyDatabase", func(t *testing.T) {
		count, err := svc.RegistrationCount(ctx, tenantID, "SN-1", window)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for empty database, got %d", count)
		}
	})

	t.Run("WithRecords", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			rec := &domain.LandRecord{
				ID:           fmt.Sprintf("rec-%d", i),
				OwnerName:    fmt.Sprintf("Owner %d", i),
				SurveyNumber: "SN-1",
			}
			if err := repo.SaveRecord(ctx, tenantID, rec); err != nil {
				t.Fatalf("failed to save record: %v", err)
			}
		}

		count, err := svc.RegistrationCount(ctx, tenantID, "SN-1", window)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 3 {
			t.Errorf("expected count 3, got %d", count)
		}

		count, _ = svc.RegistrationCount(ctx, tenantID, "SN-unknown", window)
		if count != 0 {
			t.Errorf("expected count 0 for unknown survey, got %d", count)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		count, err := svc.RegistrationCount(ctx, "other-tenant", "SN-1", window)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for different tenant, got %d", count)
		}
	})

	t.Run("Submissions", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			got, err := svc.SubmissionCount(ctx, tenantID, "SN-9", window)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != want {
				t.Errorf("expected %d submissions, got %d", want, got)
			}
		}

		// Keys are normalised.
		got, _ := svc.SubmissionCount(ctx, tenantID, " sn-9 ", window)
		if got != 4 {
			t.Errorf("expected normalised survey key, got %d", got)
		}
	})

	t.Run("RequiresArguments", func(t *testing.T) {
		if _, err := svc.RegistrationCount(ctx, "", "SN-1", window); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if _, err := svc.SubmissionCount(ctx, tenantID, "  ", window); err == nil {
			t.Error("expected error for empty survey number")
		}
	})

	t.Run("Counts", func(t *testing.T) {
		var getter rules.VelocityGetter = svc.Counts

		reg, sub, err := getter(ctx, tenantID, "SN-1", window)
		if err != nil {
			t.Fatalf("Counts failed: %v", err)
		}
		if reg != 3 {
			t.Errorf("expected 3 registrations, got %d", reg)
		}
		if sub != 1 {
			t.Errorf("expected 1 submission, got %d", sub)
		}
	})
}

func TestNoDataSource(t *testing.T) {
	svc := NewService(nil, nil)

	ctx := context.Background()
	if _, err := svc.RegistrationCount(ctx, "tenant", "SN-1", time.Hour); !errors.Is(err, ErrNoDataSource) {
		t.Errorf("expected ErrNoDataSource, got %v", err)
	}
	if _, _, err := svc.Counts(ctx, "tenant", "SN-1", time.Hour); err == nil {
		t.Error("expected error with no data source")
	}
}
