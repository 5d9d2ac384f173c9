package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/landwatch/internal/domain"
)

// Rule and typology configuration is versioned: (id, tenant_id, version) is
// unique, reads return the highest enabled version, and delete only disables.

const (
	ruleColumns     = `id, tenant_id, name, description, version, expression, bands, weight, enabled`
	typologyColumns = `id, tenant_id, name, description, version, rules, alert_threshold, enabled, created_at, updated_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(s rowScanner) (*domain.RuleConfig, error) {
	var (
		rule    domain.RuleConfig
		bands   string
		enabled int
	)
	if err := s.Scan(&rule.ID, &rule.TenantID, &rule.Name, &rule.Description,
		&rule.Version, &rule.Expression, &bands, &rule.Weight, &enabled); err != nil {
		return nil, err
	}
	rule.Enabled = enabled == 1
	if bands != "" {
		if err := json.Unmarshal([]byte(bands), &rule.Bands); err != nil {
			return nil, fmt.Errorf("rule %s: bad bands: %w", rule.ID, err)
		}
	}
	return &rule, nil
}

func scanTypology(s rowScanner) (*domain.Typology, error) {
	var (
		t       domain.Typology
		weights string
		enabled int
	)
	if err := s.Scan(&t.ID, &t.TenantID, &t.Name, &t.Description,
		&t.Version, &weights, &t.AlertThreshold, &enabled,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(weights), &t.Rules); err != nil {
		return nil, fmt.Errorf("typology %s: bad rule weights: %w", t.ID, err)
	}
	return &t, nil
}

// collect drains rows through scan.
func collect[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// one maps sql.ErrNoRows to ErrNotFound.
func one[T any](row *sql.Row, scan func(rowScanner) (T, error)) (T, error) {
	v, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		var zero T
		return zero, ErrNotFound
	}
	return v, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SaveRuleConfig upserts one version of a tenant rule.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}
	bands, err := json.Marshal(rule.Bands)
	if err != nil {
		return fmt.Errorf("failed to encode rule bands: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO rule_configs (`+ruleColumns+`, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name, description = excluded.description,
			expression = excluded.expression, bands = excluded.bands,
			weight = excluded.weight, enabled = excluded.enabled,
			updated_at = excluded.updated_at`),
		rule.ID, tenantID, rule.Name, rule.Description, rule.Version,
		rule.Expression, string(bands), rule.Weight, boolInt(rule.Enabled), now, now,
	)
	return err
}

// GetRuleConfig returns the newest enabled version of a rule.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT `+ruleColumns+` FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC LIMIT 1`), tenantID, ruleID)
	return one(row, scanRule)
}

// ListRuleConfigs returns a tenant's enabled rules ordered by name.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT `+ruleColumns+` FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name`), tenantID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRule)
}

// SaveTypology upserts one version of a tenant typology.
func (r *SQLRepository) SaveTypology(ctx context.Context, tenantID string, typology *domain.Typology) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if typology == nil || typology.ID == "" {
		return fmt.Errorf("%w: typology id is required", ErrInvalidInput)
	}
	weights, err := json.Marshal(typology.Rules)
	if err != nil {
		return fmt.Errorf("failed to encode typology rules: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO typologies (`+typologyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name, description = excluded.description,
			rules = excluded.rules, alert_threshold = excluded.alert_threshold,
			enabled = excluded.enabled, updated_at = excluded.updated_at`),
		typology.ID, tenantID, typology.Name, typology.Description, typology.Version,
		string(weights), typology.AlertThreshold, boolInt(typology.Enabled), now, now,
	)
	return err
}

// GetTypology returns the newest enabled version of a typology.
func (r *SQLRepository) GetTypology(ctx context.Context, tenantID string, typologyID string) (*domain.Typology, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT `+typologyColumns+` FROM typologies
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC LIMIT 1`), tenantID, typologyID)
	return one(row, scanTypology)
}

// ListTypologies returns a tenant's enabled typologies ordered by name.
func (r *SQLRepository) ListTypologies(ctx context.Context, tenantID string) ([]*domain.Typology, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT `+typologyColumns+` FROM typologies
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name`), tenantID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanTypology)
}

// DeleteTypology disables every version of a typology.
func (r *SQLRepository) DeleteTypology(ctx context.Context, tenantID string, typologyID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE typologies SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?`), time.Now().UTC(), tenantID, typologyID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}
