// Package repository persists land records, verdicts, rule configuration
// and trained models on SQLite or PostgreSQL.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/landwatch/internal/domain"
)

var (
	ErrNotFound     = errors.New("repository: not found")
	ErrInvalidInput = errors.New("repository: invalid input")
)

// SQLRepository stores everything in one database/sql pool. Queries are
// written with ? placeholders and rebound for PostgreSQL.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var openers = map[string]func(domain.RepositoryConfig) (*sql.DB, error){
	"sqlite":   openSQLite,
	"postgres": openPostgres,
}

// New opens the configured driver, applies pool limits and migrates the schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	open, ok := openers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver: %q", cfg.Driver)
	}
	db, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	applyPool(db, cfg)

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.Driver, err)
	}
	return repo, nil
}

func applyPool(db *sql.DB, cfg domain.RepositoryConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

func (r *SQLRepository) migrate() error {
	for i, stmt := range AllSchemas(r.driver) {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema %d: %w", i, err)
		}
	}
	return nil
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return nil
}

// SaveRecord upserts a land record. created_at is kept from the first save;
// updated_at moves on every save and drives survey velocity.
func (r *SQLRepository) SaveRecord(ctx context.Context, tenantID string, record *domain.LandRecord) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if record == nil || record.ID == "" {
		return fmt.Errorf("%w: record id is required", ErrInvalidInput)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	now := time.Now().UTC()
	created := record.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := `
		INSERT INTO land_records (
			id, tenant_id, survey_number, owner_name, transaction_type, registration_date,
			data, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			survey_number = excluded.survey_number,
			owner_name = excluded.owner_name,
			transaction_type = excluded.transaction_type,
			registration_date = excluded.registration_date,
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		record.ID, tenantID, strings.TrimSpace(record.SurveyNumber), record.OwnerName,
		record.TransactionType, record.RegistrationDate,
		string(data), created, now,
	)
	return err
}

// GetRecord retrieves a land record by ID with tenant isolation.
func (r *SQLRepository) GetRecord(ctx context.Context, tenantID string, recordID string) (*domain.LandRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT data, created_at
		FROM land_records
		WHERE tenant_id = ? AND id = ?
	`

	var data string
	var created time.Time
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, recordID).Scan(&data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return decodeRecord(tenantID, data, created)
}

// ListRecords returns the most recently saved records for a tenant.
func (r *SQLRepository) ListRecords(ctx context.Context, tenantID string, limit int) ([]*domain.LandRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT data, created_at
		FROM land_records
		WHERE tenant_id = ?
		ORDER BY updated_at DESC, id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.LandRecord
	for rows.Next() {
		var data string
		var created time.Time
		if err := rows.Scan(&data, &created); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(tenantID, data, created)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// CountRecordsBySurvey counts distinct records carrying the survey number
// that were saved since the given time.
func (r *SQLRepository) CountRecordsBySurvey(ctx context.Context, tenantID string, surveyNumber string, since time.Time) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	surveyNumber = strings.TrimSpace(surveyNumber)
	if surveyNumber == "" {
		return 0, nil
	}

	query := `
		SELECT COUNT(*)
		FROM land_records
		WHERE tenant_id = ? AND survey_number = ? AND updated_at >= ?
	`

	var count int
	if err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, surveyNumber, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

func decodeRecord(tenantID, data string, created time.Time) (*domain.LandRecord, error) {
	var rec domain.LandRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	rec.TenantID = tenantID
	rec.CreatedAt = created
	return &rec, nil
}

// SaveVerdict stores a verdict with tenant isolation.
func (r *SQLRepository) SaveVerdict(ctx context.Context, tenantID string, verdict *domain.FraudVerdict) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if verdict == nil || verdict.ID == "" {
		return fmt.Errorf("%w: verdict id is required", ErrInvalidInput)
	}

	data, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("failed to encode verdict: %w", err)
	}

	fraud := 0
	if verdict.FraudDetected {
		fraud = 1
	}

	query := `
		INSERT INTO verdicts (
			id, tenant_id, record_id, risk_score, risk_level, fraud_detected,
			model_version, timestamp, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		verdict.ID, tenantID, verdict.RecordID, verdict.RiskScore, string(verdict.RiskLevel), fraud,
		verdict.Metadata.ModelVersion, verdict.Timestamp, string(data),
	)
	return err
}

// GetVerdict retrieves a verdict by ID with tenant isolation.
func (r *SQLRepository) GetVerdict(ctx context.Context, tenantID string, verdictID string) (*domain.FraudVerdict, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT data
		FROM verdicts
		WHERE tenant_id = ? AND id = ?
	`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, verdictID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var v domain.FraudVerdict
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to decode verdict: %w", err)
	}
	return &v, nil
}

// SaveModel stores an encoded outlier model.
func (r *SQLRepository) SaveModel(ctx context.Context, tenantID string, blob *domain.ModelBlob) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if blob == nil || blob.Version == "" || len(blob.Data) == 0 {
		return fmt.Errorf("%w: model version and data are required", ErrInvalidInput)
	}

	created := blob.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	query := `
		INSERT INTO models (version, tenant_id, samples, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		blob.Version, tenantID, blob.Samples, blob.Data, created,
	)
	return err
}

// GetLatestModel returns the most recently stored model for a tenant.
func (r *SQLRepository) GetLatestModel(ctx context.Context, tenantID string) (*domain.ModelBlob, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT version, tenant_id, samples, data, created_at
		FROM models
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	var blob domain.ModelBlob
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(
		&blob.Version, &blob.TenantID, &blob.Samples, &blob.Data, &blob.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind numbers ? placeholders as $n for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
