// Package domain defines the core interfaces and types for LandWatch.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Land record operations
	SaveRecord(ctx context.Context, tenantID string, record *LandRecord) error
	GetRecord(ctx context.Context, tenantID string, recordID string) (*LandRecord, error)
	ListRecords(ctx context.Context, tenantID string, limit int) ([]*LandRecord, error)
	CountRecordsBySurvey(ctx context.Context, tenantID string, surveyNumber string, since time.Time) (int, error)

	// Verdicts
	SaveVerdict(ctx context.Context, tenantID string, verdict *FraudVerdict) error
	GetVerdict(ctx context.Context, tenantID string, verdictID string) (*FraudVerdict, error)

	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	// Typology configuration operations
	SaveTypology(ctx context.Context, tenantID string, typology *Typology) error
	GetTypology(ctx context.Context, tenantID string, typologyID string) (*Typology, error)
	ListTypologies(ctx context.Context, tenantID string) ([]*Typology, error)
	DeleteTypology(ctx context.Context, tenantID string, typologyID string) error

	// Trained outlier models
	SaveModel(ctx context.Context, tenantID string, blob *ModelBlob) error
	GetLatestModel(ctx context.Context, tenantID string) (*ModelBlob, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ModelBlob is an encoded outlier model as stored by the repository.
type ModelBlob struct {
	Version   string    `json:"version"`
	TenantID  string    `json:"tenantId"`
	Samples   int       `json:"samples"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" koanf:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" koanf:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" koanf:"postgres_port"`
	PostgresUser     string `json:"postgresUser" koanf:"postgres_user"`
	PostgresPassword string `json:"-" koanf:"postgres_password"`
	PostgresDB       string `json:"postgresDb" koanf:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" koanf:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" koanf:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" koanf:"conn_max_lifetime"`
}
