package repository

import "strings"

// Schema definitions for the LandWatch database.
// Compatible with both SQLite and PostgreSQL.

const schemaLandRecords = `
CREATE TABLE IF NOT EXISTS land_records (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    survey_number TEXT NOT NULL DEFAULT '',
    owner_name TEXT,
    transaction_type TEXT,
    registration_date TEXT,
    data TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_land_records_survey ON land_records(tenant_id, survey_number, updated_at);
CREATE INDEX IF NOT EXISTS idx_land_records_updated ON land_records(tenant_id, updated_at);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

const schemaVerdicts = `
CREATE TABLE IF NOT EXISTS verdicts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    record_id TEXT NOT NULL,
    risk_score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    fraud_detected INTEGER NOT NULL DEFAULT 0,
    model_version TEXT,
    timestamp TIMESTAMP NOT NULL,
    data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_verdicts_tenant ON verdicts(tenant_id);
CREATE INDEX IF NOT EXISTS idx_verdicts_record ON verdicts(tenant_id, record_id);
CREATE INDEX IF NOT EXISTS idx_verdicts_fraud ON verdicts(tenant_id, fraud_detected);
`

// schemaModels stores encoded outlier models. The data column type differs
// between drivers and is substituted in AllSchemas.
const schemaModels = `
CREATE TABLE IF NOT EXISTS models (
    version TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    samples INTEGER NOT NULL,
    data {{BLOB}} NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (version, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_models_created ON models(tenant_id, created_at);
`

// schemaTypologies defines the typologies table.
// Typologies group multiple rules with weights to calculate composite risk scores.
// Compatible with both SQLite and PostgreSQL.
const schemaTypologies = `
CREATE TABLE IF NOT EXISTS typologies (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    rules TEXT NOT NULL,
    alert_threshold REAL NOT NULL DEFAULT 0.6,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_typologies_tenant ON typologies(tenant_id);
CREATE INDEX IF NOT EXISTS idx_typologies_enabled ON typologies(tenant_id, enabled);
CREATE INDEX IF NOT EXISTS idx_typologies_name ON typologies(tenant_id, name);
`

// AllSchemas returns all schema statements in order for the given driver.
func AllSchemas(driver string) []string {
	blob := "BLOB"
	if driver == "postgres" {
		blob = "BYTEA"
	}
	return []string{
		schemaLandRecords,
		schemaRuleConfigs,
		schemaVerdicts,
		strings.ReplaceAll(schemaModels, "{{BLOB}}", blob),
		schemaTypologies,
	}
}
