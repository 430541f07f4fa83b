package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements bootstraps the engine's tables. Statements are idempotent
// so startup can run them unconditionally; a real migration tool owns
// anything beyond additive changes.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id         BIGSERIAL PRIMARY KEY,
		name       TEXT NOT NULL,
		slug       TEXT NOT NULL UNIQUE,
		settings   JSONB NOT NULL DEFAULT '{}',
		is_active  BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS experiments (
		id                 BIGSERIAL PRIMARY KEY,
		workspace_id       BIGINT NOT NULL REFERENCES workspaces(id),
		key                TEXT NOT NULL,
		name               TEXT NOT NULL,
		description        TEXT NOT NULL DEFAULT '',
		type               TEXT NOT NULL DEFAULT 'feature'
			CHECK (type IN ('feature', 'pricing', 'ui', 'funnel')),
		status             TEXT NOT NULL DEFAULT 'draft'
			CHECK (status IN ('draft', 'running', 'paused', 'concluded', 'archived')),
		traffic_pct        INTEGER NOT NULL DEFAULT 100
			CHECK (traffic_pct >= 0 AND traffic_pct <= 100),
		targeting          JSONB NOT NULL DEFAULT '{}',
		start_at           TIMESTAMPTZ,
		end_at             TIMESTAMPTZ,
		concluded_at       TIMESTAMPTZ,
		winning_variant_id BIGINT,
		metadata           JSONB NOT NULL DEFAULT '{}',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (workspace_id, key)
	)`,

	`CREATE TABLE IF NOT EXISTS variants (
		id            BIGSERIAL PRIMARY KEY,
		experiment_id BIGINT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
		key           TEXT NOT NULL,
		name          TEXT NOT NULL,
		weight        INTEGER NOT NULL DEFAULT 1 CHECK (weight >= 1),
		config        JSONB NOT NULL DEFAULT '{}',
		is_control    BOOLEAN NOT NULL DEFAULT false,
		position      INTEGER NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (experiment_id, key),
		UNIQUE (experiment_id, position)
	)`,

	// The (experiment_id, subject_key) constraint is what makes concurrent
	// first exposures collapse onto a single assignment.
	`CREATE TABLE IF NOT EXISTS assignments (
		id                  UUID PRIMARY KEY,
		experiment_id       BIGINT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
		variant_id          BIGINT NOT NULL REFERENCES variants(id),
		subject_key         TEXT NOT NULL,
		customer_id         TEXT,
		session_id          TEXT,
		user_id             TEXT,
		source              TEXT NOT NULL DEFAULT 'auto'
			CHECK (source IN ('auto', 'override')),
		first_exposure_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_exposure_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		exposure_count      BIGINT NOT NULL DEFAULT 1,
		converted_at        TIMESTAMPTZ,
		conversion_value    DOUBLE PRECISION,
		conversion_metadata JSONB,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (experiment_id, subject_key)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_experiments_workspace_status
		ON experiments (workspace_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_experiments_start_due
		ON experiments (start_at) WHERE status = 'draft' AND start_at IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_experiments_end_due
		ON experiments (end_at) WHERE status IN ('running', 'paused') AND end_at IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_variants_experiment
		ON variants (experiment_id, position)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_variant
		ON assignments (variant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_customer
		ON assignments (experiment_id, customer_id) WHERE customer_id IS NOT NULL`,
}

// InitializeSchema creates the engine's tables and indexes if they do not
// already exist
func InitializeSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
