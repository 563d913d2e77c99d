package tenants

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all tenant migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users bootstrap table",
			// principals live in an external identity system; this table
			// only anchors the foreign keys on user_id columns
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create tenants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenants (
					id BIGSERIAL PRIMARY KEY,
					slug VARCHAR(63) NOT NULL UNIQUE,
					uuid UUID NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					domain VARCHAR(255) UNIQUE,
					status VARCHAR(20) NOT NULL DEFAULT 'trial',
					schema_name VARCHAR(63) NOT NULL UNIQUE,
					settings JSONB NOT NULL DEFAULT '{}',
					resource_limits JSONB NOT NULL DEFAULT '{}',
					trial_ends_at TIMESTAMP,
					suspended_at TIMESTAMP,
					suspension_reason TEXT,
					allowed_ip_ranges TEXT[] NOT NULL DEFAULT '{}',
					session_timeout_seconds BIGINT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_tenants_uuid ON tenants(uuid);
				CREATE INDEX idx_tenants_slug ON tenants(slug);
				CREATE INDEX idx_tenants_domain ON tenants(domain);
				CREATE INDEX idx_tenants_status ON tenants(status);
				CREATE INDEX idx_tenants_trial_ends_at ON tenants(trial_ends_at);
			`,
		},
		{
			Version:     3,
			Description: "Create organizations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					slug VARCHAR(63) NOT NULL,
					name VARCHAR(255) NOT NULL,
					type VARCHAR(50) NOT NULL DEFAULT 'team',
					parent_id BIGINT REFERENCES organizations(id) ON DELETE CASCADE,
					visibility VARCHAR(20) NOT NULL DEFAULT 'private',
					requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(tenant_id, slug)
				);

				CREATE INDEX idx_organizations_tenant_id ON organizations(tenant_id);
				CREATE INDEX idx_organizations_parent_id ON organizations(parent_id);
			`,
		},
		{
			Version:     4,
			Description: "Create organization_memberships table",
			SQL: `
				CREATE TABLE IF NOT EXISTS organization_memberships (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					status VARCHAR(20) NOT NULL DEFAULT 'pending',
					role_id BIGINT,
					invitation_token UUID UNIQUE,
					invited_at TIMESTAMP,
					invitation_expires_at TIMESTAMP,
					joined_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(user_id, organization_id)
				);

				CREATE INDEX idx_org_memberships_user_id ON organization_memberships(user_id);
				CREATE INDEX idx_org_memberships_organization_id ON organization_memberships(organization_id);
				CREATE INDEX idx_org_memberships_status ON organization_memberships(status);
				CREATE INDEX idx_org_memberships_invitation_expires_at ON organization_memberships(invitation_expires_at);
			`,
		},
	}
}

// RunMigrations executes all pending tenant migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenant_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM tenant_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tenant_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
