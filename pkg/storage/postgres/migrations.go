package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all billing schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create billing_accounts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS billing_accounts (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					billing_period TEXT NOT NULL DEFAULT 'monthly',
					next_billing_date TIMESTAMPTZ NOT NULL,
					billing_day INTEGER NOT NULL DEFAULT 0 CHECK (billing_day BETWEEN 0 AND 31),
					currency TEXT NOT NULL DEFAULT 'INR',
					region TEXT NOT NULL DEFAULT '',
					default_payment_method_ref TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_billing_accounts_next_billing_date ON billing_accounts(next_billing_date);
				CREATE INDEX IF NOT EXISTS idx_billing_accounts_user_id ON billing_accounts(user_id);
			`,
		},
		{
			Version:     2,
			Description: "Create usage_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS usage_events (
					id TEXT PRIMARY KEY,
					account_id TEXT NOT NULL REFERENCES billing_accounts(id) ON DELETE CASCADE,
					number_id TEXT NOT NULL DEFAULT '',
					event_type TEXT NOT NULL,
					duration_seconds INTEGER,
					quantity BIGINT NOT NULL,
					unit_cost BIGINT NOT NULL,
					total_cost BIGINT NOT NULL,
					currency TEXT NOT NULL,
					from_number TEXT NOT NULL DEFAULT '',
					to_number TEXT NOT NULL DEFAULT '',
					metadata JSONB NOT NULL DEFAULT '{}',
					occurred_at TIMESTAMPTZ NOT NULL,
					invoiced BOOLEAN NOT NULL DEFAULT FALSE,
					invoice_item_id TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_usage_events_uninvoiced ON usage_events(account_id, occurred_at) WHERE NOT invoiced;
				CREATE INDEX IF NOT EXISTS idx_usage_events_account_time ON usage_events(account_id, occurred_at);
			`,
		},
		{
			Version:     3,
			Description: "Create invoices and invoice_items tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS invoices (
					id TEXT PRIMARY KEY,
					account_id TEXT NOT NULL REFERENCES billing_accounts(id) ON DELETE CASCADE,
					invoice_number TEXT NOT NULL UNIQUE,
					status TEXT NOT NULL,
					period_start TIMESTAMPTZ NOT NULL,
					period_end TIMESTAMPTZ NOT NULL,
					subtotal BIGINT NOT NULL DEFAULT 0,
					tax BIGINT NOT NULL DEFAULT 0,
					total BIGINT NOT NULL DEFAULT 0,
					currency TEXT NOT NULL,
					due_date TIMESTAMPTZ NOT NULL,
					paid_at TIMESTAMPTZ,
					pdf_url TEXT NOT NULL DEFAULT '',
					pdf_generated_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_invoices_status_due ON invoices(status, due_date);
				CREATE INDEX IF NOT EXISTS idx_invoices_created_at ON invoices(created_at);

				CREATE TABLE IF NOT EXISTS invoice_items (
					id TEXT PRIMARY KEY,
					invoice_id TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
					description TEXT NOT NULL,
					event_type TEXT NOT NULL,
					number_id TEXT NOT NULL DEFAULT '',
					quantity BIGINT NOT NULL,
					unit_price BIGINT NOT NULL,
					total BIGINT NOT NULL,
					usage_event_ids TEXT[] NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_invoice_items_invoice_id ON invoice_items(invoice_id);
			`,
		},
		{
			Version:     4,
			Description: "Create billing_cycles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS billing_cycles (
					id TEXT PRIMARY KEY,
					account_id TEXT NOT NULL REFERENCES billing_accounts(id) ON DELETE CASCADE,
					period_start TIMESTAMPTZ NOT NULL,
					period_end TIMESTAMPTZ NOT NULL,
					status TEXT NOT NULL,
					invoice_id TEXT REFERENCES invoices(id) ON DELETE SET NULL,
					processed_at TIMESTAMPTZ,
					failure_reason TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(account_id, period_start, period_end)
				);

				CREATE INDEX IF NOT EXISTS idx_billing_cycles_failed ON billing_cycles(created_at) WHERE status = 'failed';
			`,
		},
		{
			Version:     5,
			Description: "Create regional_pricing and volume_discounts tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS regional_pricing (
					id TEXT PRIMARY KEY,
					region TEXT NOT NULL,
					currency TEXT NOT NULL,
					rates JSONB NOT NULL,
					tax JSONB NOT NULL,
					effective_from TIMESTAMPTZ NOT NULL,
					effective_to TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_regional_pricing_region ON regional_pricing(region, effective_from DESC);

				CREATE TABLE IF NOT EXISTS volume_discounts (
					id TEXT PRIMARY KEY,
					region TEXT NOT NULL,
					bucket TEXT NOT NULL,
					min_usage BIGINT NOT NULL,
					max_usage BIGINT,
					discount_percent NUMERIC(5, 2) NOT NULL,
					tier_name TEXT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_volume_discounts_region_bucket ON volume_discounts(region, bucket);
			`,
		},
		{
			Version:     6,
			Description: "Create payments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS payments (
					id TEXT PRIMARY KEY,
					invoice_id TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
					amount BIGINT NOT NULL,
					currency TEXT NOT NULL,
					payment_method_ref TEXT NOT NULL,
					status TEXT NOT NULL,
					gateway_charge_id TEXT,
					failure_reason TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_payments_invoice_id ON payments(invoice_id);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_gateway_charge_id ON payments(gateway_charge_id) WHERE gateway_charge_id IS NOT NULL;
			`,
		},
	}
}

// RunMigrations applies pending migrations, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB, log logrus.FieldLogger) error {
	if log == nil {
		log = logrus.New()
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS callmeter_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM callmeter_migrations")
	if err != nil {
		return fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		log.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO callmeter_migrations (version, description) VALUES ($1, $2)",
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
