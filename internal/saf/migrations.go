package saf

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ticket_sources (
		id UUID PRIMARY KEY,
		owner_entity_id UUID NOT NULL,
		year INTEGER NOT NULL,
		delivery_period INTEGER NOT NULL,
		total_volume NUMERIC(20,3) NOT NULL CHECK (total_volume >= 0),
		assigned_volume NUMERIC(20,3) NOT NULL DEFAULT 0,
		parent_lot_id UUID,
		parent_ticket_id UUID,
		feedstock TEXT NOT NULL DEFAULT '',
		biofuel TEXT NOT NULL DEFAULT '',
		country_of_origin TEXT NOT NULL DEFAULT '',
		production_country TEXT NOT NULL DEFAULT '',
		production_site TEXT NOT NULL DEFAULT '',
		ghg_reduction DOUBLE PRECISION NOT NULL DEFAULT 0,
		ghg_total DOUBLE PRECISION NOT NULL DEFAULT 0,
		eec DOUBLE PRECISION NOT NULL DEFAULT 0,
		el DOUBLE PRECISION NOT NULL DEFAULT 0,
		ep DOUBLE PRECISION NOT NULL DEFAULT 0,
		etd DOUBLE PRECISION NOT NULL DEFAULT 0,
		eu DOUBLE PRECISION NOT NULL DEFAULT 0,
		esca DOUBLE PRECISION NOT NULL DEFAULT 0,
		eccs DOUBLE PRECISION NOT NULL DEFAULT 0,
		eccr DOUBLE PRECISION NOT NULL DEFAULT 0,
		eee DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT ticket_sources_assigned_bounds CHECK (assigned_volume >= 0 AND assigned_volume <= total_volume),
		CONSTRAINT ticket_sources_single_origin CHECK ((parent_lot_id IS NULL) <> (parent_ticket_id IS NULL))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ticket_sources_parent_ticket_key
		ON ticket_sources (parent_ticket_id) WHERE parent_ticket_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS ticket_sources_owner_year_idx ON ticket_sources (owner_entity_id, year)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id UUID PRIMARY KEY,
		source_id UUID NOT NULL REFERENCES ticket_sources (id),
		year INTEGER NOT NULL,
		volume NUMERIC(20,3) NOT NULL CHECK (volume > 0),
		supplier_entity_id UUID NOT NULL,
		client_entity_id UUID NOT NULL,
		status VARCHAR(16) NOT NULL CHECK (status IN ('PENDING', 'ACCEPTED', 'REJECTED', 'CANCELLED', 'CREDITED')),
		assignment_period INTEGER NOT NULL,
		agreement_reference TEXT NOT NULL DEFAULT '',
		agreement_date DATE,
		free_field TEXT NOT NULL DEFAULT '',
		reception_airport TEXT,
		shipping_method VARCHAR(16),
		consumption_type VARCHAR(32),
		ets_status VARCHAR(32),
		ets_declaration_date DATE,
		rejection_comment TEXT,
		feedstock TEXT NOT NULL DEFAULT '',
		biofuel TEXT NOT NULL DEFAULT '',
		country_of_origin TEXT NOT NULL DEFAULT '',
		production_country TEXT NOT NULL DEFAULT '',
		production_site TEXT NOT NULL DEFAULT '',
		ghg_reduction DOUBLE PRECISION NOT NULL DEFAULT 0,
		ghg_total DOUBLE PRECISION NOT NULL DEFAULT 0,
		eec DOUBLE PRECISION NOT NULL DEFAULT 0,
		el DOUBLE PRECISION NOT NULL DEFAULT 0,
		ep DOUBLE PRECISION NOT NULL DEFAULT 0,
		etd DOUBLE PRECISION NOT NULL DEFAULT 0,
		eu DOUBLE PRECISION NOT NULL DEFAULT 0,
		esca DOUBLE PRECISION NOT NULL DEFAULT 0,
		eccs DOUBLE PRECISION NOT NULL DEFAULT 0,
		eccr DOUBLE PRECISION NOT NULL DEFAULT 0,
		eee DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT tickets_rejection_comment CHECK ((status = 'REJECTED') = (rejection_comment IS NOT NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS tickets_source_idx ON tickets (source_id)`,
	`CREATE INDEX IF NOT EXISTS tickets_supplier_year_idx ON tickets (supplier_entity_id, year)`,
	`CREATE INDEX IF NOT EXISTS tickets_client_year_idx ON tickets (client_entity_id, year)`,
}

// Migrate applies the ledger schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply ledger schema: %w", err)
		}
	}
	return nil
}
