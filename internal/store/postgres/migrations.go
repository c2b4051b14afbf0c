package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// migrate applies the schema statements in order. Every statement is
// idempotent, so running migrate against an existing database is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id                text PRIMARY KEY,
		custom_product_id text,
		part_number       text,
		name              text NOT NULL,
		brand             text NOT NULL DEFAULT '',
		model             text NOT NULL DEFAULT '',
		price             numeric(12,2) NOT NULL CHECK (price >= 0),
		quantity          integer NOT NULL DEFAULT 0 CHECK (quantity >= 0),
		created_at        timestamptz NOT NULL DEFAULT now(),
		updated_at        timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS products_part_number_uq
		ON products (part_number) WHERE part_number <> ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS products_custom_id_uq
		ON products (custom_product_id) WHERE custom_product_id <> ''`,
	`CREATE INDEX IF NOT EXISTS products_name_brand_model_idx
		ON products (name, brand, model)`,

	`CREATE TABLE IF NOT EXISTS bills (
		id             text PRIMARY KEY,
		customer_name  text NOT NULL,
		customer_phone text NOT NULL,
		billing_date   timestamptz NOT NULL,
		total_amount   numeric(12,2) NOT NULL,
		state          text NOT NULL CHECK (state IN ('draft','finalized')),
		customer_ref   text,
		payment_ref    text,
		finalized_at   timestamptz,
		created_at     timestamptz NOT NULL DEFAULT now(),
		updated_at     timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS bills_state_created_idx
		ON bills (state, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS bill_items (
		id                bigserial PRIMARY KEY,
		bill_id           text NOT NULL REFERENCES bills (id) ON DELETE CASCADE,
		position          integer NOT NULL,
		product_ref       text NOT NULL DEFAULT '',
		description       text NOT NULL DEFAULT '',
		part_number       text NOT NULL DEFAULT '',
		custom_product_id text NOT NULL DEFAULT '',
		unit_price        numeric(12,2) NOT NULL,
		quantity          integer NOT NULL CHECK (quantity >= 1)
	)`,
	`CREATE INDEX IF NOT EXISTS bill_items_bill_idx
		ON bill_items (bill_id, position)`,

	`CREATE TABLE IF NOT EXISTS customers (
		id                  text PRIMARY KEY,
		name                text NOT NULL,
		phone               text NOT NULL UNIQUE,
		latest_billing_date timestamptz NOT NULL,
		created_at          timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS payments (
		id             text PRIMARY KEY,
		bill_ref       text NOT NULL,
		customer_ref   text NOT NULL,
		customer_name  text NOT NULL,
		customer_phone text NOT NULL,
		billing_date   timestamptz NOT NULL,
		amount         numeric(12,2) NOT NULL,
		method         text NOT NULL CHECK (method IN ('Cash','UPI')),
		payment_date   timestamptz NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS payments_bill_ref_idx ON payments (bill_ref)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
