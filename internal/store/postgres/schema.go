package postgres

import "context"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sizes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS colors (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS variants (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products(id),
	size_id TEXT NOT NULL REFERENCES sizes(id),
	color_id TEXT NOT NULL REFERENCES colors(id),
	company_id TEXT NOT NULL DEFAULT '',
	qty INTEGER NOT NULL DEFAULT 0 CHECK (qty >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (product_id, size_id, color_id, company_id)
);

CREATE TABLE IF NOT EXISTS receipts (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL CHECK (type IN ('purchase', 'sale', 'sale_return')),
	status TEXT NOT NULL,
	company_id TEXT NOT NULL DEFAULT '',
	customer_id TEXT NOT NULL DEFAULT '',
	bill_discount_mode TEXT,
	bill_discount_value NUMERIC(14,2),
	tax_percent NUMERIC(7,2) NOT NULL DEFAULT 0,
	item_subtotal NUMERIC(14,2) NOT NULL DEFAULT 0,
	item_discount_total NUMERIC(14,2) NOT NULL DEFAULT 0,
	bill_discount_total NUMERIC(14,2) NOT NULL DEFAULT 0,
	sub_total_after_discounts NUMERIC(14,2) NOT NULL DEFAULT 0,
	tax_total NUMERIC(14,2) NOT NULL DEFAULT 0,
	grand_total NUMERIC(14,2) NOT NULL DEFAULT 0,
	note TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	delivery_company TEXT,
	delivery_external_id TEXT,
	delivery_status TEXT,
	delivery_tracking_number TEXT,
	delivery_tracking_url TEXT,
	delivery_next_sync_at TIMESTAMPTZ,
	delivery_last_sync_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_receipts_type_status ON receipts (type, status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_receipts_delivery_sync ON receipts (delivery_next_sync_at NULLS FIRST)
	WHERE type = 'sale' AND status <> 'completed' AND delivery_external_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS receipt_items (
	receipt_id TEXT NOT NULL REFERENCES receipts(id) ON DELETE CASCADE,
	line_no INTEGER NOT NULL,
	variant_id TEXT NOT NULL REFERENCES variants(id),
	qty INTEGER NOT NULL CHECK (qty > 0),
	unit_cost NUMERIC(14,2) NOT NULL DEFAULT 0,
	unit_price NUMERIC(14,2) NOT NULL DEFAULT 0,
	discount_mode TEXT,
	discount_value NUMERIC(14,2),
	product_code TEXT NOT NULL DEFAULT '',
	product_name TEXT NOT NULL DEFAULT '',
	size_name TEXT NOT NULL DEFAULT '',
	color_name TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (receipt_id, line_no)
);

CREATE TABLE IF NOT EXISTS receipt_payments (
	id TEXT PRIMARY KEY,
	receipt_id TEXT NOT NULL REFERENCES receipts(id) ON DELETE CASCADE,
	amount NUMERIC(14,2) NOT NULL CHECK (amount > 0),
	method TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	paid_at TIMESTAMPTZ NOT NULL,
	created_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_receipt_payments_receipt ON receipt_payments (receipt_id, paid_at);

CREATE TABLE IF NOT EXISTS receipt_delivery_history (
	id BIGSERIAL PRIMARY KEY,
	receipt_id TEXT NOT NULL REFERENCES receipts(id) ON DELETE CASCADE,
	at TIMESTAMPTZ NOT NULL,
	provider_status TEXT NOT NULL DEFAULT '',
	internal_status TEXT NOT NULL DEFAULT '',
	tracking_number TEXT NOT NULL DEFAULT '',
	tracking_url TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_receipt_delivery_history_receipt ON receipt_delivery_history (receipt_id, at);

CREATE TABLE IF NOT EXISTS cashbox_sessions (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL CHECK (status IN ('open', 'closed')),
	opening_amount NUMERIC(14,2) NOT NULL CHECK (opening_amount >= 0),
	opened_at TIMESTAMPTZ NOT NULL,
	opened_by TEXT NOT NULL DEFAULT '',
	closed_at TIMESTAMPTZ,
	closed_by TEXT NOT NULL DEFAULT '',
	counted_amount NUMERIC(14,2),
	expected_cash NUMERIC(14,2),
	variance NUMERIC(14,2),
	totals JSONB,
	note TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_cashbox_sessions_open ON cashbox_sessions ((status)) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS cash_movements (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES cashbox_sessions(id),
	amount NUMERIC(14,2) NOT NULL CHECK (amount > 0),
	direction TEXT NOT NULL CHECK (direction IN ('in', 'out')),
	source TEXT NOT NULL CHECK (source IN ('sale', 'payment', 'return', 'adjustment')),
	receipt_id TEXT,
	user_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cash_movements_session ON cash_movements (session_id, created_at);

CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	actor_username TEXT NOT NULL DEFAULT '',
	actor_role TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs (created_at DESC);
`

// EnsureSchema creates missing tables and indexes. It is safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}
