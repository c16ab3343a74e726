package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the settlement core DDL. The unique constraints are load
// bearing: (scope, key) on idempotency_keys, (entity, idempotency_key) on
// each transition log, and (wallet_id, reference) on wallet entries are
// what make retries and concurrent writers safe.
const Schema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    scope           TEXT NOT NULL,
    key             TEXT NOT NULL,
    request_hash    TEXT NOT NULL,
    response_status INT,
    response_body   JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (scope, key)
);

CREATE TABLE IF NOT EXISTS payment_intents (
    id           BIGSERIAL PRIMARY KEY,
    order_id     BIGINT,
    reference    TEXT NOT NULL UNIQUE,
    amount_minor BIGINT NOT NULL,
    currency     TEXT NOT NULL DEFAULT 'NGN',
    status       TEXT NOT NULL DEFAULT 'initialized',
    paid_at      TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS payment_intent_transitions (
    id              BIGSERIAL PRIMARY KEY,
    intent_id       BIGINT NOT NULL REFERENCES payment_intents(id),
    from_status     TEXT NOT NULL,
    to_status       TEXT NOT NULL,
    actor_type      TEXT NOT NULL,
    actor_id        BIGINT,
    idempotency_key TEXT NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    metadata        JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (intent_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS wallets (
    id            BIGSERIAL PRIMARY KEY,
    owner_label   TEXT NOT NULL DEFAULT '',
    balance_minor BIGINT NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS wallet_entries (
    id           BIGSERIAL PRIMARY KEY,
    wallet_id    BIGINT NOT NULL REFERENCES wallets(id),
    amount_minor BIGINT NOT NULL,
    reference    TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (wallet_id, reference)
);

CREATE TABLE IF NOT EXISTS escrow_accounts (
    order_id             BIGINT PRIMARY KEY,
    state                TEXT NOT NULL DEFAULT 'none',
    sale_kind            TEXT NOT NULL DEFAULT 'resale',
    sale_minor           BIGINT NOT NULL DEFAULT 0,
    delivery_minor       BIGINT NOT NULL DEFAULT 0,
    inspection_minor     BIGINT NOT NULL DEFAULT 0,
    seller_top_tier      BOOLEAN NOT NULL DEFAULT FALSE,
    seller_wallet_id     BIGINT NOT NULL REFERENCES wallets(id),
    buyer_wallet_id      BIGINT NOT NULL REFERENCES wallets(id),
    delivery_wallet_id   BIGINT REFERENCES wallets(id),
    inspection_wallet_id BIGINT REFERENCES wallets(id),
    commission_snapshot  JSONB,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS escrow_transitions (
    id              BIGSERIAL PRIMARY KEY,
    order_id        BIGINT NOT NULL REFERENCES escrow_accounts(order_id),
    from_status     TEXT NOT NULL,
    to_status       TEXT NOT NULL,
    actor_type      TEXT NOT NULL,
    actor_id        BIGINT,
    idempotency_key TEXT NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    metadata        JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (order_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS outbox_events (
    id            BIGSERIAL PRIMARY KEY,
    event_type    TEXT NOT NULL,
    partition_key TEXT NOT NULL DEFAULT '',
    payload       JSONB NOT NULL,
    retry_count   INT NOT NULL DEFAULT 0,
    dead_lettered BOOLEAN NOT NULL DEFAULT FALSE,
    last_error    TEXT,
    claim_token   TEXT,
    claimed_until TIMESTAMPTZ,
    published_at  TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reconciliation_reports (
    id         BIGSERIAL PRIMARY KEY,
    run_id     TEXT NOT NULL,
    report     JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the schema. Idempotent; safe to run at every boot.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}
