// Package store persists intents, escrow accounts, transition logs and
// wallets. Every interface ships with a Postgres implementation (pgx) and
// an in-memory one for tests and single-node development; correctness in
// both rests on identify-by-unique-key, then insert or transactional update.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/domain"
)

// IntentTransitionRequest describes one requested payment-intent transition.
type IntentTransitionRequest struct {
	IntentID int64
	To       domain.IntentStatus
	Key      string
	Actor    domain.Actor
	Reason   string
	Metadata json.RawMessage
}

// EscrowTransitionRequest describes one requested escrow transition.
type EscrowTransitionRequest struct {
	OrderID  int64
	To       domain.EscrowState
	Key      string
	Actor    domain.Actor
	Reason   string
	Metadata json.RawMessage
}

// IntentStore owns payment intents and their append-only transition log.
// ApplyIntentTransition is atomic: validation against the current persisted
// status, the transition row append, and the intent update commit together
// or not at all. The bool result is false when the call replayed an
// existing row for the same (intent, key).
type IntentStore interface {
	CreateIntent(ctx context.Context, intent domain.PaymentIntent) (domain.PaymentIntent, error)
	GetIntent(ctx context.Context, id int64) (domain.PaymentIntent, error)
	GetIntentByReference(ctx context.Context, reference string) (domain.PaymentIntent, error)
	ApplyIntentTransition(ctx context.Context, req IntentTransitionRequest) (domain.Transition, bool, error)
	ListIntentTransitions(ctx context.Context, intentID int64) ([]domain.Transition, error)
}

// EscrowStore owns escrow accounts and their transition log, same contract
// shape as IntentStore but scoped by order id. SaveSnapshot attaches a
// commission snapshot only when none exists; the stored snapshot always
// wins and is returned either way.
type EscrowStore interface {
	CreateEscrow(ctx context.Context, acct domain.EscrowAccount) (domain.EscrowAccount, error)
	GetEscrow(ctx context.Context, orderID int64) (domain.EscrowAccount, error)
	ApplyEscrowTransition(ctx context.Context, req EscrowTransitionRequest) (domain.Transition, bool, error)
	SaveSnapshot(ctx context.Context, orderID int64, snap domain.CommissionSnapshot) (domain.CommissionSnapshot, error)
	ListEscrowTransitions(ctx context.Context, orderID int64) ([]domain.Transition, error)
}

// WalletStore owns balances and their signed entry log. Credit applies at
// most once per (wallet, reference): the bool result is false when the
// reference was already applied and nothing moved.
type WalletStore interface {
	CreateWallet(ctx context.Context, ownerLabel string) (domain.Wallet, error)
	GetWallet(ctx context.Context, id int64) (domain.Wallet, error)
	ListWallets(ctx context.Context) ([]domain.Wallet, error)
	Credit(ctx context.Context, walletID, amountMinor int64, reference string) (bool, error)
	ListEntries(ctx context.Context, walletID int64) ([]domain.WalletEntry, error)
}

// OutboxRecord is one pending settlement event awaiting broker delivery.
type OutboxRecord struct {
	ID           int64
	EventType    string
	PartitionKey string
	Payload      json.RawMessage
	RetryCount   int
	CreatedAt    time.Time
}

// OutboxStore buffers settlement events between the write path and the
// broker publisher worker.
type OutboxStore interface {
	EnqueueEvent(ctx context.Context, eventType, partitionKey string, payload []byte) error
	ClaimPending(ctx context.Context, limit int, claimToken string, claimedUntil time.Time) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, id int64, claimToken string) error
	MarkFailed(ctx context.Context, id int64, claimToken string, cause string) error
	MarkDeadLettered(ctx context.Context, id int64, claimToken string, cause string) error
}

// ReportStore persists reconciliation summaries as audit rows.
type ReportStore interface {
	SaveReconciliationReport(ctx context.Context, runID string, report []byte) error
}
