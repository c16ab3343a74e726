package domain

import (
	"encoding/json"
	"time"
)

// PaymentIntent represents a single attempt to collect money for an order
// or wallet top-up. Its status is owned by the intent state machine and is
// never written directly by request handlers.
type PaymentIntent struct {
	ID          int64        `json:"id"`
	OrderID     *int64       `json:"order_id,omitempty"`
	Reference   string       `json:"reference"`
	AmountMinor int64        `json:"amount_minor"`
	Currency    string       `json:"currency"`
	Status      IntentStatus `json:"status"`
	PaidAt      *time.Time   `json:"paid_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// EscrowAccount holds funds tied to a fulfillment order until a release
// condition is met. The leg amounts are fixed at hold time; the commission
// snapshot is attached exactly once, when the escrow is first released.
type EscrowAccount struct {
	OrderID            int64               `json:"order_id"`
	State              EscrowState         `json:"state"`
	SaleKind           string              `json:"sale_kind"`
	SaleMinor          int64               `json:"sale_minor"`
	DeliveryMinor      int64               `json:"delivery_minor"`
	InspectionMinor    int64               `json:"inspection_minor"`
	SellerTopTier      bool                `json:"seller_top_tier"`
	SellerWalletID     int64               `json:"seller_wallet_id"`
	BuyerWalletID      int64               `json:"buyer_wallet_id"`
	DeliveryWalletID   *int64              `json:"delivery_wallet_id,omitempty"`
	InspectionWalletID *int64              `json:"inspection_wallet_id,omitempty"`
	Snapshot           *CommissionSnapshot `json:"commission_snapshot,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Transition is one immutable row of the audit log. The same shape serves
// both state machines: EntityID is the intent id for payment transitions and
// the order id for escrow transitions. Rows are appended, never edited.
type Transition struct {
	ID             int64           `json:"id"`
	EntityID       int64           `json:"entity_id"`
	FromStatus     string          `json:"from_status"`
	ToStatus       string          `json:"to_status"`
	Actor          Actor           `json:"actor"`
	IdempotencyKey string          `json:"idempotency_key"`
	Reason         string          `json:"reason,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Wallet is a user's balance in integer minor currency units.
type Wallet struct {
	ID           int64     `json:"id"`
	OwnerLabel   string    `json:"owner_label"`
	BalanceMinor int64     `json:"balance_minor"`
	CreatedAt    time.Time `json:"created_at"`
}

// WalletEntry is one signed movement on a wallet. Credits are positive,
// debits negative. Reference is unique per wallet so that a retried credit
// never double-pays.
type WalletEntry struct {
	ID          int64     `json:"id"`
	WalletID    int64     `json:"wallet_id"`
	AmountMinor int64     `json:"amount_minor"`
	Reference   string    `json:"reference"`
	CreatedAt   time.Time `json:"created_at"`
}

// WebhookPayload is the abstract shape delivered by the payment provider.
// The top-level id is optional; Data carries at least the intent reference
// and the amount in the provider's minor unit.
type WebhookPayload struct {
	ID   string      `json:"id,omitempty"`
	Data WebhookData `json:"data"`
}

type WebhookData struct {
	Reference   string `json:"reference"`
	AmountMinor int64  `json:"amount"`
	Status      string `json:"status"`
}
