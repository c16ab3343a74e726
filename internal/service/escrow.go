package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/commission"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/domain"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/idempotency"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/store"
)

// EscrowService drives the escrow state machine. Landing on released (or
// refunded) triggers the payout flow: freeze the commission snapshot if
// none exists, then credit each wallet idempotently per (wallet,
// reference). Payout effects run on replays too, because a retried release
// whose first attempt crashed mid-payout must be able to finish the job;
// every step is a no-op once done.
type EscrowService struct {
	escrows store.EscrowStore
	wallets store.WalletStore
	engine  *commission.Engine
	log     *slog.Logger
}

func NewEscrowService(escrows store.EscrowStore, wallets store.WalletStore, engine *commission.Engine, log *slog.Logger) *EscrowService {
	return &EscrowService{escrows: escrows, wallets: wallets, engine: engine, log: log}
}

func (s *EscrowService) Create(ctx context.Context, acct domain.EscrowAccount) (domain.EscrowAccount, error) {
	return s.escrows.CreateEscrow(ctx, acct)
}

func (s *EscrowService) Get(ctx context.Context, orderID int64) (domain.EscrowAccount, error) {
	return s.escrows.GetEscrow(ctx, orderID)
}

func (s *EscrowService) Transitions(ctx context.Context, orderID int64) ([]domain.Transition, error) {
	return s.escrows.ListEscrowTransitions(ctx, orderID)
}

// Transition requests a move to the given state, then settles any payout
// the resulting state demands.
func (s *EscrowService) Transition(ctx context.Context, orderID int64, to domain.EscrowState, key string, actor domain.Actor, reason string, metadata json.RawMessage) (domain.Transition, bool, error) {
	key = idempotency.NormalizeKey(key)
	if key == "" {
		return domain.Transition{}, false, domain.ErrIdempotencyKeyRequired
	}
	if !to.Valid() {
		return domain.Transition{}, false, fmt.Errorf("%w: unknown state %q", domain.ErrInvalidTransition, string(to))
	}
	if !actor.Valid() {
		return domain.Transition{}, false, fmt.Errorf("unknown actor type %q", string(actor.Type))
	}

	tr, applied, err := s.escrows.ApplyEscrowTransition(ctx, store.EscrowTransitionRequest{
		OrderID:  orderID,
		To:       to,
		Key:      key,
		Actor:    actor,
		Reason:   reason,
		Metadata: metadata,
	})
	if err != nil {
		return domain.Transition{}, false, err
	}

	s.log.InfoContext(ctx, "escrow transition",
		"order_id", orderID,
		"from_status", tr.FromStatus,
		"to_status", tr.ToStatus,
		"actor_type", tr.Actor.Type,
		"idempotency_key", key,
		"applied", applied,
	)

	switch domain.EscrowState(tr.ToStatus) {
	case domain.EscrowReleased:
		if err := s.settleRelease(ctx, orderID); err != nil {
			return domain.Transition{}, false, err
		}
	case domain.EscrowRefunded:
		if err := s.settleRefund(ctx, orderID); err != nil {
			return domain.Transition{}, false, err
		}
	}

	return tr, applied, nil
}

// settleRelease freezes the commission snapshot and pays each leg out.
// Every step short-circuits when already done, so the whole function is
// safe to run any number of times for the same order.
func (s *EscrowService) settleRelease(ctx context.Context, orderID int64) error {
	acct, err := s.escrows.GetEscrow(ctx, orderID)
	if err != nil {
		return err
	}

	snap := acct.Snapshot
	if snap.Empty() {
		computed := s.engine.Compute(acct.SaleKind, acct.SaleMinor, acct.DeliveryMinor, acct.InspectionMinor, acct.SellerTopTier)
		stored, err := s.escrows.SaveSnapshot(ctx, orderID, computed)
		if err != nil {
			return fmt.Errorf("snapshot store failed for order %d: %w", orderID, err)
		}
		snap = &stored
	}

	// Seller gets their share plus any top-tier incentive; service actors
	// get their leg remainders. The snapshot must be persisted before any
	// credit so a crash here replays against frozen numbers.
	if err := s.credit(ctx, acct.SellerWalletID, snap.Sale.SellerMinor+snap.Sale.TopTierIncentiveMinor, releaseRef(orderID, "sale")); err != nil {
		return err
	}
	if acct.DeliveryWalletID != nil {
		if err := s.credit(ctx, *acct.DeliveryWalletID, snap.Delivery.ActorMinor, releaseRef(orderID, "delivery")); err != nil {
			return err
		}
	}
	if acct.InspectionWalletID != nil {
		if err := s.credit(ctx, *acct.InspectionWalletID, snap.Inspection.ActorMinor, releaseRef(orderID, "inspection")); err != nil {
			return err
		}
	}
	return nil
}

// settleRefund returns the full held amount to the buyer.
func (s *EscrowService) settleRefund(ctx context.Context, orderID int64) error {
	acct, err := s.escrows.GetEscrow(ctx, orderID)
	if err != nil {
		return err
	}
	total := acct.SaleMinor + acct.DeliveryMinor + acct.InspectionMinor
	return s.credit(ctx, acct.BuyerWalletID, total, fmt.Sprintf("escrow:%d:refund", orderID))
}

func (s *EscrowService) credit(ctx context.Context, walletID, amountMinor int64, reference string) error {
	if amountMinor <= 0 {
		return nil
	}
	credited, err := s.wallets.Credit(ctx, walletID, amountMinor, reference)
	if err != nil {
		return fmt.Errorf("credit %s failed: %w", reference, err)
	}
	if !credited {
		s.log.DebugContext(ctx, "credit already applied", "wallet_id", walletID, "reference", reference)
	}
	return nil
}

func releaseRef(orderID int64, leg string) string {
	return fmt.Sprintf("escrow:%d:release:%s", orderID, leg)
}
