// Package service holds the settlement business logic: the two state
// machine services, the webhook settlement task, and the reconciliation
// job. Storage stays behind the store interfaces so every flow runs the
// same against Postgres and the in-memory backend.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/domain"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/idempotency"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/store"
)

// IntentService drives the payment-intent state machine. Every transition
// is guarded by an idempotency key scoped to the intent; the append of the
// audit row and the intent update are atomic in the store.
type IntentService struct {
	store store.IntentStore
	log   *slog.Logger
}

func NewIntentService(s store.IntentStore, log *slog.Logger) *IntentService {
	return &IntentService{store: s, log: log}
}

func (s *IntentService) Create(ctx context.Context, intent domain.PaymentIntent) (domain.PaymentIntent, error) {
	return s.store.CreateIntent(ctx, intent)
}

func (s *IntentService) Get(ctx context.Context, id int64) (domain.PaymentIntent, error) {
	return s.store.GetIntent(ctx, id)
}

func (s *IntentService) GetByReference(ctx context.Context, reference string) (domain.PaymentIntent, error) {
	return s.store.GetIntentByReference(ctx, reference)
}

func (s *IntentService) Transitions(ctx context.Context, intentID int64) ([]domain.Transition, error) {
	return s.store.ListIntentTransitions(ctx, intentID)
}

// Transition requests a move to the given status. The bool result is false
// when an existing transition row for (intent, key) was replayed.
func (s *IntentService) Transition(ctx context.Context, intentID int64, to domain.IntentStatus, key string, actor domain.Actor, reason string, metadata json.RawMessage) (domain.Transition, bool, error) {
	key = idempotency.NormalizeKey(key)
	if key == "" {
		return domain.Transition{}, false, domain.ErrIdempotencyKeyRequired
	}
	if !to.Valid() {
		return domain.Transition{}, false, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, string(to))
	}
	if !actor.Valid() {
		return domain.Transition{}, false, fmt.Errorf("unknown actor type %q", string(actor.Type))
	}

	tr, applied, err := s.store.ApplyIntentTransition(ctx, store.IntentTransitionRequest{
		IntentID: intentID,
		To:       to,
		Key:      key,
		Actor:    actor,
		Reason:   reason,
		Metadata: metadata,
	})
	if err != nil {
		return domain.Transition{}, false, err
	}

	s.log.InfoContext(ctx, "payment intent transition",
		"intent_id", intentID,
		"from_status", tr.FromStatus,
		"to_status", tr.ToStatus,
		"actor_type", tr.Actor.Type,
		"idempotency_key", key,
		"applied", applied,
	)
	return tr, applied, nil
}
