package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/domain"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newIntentFixture(t *testing.T) (*IntentService, domain.PaymentIntent) {
	t.Helper()
	st := store.NewMemStore()
	svc := NewIntentService(st, testLogger())
	intent, err := svc.Create(context.Background(), domain.PaymentIntent{
		Reference:   "ord-1001",
		AmountMinor: 250000,
		Currency:    "NGN",
	})
	require.NoError(t, err)
	require.Equal(t, domain.IntentInitialized, intent.Status)
	return svc, intent
}

func TestIntentTransitionApplied(t *testing.T) {
	svc, intent := newIntentFixture(t)
	ctx := context.Background()

	tr, applied, err := svc.Transition(ctx, intent.ID, domain.IntentPaid, "key-1", domain.SystemActor(), "", nil)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, string(domain.IntentInitialized), tr.FromStatus)
	assert.Equal(t, string(domain.IntentPaid), tr.ToStatus)

	got, err := svc.Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentPaid, got.Status)
	require.NotNil(t, got.PaidAt)
}

func TestIntentTransitionReplaySameKey(t *testing.T) {
	svc, intent := newIntentFixture(t)
	ctx := context.Background()

	first, applied, err := svc.Transition(ctx, intent.ID, domain.IntentPaid, "key-1", domain.SystemActor(), "", nil)
	require.NoError(t, err)
	require.True(t, applied)

	// Same key again: the original row comes back, nothing new is
	// appended, and the stored paid_at stays put.
	got, _ := svc.Get(ctx, intent.ID)
	paidAt := *got.PaidAt

	second, applied, err := svc.Transition(ctx, intent.ID, domain.IntentPaid, "key-1", domain.SystemActor(), "", nil)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, first.ID, second.ID)

	trs, err := svc.Transitions(ctx, intent.ID)
	require.NoError(t, err)
	assert.Len(t, trs, 1)

	got, _ = svc.Get(ctx, intent.ID)
	assert.Equal(t, paidAt, *got.PaidAt)
}

func TestIntentTerminalReassertNewKey(t *testing.T) {
	svc, intent := newIntentFixture(t)
	ctx := context.Background()

	_, _, err := svc.Transition(ctx, intent.ID, domain.IntentPaid, "key-1", domain.SystemActor(), "", nil)
	require.NoError(t, err)

	// paid -> paid under a fresh key is a permitted self-loop: a new audit
	// row lands but the state cannot move.
	tr, applied, err := svc.Transition(ctx, intent.ID, domain.IntentPaid, "key-2", domain.ProviderActor("paystack"), "redelivery", nil)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, string(domain.IntentPaid), tr.FromStatus)

	trs, err := svc.Transitions(ctx, intent.ID)
	require.NoError(t, err)
	assert.Len(t, trs, 2)
}

func TestIntentTerminalTransitionEnqueuesOutboxEvent(t *testing.T) {
	st := store.NewMemStore()
	svc := NewIntentService(st, testLogger())
	ctx := context.Background()

	intent, err := svc.Create(ctx, domain.PaymentIntent{Reference: "ord-2001", AmountMinor: 5000})
	require.NoError(t, err)

	_, applied, err := svc.Transition(ctx, intent.ID, domain.IntentPaid, "key-1", domain.SystemActor(), "", nil)
	require.NoError(t, err)
	require.True(t, applied)

	// The paid transition and its event row land together; a replay of the
	// same key enqueues nothing further.
	_, _, err = svc.Transition(ctx, intent.ID, domain.IntentPaid, "key-1", domain.SystemActor(), "", nil)
	require.NoError(t, err)

	recs, err := st.ClaimPending(ctx, 10, "test-claim", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "intent.paid", recs[0].EventType)
	assert.Equal(t, fmt.Sprintf("intent-%d", intent.ID), recs[0].PartitionKey)
}

func TestIntentInvalidTransitionRejected(t *testing.T) {
	svc, intent := newIntentFixture(t)
	ctx := context.Background()

	_, _, err := svc.Transition(ctx, intent.ID, domain.IntentFailed, "key-1", domain.SystemActor(), "", nil)
	require.NoError(t, err)

	_, _, err = svc.Transition(ctx, intent.ID, domain.IntentPaid, "key-2", domain.SystemActor(), "", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	trs, err := svc.Transitions(ctx, intent.ID)
	require.NoError(t, err)
	assert.Len(t, trs, 1, "rejected transitions append nothing")
}

func TestIntentTransitionRequiresKey(t *testing.T) {
	svc, intent := newIntentFixture(t)

	_, _, err := svc.Transition(context.Background(), intent.ID, domain.IntentPaid, "   ", domain.SystemActor(), "", nil)
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
}

func TestIntentTransitionUnknownStatus(t *testing.T) {
	svc, intent := newIntentFixture(t)

	_, _, err := svc.Transition(context.Background(), intent.ID, domain.IntentStatus("settled"), "key-1", domain.SystemActor(), "", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestIntentTransitionMissingIntent(t *testing.T) {
	st := store.NewMemStore()
	svc := NewIntentService(st, testLogger())

	_, _, err := svc.Transition(context.Background(), 999, domain.IntentPaid, "key-1", domain.SystemActor(), "", nil)
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
}

func TestIntentDuplicateReferenceRejected(t *testing.T) {
	st := store.NewMemStore()
	svc := NewIntentService(st, testLogger())
	ctx := context.Background()

	_, err := svc.Create(ctx, domain.PaymentIntent{Reference: "ord-1", AmountMinor: 100})
	require.NoError(t, err)
	_, err = svc.Create(ctx, domain.PaymentIntent{Reference: "ord-1", AmountMinor: 200})
	assert.ErrorIs(t, err, domain.ErrIntentExists)
}
