package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/commission"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/domain"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/idempotency"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/queue"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/service"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/store"
)

type testServer struct {
	router *mux.Router
	store  *store.MemStore
	queue  *queue.MemQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemStore()
	q := queue.NewMemQueue(16)

	intents := service.NewIntentService(st, log)
	escrows := service.NewEscrowService(st, st, commission.NewEngine(commission.DefaultConfig()), log)
	reconcile := service.NewReconcileJob(st, st, 0, log)

	h := NewHandler(intents, escrows, st, idempotency.NewMemLedger(),
		idempotency.Policy{RequiredPrefixes: []string{"intents", "escrow"}}, q, reconcile, log)
	return &testServer{router: NewRouter(h), store: st, queue: q}
}

func (s *testServer) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateIntentRequiresKey(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "POST", "/api/v1/intents", "", map[string]any{
		"reference": "ord-1", "amount_minor": 1000,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Idempotency-Key")
}

func TestCreateIntentAndReplay(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{"reference": "ord-1", "amount_minor": 250000, "currency": "NGN"}

	first := s.do(t, "POST", "/api/v1/intents", "create-1", body)
	require.Equal(t, http.StatusCreated, first.Code)

	var intent domain.PaymentIntent
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &intent))
	assert.Equal(t, domain.IntentInitialized, intent.Status)

	// Same key, same body: the stored response replays byte for byte and
	// no second intent is created.
	second := s.do(t, "POST", "/api/v1/intents", "create-1", body)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	third := s.do(t, "POST", "/api/v1/intents", "create-2", body)
	assert.Equal(t, http.StatusConflict, third.Code, "duplicate reference under a new key")
}

func TestCreateIntentKeyReuseMismatchedBody(t *testing.T) {
	s := newTestServer(t)

	first := s.do(t, "POST", "/api/v1/intents", "create-1", map[string]any{"reference": "ord-1", "amount_minor": 1000})
	require.Equal(t, http.StatusCreated, first.Code)

	rec := s.do(t, "POST", "/api/v1/intents", "create-1", map[string]any{"reference": "ord-2", "amount_minor": 9999})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "mismatched payload")
}

func TestTransitionKeyReuseAcrossIntentsConflicts(t *testing.T) {
	s := newTestServer(t)

	first := s.do(t, "POST", "/api/v1/intents", "create-1", map[string]any{"reference": "ord-1", "amount_minor": 1000})
	require.Equal(t, http.StatusCreated, first.Code)
	second := s.do(t, "POST", "/api/v1/intents", "create-2", map[string]any{"reference": "ord-2", "amount_minor": 1000})
	require.Equal(t, http.StatusCreated, second.Code)

	var one, two domain.PaymentIntent
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &one))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &two))

	body := map[string]any{"to_status": "paid"}
	rec := s.do(t, "POST", fmt.Sprintf("/api/v1/intents/%d/transitions", one.ID), "shared-key", body)
	require.Equal(t, http.StatusOK, rec.Code)

	// The key is scoped to the concrete request path: aiming it at a
	// different intent, even with an identical body, is a conflict and
	// must never replay the first intent's response.
	rec = s.do(t, "POST", fmt.Sprintf("/api/v1/intents/%d/transitions", two.ID), "shared-key", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "mismatched payload")

	rec = s.do(t, "GET", fmt.Sprintf("/api/v1/intents/%d", two.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &two))
	assert.Equal(t, domain.IntentInitialized, two.Status, "second intent must be untouched")
}

func TestFailedAttemptDoesNotWedgeKey(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	seller, err := s.store.CreateWallet(ctx, "seller")
	require.NoError(t, err)
	buyer, err := s.store.CreateWallet(ctx, "buyer")
	require.NoError(t, err)

	rec := s.do(t, "POST", "/api/v1/escrows", "esc-1", map[string]any{
		"order_id": 7, "sale_kind": "resale", "sale_minor": 100000,
		"seller_wallet_id": seller.ID, "buyer_wallet_id": buyer.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, "POST", "/api/v1/escrows/7/transitions", "hold-1", map[string]any{"to_status": "held"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, "POST", "/api/v1/escrows/7/transitions", "rel-1", map[string]any{
		"to_status": "released", "actor": map[string]any{"type": "robot"},
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	// The failed attempt stored nothing, so a retry under the same key must
	// reach the business logic again rather than answer "in progress".
	rec = s.do(t, "POST", "/api/v1/escrows/7/transitions", "rel-1", map[string]any{
		"to_status": "released", "actor": map[string]any{"type": "admin", "id": 1},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, "GET", "/api/v1/escrows/7", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acct domain.EscrowAccount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acct))
	assert.Equal(t, domain.EscrowReleased, acct.State)
}

func TestCreateIntentValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "POST", "/api/v1/intents", "k1", map[string]any{"reference": "", "amount_minor": 1000})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, "POST", "/api/v1/intents", "k2", map[string]any{"reference": "ord-1", "amount_minor": 0})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTransitionIntentFlow(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "POST", "/api/v1/intents", "create-1", map[string]any{"reference": "ord-1", "amount_minor": 1000})
	require.Equal(t, http.StatusCreated, rec.Code)
	var intent domain.PaymentIntent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &intent))

	path := fmt.Sprintf("/api/v1/intents/%d/transitions", intent.ID)
	rec = s.do(t, "POST", path, "paid-1", map[string]any{"to_status": "paid"})
	require.Equal(t, http.StatusOK, rec.Code)

	var tr transitionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
	assert.True(t, tr.Applied)
	assert.Equal(t, "paid", tr.Transition.ToStatus)

	// Terminal state reached: moving away is rejected and audited nowhere.
	rec = s.do(t, "POST", path, "fail-1", map[string]any{"to_status": "failed"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, "GET", fmt.Sprintf("/api/v1/intents/%d", intent.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &intent))
	assert.Equal(t, domain.IntentPaid, intent.Status)

	rec = s.do(t, "GET", path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trs []domain.Transition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trs))
	assert.Len(t, trs, 1)
}

func TestTransitionIntentNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "POST", "/api/v1/intents/999/transitions", "k1", map[string]any{"to_status": "paid"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	seller, err := s.store.CreateWallet(ctx, "seller")
	require.NoError(t, err)
	buyer, err := s.store.CreateWallet(ctx, "buyer")
	require.NoError(t, err)

	rec := s.do(t, "POST", "/api/v1/escrows", "esc-1", map[string]any{
		"order_id": 42, "sale_kind": "resale", "sale_minor": 100000,
		"seller_wallet_id": seller.ID, "buyer_wallet_id": buyer.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, "POST", "/api/v1/escrows/42/transitions", "hold-1", map[string]any{"to_status": "held"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, "POST", "/api/v1/escrows/42/transitions", "rel-1", map[string]any{
		"to_status": "released", "actor": map[string]any{"type": "admin", "id": 1},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, "GET", fmt.Sprintf("/api/v1/wallets/%d", seller.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var w domain.Wallet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	assert.Equal(t, int64(87000), w.BalanceMinor)

	rec = s.do(t, "GET", "/api/v1/escrows/42", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acct domain.EscrowAccount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acct))
	assert.Equal(t, domain.EscrowReleased, acct.State)
	require.NotNil(t, acct.Snapshot)
}

func TestWebhookAcceptedAndQueued(t *testing.T) {
	s := newTestServer(t)

	payload := []byte(`{"id":"evt_1","data":{"reference":"ord-1","amount":1000,"status":"success"}}`)
	req := httptest.NewRequest("POST", "/api/v1/webhooks/paystack", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", "sig")
	req.Header.Set("X-Correlation-ID", "corr-7")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "corr-7")

	task, err := s.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "paystack", task.Source)
	assert.Equal(t, "sig", task.Signature)
	assert.Equal(t, "corr-7", task.CorrelationID)
	assert.Equal(t, 1, task.Attempt)
	assert.JSONEq(t, string(payload), string(task.Payload))
}

func TestGetWalletNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "GET", "/api/v1/wallets/77", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidPathID(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "GET", "/api/v1/intents/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunReconciliation(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	w, err := s.store.CreateWallet(ctx, "alice")
	require.NoError(t, err)
	_, err = s.store.Credit(ctx, w.ID, 5000, "topup-1")
	require.NoError(t, err)
	s.store.SetBalance(w.ID, 6000)

	rec := s.do(t, "POST", "/api/v1/reconciliation/runs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report service.ReconcileReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.WalletsChecked)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, int64(1000), report.Drifts[0].DeltaMinor)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
