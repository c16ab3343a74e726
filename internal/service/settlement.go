package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/domain"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/idempotency"
)

var (
	settlementOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_task_outcomes_total",
		Help: "Webhook settlement attempts by outcome",
	}, []string{"source", "outcome"})

	settlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_task_duration_seconds",
		Help:    "Latency distribution of settlement attempts",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"source"})
)

// Settlement outcomes, the primary observability surface for
// money-movement incidents.
const (
	OutcomeOK            = "ok"
	OutcomeIdempotentHit = "idempotent_hit"
	OutcomeRetrying      = "retrying"
	OutcomeFailed        = "failed"
)

// SignatureVerifier is the external collaborator that authenticates a
// provider payload before it is trusted.
type SignatureVerifier interface {
	Verify(source string, rawBody []byte, signature string) error
}

// HMACVerifier verifies hex-encoded HMAC-SHA256 signatures with a shared
// secret per provider.
type HMACVerifier struct {
	Secrets map[string]string
}

func (v HMACVerifier) Verify(source string, rawBody []byte, signature string) error {
	secret, ok := v.Secrets[source]
	if !ok {
		return fmt.Errorf("no webhook secret configured for source %q", source)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return errors.New("signature mismatch")
	}
	return nil
}

// SettleRequest is one webhook delivery handed to the settlement task.
type SettleRequest struct {
	Source        string
	Payload       []byte
	Signature     string
	Attempt       int
	CorrelationID string
}

// SettleResult reports what one attempt did. Status/Body mirror the
// response stored in (or replayed from) the idempotency ledger.
type SettleResult struct {
	Outcome string
	EventID string
	Status  int
	Body    json.RawMessage
}

// Settler converts an at-least-once webhook delivery into exactly one
// payment-intent transition. A non-nil error from Settle is always a
// transient infrastructure failure the worker should retry with backoff;
// business-validation failures are final results, never errors.
type Settler struct {
	ledger   idempotency.Ledger
	intents  *IntentService
	verifier SignatureVerifier
	log      *slog.Logger
}

func NewSettler(ledger idempotency.Ledger, intents *IntentService, verifier SignatureVerifier, log *slog.Logger) *Settler {
	return &Settler{ledger: ledger, intents: intents, verifier: verifier, log: log}
}

// DeriveEventID returns the provider-assigned event id when present, else
// a stable hash of (source, reference, canonical payload) so that distinct
// deliveries of the same logical event collapse to one idempotency key.
func DeriveEventID(source string, payload []byte) string {
	var p domain.WebhookPayload
	_ = json.Unmarshal(payload, &p)
	if p.ID != "" {
		return p.ID
	}
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(p.Data.Reference))
	h.Write([]byte{0})
	h.Write(idempotency.CanonicalJSON(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func (t *Settler) Settle(ctx context.Context, req SettleRequest) (SettleResult, error) {
	start := time.Now()
	eventID := DeriveEventID(req.Source, req.Payload)
	res := SettleResult{EventID: eventID}

	scope := "webhook:" + req.Source
	fingerprint := idempotency.Fingerprint("POST", "webhooks/"+req.Source, req.Payload)

	lookup, err := t.ledger.LookupOrReserve(ctx, scope, eventID, fingerprint)
	if err != nil {
		t.finish(ctx, req, &res, OutcomeRetrying, start, err)
		return res, domain.Transient(err)
	}

	switch lookup.Kind {
	case idempotency.OutcomeHit:
		res.Status = lookup.Stored.Status
		res.Body = lookup.Stored.Body
		t.finish(ctx, req, &res, OutcomeIdempotentHit, start, nil)
		return res, nil
	case idempotency.OutcomeConflict:
		// Two payloads hashed to the same event id with different bodies.
		// A logic error upstream; surfaced, never retried.
		res.Status = 409
		res.Body = errBody("event id conflict")
		t.finish(ctx, req, &res, OutcomeFailed, start, errors.New("idempotency conflict on webhook scope"))
		return res, nil
	}
	// Miss, or InFlight resumed by a redelivered attempt: both carry a
	// reservation and both run the settlement logic. The transition itself
	// is idempotent per (intent, key), so a racing duplicate is harmless.

	status, body, err := t.process(ctx, req, eventID)
	if err != nil {
		t.finish(ctx, req, &res, OutcomeRetrying, start, err)
		return res, domain.Transient(err)
	}

	if err := t.ledger.StoreResponse(ctx, *lookup.Reservation, status, body); err != nil {
		// The transition may have committed; retrying is safe because the
		// replay path will return the same row.
		t.finish(ctx, req, &res, OutcomeRetrying, start, err)
		return res, domain.Transient(err)
	}

	res.Status = status
	res.Body = body
	outcome := OutcomeOK
	if status >= 400 {
		outcome = OutcomeFailed
	}
	t.finish(ctx, req, &res, outcome, start, nil)
	return res, nil
}

// process runs the actual settlement: verify, resolve, transition. The
// returned status/body become the stored response; a non-nil error means
// the attempt hit infrastructure trouble and decided nothing.
func (t *Settler) process(ctx context.Context, req SettleRequest, eventID string) (int, []byte, error) {
	if err := t.verifier.Verify(req.Source, req.Payload, req.Signature); err != nil {
		return 401, errBody("invalid signature"), nil
	}

	var payload domain.WebhookPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.Data.Reference == "" {
		return 422, errBody("malformed payload"), nil
	}

	to, ok := mapProviderStatus(payload.Data.Status)
	if !ok {
		return 422, errBody(fmt.Sprintf("unmapped provider status %q", payload.Data.Status)), nil
	}

	intent, err := t.intents.GetByReference(ctx, payload.Data.Reference)
	if err != nil {
		if errors.Is(err, domain.ErrIntentNotFound) {
			// Deliveries can race the intent's own commit; retry until the
			// attempt cap decides it is genuinely unknown.
			return 0, nil, fmt.Errorf("intent not resolved for reference %q: %w", payload.Data.Reference, err)
		}
		return 0, nil, err
	}

	if payload.Data.AmountMinor != intent.AmountMinor {
		return 422, errBody(fmt.Sprintf("amount mismatch: got %d want %d", payload.Data.AmountMinor, intent.AmountMinor)), nil
	}

	metadata, _ := json.Marshal(map[string]any{
		"event_id":        eventID,
		"provider_status": payload.Data.Status,
		"amount_minor":    payload.Data.AmountMinor,
	})
	tr, applied, err := t.intents.Transition(ctx, intent.ID, to, "webhook:"+eventID, domain.ProviderActor(req.Source), "provider settlement", metadata)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return 422, errBody(err.Error()), nil
		}
		return 0, nil, err
	}

	body, err := json.Marshal(map[string]any{
		"event_id":  eventID,
		"intent_id": intent.ID,
		"from":      tr.FromStatus,
		"to":        tr.ToStatus,
		"applied":   applied,
	})
	if err != nil {
		return 0, nil, err
	}
	return 200, body, nil
}

func (t *Settler) finish(ctx context.Context, req SettleRequest, res *SettleResult, outcome string, start time.Time, cause error) {
	res.Outcome = outcome
	duration := time.Since(start)
	settlementOutcomes.WithLabelValues(req.Source, outcome).Inc()
	settlementDuration.WithLabelValues(req.Source).Observe(duration.Seconds())

	attrs := []any{
		"task", "webhook_settlement",
		"source", req.Source,
		"outcome", outcome,
		"event_id", res.EventID,
		"attempt", req.Attempt,
		"correlation_id", req.CorrelationID,
		"duration_ms", duration.Milliseconds(),
	}
	if cause != nil {
		attrs = append(attrs, "error", cause)
		t.log.ErrorContext(ctx, "webhook settlement attempt", attrs...)
		return
	}
	t.log.InfoContext(ctx, "webhook settlement attempt", attrs...)
}

func mapProviderStatus(status string) (domain.IntentStatus, bool) {
	switch status {
	case "success", "successful", "paid":
		return domain.IntentPaid, true
	case "failed", "declined":
		return domain.IntentFailed, true
	case "pending_manual", "manual":
		return domain.IntentManualPending, true
	}
	return "", false
}

func errBody(msg string) []byte {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return body
}
