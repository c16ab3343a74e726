package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/domain"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/idempotency"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/queue"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/service"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	webhooksAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_webhooks_accepted_total",
		Help: "Webhook deliveries accepted onto the settlement queue",
	}, []string{"source"})
)

// Handler owns the HTTP surface. Write endpoints go through the
// idempotency ledger before any service call; read endpoints never touch
// the ledger.
type Handler struct {
	intents   *service.IntentService
	escrows   *service.EscrowService
	wallets   store.WalletStore
	ledger    idempotency.Ledger
	policy    idempotency.Policy
	queue     queue.Queue
	reconcile *service.ReconcileJob
	log       *slog.Logger
}

func NewHandler(
	intents *service.IntentService,
	escrows *service.EscrowService,
	wallets store.WalletStore,
	ledger idempotency.Ledger,
	policy idempotency.Policy,
	q queue.Queue,
	reconcile *service.ReconcileJob,
	log *slog.Logger,
) *Handler {
	return &Handler{
		intents:   intents,
		escrows:   escrows,
		wallets:   wallets,
		ledger:    ledger,
		policy:    policy,
		queue:     q,
		reconcile: reconcile,
		log:       log,
	}
}

// NewRouter wires every route. Mounted as-is by cmd/api and by handler
// tests.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/intents", h.CreateIntent).Methods("POST")
	v1.HandleFunc("/intents/{id}", h.GetIntent).Methods("GET")
	v1.HandleFunc("/intents/{id}/transitions", h.TransitionIntent).Methods("POST")
	v1.HandleFunc("/intents/{id}/transitions", h.ListIntentTransitions).Methods("GET")
	v1.HandleFunc("/escrows", h.CreateEscrow).Methods("POST")
	v1.HandleFunc("/escrows/{orderID}", h.GetEscrow).Methods("GET")
	v1.HandleFunc("/escrows/{orderID}/transitions", h.TransitionEscrow).Methods("POST")
	v1.HandleFunc("/escrows/{orderID}/transitions", h.ListEscrowTransitions).Methods("GET")
	v1.HandleFunc("/webhooks/{source}", h.ReceiveWebhook).Methods("POST")
	v1.HandleFunc("/wallets/{id}", h.GetWallet).Methods("GET")
	v1.HandleFunc("/wallets/{id}/entries", h.GetWalletEntries).Methods("GET")
	v1.HandleFunc("/reconciliation/runs", h.RunReconciliation).Methods("POST")
	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type actorPayload struct {
	Type   string `json:"type"`
	ID     *int64 `json:"id,omitempty"`
	Source string `json:"source,omitempty"`
}

func (a actorPayload) toDomain() domain.Actor {
	if a.Type == "" {
		return domain.SystemActor()
	}
	return domain.Actor{Type: domain.ActorType(a.Type), ID: a.ID, Source: a.Source}
}

type transitionRequest struct {
	ToStatus string          `json:"to_status"`
	Actor    actorPayload    `json:"actor"`
	Reason   string          `json:"reason,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type transitionResponse struct {
	Transition domain.Transition `json:"transition"`
	Applied    bool              `json:"applied"`
}

type createIntentRequest struct {
	OrderID     *int64 `json:"order_id,omitempty"`
	Reference   string `json:"reference"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency,omitempty"`
}

type createEscrowRequest struct {
	OrderID            int64  `json:"order_id"`
	SaleKind           string `json:"sale_kind"`
	SaleMinor          int64  `json:"sale_minor"`
	DeliveryMinor      int64  `json:"delivery_minor"`
	InspectionMinor    int64  `json:"inspection_minor"`
	SellerTopTier      bool   `json:"seller_top_tier"`
	SellerWalletID     int64  `json:"seller_wallet_id"`
	BuyerWalletID      int64  `json:"buyer_wallet_id"`
	DeliveryWalletID   *int64 `json:"delivery_wallet_id,omitempty"`
	InspectionWalletID *int64 `json:"inspection_wallet_id,omitempty"`
}

func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	h.idempotent(w, r, "intents", "/intents", func(body []byte) (int, any) {
		var req createIntentRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errPayload("Malformed JSON body")
		}
		if req.Reference == "" {
			return http.StatusUnprocessableEntity, errPayload("Reference is required")
		}
		if req.AmountMinor <= 0 {
			return http.StatusUnprocessableEntity, errPayload("Positive amount required")
		}
		if req.Currency == "" {
			req.Currency = "NGN"
		}
		intent, err := h.intents.Create(r.Context(), domain.PaymentIntent{
			OrderID:     req.OrderID,
			Reference:   req.Reference,
			AmountMinor: req.AmountMinor,
			Currency:    req.Currency,
		})
		if err != nil {
			return errStatus(err)
		}
		return http.StatusCreated, intent
	})
}

func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	intent, err := h.intents.Get(r.Context(), id)
	if err != nil {
		code, payload := errStatus(err)
		h.count("GET", "/intents/{id}", code)
		respondWithJSON(w, code, payload)
		return
	}
	h.count("GET", "/intents/{id}", http.StatusOK)
	respondWithJSON(w, http.StatusOK, intent)
}

func (h *Handler) TransitionIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	h.idempotent(w, r, "intents", "/intents/{id}/transitions", func(body []byte) (int, any) {
		var req transitionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errPayload("Malformed JSON body")
		}
		tr, applied, err := h.intents.Transition(r.Context(), id,
			domain.IntentStatus(req.ToStatus), idempotencyKey(r), req.Actor.toDomain(), req.Reason, req.Metadata)
		if err != nil {
			return errStatus(err)
		}
		return http.StatusOK, transitionResponse{Transition: tr, Applied: applied}
	})
}

func (h *Handler) ListIntentTransitions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	trs, err := h.intents.Transitions(r.Context(), id)
	if err != nil {
		code, payload := errStatus(err)
		respondWithJSON(w, code, payload)
		return
	}
	respondWithJSON(w, http.StatusOK, trs)
}

func (h *Handler) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	h.idempotent(w, r, "escrow", "/escrows", func(body []byte) (int, any) {
		var req createEscrowRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errPayload("Malformed JSON body")
		}
		if req.OrderID <= 0 {
			return http.StatusUnprocessableEntity, errPayload("Positive order_id required")
		}
		if req.SaleMinor <= 0 {
			return http.StatusUnprocessableEntity, errPayload("Positive sale amount required")
		}
		if req.DeliveryMinor < 0 || req.InspectionMinor < 0 {
			return http.StatusUnprocessableEntity, errPayload("Leg amounts must not be negative")
		}
		acct, err := h.escrows.Create(r.Context(), domain.EscrowAccount{
			OrderID:            req.OrderID,
			State:              domain.EscrowNone,
			SaleKind:           req.SaleKind,
			SaleMinor:          req.SaleMinor,
			DeliveryMinor:      req.DeliveryMinor,
			InspectionMinor:    req.InspectionMinor,
			SellerTopTier:      req.SellerTopTier,
			SellerWalletID:     req.SellerWalletID,
			BuyerWalletID:      req.BuyerWalletID,
			DeliveryWalletID:   req.DeliveryWalletID,
			InspectionWalletID: req.InspectionWalletID,
		})
		if err != nil {
			return errStatus(err)
		}
		return http.StatusCreated, acct
	})
}

func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}
	acct, err := h.escrows.Get(r.Context(), orderID)
	if err != nil {
		code, payload := errStatus(err)
		h.count("GET", "/escrows/{orderID}", code)
		respondWithJSON(w, code, payload)
		return
	}
	h.count("GET", "/escrows/{orderID}", http.StatusOK)
	respondWithJSON(w, http.StatusOK, acct)
}

func (h *Handler) TransitionEscrow(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}
	h.idempotent(w, r, "escrow", "/escrows/{orderID}/transitions", func(body []byte) (int, any) {
		var req transitionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errPayload("Malformed JSON body")
		}
		tr, applied, err := h.escrows.Transition(r.Context(), orderID,
			domain.EscrowState(req.ToStatus), idempotencyKey(r), req.Actor.toDomain(), req.Reason, req.Metadata)
		if err != nil {
			return errStatus(err)
		}
		return http.StatusOK, transitionResponse{Transition: tr, Applied: applied}
	})
}

func (h *Handler) ListEscrowTransitions(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}
	trs, err := h.escrows.Transitions(r.Context(), orderID)
	if err != nil {
		code, payload := errStatus(err)
		respondWithJSON(w, code, payload)
		return
	}
	respondWithJSON(w, http.StatusOK, trs)
}

// ReceiveWebhook acknowledges fast and settles async: the delivery is
// queued with its raw body and signature, and the worker pool does the
// verification and intent transition. Provider retries of the same event
// dedupe inside the settler, not here.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.count("POST", "/webhooks/{source}", http.StatusInternalServerError)
		respondWithError(w, http.StatusInternalServerError, "Stream read error")
		return
	}
	task := queue.Task{
		ID:            uuid.NewString(),
		Source:        source,
		Payload:       body,
		Signature:     r.Header.Get("X-Webhook-Signature"),
		Attempt:       1,
		CorrelationID: r.Header.Get("X-Correlation-ID"),
	}
	if task.CorrelationID == "" {
		task.CorrelationID = task.ID
	}
	if err := h.queue.Enqueue(r.Context(), task); err != nil {
		h.log.ErrorContext(r.Context(), "webhook enqueue failed",
			slog.String("source", source), slog.String("error", err.Error()))
		h.count("POST", "/webhooks/{source}", http.StatusServiceUnavailable)
		respondWithError(w, http.StatusServiceUnavailable, "Settlement queue unavailable")
		return
	}
	webhooksAccepted.WithLabelValues(source).Inc()
	h.count("POST", "/webhooks/{source}", http.StatusAccepted)
	respondWithJSON(w, http.StatusAccepted, map[string]string{
		"status":         "accepted",
		"correlation_id": task.CorrelationID,
	})
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	wallet, err := h.wallets.GetWallet(r.Context(), id)
	if err != nil {
		code, payload := errStatus(err)
		h.count("GET", "/wallets/{id}", code)
		respondWithJSON(w, code, payload)
		return
	}
	h.count("GET", "/wallets/{id}", http.StatusOK)
	respondWithJSON(w, http.StatusOK, wallet)
}

func (h *Handler) GetWalletEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.wallets.ListEntries(r.Context(), id)
	if err != nil {
		code, payload := errStatus(err)
		respondWithJSON(w, code, payload)
		return
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconcile.Run(r.Context())
	if err != nil {
		h.count("POST", "/reconciliation/runs", http.StatusInternalServerError)
		respondWithError(w, http.StatusInternalServerError, "Reconciliation run failed")
		return
	}
	h.count("POST", "/reconciliation/runs", http.StatusOK)
	respondWithJSON(w, http.StatusOK, report)
}

// idempotent runs fn under the ledger contract for one write endpoint.
// The stored response of the first completed run is replayed verbatim for
// every later request with the same key and body; a reused key with a
// different body is rejected and never overwrites anything.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, scope, endpoint string, fn func(body []byte) (int, any)) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.count(r.Method, endpoint, http.StatusInternalServerError)
		respondWithError(w, http.StatusInternalServerError, "Stream read error")
		return
	}

	key := idempotencyKey(r)
	if key == "" {
		if h.policy.Requires(scope) {
			h.count(r.Method, endpoint, http.StatusBadRequest)
			respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
			return
		}
		status, payload := fn(body)
		h.count(r.Method, endpoint, status)
		respondWithJSON(w, status, payload)
		return
	}

	// The fingerprint covers the concrete URL path, not the route template,
	// so the target entity id is part of what "same request" means: one key
	// aimed at two different intents is a conflict, never a replay.
	fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)
	lookup, err := h.ledger.LookupOrReserve(r.Context(), scope, key, fingerprint)
	if err != nil {
		h.log.ErrorContext(r.Context(), "idempotency lookup failed",
			slog.String("scope", scope), slog.String("error", err.Error()))
		h.count(r.Method, endpoint, http.StatusInternalServerError)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	switch lookup.Kind {
	case idempotency.OutcomeHit:
		h.count(r.Method, endpoint, lookup.Stored.Status)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(lookup.Stored.Status)
		w.Write(lookup.Stored.Body)
		return
	case idempotency.OutcomeConflict:
		h.count(r.Method, endpoint, http.StatusUnprocessableEntity)
		respondWithError(w, http.StatusUnprocessableEntity, "Key reuse with mismatched payload")
		return
	case idempotency.OutcomeInFlight:
		h.count(r.Method, endpoint, http.StatusConflict)
		respondWithError(w, http.StatusConflict, "Request processing in progress")
		return
	}

	status, payload := fn(body)
	encoded, err := json.Marshal(payload)
	if err != nil {
		if relErr := h.ledger.Release(r.Context(), *lookup.Reservation); relErr != nil {
			h.log.ErrorContext(r.Context(), "idempotency release failed",
				slog.String("scope", scope), slog.String("error", relErr.Error()))
		}
		h.count(r.Method, endpoint, http.StatusInternalServerError)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	// Infra failures stay unrecorded, and the reservation is released so a
	// retry of the same key reaches the business logic again instead of
	// answering 409 forever.
	if status < http.StatusInternalServerError {
		if err := h.ledger.StoreResponse(r.Context(), *lookup.Reservation, status, encoded); err != nil {
			h.log.ErrorContext(r.Context(), "idempotency store failed",
				slog.String("scope", scope), slog.String("error", err.Error()))
		}
	} else {
		if err := h.ledger.Release(r.Context(), *lookup.Reservation); err != nil {
			h.log.ErrorContext(r.Context(), "idempotency release failed",
				slog.String("scope", scope), slog.String("error", err.Error()))
		}
	}
	h.count(r.Method, endpoint, status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(encoded)
}

func (h *Handler) count(method, endpoint string, status int) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
}

func idempotencyKey(r *http.Request) string {
	return idempotency.NormalizeKey(r.Header.Get("Idempotency-Key"))
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid numeric path parameter")
		return 0, false
	}
	return id, true
}

func errStatus(err error) (int, any) {
	switch {
	case errors.Is(err, domain.ErrIntentNotFound),
		errors.Is(err, domain.ErrEscrowNotFound),
		errors.Is(err, domain.ErrWalletNotFound):
		return http.StatusNotFound, errPayload(err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusUnprocessableEntity, errPayload(err.Error())
	case errors.Is(err, domain.ErrIdempotencyKeyRequired):
		return http.StatusBadRequest, errPayload("Missing Idempotency-Key header")
	case errors.Is(err, domain.ErrIntentExists),
		errors.Is(err, domain.ErrEscrowExists):
		return http.StatusConflict, errPayload(err.Error())
	default:
		return http.StatusInternalServerError, errPayload("Internal Server Error")
	}
}

func errPayload(message string) map[string]string {
	return map[string]string{"error": message}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errPayload(message))
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
