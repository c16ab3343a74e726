package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/domain"
)

// MemStore is the in-memory counterpart of PgStore: one mutex stands in for
// the database's row locks and unique constraints, which keeps the replay
// and exactly-once semantics identical.
type MemStore struct {
	mu sync.Mutex

	nextIntentID     int64
	nextTransitionID int64
	nextWalletID     int64
	nextEntryID      int64
	nextOutboxID     int64

	intents           map[int64]*domain.PaymentIntent
	intentTransitions map[int64][]domain.Transition
	escrows           map[int64]*domain.EscrowAccount
	escrowTransitions map[int64][]domain.Transition
	wallets           map[int64]*domain.Wallet
	entries           map[int64][]domain.WalletEntry
	outbox            []*memOutboxRow
	reports           map[string][]byte
}

type memOutboxRow struct {
	rec          OutboxRecord
	published    bool
	deadLettered bool
	claimToken   string
	claimedUntil time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		intents:           make(map[int64]*domain.PaymentIntent),
		intentTransitions: make(map[int64][]domain.Transition),
		escrows:           make(map[int64]*domain.EscrowAccount),
		escrowTransitions: make(map[int64][]domain.Transition),
		wallets:           make(map[int64]*domain.Wallet),
		entries:           make(map[int64][]domain.WalletEntry),
		reports:           make(map[string][]byte),
	}
}

// --- payment intents ---

func (s *MemStore) CreateIntent(_ context.Context, intent domain.PaymentIntent) (domain.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range s.intents {
		if in.Reference == intent.Reference {
			return domain.PaymentIntent{}, domain.ErrIntentExists
		}
	}
	s.nextIntentID++
	intent.ID = s.nextIntentID
	if intent.Status == "" {
		intent.Status = domain.IntentInitialized
	}
	now := time.Now().UTC()
	intent.CreatedAt = now
	intent.UpdatedAt = now
	copied := intent
	s.intents[intent.ID] = &copied
	return intent, nil
}

func (s *MemStore) GetIntent(_ context.Context, id int64) (domain.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return domain.PaymentIntent{}, domain.ErrIntentNotFound
	}
	return *in, nil
}

func (s *MemStore) GetIntentByReference(_ context.Context, reference string) (domain.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range s.intents {
		if in.Reference == reference {
			return *in, nil
		}
	}
	return domain.PaymentIntent{}, domain.ErrIntentNotFound
}

func (s *MemStore) ApplyIntentTransition(_ context.Context, req IntentTransitionRequest) (domain.Transition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[req.IntentID]
	if !ok {
		return domain.Transition{}, false, domain.ErrIntentNotFound
	}
	for _, tr := range s.intentTransitions[req.IntentID] {
		if tr.IdempotencyKey == req.Key {
			return tr, false, nil
		}
	}
	if !in.Status.CanTransitionTo(req.To) {
		return domain.Transition{}, false, domain.InvalidTransition(string(in.Status), string(req.To))
	}

	s.nextTransitionID++
	tr := domain.Transition{
		ID:             s.nextTransitionID,
		EntityID:       req.IntentID,
		FromStatus:     string(in.Status),
		ToStatus:       string(req.To),
		Actor:          req.Actor,
		IdempotencyKey: req.Key,
		Reason:         req.Reason,
		Metadata:       append(json.RawMessage(nil), req.Metadata...),
		CreatedAt:      time.Now().UTC(),
	}
	s.intentTransitions[req.IntentID] = append(s.intentTransitions[req.IntentID], tr)

	in.Status = req.To
	in.UpdatedAt = tr.CreatedAt
	if req.To == domain.IntentPaid && in.PaidAt == nil {
		t := tr.CreatedAt
		in.PaidAt = &t
	}
	if req.To.Terminal() {
		if err := s.enqueueEventLocked("intent."+string(req.To), fmt.Sprintf("intent-%d", req.IntentID), tr); err != nil {
			return domain.Transition{}, false, err
		}
	}
	return tr, true, nil
}

func (s *MemStore) ListIntentTransitions(_ context.Context, intentID int64) ([]domain.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Transition(nil), s.intentTransitions[intentID]...), nil
}

// --- escrow ---

func (s *MemStore) CreateEscrow(_ context.Context, acct domain.EscrowAccount) (domain.EscrowAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.escrows[acct.OrderID]; ok {
		return domain.EscrowAccount{}, domain.ErrEscrowExists
	}
	if acct.State == "" {
		acct.State = domain.EscrowNone
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	copied := acct
	s.escrows[acct.OrderID] = &copied
	return acct, nil
}

func (s *MemStore) GetEscrow(_ context.Context, orderID int64) (domain.EscrowAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.escrows[orderID]
	if !ok {
		return domain.EscrowAccount{}, domain.ErrEscrowNotFound
	}
	out := *acct
	if acct.Snapshot != nil {
		snap := *acct.Snapshot
		out.Snapshot = &snap
	}
	return out, nil
}

func (s *MemStore) ApplyEscrowTransition(_ context.Context, req EscrowTransitionRequest) (domain.Transition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.escrows[req.OrderID]
	if !ok {
		return domain.Transition{}, false, domain.ErrEscrowNotFound
	}
	for _, tr := range s.escrowTransitions[req.OrderID] {
		if tr.IdempotencyKey == req.Key {
			return tr, false, nil
		}
	}
	if !acct.State.CanTransitionTo(req.To) {
		return domain.Transition{}, false, domain.InvalidTransition(string(acct.State), string(req.To))
	}

	s.nextTransitionID++
	tr := domain.Transition{
		ID:             s.nextTransitionID,
		EntityID:       req.OrderID,
		FromStatus:     string(acct.State),
		ToStatus:       string(req.To),
		Actor:          req.Actor,
		IdempotencyKey: req.Key,
		Reason:         req.Reason,
		Metadata:       append(json.RawMessage(nil), req.Metadata...),
		CreatedAt:      time.Now().UTC(),
	}
	s.escrowTransitions[req.OrderID] = append(s.escrowTransitions[req.OrderID], tr)

	acct.State = req.To
	acct.UpdatedAt = tr.CreatedAt
	if req.To.Terminal() {
		if err := s.enqueueEventLocked("escrow."+string(req.To), fmt.Sprintf("order-%d", req.OrderID), tr); err != nil {
			return domain.Transition{}, false, err
		}
	}
	return tr, true, nil
}

func (s *MemStore) SaveSnapshot(_ context.Context, orderID int64, snap domain.CommissionSnapshot) (domain.CommissionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.escrows[orderID]
	if !ok {
		return domain.CommissionSnapshot{}, domain.ErrEscrowNotFound
	}
	if acct.Snapshot != nil {
		return *acct.Snapshot, nil
	}
	copied := snap
	acct.Snapshot = &copied
	acct.UpdatedAt = time.Now().UTC()
	return snap, nil
}

func (s *MemStore) ListEscrowTransitions(_ context.Context, orderID int64) ([]domain.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Transition(nil), s.escrowTransitions[orderID]...), nil
}

// --- wallets ---

func (s *MemStore) CreateWallet(_ context.Context, ownerLabel string) (domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextWalletID++
	w := domain.Wallet{ID: s.nextWalletID, OwnerLabel: ownerLabel, CreatedAt: time.Now().UTC()}
	copied := w
	s.wallets[w.ID] = &copied
	return w, nil
}

func (s *MemStore) GetWallet(_ context.Context, id int64) (domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return domain.Wallet{}, domain.ErrWalletNotFound
	}
	return *w, nil
}

func (s *MemStore) ListWallets(_ context.Context) ([]domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) Credit(_ context.Context, walletID, amountMinor int64, reference string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletID]
	if !ok {
		return false, domain.ErrWalletNotFound
	}
	for _, e := range s.entries[walletID] {
		if e.Reference == reference {
			return false, nil
		}
	}
	s.nextEntryID++
	s.entries[walletID] = append(s.entries[walletID], domain.WalletEntry{
		ID:          s.nextEntryID,
		WalletID:    walletID,
		AmountMinor: amountMinor,
		Reference:   reference,
		CreatedAt:   time.Now().UTC(),
	})
	w.BalanceMinor += amountMinor
	return true, nil
}

func (s *MemStore) ListEntries(_ context.Context, walletID int64) ([]domain.WalletEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.WalletEntry(nil), s.entries[walletID]...), nil
}

// SetBalance overrides a stored balance directly, bypassing the entry log.
// Test hook for manufacturing reconciliation drift.
func (s *MemStore) SetBalance(walletID, balanceMinor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[walletID]; ok {
		w.BalanceMinor = balanceMinor
	}
}

// --- outbox ---

func (s *MemStore) EnqueueEvent(_ context.Context, eventType, partitionKey string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendEventLocked(eventType, partitionKey, payload)
	return nil
}

// enqueueEventLocked is the in-transaction counterpart of PgStore's outbox
// insert. Callers already hold the mutex.
func (s *MemStore) enqueueEventLocked(eventType, partitionKey string, tr domain.Transition) error {
	payload, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("outbox payload marshal failed: %w", err)
	}
	s.appendEventLocked(eventType, partitionKey, payload)
	return nil
}

func (s *MemStore) appendEventLocked(eventType, partitionKey string, payload []byte) {
	s.nextOutboxID++
	s.outbox = append(s.outbox, &memOutboxRow{rec: OutboxRecord{
		ID:           s.nextOutboxID,
		EventType:    eventType,
		PartitionKey: partitionKey,
		Payload:      append(json.RawMessage(nil), payload...),
		CreatedAt:    time.Now().UTC(),
	}})
}

func (s *MemStore) ClaimPending(_ context.Context, limit int, claimToken string, claimedUntil time.Time) ([]OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var out []OutboxRecord
	for _, row := range s.outbox {
		if len(out) >= limit {
			break
		}
		if row.published || row.deadLettered {
			continue
		}
		if row.claimToken != "" && row.claimedUntil.After(now) {
			continue
		}
		row.claimToken = claimToken
		row.claimedUntil = claimedUntil
		out = append(out, row.rec)
	}
	return out, nil
}

func (s *MemStore) MarkPublished(_ context.Context, id int64, claimToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.outbox {
		if row.rec.ID == id && row.claimToken == claimToken {
			row.published = true
			row.claimToken = ""
		}
	}
	return nil
}

func (s *MemStore) MarkFailed(_ context.Context, id int64, claimToken string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.outbox {
		if row.rec.ID == id && row.claimToken == claimToken {
			row.rec.RetryCount++
			row.claimToken = ""
			row.claimedUntil = time.Time{}
		}
	}
	return nil
}

func (s *MemStore) MarkDeadLettered(_ context.Context, id int64, claimToken string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.outbox {
		if row.rec.ID == id && row.claimToken == claimToken {
			row.deadLettered = true
			row.claimToken = ""
		}
	}
	return nil
}

// --- reconciliation reports ---

func (s *MemStore) SaveReconciliationReport(_ context.Context, runID string, report []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[runID] = append([]byte(nil), report...)
	return nil
}
