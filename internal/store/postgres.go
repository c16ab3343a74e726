package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/domain"
)

// PgStore implements every store interface against PostgreSQL. Writes run
// in single short transactions scoped to one intent/order row, so lock
// contention never crosses unrelated entities.
type PgStore struct {
	db *pgxpool.Pool
}

func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

// Connect builds a pgx pool and verifies connectivity.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- payment intents ---

func (s *PgStore) CreateIntent(ctx context.Context, intent domain.PaymentIntent) (domain.PaymentIntent, error) {
	if intent.Status == "" {
		intent.Status = domain.IntentInitialized
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO payment_intents (order_id, reference, amount_minor, currency, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		intent.OrderID, intent.Reference, intent.AmountMinor, intent.Currency, intent.Status,
	).Scan(&intent.ID, &intent.CreatedAt, &intent.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.PaymentIntent{}, domain.ErrIntentExists
	}
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("intent insert failed: %w", err)
	}
	return intent, nil
}

func (s *PgStore) GetIntent(ctx context.Context, id int64) (domain.PaymentIntent, error) {
	return s.scanIntent(s.db.QueryRow(ctx,
		`SELECT id, order_id, reference, amount_minor, currency, status, paid_at, created_at, updated_at
		 FROM payment_intents WHERE id = $1`, id))
}

func (s *PgStore) GetIntentByReference(ctx context.Context, reference string) (domain.PaymentIntent, error) {
	return s.scanIntent(s.db.QueryRow(ctx,
		`SELECT id, order_id, reference, amount_minor, currency, status, paid_at, created_at, updated_at
		 FROM payment_intents WHERE reference = $1`, reference))
}

func (s *PgStore) scanIntent(row pgx.Row) (domain.PaymentIntent, error) {
	var in domain.PaymentIntent
	err := row.Scan(&in.ID, &in.OrderID, &in.Reference, &in.AmountMinor, &in.Currency, &in.Status, &in.PaidAt, &in.CreatedAt, &in.UpdatedAt)
	if err == pgx.ErrNoRows {
		return domain.PaymentIntent{}, domain.ErrIntentNotFound
	}
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("intent query failed: %w", err)
	}
	return in, nil
}

func (s *PgStore) ApplyIntentTransition(ctx context.Context, req IntentTransitionRequest) (domain.Transition, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Transition{}, false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the intent row; the FSM check must read the status that will
	// still be current at commit time.
	var cur domain.IntentStatus
	err = tx.QueryRow(ctx, "SELECT status FROM payment_intents WHERE id = $1 FOR UPDATE", req.IntentID).Scan(&cur)
	if err == pgx.ErrNoRows {
		return domain.Transition{}, false, domain.ErrIntentNotFound
	}
	if err != nil {
		return domain.Transition{}, false, fmt.Errorf("intent lock failed: %w", err)
	}

	// 2. Replay check: an existing row for this key is returned unchanged,
	// with no re-validation and no side effects re-run.
	if existing, ok, err := s.findTransition(ctx, tx, "payment_intent_transitions", "intent_id", req.IntentID, req.Key); err != nil {
		return domain.Transition{}, false, err
	} else if ok {
		return existing, false, tx.Commit(ctx)
	}

	// 3. FSM check against the locked current status.
	if !cur.CanTransitionTo(req.To) {
		return domain.Transition{}, false, domain.InvalidTransition(string(cur), string(req.To))
	}

	// 4. Append the audit row and move the intent, stamping paid_at once.
	tr, err := s.insertTransition(ctx, tx, "payment_intent_transitions", "intent_id", req.IntentID, string(cur), string(req.To), req.Actor, req.Key, req.Reason, req.Metadata)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent caller committed the same key first; its row is
			// the definitive one.
			tx.Rollback(ctx)
			existing, ok, rerr := s.findTransition(ctx, s.db, "payment_intent_transitions", "intent_id", req.IntentID, req.Key)
			if rerr != nil {
				return domain.Transition{}, false, rerr
			}
			if !ok {
				return domain.Transition{}, false, fmt.Errorf("transition row vanished after unique violation: intent %d", req.IntentID)
			}
			return existing, false, nil
		}
		return domain.Transition{}, false, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE payment_intents
		 SET status = $1,
		     paid_at = CASE WHEN $1 = 'paid' THEN COALESCE(paid_at, now()) ELSE paid_at END,
		     updated_at = now()
		 WHERE id = $2`,
		string(req.To), req.IntentID,
	)
	if err != nil {
		return domain.Transition{}, false, fmt.Errorf("intent update failed: %w", err)
	}

	// Terminal transitions and their event feed entry commit atomically.
	if req.To.Terminal() {
		if err := insertOutboxEvent(ctx, tx, "intent."+string(req.To), fmt.Sprintf("intent-%d", req.IntentID), tr); err != nil {
			return domain.Transition{}, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Transition{}, false, fmt.Errorf("tx commit failed: %w", err)
	}
	return tr, true, nil
}

func (s *PgStore) ListIntentTransitions(ctx context.Context, intentID int64) ([]domain.Transition, error) {
	return s.listTransitions(ctx, "payment_intent_transitions", "intent_id", intentID)
}

// --- escrow ---

func (s *PgStore) CreateEscrow(ctx context.Context, acct domain.EscrowAccount) (domain.EscrowAccount, error) {
	if acct.State == "" {
		acct.State = domain.EscrowNone
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO escrow_accounts
		   (order_id, state, sale_kind, sale_minor, delivery_minor, inspection_minor,
		    seller_top_tier, seller_wallet_id, buyer_wallet_id, delivery_wallet_id, inspection_wallet_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at, updated_at`,
		acct.OrderID, acct.State, acct.SaleKind, acct.SaleMinor, acct.DeliveryMinor, acct.InspectionMinor,
		acct.SellerTopTier, acct.SellerWalletID, acct.BuyerWalletID, acct.DeliveryWalletID, acct.InspectionWalletID,
	).Scan(&acct.CreatedAt, &acct.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.EscrowAccount{}, domain.ErrEscrowExists
	}
	if err != nil {
		return domain.EscrowAccount{}, fmt.Errorf("escrow insert failed: %w", err)
	}
	return acct, nil
}

func (s *PgStore) GetEscrow(ctx context.Context, orderID int64) (domain.EscrowAccount, error) {
	var acct domain.EscrowAccount
	var snap []byte
	err := s.db.QueryRow(ctx,
		`SELECT order_id, state, sale_kind, sale_minor, delivery_minor, inspection_minor,
		        seller_top_tier, seller_wallet_id, buyer_wallet_id, delivery_wallet_id, inspection_wallet_id,
		        commission_snapshot, created_at, updated_at
		 FROM escrow_accounts WHERE order_id = $1`, orderID,
	).Scan(&acct.OrderID, &acct.State, &acct.SaleKind, &acct.SaleMinor, &acct.DeliveryMinor, &acct.InspectionMinor,
		&acct.SellerTopTier, &acct.SellerWalletID, &acct.BuyerWalletID, &acct.DeliveryWalletID, &acct.InspectionWalletID,
		&snap, &acct.CreatedAt, &acct.UpdatedAt)
	if err == pgx.ErrNoRows {
		return domain.EscrowAccount{}, domain.ErrEscrowNotFound
	}
	if err != nil {
		return domain.EscrowAccount{}, fmt.Errorf("escrow query failed: %w", err)
	}
	if len(snap) > 0 {
		var cs domain.CommissionSnapshot
		if err := json.Unmarshal(snap, &cs); err != nil {
			return domain.EscrowAccount{}, fmt.Errorf("stored snapshot corrupt for order %d: %w", orderID, err)
		}
		acct.Snapshot = &cs
	}
	return acct, nil
}

func (s *PgStore) ApplyEscrowTransition(ctx context.Context, req EscrowTransitionRequest) (domain.Transition, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Transition{}, false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var cur domain.EscrowState
	err = tx.QueryRow(ctx, "SELECT state FROM escrow_accounts WHERE order_id = $1 FOR UPDATE", req.OrderID).Scan(&cur)
	if err == pgx.ErrNoRows {
		return domain.Transition{}, false, domain.ErrEscrowNotFound
	}
	if err != nil {
		return domain.Transition{}, false, fmt.Errorf("escrow lock failed: %w", err)
	}

	if existing, ok, err := s.findTransition(ctx, tx, "escrow_transitions", "order_id", req.OrderID, req.Key); err != nil {
		return domain.Transition{}, false, err
	} else if ok {
		return existing, false, tx.Commit(ctx)
	}

	if !cur.CanTransitionTo(req.To) {
		return domain.Transition{}, false, domain.InvalidTransition(string(cur), string(req.To))
	}

	tr, err := s.insertTransition(ctx, tx, "escrow_transitions", "order_id", req.OrderID, string(cur), string(req.To), req.Actor, req.Key, req.Reason, req.Metadata)
	if err != nil {
		if isUniqueViolation(err) {
			tx.Rollback(ctx)
			existing, ok, rerr := s.findTransition(ctx, s.db, "escrow_transitions", "order_id", req.OrderID, req.Key)
			if rerr != nil {
				return domain.Transition{}, false, rerr
			}
			if !ok {
				return domain.Transition{}, false, fmt.Errorf("transition row vanished after unique violation: order %d", req.OrderID)
			}
			return existing, false, nil
		}
		return domain.Transition{}, false, err
	}

	_, err = tx.Exec(ctx, "UPDATE escrow_accounts SET state = $1, updated_at = now() WHERE order_id = $2", string(req.To), req.OrderID)
	if err != nil {
		return domain.Transition{}, false, fmt.Errorf("escrow update failed: %w", err)
	}

	if req.To.Terminal() {
		if err := insertOutboxEvent(ctx, tx, "escrow."+string(req.To), fmt.Sprintf("order-%d", req.OrderID), tr); err != nil {
			return domain.Transition{}, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Transition{}, false, fmt.Errorf("tx commit failed: %w", err)
	}
	return tr, true, nil
}

// SaveSnapshot writes the snapshot only where none exists. The row already
// holding a snapshot always wins, so recomputation under changed
// configuration can never alter a frozen breakdown.
func (s *PgStore) SaveSnapshot(ctx context.Context, orderID int64, snap domain.CommissionSnapshot) (domain.CommissionSnapshot, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return domain.CommissionSnapshot{}, fmt.Errorf("snapshot marshal failed: %w", err)
	}
	_, err = s.db.Exec(ctx,
		"UPDATE escrow_accounts SET commission_snapshot = $1, updated_at = now() WHERE order_id = $2 AND commission_snapshot IS NULL",
		body, orderID,
	)
	if err != nil {
		return domain.CommissionSnapshot{}, fmt.Errorf("snapshot store failed: %w", err)
	}

	acct, err := s.GetEscrow(ctx, orderID)
	if err != nil {
		return domain.CommissionSnapshot{}, err
	}
	if acct.Snapshot == nil {
		return domain.CommissionSnapshot{}, fmt.Errorf("snapshot missing after store: order %d", orderID)
	}
	return *acct.Snapshot, nil
}

func (s *PgStore) ListEscrowTransitions(ctx context.Context, orderID int64) ([]domain.Transition, error) {
	return s.listTransitions(ctx, "escrow_transitions", "order_id", orderID)
}

// insertOutboxEvent appends the broker event inside the transition's own
// transaction: a committed terminal transition can never lose its event,
// and a rolled-back one can never leak it.
func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType, partitionKey string, tr domain.Transition) error {
	payload, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("outbox payload marshal failed: %w", err)
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO outbox_events (event_type, partition_key, payload) VALUES ($1, $2, $3)",
		eventType, partitionKey, payload,
	)
	if err != nil {
		return fmt.Errorf("outbox enqueue failed: %w", err)
	}
	return nil
}

// --- shared transition log helpers ---

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PgStore) findTransition(ctx context.Context, q queryRower, table, entityCol string, entityID int64, key string) (domain.Transition, bool, error) {
	row := q.QueryRow(ctx, fmt.Sprintf(
		`SELECT id, %s, from_status, to_status, actor_type, actor_id, idempotency_key, reason, metadata, created_at
		 FROM %s WHERE %s = $1 AND idempotency_key = $2`, entityCol, table, entityCol),
		entityID, key)
	tr, err := scanTransition(row)
	if err == pgx.ErrNoRows {
		return domain.Transition{}, false, nil
	}
	if err != nil {
		return domain.Transition{}, false, fmt.Errorf("transition query failed: %w", err)
	}
	return tr, true, nil
}

func (s *PgStore) insertTransition(ctx context.Context, tx pgx.Tx, table, entityCol string, entityID int64, from, to string, actor domain.Actor, key, reason string, metadata json.RawMessage) (domain.Transition, error) {
	tr := domain.Transition{
		EntityID:       entityID,
		FromStatus:     from,
		ToStatus:       to,
		Actor:          actor,
		IdempotencyKey: key,
		Reason:         reason,
		Metadata:       metadata,
	}
	err := tx.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s, from_status, to_status, actor_type, actor_id, idempotency_key, reason, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`, table, entityCol),
		entityID, from, to, string(actor.Type), actor.ID, key, reason, metadata,
	).Scan(&tr.ID, &tr.CreatedAt)
	if err != nil {
		return domain.Transition{}, err
	}
	return tr, nil
}

func (s *PgStore) listTransitions(ctx context.Context, table, entityCol string, entityID int64) ([]domain.Transition, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT id, %s, from_status, to_status, actor_type, actor_id, idempotency_key, reason, metadata, created_at
		 FROM %s WHERE %s = $1 ORDER BY id`, entityCol, table, entityCol),
		entityID)
	if err != nil {
		return nil, fmt.Errorf("transition list failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("transition scan failed: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func scanTransition(row pgx.Row) (domain.Transition, error) {
	var tr domain.Transition
	var actorType string
	var metadata []byte
	err := row.Scan(&tr.ID, &tr.EntityID, &tr.FromStatus, &tr.ToStatus, &actorType, &tr.Actor.ID, &tr.IdempotencyKey, &tr.Reason, &metadata, &tr.CreatedAt)
	if err != nil {
		return domain.Transition{}, err
	}
	tr.Actor.Type = domain.ActorType(actorType)
	tr.Metadata = metadata
	return tr, nil
}

// --- wallets ---

func (s *PgStore) CreateWallet(ctx context.Context, ownerLabel string) (domain.Wallet, error) {
	var w domain.Wallet
	w.OwnerLabel = ownerLabel
	err := s.db.QueryRow(ctx,
		"INSERT INTO wallets (owner_label) VALUES ($1) RETURNING id, balance_minor, created_at",
		ownerLabel,
	).Scan(&w.ID, &w.BalanceMinor, &w.CreatedAt)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet insert failed: %w", err)
	}
	return w, nil
}

func (s *PgStore) GetWallet(ctx context.Context, id int64) (domain.Wallet, error) {
	var w domain.Wallet
	err := s.db.QueryRow(ctx,
		"SELECT id, owner_label, balance_minor, created_at FROM wallets WHERE id = $1", id,
	).Scan(&w.ID, &w.OwnerLabel, &w.BalanceMinor, &w.CreatedAt)
	if err == pgx.ErrNoRows {
		return domain.Wallet{}, domain.ErrWalletNotFound
	}
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet query failed: %w", err)
	}
	return w, nil
}

func (s *PgStore) ListWallets(ctx context.Context) ([]domain.Wallet, error) {
	rows, err := s.db.Query(ctx, "SELECT id, owner_label, balance_minor, created_at FROM wallets ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("wallet list failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Wallet
	for rows.Next() {
		var w domain.Wallet
		if err := rows.Scan(&w.ID, &w.OwnerLabel, &w.BalanceMinor, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("wallet scan failed: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Credit moves amountMinor into a wallet exactly once per reference. The
// unique constraint on (wallet_id, reference) turns a retried credit into
// a clean no-op instead of a double-pay.
func (s *PgStore) Credit(ctx context.Context, walletID, amountMinor int64, reference string) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM wallets WHERE id = $1)", walletID).Scan(&exists); err != nil {
		return false, fmt.Errorf("wallet check failed: %w", err)
	}
	if !exists {
		return false, domain.ErrWalletNotFound
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO wallet_entries (wallet_id, amount_minor, reference) VALUES ($1, $2, $3)",
		walletID, amountMinor, reference,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("wallet entry insert failed: %w", err)
	}

	_, err = tx.Exec(ctx, "UPDATE wallets SET balance_minor = balance_minor + $1 WHERE id = $2", amountMinor, walletID)
	if err != nil {
		return false, fmt.Errorf("wallet balance update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("tx commit failed: %w", err)
	}
	return true, nil
}

func (s *PgStore) ListEntries(ctx context.Context, walletID int64) ([]domain.WalletEntry, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, wallet_id, amount_minor, reference, created_at FROM wallet_entries WHERE wallet_id = $1 ORDER BY id",
		walletID)
	if err != nil {
		return nil, fmt.Errorf("wallet entry list failed: %w", err)
	}
	defer rows.Close()

	var out []domain.WalletEntry
	for rows.Next() {
		var e domain.WalletEntry
		if err := rows.Scan(&e.ID, &e.WalletID, &e.AmountMinor, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("wallet entry scan failed: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- outbox ---

func (s *PgStore) EnqueueEvent(ctx context.Context, eventType, partitionKey string, payload []byte) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO outbox_events (event_type, partition_key, payload) VALUES ($1, $2, $3)",
		eventType, partitionKey, payload,
	)
	if err != nil {
		return fmt.Errorf("outbox enqueue failed: %w", err)
	}
	return nil
}

func (s *PgStore) ClaimPending(ctx context.Context, limit int, claimToken string, claimedUntil time.Time) ([]OutboxRecord, error) {
	rows, err := s.db.Query(ctx,
		`UPDATE outbox_events
		 SET claim_token = $1, claimed_until = $2
		 WHERE id IN (
		   SELECT id FROM outbox_events
		   WHERE published_at IS NULL AND NOT dead_lettered
		     AND (claimed_until IS NULL OR claimed_until < now())
		   ORDER BY id
		   LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, event_type, partition_key, payload, retry_count, created_at`,
		claimToken, claimedUntil, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox claim failed: %w", err)
	}
	defer rows.Close()

	var out []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		if err := rows.Scan(&rec.ID, &rec.EventType, &rec.PartitionKey, &rec.Payload, &rec.RetryCount, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox scan failed: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PgStore) MarkPublished(ctx context.Context, id int64, claimToken string) error {
	_, err := s.db.Exec(ctx,
		"UPDATE outbox_events SET published_at = now(), claim_token = NULL, claimed_until = NULL WHERE id = $1 AND claim_token = $2",
		id, claimToken)
	return err
}

func (s *PgStore) MarkFailed(ctx context.Context, id int64, claimToken string, cause string) error {
	_, err := s.db.Exec(ctx,
		"UPDATE outbox_events SET retry_count = retry_count + 1, last_error = $1, claim_token = NULL, claimed_until = NULL WHERE id = $2 AND claim_token = $3",
		cause, id, claimToken)
	return err
}

func (s *PgStore) MarkDeadLettered(ctx context.Context, id int64, claimToken string, cause string) error {
	_, err := s.db.Exec(ctx,
		"UPDATE outbox_events SET dead_lettered = TRUE, last_error = $1, claim_token = NULL, claimed_until = NULL WHERE id = $2 AND claim_token = $3",
		cause, id, claimToken)
	return err
}

// --- reconciliation reports ---

func (s *PgStore) SaveReconciliationReport(ctx context.Context, runID string, report []byte) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO reconciliation_reports (run_id, report) VALUES ($1, $2)",
		runID, report)
	if err != nil {
		return fmt.Errorf("report insert failed: %w", err)
	}
	return nil
}
