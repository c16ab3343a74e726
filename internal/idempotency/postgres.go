package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgLedger stores idempotency records in the idempotency_keys table. The
// unique constraint on (scope, key) is the concurrency mechanism: losers of
// an insert race re-read the winner's row instead of erroring.
type PgLedger struct {
	db *pgxpool.Pool
}

func NewPgLedger(db *pgxpool.Pool) *PgLedger {
	return &PgLedger{db: db}
}

func (l *PgLedger) LookupOrReserve(ctx context.Context, scope, key, fingerprint string) (Lookup, error) {
	found, lookup, err := l.read(ctx, scope, key, fingerprint)
	if err != nil {
		return Lookup{}, err
	}
	if found {
		return lookup, nil
	}

	_, err = l.db.Exec(ctx,
		"INSERT INTO idempotency_keys (scope, key, request_hash) VALUES ($1, $2, $3)",
		scope, key, fingerprint,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost the first-writer race; the winner's row decides.
			found, lookup, err = l.read(ctx, scope, key, fingerprint)
			if err != nil {
				return Lookup{}, err
			}
			if !found {
				return Lookup{}, fmt.Errorf("idempotency row vanished after unique violation: %s/%s", scope, key)
			}
			return lookup, nil
		}
		return Lookup{}, fmt.Errorf("idempotency reservation failed: %w", err)
	}

	return Lookup{Kind: OutcomeMiss, Reservation: &Reservation{Scope: scope, Key: key}}, nil
}

func (l *PgLedger) read(ctx context.Context, scope, key, fingerprint string) (bool, Lookup, error) {
	var storedHash string
	var status *int
	var body []byte
	err := l.db.QueryRow(ctx,
		"SELECT request_hash, response_status, response_body FROM idempotency_keys WHERE scope = $1 AND key = $2",
		scope, key,
	).Scan(&storedHash, &status, &body)
	if err == pgx.ErrNoRows {
		return false, Lookup{}, nil
	}
	if err != nil {
		return false, Lookup{}, fmt.Errorf("idempotency query failed: %w", err)
	}

	if storedHash != fingerprint {
		return true, Lookup{Kind: OutcomeConflict}, nil
	}
	if status == nil {
		return true, Lookup{
			Kind:        OutcomeInFlight,
			Reservation: &Reservation{Scope: scope, Key: key},
		}, nil
	}
	return true, Lookup{
		Kind:   OutcomeHit,
		Stored: &StoredResponse{Status: *status, Body: json.RawMessage(body)},
	}, nil
}

// StoreResponse finishes a reservation. It runs exactly once per record in
// the happy path; a second write (replayed settlement attempt) is a no-op
// because the first response is the one replays must see.
func (l *PgLedger) StoreResponse(ctx context.Context, res Reservation, status int, body []byte) error {
	_, err := l.db.Exec(ctx,
		"UPDATE idempotency_keys SET response_status = $1, response_body = $2, updated_at = now() WHERE scope = $3 AND key = $4 AND response_status IS NULL",
		status, body, res.Scope, res.Key,
	)
	if err != nil {
		return fmt.Errorf("idempotency response store failed: %w", err)
	}
	return nil
}

// Release deletes an unfinished reservation. The response_status guard
// means a completed record can never be removed, even by a stale caller.
func (l *PgLedger) Release(ctx context.Context, res Reservation) error {
	_, err := l.db.Exec(ctx,
		"DELETE FROM idempotency_keys WHERE scope = $1 AND key = $2 AND response_status IS NULL",
		res.Scope, res.Key,
	)
	if err != nil {
		return fmt.Errorf("idempotency release failed: %w", err)
	}
	return nil
}
