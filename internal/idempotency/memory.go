package idempotency

import (
	"context"
	"encoding/json"
	"sync"
)

// MemLedger is an in-memory Ledger for tests and single-instance
// deployments. Same contract as PgLedger, with a mutex standing in for the
// database's unique constraint.
type MemLedger struct {
	mu   sync.Mutex
	rows map[string]*memRecord
}

type memRecord struct {
	fingerprint string
	status      *int
	body        []byte
}

func NewMemLedger() *MemLedger {
	return &MemLedger{rows: make(map[string]*memRecord)}
}

func (l *MemLedger) LookupOrReserve(_ context.Context, scope, key, fingerprint string) (Lookup, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := scope + "\x00" + key
	rec, ok := l.rows[id]
	if !ok {
		l.rows[id] = &memRecord{fingerprint: fingerprint}
		return Lookup{Kind: OutcomeMiss, Reservation: &Reservation{Scope: scope, Key: key}}, nil
	}
	if rec.fingerprint != fingerprint {
		return Lookup{Kind: OutcomeConflict}, nil
	}
	if rec.status == nil {
		return Lookup{Kind: OutcomeInFlight, Reservation: &Reservation{Scope: scope, Key: key}}, nil
	}
	body := append([]byte(nil), rec.body...)
	return Lookup{Kind: OutcomeHit, Stored: &StoredResponse{Status: *rec.status, Body: json.RawMessage(body)}}, nil
}

func (l *MemLedger) StoreResponse(_ context.Context, res Reservation, status int, body []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.rows[res.Scope+"\x00"+res.Key]
	if !ok || rec.status != nil {
		return nil
	}
	s := status
	rec.status = &s
	rec.body = append([]byte(nil), body...)
	return nil
}

func (l *MemLedger) Release(_ context.Context, res Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := res.Scope + "\x00" + res.Key
	if rec, ok := l.rows[id]; ok && rec.status == nil {
		delete(l.rows, id)
	}
	return nil
}
