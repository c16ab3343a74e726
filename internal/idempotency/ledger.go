// Package idempotency implements the ledger that makes write operations
// safe to retry. One row exists per (scope, key); the first request's
// fingerprint and the response it produced are stored there, and every
// replay is answered from the row instead of re-running business logic.
package idempotency

import (
	"context"
	"encoding/json"
	"strings"
)

// OutcomeKind is the result of a ledger lookup. Every caller must handle
// each variant explicitly; there is no broad catch-and-ignore path.
type OutcomeKind int

const (
	// OutcomeMiss means a fresh reservation was made; the caller runs the
	// business logic and stores the response on the reservation.
	OutcomeMiss OutcomeKind = iota
	// OutcomeHit means a completed record exists with a matching
	// fingerprint; the stored response is replayed verbatim.
	OutcomeHit
	// OutcomeInFlight means a record exists with a matching fingerprint
	// but no response yet: the first writer has not finished.
	OutcomeInFlight
	// OutcomeConflict means the key was reused with a different request
	// body. A caller bug or key reuse, never resolved automatically.
	OutcomeConflict
	// OutcomeRequired means the scope mandates a key and none was given.
	OutcomeRequired
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeMiss:
		return "miss"
	case OutcomeHit:
		return "hit"
	case OutcomeInFlight:
		return "in_flight"
	case OutcomeConflict:
		return "conflict"
	case OutcomeRequired:
		return "required"
	}
	return "unknown"
}

// StoredResponse is the response recorded by the first successful run.
type StoredResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Reservation identifies the row a Miss (or resumed InFlight) caller must
// complete with StoreResponse.
type Reservation struct {
	Scope string
	Key   string
}

// Lookup is the variant result of LookupOrReserve. Stored is set for Hit;
// Reservation is set for Miss and InFlight.
type Lookup struct {
	Kind        OutcomeKind
	Stored      *StoredResponse
	Reservation *Reservation
}

// Ledger is the storage contract. Implementations must guarantee that at
// most one row per (scope, key) ever exists; concurrent first-time writers
// race on the unique constraint and the loser re-reads instead of erroring.
// Release abandons a reservation whose business logic failed without a
// storable result, so the caller can retry the same key instead of seeing
// InFlight forever. Completed records are never released.
type Ledger interface {
	LookupOrReserve(ctx context.Context, scope, key, fingerprint string) (Lookup, error)
	StoreResponse(ctx context.Context, res Reservation, status int, body []byte) error
	Release(ctx context.Context, res Reservation) error
}

// MaxKeyLength bounds caller-chosen tokens.
const MaxKeyLength = 255

// Policy decides which operation scopes require a key. Absence of a key on
// a required scope is a client error; on any other scope it means "no
// deduplication requested".
type Policy struct {
	RequiredPrefixes []string
}

func (p Policy) Requires(scope string) bool {
	for _, prefix := range p.RequiredPrefixes {
		if strings.HasPrefix(scope, prefix) {
			return true
		}
	}
	return false
}

// NormalizeKey trims whitespace and bounds the caller-chosen token.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) > MaxKeyLength {
		key = key[:MaxKeyLength]
	}
	return key
}
