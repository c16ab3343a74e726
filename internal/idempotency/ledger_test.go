package idempotency

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupMissThenHit(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemLedger()
	fp := Fingerprint("POST", "orders", []byte(`{"amount":100}`))

	first, err := ledger.LookupOrReserve(ctx, "orders", "key-1", fp)
	require.NoError(t, err)
	require.Equal(t, OutcomeMiss, first.Kind)
	require.NotNil(t, first.Reservation)

	require.NoError(t, ledger.StoreResponse(ctx, *first.Reservation, 201, []byte(`{"id":42}`)))

	second, err := ledger.LookupOrReserve(ctx, "orders", "key-1", fp)
	require.NoError(t, err)
	require.Equal(t, OutcomeHit, second.Kind)
	assert.Equal(t, 201, second.Stored.Status)
	assert.JSONEq(t, `{"id":42}`, string(second.Stored.Body))
}

func TestLookupConflictOnDifferentBody(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemLedger()

	first, err := ledger.LookupOrReserve(ctx, "orders", "key-1", Fingerprint("POST", "orders", []byte(`{"amount":100}`)))
	require.NoError(t, err)
	require.NoError(t, ledger.StoreResponse(ctx, *first.Reservation, 201, []byte(`{"id":42}`)))

	second, err := ledger.LookupOrReserve(ctx, "orders", "key-1", Fingerprint("POST", "orders", []byte(`{"amount":999}`)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, second.Kind)
	assert.Nil(t, second.Stored, "a conflict must not leak either response")

	// The original stored response is untouched.
	replay, err := ledger.LookupOrReserve(ctx, "orders", "key-1", Fingerprint("POST", "orders", []byte(`{"amount":100}`)))
	require.NoError(t, err)
	require.Equal(t, OutcomeHit, replay.Kind)
	assert.JSONEq(t, `{"id":42}`, string(replay.Stored.Body))
}

func TestLookupInFlightBeforeResponseStored(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemLedger()
	fp := Fingerprint("POST", "orders", []byte(`{"amount":100}`))

	_, err := ledger.LookupOrReserve(ctx, "orders", "key-1", fp)
	require.NoError(t, err)

	second, err := ledger.LookupOrReserve(ctx, "orders", "key-1", fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInFlight, second.Kind)
	assert.NotNil(t, second.Reservation, "in-flight callers may resume the reservation")
}

func TestStoreResponseKeepsFirstWrite(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemLedger()
	fp := Fingerprint("POST", "orders", nil)

	first, err := ledger.LookupOrReserve(ctx, "orders", "key-1", fp)
	require.NoError(t, err)
	require.NoError(t, ledger.StoreResponse(ctx, *first.Reservation, 200, []byte(`{"n":1}`)))
	require.NoError(t, ledger.StoreResponse(ctx, *first.Reservation, 200, []byte(`{"n":2}`)))

	replay, err := ledger.LookupOrReserve(ctx, "orders", "key-1", fp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(replay.Stored.Body))
}

func TestReleaseFreesUnfinishedReservation(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemLedger()
	fp := Fingerprint("POST", "orders", []byte(`{"amount":100}`))

	first, err := ledger.LookupOrReserve(ctx, "orders", "key-1", fp)
	require.NoError(t, err)
	require.Equal(t, OutcomeMiss, first.Kind)

	require.NoError(t, ledger.Release(ctx, *first.Reservation))

	// The key is free again: the next caller gets a fresh miss, not an
	// in-flight answer.
	second, err := ledger.LookupOrReserve(ctx, "orders", "key-1", fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, second.Kind)
	require.NotNil(t, second.Reservation)
}

func TestReleaseNeverRemovesCompletedRecord(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemLedger()
	fp := Fingerprint("POST", "orders", nil)

	first, err := ledger.LookupOrReserve(ctx, "orders", "key-1", fp)
	require.NoError(t, err)
	require.NoError(t, ledger.StoreResponse(ctx, *first.Reservation, 200, []byte(`{"n":1}`)))

	// A stale release after the response landed is a no-op.
	require.NoError(t, ledger.Release(ctx, *first.Reservation))

	replay, err := ledger.LookupOrReserve(ctx, "orders", "key-1", fp)
	require.NoError(t, err)
	require.Equal(t, OutcomeHit, replay.Kind)
	assert.JSONEq(t, `{"n":1}`, string(replay.Stored.Body))
}

func TestConcurrentFirstWritersSingleReservation(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemLedger()
	fp := Fingerprint("POST", "orders", []byte(`{"amount":1}`))

	const n = 16
	var wg sync.WaitGroup
	misses := make(chan Lookup, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			got, err := ledger.LookupOrReserve(ctx, "orders", "key-1", fp)
			assert.NoError(t, err)
			if got.Kind == OutcomeMiss {
				misses <- got
			}
		}()
	}
	wg.Wait()
	close(misses)

	count := 0
	for range misses {
		count++
	}
	assert.Equal(t, 1, count, "exactly one caller wins the reservation")
}

func TestFingerprintIgnoresFormatting(t *testing.T) {
	a := Fingerprint("POST", "orders", []byte(`{"b":2,"a":1}`))
	b := Fingerprint("POST", "orders", []byte("{\n  \"a\": 1,\n  \"b\": 2\n}"))
	assert.Equal(t, a, b, "key order and whitespace must not change the fingerprint")

	c := Fingerprint("POST", "orders", []byte(`{"a":1,"b":3}`))
	assert.NotEqual(t, a, c)

	d := Fingerprint("PUT", "orders", []byte(`{"a":1,"b":2}`))
	assert.NotEqual(t, a, d, "method is part of the fingerprint")
}

func TestPolicyRequiredPrefixes(t *testing.T) {
	p := Policy{RequiredPrefixes: []string{"orders", "webhook:"}}

	assert.True(t, p.Requires("orders"))
	assert.True(t, p.Requires("webhook:flutterwave"))
	assert.False(t, p.Requires("reports"))
}

func TestNormalizeKeyBoundsLength(t *testing.T) {
	long := make([]byte, 2*MaxKeyLength)
	for i := range long {
		long[i] = 'k'
	}
	assert.Len(t, NormalizeKey(string(long)), MaxKeyLength)
	assert.Equal(t, "abc", NormalizeKey("  abc  "))
	assert.Empty(t, NormalizeKey("   "))
}
