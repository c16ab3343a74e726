package domain

// IntentStatus is the lifecycle state of a payment intent.
type IntentStatus string

const (
	IntentInitialized   IntentStatus = "initialized"
	IntentManualPending IntentStatus = "manual_pending"
	IntentPaid          IntentStatus = "paid"
	IntentFailed        IntentStatus = "failed"
	IntentCancelled     IntentStatus = "cancelled"
)

// intentTransitions is the allowed-transition table for payment intents.
// Terminal states self-loop only: re-asserting a terminal state under a
// fresh idempotency key is accepted and audited, but the state cannot move.
var intentTransitions = map[IntentStatus][]IntentStatus{
	IntentInitialized:   {IntentManualPending, IntentPaid, IntentFailed, IntentCancelled},
	IntentManualPending: {IntentPaid, IntentFailed, IntentCancelled},
	IntentPaid:          {IntentPaid},
	IntentFailed:        {IntentFailed},
	IntentCancelled:     {IntentCancelled},
}

func (s IntentStatus) Valid() bool {
	_, ok := intentTransitions[s]
	return ok
}

func (s IntentStatus) Terminal() bool {
	return s == IntentPaid || s == IntentFailed || s == IntentCancelled
}

// CanTransitionTo reports whether the table permits moving from s to next.
func (s IntentStatus) CanTransitionTo(next IntentStatus) bool {
	for _, allowed := range intentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// EscrowState is the lifecycle state of held funds for an order.
type EscrowState string

const (
	EscrowNone     EscrowState = "none"
	EscrowHeld     EscrowState = "held"
	EscrowReleased EscrowState = "released"
	EscrowRefunded EscrowState = "refunded"
	EscrowDisputed EscrowState = "disputed"
)

// escrowTransitions encodes the load-bearing business rule: funds can be
// disputed out of held and still resolved from disputed, but are never
// resurrected once released or refunded. Permitted self-loops append a new
// audit row when asserted under a fresh idempotency key.
var escrowTransitions = map[EscrowState][]EscrowState{
	EscrowNone:     {EscrowNone, EscrowHeld},
	EscrowHeld:     {EscrowHeld, EscrowReleased, EscrowRefunded, EscrowDisputed},
	EscrowDisputed: {EscrowDisputed, EscrowReleased, EscrowRefunded},
	EscrowReleased: {EscrowReleased},
	EscrowRefunded: {EscrowRefunded},
}

func (s EscrowState) Valid() bool {
	_, ok := escrowTransitions[s]
	return ok
}

func (s EscrowState) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// CanTransitionTo reports whether the table permits moving from s to next.
func (s EscrowState) CanTransitionTo(next EscrowState) bool {
	for _, allowed := range escrowTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
