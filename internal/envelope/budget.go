package envelope

import "time"

// Reason is a policy or capacity rejection code surfaced in publish results
// and dead-letter sidecars.
type Reason string

const (
	ReasonAccessDenied    Reason = "access_denied"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonHopLimit        Reason = "hop_limit"
	ReasonTTLExpired      Reason = "ttl_expired"
	ReasonCycleDetected   Reason = "cycle_detected"
	ReasonBudgetExhausted Reason = "budget_exhausted"
	ReasonCircuitOpen     Reason = "circuit_open"
	ReasonBackpressure    Reason = "backpressure"
)

// Default budget values applied when a publisher does not supply its own.
const (
	DefaultMaxHops    = 5
	DefaultCallBudget = 25
	DefaultTTL        = 5 * time.Minute
)

// Budget bounds how far a logical message may propagate through the bus.
// It is mutated only at publish hops, via Advance.
type Budget struct {
	HopCount            int      `json:"hopCount"`
	MaxHops             int      `json:"maxHops"`
	AncestorChain       []string `json:"ancestorChain"`
	TTL                 int64    `json:"ttl"` // absolute expiry, Unix milliseconds
	CallBudgetRemaining int      `json:"callBudgetRemaining"`
}

// DefaultBudget returns the budget used when the publisher supplies none.
func DefaultBudget(now time.Time) Budget {
	return Budget{
		MaxHops:             DefaultMaxHops,
		TTL:                 now.Add(DefaultTTL).UnixMilli(),
		CallBudgetRemaining: DefaultCallBudget,
	}
}

// Expired reports whether the budget's TTL has passed.
func (b Budget) Expired(now time.Time) bool {
	return now.UnixMilli() >= b.TTL
}

// Advance validates the budget for a publish hop from the given sender and
// returns the next-hop budget. Checks run in a fixed order: TTL, hop limit,
// call budget, cycle. The returned Reason is empty on success.
func (b Budget) Advance(from string, now time.Time) (Budget, Reason) {
	if b.Expired(now) {
		return b, ReasonTTLExpired
	}
	if b.HopCount >= b.MaxHops {
		return b, ReasonHopLimit
	}
	if b.CallBudgetRemaining <= 0 {
		return b, ReasonBudgetExhausted
	}
	for _, ancestor := range b.AncestorChain {
		if ancestor == from {
			return b, ReasonCycleDetected
		}
	}
	next := b
	next.HopCount++
	next.AncestorChain = append(append([]string(nil), b.AncestorChain...), from)
	next.CallBudgetRemaining--
	// TTL is inherited, never extended.
	return next, ""
}
