package domain

import (
	"encoding/json"
	"time"
)

// BreakerPhase is one of CLOSED, OPEN, HALF_OPEN.
type BreakerPhase int32

const (
	BreakerClosed BreakerPhase = iota
	BreakerOpen
	BreakerHalfOpen
)

func (p BreakerPhase) String() string {
	switch p {
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// BreakerSnapshot is a read-only view of one endpoint's breaker state,
// returned by Breaker.Snapshot.
type BreakerSnapshot struct {
	LastTransition      time.Time
	Phase               BreakerPhase
	ConsecutiveFailures int
	HalfOpenProbes      int
}

// BreakerTransitionEvent is published on the event bus every time a
// breaker changes phase, so external health dashboards can subscribe
// without the orchestrator calling back into them directly.
type BreakerTransitionEvent struct {
	Timestamp time.Time
	Endpoint  string
	From      BreakerPhase
	To        BreakerPhase
}

// BucketSnapshot is a read-only view of TokenBucket state.
type BucketSnapshot struct {
	Tokens   float64
	Capacity float64
}

// CacheEntry is a cached value plus its absolute expiry. internal/cache
// embeds it as the payload of each LRU list node.
type CacheEntry struct {
	Value   json.RawMessage
	Expiry  time.Time
	Element any // *list.Element, opaque to callers; used for LRU bookkeeping
}

// Expired reports whether the entry's TTL has elapsed as of now.
func (c *CacheEntry) Expired(now time.Time) bool {
	return now.After(c.Expiry)
}

// BatchSlot pairs a pending Call with the index it was assigned within
// its batch; that index is the JSON-RPC id the batch request carries.
type BatchSlot struct {
	Call  *Call
	Index int
}

// HedgeOutcome records which attempt resolved a hedged call, for the
// metrics surface.
type HedgeOutcome int

const (
	HedgeNone HedgeOutcome = iota
	HedgePrimaryWon
	HedgeBackupWon
)
