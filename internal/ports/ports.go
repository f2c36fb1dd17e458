// Package ports declares the narrow capability sets each component of the
// transport exposes to the orchestrator. Every contract here is a fixed
// interface with exactly the operations that component needs — the
// orchestrator never probes a component for optional methods.
package ports

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rarara59/relayrpc/internal/domain"
)

// TokenBucket is the admission-control contract.
type TokenBucket interface {
	TryConsume(n int) bool
	Available() float64
}

// Breaker is the circuit-breaker contract, scoped per endpoint key.
type Breaker interface {
	Allow(endpointKey string) bool
	OnSuccess(endpointKey string)
	OnFailure(endpointKey string)
	Snapshot(endpointKey string) domain.BreakerSnapshot
}

// ConnectionPool is the keep-alive transport contract.
type ConnectionPool interface {
	Acquire(host string) (*http.Transport, error)
	Release(host string)
}

// Selector is the endpoint-selection contract.
type Selector interface {
	Select(ctx context.Context, endpoints []*domain.Endpoint) (*domain.Endpoint, error)
	SelectPair(ctx context.Context, endpoints []*domain.Endpoint) (primary, backup *domain.Endpoint, err error)
	RecordSuccess(e *domain.Endpoint)
	RecordFailure(e *domain.Endpoint)
}

// Cache is the coalescing TTL cache contract. Coalesce returns the
// producer's result plus whether this caller coalesced onto an
// in-flight producer rather than running it themselves.
type Cache interface {
	Get(key string) (value []byte, ok bool)
	Set(key string, value []byte, ttl time.Duration)
	Coalesce(ctx context.Context, key string, producer func() ([]byte, error)) (value []byte, err error, coalesced bool)
}

// Batcher is the batch-aggregation contract.
type Batcher interface {
	Supports(method string) bool
	Submit(call *domain.Call) error
}

// HedgeAttempt performs one RPC attempt against endpoint, used by both
// Hedger and its concrete implementation so the two share one type.
type HedgeAttempt func(ctx context.Context, endpoint *domain.Endpoint) (json.RawMessage, error)

// Hedger is the primary/backup race contract.
type Hedger interface {
	Race(ctx context.Context, primary, backup *domain.Endpoint, attempt HedgeAttempt) (json.RawMessage, domain.HedgeOutcome, error)
}
