// Package selector picks which endpoint a call should route to, and
// which second endpoint a hedged call should race against, filtering
// out quarantined endpoints along the way. Two strategies are built in:
// round-robin and least-connections.
package selector

import (
	"context"
	"errors"

	"github.com/rarara59/relayrpc/internal/domain"
)

// ErrNoRoutableEndpoints is returned when every candidate endpoint is
// quarantined or the candidate list is empty.
var ErrNoRoutableEndpoints = errors.New("no routable endpoints available")

// Strategy names accepted by New.
const (
	RoundRobin       = "round_robin"
	LeastConnections = "least_connections"
)

// Strategy picks one endpoint from a pre-filtered, routable list.
type Strategy interface {
	name() string
	pick(routable []*domain.Endpoint) *domain.Endpoint
}

// Selector filters quarantined endpoints and delegates the remaining
// choice to a pluggable Strategy. It implements ports.Selector.
type Selector struct {
	strategy Strategy
}

// New constructs a Selector using the named strategy. An unrecognised
// name falls back to round-robin.
func New(strategy string) *Selector {
	switch strategy {
	case LeastConnections:
		return &Selector{strategy: newLeastConnectionsStrategy()}
	default:
		return &Selector{strategy: newRoundRobinStrategy()}
	}
}

func routable(endpoints []*domain.Endpoint) []*domain.Endpoint {
	out := make([]*domain.Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if e.Status() == domain.EndpointHealthy {
			out = append(out, e)
		}
	}
	return out
}

// Select returns a single endpoint for a direct (non-hedged) call.
func (s *Selector) Select(_ context.Context, endpoints []*domain.Endpoint) (*domain.Endpoint, error) {
	r := routable(endpoints)
	if len(r) == 0 {
		return nil, ErrNoRoutableEndpoints
	}
	return s.strategy.pick(r), nil
}

// SelectPair returns two distinct routable endpoints for a hedged call:
// primary chosen by the configured strategy, backup the next-best
// candidate under the same strategy with primary excluded. If only one
// routable endpoint exists, backup is nil and callers must fall back to
// a direct call.
func (s *Selector) SelectPair(_ context.Context, endpoints []*domain.Endpoint) (primary, backup *domain.Endpoint, err error) {
	r := routable(endpoints)
	if len(r) == 0 {
		return nil, nil, ErrNoRoutableEndpoints
	}
	primary = s.strategy.pick(r)
	if len(r) == 1 {
		return primary, nil, nil
	}
	rest := make([]*domain.Endpoint, 0, len(r)-1)
	for _, e := range r {
		if e != primary {
			rest = append(rest, e)
		}
	}
	backup = s.strategy.pick(rest)
	return primary, backup, nil
}

// RecordSuccess notifies the strategy of a completed call, used by
// LeastConnections to decrement its in-flight count.
func (s *Selector) RecordSuccess(e *domain.Endpoint) {
	if lc, ok := s.strategy.(*leastConnectionsStrategy); ok {
		lc.release(e)
	}
}

// RecordFailure is symmetric with RecordSuccess; an infrastructure
// failure still ends the in-flight attempt.
func (s *Selector) RecordFailure(e *domain.Endpoint) {
	if lc, ok := s.strategy.(*leastConnectionsStrategy); ok {
		lc.release(e)
	}
}
