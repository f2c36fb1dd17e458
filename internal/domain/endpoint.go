package domain

import (
	"net/url"
	"sync/atomic"
	"time"
)

// EndpointStatus is the routability state of an endpoint: healthy or
// quarantined after repeated failures.
type EndpointStatus int32

const (
	EndpointHealthy EndpointStatus = iota
	EndpointQuarantined
)

func (s EndpointStatus) String() string {
	if s == EndpointHealthy {
		return "healthy"
	}
	return "quarantined"
}

// Endpoint is a URL plus mutable health state.
type Endpoint struct {
	URL *url.URL
	// Header carries any auth header the caller wants passed through
	// unmodified (tokens may live in the URL or
	// a header; the transport never inspects either).
	Header string

	consecutiveFailures atomic.Int64
	lastSuccess         atomic.Int64 // unix nano
	lastFailure         atomic.Int64 // unix nano
	status              atomic.Int32
	inFlight            atomic.Int64
}

// NewEndpoint returns a healthy Endpoint for the given URL.
func NewEndpoint(rawURL, header string) (*Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{URL: u, Header: header}
	e.status.Store(int32(EndpointHealthy))
	return e, nil
}

// Host returns the host component used to key the connection pool and
// per-endpoint breaker/selector state.
func (e *Endpoint) Host() string {
	return e.URL.Host
}

// Key uniquely identifies the endpoint across components.
func (e *Endpoint) Key() string {
	return e.URL.String()
}

// Status returns the current derived availability.
func (e *Endpoint) Status() EndpointStatus {
	return EndpointStatus(e.status.Load())
}

// ConsecutiveFailures returns the current streak of infrastructure
// failures recorded against this endpoint.
func (e *Endpoint) ConsecutiveFailures() int64 {
	return e.consecutiveFailures.Load()
}

// LastFailure returns the timestamp of the most recent recorded failure,
// or the zero time if none has occurred.
func (e *Endpoint) LastFailure() time.Time {
	ns := e.lastFailure.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RecordSuccess resets the failure streak and marks the endpoint healthy.
func (e *Endpoint) RecordSuccess() {
	e.consecutiveFailures.Store(0)
	e.lastSuccess.Store(time.Now().UnixNano())
	e.status.Store(int32(EndpointHealthy))
}

// RecordFailure bumps the failure streak, stamps the failure time, and
// quarantines the endpoint once maxFailures consecutive failures have
// accrued.
func (e *Endpoint) RecordFailure(maxFailures int64) {
	failures := e.consecutiveFailures.Add(1)
	e.lastFailure.Store(time.Now().UnixNano())
	if failures >= maxFailures {
		e.status.Store(int32(EndpointQuarantined))
	}
}

// MaybeRecover transitions a quarantined endpoint back to healthy (as a
// probe candidate) once cooldown has elapsed since its last failure.
func (e *Endpoint) MaybeRecover(cooldown time.Duration) bool {
	if e.Status() != EndpointQuarantined {
		return false
	}
	if time.Since(e.LastFailure()) < cooldown {
		return false
	}
	e.status.Store(int32(EndpointHealthy))
	return true
}

// IncrementInFlight tracks concurrent in-flight requests against this
// endpoint. The count is informational only; the per-host socket cap is
// enforced by the connection pool's own semaphore.
func (e *Endpoint) IncrementInFlight() int64 {
	return e.inFlight.Add(1)
}

// DecrementInFlight releases one in-flight slot.
func (e *Endpoint) DecrementInFlight() {
	e.inFlight.Add(-1)
}

// InFlight returns the current in-flight request count.
func (e *Endpoint) InFlight() int64 {
	return e.inFlight.Load()
}
