// Package breaker implements a per-endpoint CLOSED/OPEN/HALF_OPEN state
// machine that fails fast against upstreams known to be unhealthy and
// lets probes through to test recovery.
//
// Tracks state per endpoint independently (a concurrent map keyed by
// endpoint, each value holding its own mutex-guarded counters), with a real
// HALF_OPEN phase gated by a success threshold and a bounded number of
// concurrent probes.
package breaker

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/rarara59/relayrpc/internal/domain"
	"github.com/rarara59/relayrpc/pkg/eventbus"
)

const (
	DefaultFailureThreshold = 6
	DefaultSuccessThreshold = 3
	DefaultCooldownPeriod   = 30 * time.Second
	DefaultHalfOpenRetries  = 1
)

// Config configures a Breaker.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	CooldownPeriod   time.Duration
	HalfOpenRetries  int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.CooldownPeriod <= 0 {
		c.CooldownPeriod = DefaultCooldownPeriod
	}
	if c.HalfOpenRetries <= 0 {
		c.HalfOpenRetries = DefaultHalfOpenRetries
	}
	return c
}

// Breaker tracks CLOSED/OPEN/HALF_OPEN state independently per endpoint
// key. All mutation happens under the per-endpoint state's own mutex, so
// two concurrent OnFailure calls for the same endpoint cannot cause a
// double transition.
type Breaker struct {
	states xsync.Map[string, *endpointState]
	cfg    Config
	events *eventbus.EventBus[domain.BreakerTransitionEvent]
}

// New constructs a Breaker. events may be nil; if non-nil, every phase
// transition is published asynchronously to any subscribers rather
// than invoked as a callback.
func New(cfg Config, events *eventbus.EventBus[domain.BreakerTransitionEvent]) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), events: events}
}

type endpointState struct {
	mu                  sync.Mutex
	phase               domain.BreakerPhase
	consecutiveFailures int
	consecutiveSuccess  int
	halfOpenInFlight    int
	lastTransition      time.Time
}

func newEndpointState() *endpointState {
	return &endpointState{lastTransition: time.Now()}
}

func (s *endpointState) lock()   { s.mu.Lock() }
func (s *endpointState) unlock() { s.mu.Unlock() }

func (b *Breaker) stateFor(endpointKey string) *endpointState {
	actual, _ := b.states.LoadOrStore(endpointKey, newEndpointState())
	return actual
}

// Allow reports whether a request to endpointKey may proceed. While OPEN
// it returns false until cooldown elapses, at which point one probe is
// admitted into HALF_OPEN; while HALF_OPEN, at most HalfOpenRetries
// concurrent probes are admitted.
func (b *Breaker) Allow(endpointKey string) bool {
	st := b.stateFor(endpointKey)
	st.lock()
	defer st.unlock()

	switch st.phase {
	case domain.BreakerClosed:
		return true
	case domain.BreakerOpen:
		if time.Since(st.lastTransition) < b.cfg.CooldownPeriod {
			return false
		}
		b.transition(endpointKey, st, domain.BreakerHalfOpen)
		st.halfOpenInFlight = 1
		return true
	case domain.BreakerHalfOpen:
		if st.halfOpenInFlight >= b.cfg.HalfOpenRetries {
			return false
		}
		st.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// OnSuccess records a successful infrastructure-level outcome.
func (b *Breaker) OnSuccess(endpointKey string) {
	st := b.stateFor(endpointKey)
	st.lock()
	defer st.unlock()

	st.consecutiveFailures = 0

	switch st.phase {
	case domain.BreakerHalfOpen:
		st.consecutiveSuccess++
		if st.halfOpenInFlight > 0 {
			st.halfOpenInFlight--
		}
		if st.consecutiveSuccess >= b.cfg.SuccessThreshold {
			st.consecutiveSuccess = 0
			b.transition(endpointKey, st, domain.BreakerClosed)
		}
	case domain.BreakerOpen:
		// stray success after a timeout race; ignore, cooldown governs
		// the transition to HALF_OPEN.
	default:
		st.consecutiveSuccess = 0
	}
}

// OnFailure records a failed infrastructure-level outcome. Application
// errors must not be reported here.
func (b *Breaker) OnFailure(endpointKey string) {
	st := b.stateFor(endpointKey)
	st.lock()
	defer st.unlock()

	st.consecutiveSuccess = 0

	switch st.phase {
	case domain.BreakerHalfOpen:
		if st.halfOpenInFlight > 0 {
			st.halfOpenInFlight--
		}
		b.transition(endpointKey, st, domain.BreakerOpen)
	case domain.BreakerClosed:
		st.consecutiveFailures++
		if st.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(endpointKey, st, domain.BreakerOpen)
		}
	case domain.BreakerOpen:
		// already open; nothing further to record.
	}
}

// transition must be called with st already locked.
func (b *Breaker) transition(endpointKey string, st *endpointState, to domain.BreakerPhase) {
	from := st.phase
	if from == to {
		return
	}
	st.phase = to
	st.lastTransition = time.Now()
	if to == domain.BreakerOpen {
		st.consecutiveFailures = 0
	}
	if b.events != nil {
		b.events.PublishAsync(domain.BreakerTransitionEvent{
			Timestamp: st.lastTransition,
			Endpoint:  endpointKey,
			From:      from,
			To:        to,
		})
	}
}

// Snapshot returns a read-only view of endpointKey's breaker state.
func (b *Breaker) Snapshot(endpointKey string) domain.BreakerSnapshot {
	st := b.stateFor(endpointKey)
	st.lock()
	defer st.unlock()
	return domain.BreakerSnapshot{
		Phase:               st.phase,
		ConsecutiveFailures: st.consecutiveFailures,
		HalfOpenProbes:      st.halfOpenInFlight,
		LastTransition:      st.lastTransition,
	}
}

// ActiveEndpoints lists every endpoint key with tracked breaker state,
// for diagnostic enumeration.
func (b *Breaker) ActiveEndpoints() []string {
	var keys []string
	b.states.Range(func(key string, _ *endpointState) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Cleanup removes all tracked state for an endpoint that has been
// removed from configuration.
func (b *Breaker) Cleanup(endpointKey string) {
	b.states.Delete(endpointKey)
}
