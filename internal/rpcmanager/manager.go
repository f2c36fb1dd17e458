// Package rpcmanager implements the orchestrator tying every resilience
// component together behind a single Call entry point: admission,
// breaker gating, cache lookup, batch/hedge/direct routing, connection
// acquisition, endpoint selection and dispatch, with retry on
// infrastructure failures. Sub-components are plain fields the
// orchestrator holds: the batch and hedge managers it constructs itself,
// the rest are passed in through Deps. None of them import or reference
// the orchestrator type itself.
package rpcmanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rarara59/relayrpc/internal/batch"
	"github.com/rarara59/relayrpc/internal/cache"
	"github.com/rarara59/relayrpc/internal/domain"
	"github.com/rarara59/relayrpc/internal/hedge"
	"github.com/rarara59/relayrpc/internal/ports"
	"github.com/rarara59/relayrpc/internal/wire"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 50 * time.Millisecond
	DefaultRetryMaxDelay  = 60 * time.Second
)

// Deps wires the independently constructed components into a Manager.
// Every field is optional; a nil field degrades that concern rather
// than failing construction (for example, a nil Breaker means no
// fail-fast, not an error).
type Deps struct {
	Bucket   ports.TokenBucket
	Breaker  ports.Breaker
	Pool     ports.ConnectionPool
	Selector ports.Selector
	Cache    *cache.Cache
	Logger   *slog.Logger
	Meter    *Meter
}

// Config configures retry policy and the batch/hedge sub-managers the
// orchestrator owns directly.
type Config struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Batch          batch.Config
	Hedge          hedge.Config
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	return c
}

// Manager is the RpcManager orchestrator.
type Manager struct {
	cfg Config

	bucket   ports.TokenBucket
	breaker  ports.Breaker
	pool     ports.ConnectionPool
	selector ports.Selector
	cache    *cache.Cache
	log      *slog.Logger
	metrics  *Metrics
	meter    *Meter

	batch *batch.Manager
	hedge *hedge.Manager

	mu        sync.RWMutex
	endpoints []*domain.Endpoint

	nextCallID uint64
}

// New constructs a Manager, wiring its own batch and hedge sub-managers
// so their dispatch/attempt closures can call back into the
// orchestrator's pool/selector/breaker without those components ever
// knowing about the orchestrator themselves.
func New(cfg Config, deps Deps, endpoints []*domain.Endpoint) *Manager {
	cfg = cfg.withDefaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		bucket:    deps.Bucket,
		breaker:   deps.Breaker,
		pool:      deps.Pool,
		selector:  deps.Selector,
		cache:     deps.Cache,
		log:       log,
		metrics:   newMetrics(),
		meter:     deps.Meter,
		endpoints: endpoints,
	}
	m.batch = batch.New(cfg.Batch, m.dispatchBatch)
	m.hedge = hedge.New(cfg.Hedge)
	return m
}

// UpdateEndpoints swaps the live endpoint set, used by config hot-reload.
func (m *Manager) UpdateEndpoints(endpoints []*domain.Endpoint) {
	m.mu.Lock()
	m.endpoints = endpoints
	m.mu.Unlock()
}

func (m *Manager) endpointsSnapshot() []*domain.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Endpoint, len(m.endpoints))
	copy(out, m.endpoints)
	return out
}

// Call is the single entry point: admission, breaker gate, cache,
// batch/hedge/direct routing, dispatch, and retry on infrastructure
// failure.
func (m *Manager) Call(ctx context.Context, method string, params json.RawMessage, opts domain.Options) (json.RawMessage, error) {
	m.metrics.total.Add(1)
	start := time.Now()

	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	if opts.Cancellation != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		opts.Cancellation.OnCancel(cancel)
	}

	result, err := m.callWithCache(ctx, method, params, opts)

	elapsed := time.Since(start)
	m.metrics.recordLatency(elapsed)
	if m.meter != nil {
		m.meter.recordCall(ctx, method, elapsed, err)
	}
	if err != nil {
		m.metrics.recordFailure(domain.KindOf(err))
		if ctx.Err() != nil {
			switch {
			case ctx.Err() == context.DeadlineExceeded && !domain.IsKind(err, domain.KindTimeout):
				return nil, domain.NewError(domain.KindTimeout, ctx.Err())
			case ctx.Err() == context.Canceled && !domain.IsKind(err, domain.KindCancelled):
				return nil, domain.NewError(domain.KindCancelled, ctx.Err())
			}
		}
		return nil, err
	}
	m.metrics.succeeded.Add(1)
	return result, nil
}

func (m *Manager) callWithCache(ctx context.Context, method string, params json.RawMessage, opts domain.Options) (json.RawMessage, error) {
	if m.cache == nil || opts.SkipCache {
		return m.callWithRetry(ctx, method, params, opts)
	}

	key := cache.Key(method, params)
	if v, ok := m.cache.Get(key); ok {
		m.metrics.cacheHits.Add(1)
		if m.meter != nil {
			m.meter.cacheHits.Add(ctx, 1)
		}
		return json.RawMessage(v), nil
	}

	value, err, shared := m.cache.Coalesce(ctx, key, func() ([]byte, error) {
		v, err := m.callWithRetry(ctx, method, params, opts)
		return []byte(v), err
	})
	if shared {
		m.metrics.cacheCoalesced.Add(1)
	} else {
		m.metrics.cacheMisses.Add(1)
		if m.meter != nil {
			m.meter.cacheMisses.Add(ctx, 1)
		}
	}
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, value, m.cache.TTLFor(method))
	return json.RawMessage(value), nil
}

func (m *Manager) callWithRetry(ctx context.Context, method string, params json.RawMessage, opts domain.Options) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt, m.cfg.RetryBaseDelay, m.cfg.RetryMaxDelay)
			select {
			case <-ctx.Done():
				return nil, domain.NewError(domain.KindCancelled, ctx.Err())
			case <-time.After(wait):
			}
		}

		result, err := m.attemptOnce(ctx, method, params, opts)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !domain.IsKind(err, domain.KindInfrastructure) {
			return nil, err
		}
	}
	return nil, lastErr
}

// backoff computes base * 1.5^n with full jitter, capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= 1.5
	}
	capped := time.Duration(d)
	if capped > max {
		capped = max
	}
	return time.Duration(rand.Int64N(int64(capped) + 1))
}

func (m *Manager) attemptOnce(ctx context.Context, method string, params json.RawMessage, opts domain.Options) (json.RawMessage, error) {
	if m.bucket != nil && !m.bucket.TryConsume(1) {
		return nil, domain.NewErrorf(domain.KindRateLimited, "token bucket exhausted")
	}

	if m.batch != nil && m.batch.Supports(method) && !opts.SkipBatch {
		return m.callViaBatch(ctx, method, params)
	}
	if m.hedge != nil && m.hedgeable(method) && !opts.SkipHedge {
		return m.callViaHedge(ctx, method, params)
	}
	return m.callDirect(ctx, method, params)
}

// hedgeable reports whether method is configured for hedging, mirroring
// Batcher.Supports but for the hedge whitelist carried in hedge.Config.
func (m *Manager) hedgeable(method string) bool {
	return m.cfg.Hedge.Methods != nil && m.cfg.Hedge.Methods[method]
}

// callViaBatch queues method/params for the next flush. A full batch
// queue falls back to a direct call against an endpoint rather than
// surfacing BATCH_QUEUE_FULL to the caller.
func (m *Manager) callViaBatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	call := domain.NewCall(domain.CallID(0), method, params, domain.Options{})
	if err := m.batch.Submit(call); err != nil {
		if domain.IsKind(err, domain.KindBatchQueueFull) {
			return m.callDirect(ctx, method, params)
		}
		return nil, err
	}
	<-call.Done()
	return call.Result()
}

func (m *Manager) callViaHedge(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	primary, secondary, err := m.pickPair(ctx)
	if err != nil {
		return nil, err
	}
	value, outcome, err := m.hedge.Race(ctx, primary, secondary, func(ctx context.Context, e *domain.Endpoint) (json.RawMessage, error) {
		return m.dispatchOnce(ctx, e, method, params)
	})
	if outcome == domain.HedgeBackupWon {
		m.metrics.hedgeBackupWon.Add(1)
	} else if outcome == domain.HedgePrimaryWon {
		m.metrics.hedgePrimaryWon.Add(1)
	}
	if m.meter != nil {
		m.meter.recordHedgeWin(ctx, outcome)
	}
	return value, err
}

func (m *Manager) callDirect(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	endpoint, err := m.pickEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	return m.dispatchOnce(ctx, endpoint, method, params)
}

func (m *Manager) dispatchBatch(ctx context.Context, reqs []wire.Request) (map[string]wire.Response, error) {
	endpoint, err := m.pickEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	if m.meter != nil {
		m.meter.recordBatchFlush(ctx, len(reqs))
	}
	return m.dispatchBatchOnce(ctx, endpoint, reqs)
}
