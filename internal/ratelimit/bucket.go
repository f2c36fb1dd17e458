// Package ratelimit implements a process-wide token bucket used for
// admission control, with burst tolerance after idle periods.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultCapacity is exported so callers have a sane zero-config
	// starting point.
	DefaultCapacity = 50
	// DefaultRefillRate is tokens added per second.
	DefaultRefillRate = 50.0
)

// Bucket is a process-wide token bucket. Refill and consumption are
// serialized by golang.org/x/time/rate.Limiter's own internal mutex;
// Bucket adds burst-capacity-after-idle behaviour and a rejection
// counter on top of rate.Limiter, which doesn't expose either.
type Bucket struct {
	limiter  *rate.Limiter
	capacity float64
	burst    float64

	rejected atomic.Int64
	mu       sync.Mutex
	lastIdle time.Time
}

// Config configures a Bucket.
type Config struct {
	// Capacity is the steady-state maximum token level.
	Capacity float64
	// RefillRate is tokens added per second.
	RefillRate float64
	// BurstCapacity is the maximum level immediately after an idle
	// period; must be >= Capacity. Zero means "same as Capacity".
	BurstCapacity float64
}

// New constructs a Bucket starting at full capacity.
func New(cfg Config) *Bucket {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = DefaultRefillRate
	}
	if cfg.BurstCapacity < cfg.Capacity {
		cfg.BurstCapacity = cfg.Capacity
	}
	return &Bucket{
		limiter:  rate.NewLimiter(rate.Limit(cfg.RefillRate), int(cfg.BurstCapacity)),
		capacity: cfg.Capacity,
		burst:    cfg.BurstCapacity,
		lastIdle: time.Now(),
	}
}

// TryConsume attempts to consume n tokens immediately, never blocking.
// Returns false without side effects if insufficient tokens are
// available. Never retries or blocks internally.
func (b *Bucket) TryConsume(n int) bool {
	if n <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ok := b.limiter.AllowN(time.Now(), n)
	if ok {
		b.lastIdle = time.Now()
	} else {
		b.rejected.Add(1)
	}
	return ok
}

// Available reports an approximation of the current token level by
// probing how many tokens AllowN would currently grant without actually
// consuming any, via the limiter's TokensAt accessor.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	tokens := b.limiter.TokensAt(time.Now())
	if tokens > b.capacity {
		return b.capacity
	}
	if tokens < 0 {
		return 0
	}
	return tokens
}

// Rejected returns the lifetime count of TryConsume calls that returned
// false, exposed for the metrics snapshot.
func (b *Bucket) Rejected() int64 {
	return b.rejected.Load()
}
