// Package eventbus is a lock-free, generic pub/sub primitive: any
// number of subscribers receive a copy of every published event over
// their own buffered channel, with slow subscribers dropped rather
// than allowed to block a publisher. internal/breaker uses one
// instance keyed on domain.BreakerTransitionEvent to fan breaker
// phase changes out to anything watching endpoint health.
package eventbus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Config tunes a Bus's per-subscriber buffering and idle-subscriber
// reaping.
type Config struct {
	BufferSize      int
	CleanupPeriod   time.Duration
	InactiveTimeout time.Duration
	AsyncWorkers    int
	AsyncQueueSize  int
}

// DefaultConfig is used by New.
var DefaultConfig = Config{
	BufferSize:      100,
	CleanupPeriod:   5 * time.Minute,
	InactiveTimeout: 10 * time.Minute,
	AsyncWorkers:    4,
	AsyncQueueSize:  1000,
}

// EventBus is an alias kept so call sites can name the type directly
// without depending on the internal Bus rename.
type EventBus[T any] = Bus[T]

// Bus fans published events of type T out to every live subscription.
type Bus[T any] struct {
	subs       *xsync.Map[uint64, *subscription[T]]
	nextSubID  atomic.Uint64
	bufferSize int

	cleanup       *time.Ticker
	cleanupStop   chan struct{}
	inactiveAfter time.Duration

	asyncQueue  chan T
	asyncCtx    context.Context
	asyncCancel context.CancelFunc
	asyncWG     sync.WaitGroup

	shutdownOnce atomic.Bool
}

type subscription[T any] struct {
	ch      chan T
	touched atomic.Int64
	dropped atomic.Uint64
	live    atomic.Bool
}

// New builds a Bus with DefaultConfig.
func New[T any]() *Bus[T] {
	return NewWithConfig[T](DefaultConfig)
}

// NewWithConfig builds a Bus with custom buffering and reaping settings.
func NewWithConfig[T any](cfg Config) *Bus[T] {
	if cfg.AsyncWorkers <= 0 {
		cfg.AsyncWorkers = DefaultConfig.AsyncWorkers
	}
	if cfg.AsyncQueueSize <= 0 {
		cfg.AsyncQueueSize = DefaultConfig.AsyncQueueSize
	}

	asyncCtx, asyncCancel := context.WithCancel(context.Background())
	b := &Bus[T]{
		subs:          xsync.NewMap[uint64, *subscription[T]](),
		bufferSize:    cfg.BufferSize,
		inactiveAfter: cfg.InactiveTimeout,
		asyncQueue:    make(chan T, cfg.AsyncQueueSize),
		asyncCtx:      asyncCtx,
		asyncCancel:   asyncCancel,
		cleanupStop:   make(chan struct{}),
	}

	for i := 0; i < cfg.AsyncWorkers; i++ {
		b.asyncWG.Add(1)
		go b.asyncWorker()
	}

	if cfg.CleanupPeriod > 0 {
		b.cleanup = time.NewTicker(cfg.CleanupPeriod)
		go b.reapLoop()
	}

	return b
}

// Subscribe registers a new subscription and returns its receive
// channel plus an unsubscribe func. The subscription is also torn down
// automatically when ctx is cancelled.
func (b *Bus[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	if b.shutdownOnce.Load() {
		closed := make(chan T)
		close(closed)
		return closed, func() {}
	}

	id := b.nextSubID.Add(1)
	sub := &subscription[T]{ch: make(chan T, b.bufferSize)}
	sub.touched.Store(time.Now().UnixNano())
	sub.live.Store(true)
	b.subs.Store(id, sub)

	go func() {
		<-ctx.Done()
		b.drop(id)
	}()

	return sub.ch, func() { b.drop(id) }
}

// Publish delivers event to every live subscriber synchronously,
// returning how many actually received it. A subscriber whose buffer
// is full has the event dropped rather than blocking the publisher.
func (b *Bus[T]) Publish(event T) int {
	if b.shutdownOnce.Load() {
		return 0
	}

	delivered := 0
	now := time.Now().UnixNano()
	b.subs.Range(func(_ uint64, sub *subscription[T]) bool {
		if !sub.live.Load() {
			return true
		}
		select {
		case sub.ch <- event:
			sub.touched.Store(now)
			delivered++
		default:
			sub.dropped.Add(1)
		}
		return true
	})
	return delivered
}

// PublishAsync hands event to a background worker rather than
// delivering inline, so a caller like the breaker's phase-transition
// hook never waits on slow subscribers.
func (b *Bus[T]) PublishAsync(event T) {
	if b.shutdownOnce.Load() {
		return
	}
	select {
	case b.asyncQueue <- event:
	default: // queue saturated, drop rather than block the caller
	}
}

func (b *Bus[T]) asyncWorker() {
	defer b.asyncWG.Done()
	for {
		select {
		case event, ok := <-b.asyncQueue:
			if !ok {
				return
			}
			b.Publish(event)
		case <-b.asyncCtx.Done():
			return
		}
	}
}

// Shutdown marks the bus inactive, stops the async workers and the
// reaper, and drops every subscriber. It is safe to call more than
// once.
func (b *Bus[T]) Shutdown() {
	if !b.shutdownOnce.CompareAndSwap(false, true) {
		return
	}
	b.asyncCancel()
	close(b.asyncQueue)
	b.asyncWG.Wait()

	if b.cleanup != nil {
		b.cleanup.Stop()
		close(b.cleanupStop)
	}

	b.subs.Range(func(_ uint64, sub *subscription[T]) bool {
		sub.live.Store(false)
		return true
	})
	b.subs.Clear()
}

// Stats reports aggregate subscriber counts and drop totals.
type Stats struct {
	Subscribers       int
	ActiveSubscribers int
	Dropped           uint64
	ShutDown          bool
}

// Stats returns a point-in-time Stats snapshot.
func (b *Bus[T]) Stats() Stats {
	if b.shutdownOnce.Load() {
		return Stats{ShutDown: true}
	}
	var s Stats
	b.subs.Range(func(_ uint64, sub *subscription[T]) bool {
		s.Subscribers++
		if sub.live.Load() {
			s.ActiveSubscribers++
		}
		s.Dropped += sub.dropped.Load()
		return true
	})
	return s
}

func (b *Bus[T]) drop(id uint64) {
	if sub, ok := b.subs.Load(id); ok {
		sub.live.Store(false)
		b.subs.Delete(id)
	}
}

func (b *Bus[T]) reapLoop() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("eventbus: reapLoop recovered from panic: %v", r)
		}
	}()
	for {
		select {
		case <-b.cleanupStop:
			return
		case <-b.cleanup.C:
			b.reapInactive()
		}
	}
}

func (b *Bus[T]) reapInactive() {
	cutoff := time.Now().Add(-b.inactiveAfter).UnixNano()
	var stale []uint64
	b.subs.Range(func(id uint64, sub *subscription[T]) bool {
		if !sub.live.Load() || sub.touched.Load() < cutoff {
			stale = append(stale, id)
		}
		return true
	})
	for _, id := range stale {
		b.drop(id)
	}
}
