// Package batch implements JSON-RPC batch aggregation: calls to a
// whitelisted set of methods are queued and flushed together, either
// once batch_size pending calls accrue or once the batch window
// elapses, whichever comes first. Responses are routed back to their
// originating Call by JSON-RPC id, never by array position.
package batch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/rarara59/relayrpc/internal/domain"
	"github.com/rarara59/relayrpc/internal/wire"
)

const (
	DefaultBatchSize    = 25
	DefaultBatchWindow  = 10 * time.Millisecond
	DefaultMaxQueueSize = 500
)

// DispatchFunc sends an encoded batch upstream and returns responses
// keyed by id string (wire.IDString), or an error if the whole batch
// failed at the transport level.
type DispatchFunc func(ctx context.Context, reqs []wire.Request) (map[string]wire.Response, error)

// Config configures a Manager.
type Config struct {
	// SupportedMethods is the whitelist of methods eligible for
	// batching; calls for any other method must bypass the Manager
	// entirely (enforced by the caller, typically the orchestrator).
	SupportedMethods map[string]bool
	BatchSize        int
	BatchWindow      time.Duration
	MaxQueueSize     int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = DefaultBatchWindow
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	return c
}

// Manager batches eligible calls behind a single mutex guarding the
// active batch and its flush timer.
type Manager struct {
	cfg      Config
	dispatch DispatchFunc

	mu      sync.Mutex
	pending []domain.BatchSlot
	timer   *time.Timer

	queueFull atomic.Int64
	flushed   atomic.Int64

	bufs sync.Pool
}

// flushBuffers holds the per-flush request slice and id-to-call index,
// reused across flushes via bufs to avoid reallocating on every batch
// window.
type flushBuffers struct {
	reqs     []wire.Request
	idToCall map[string]*domain.Call
}

func (b *flushBuffers) reset() {
	b.reqs = b.reqs[:0]
	for k := range b.idToCall {
		delete(b.idToCall, k)
	}
}

// New constructs a Manager. dispatch is invoked once per flushed batch.
func New(cfg Config, dispatch DispatchFunc) *Manager {
	m := &Manager{cfg: cfg.withDefaults(), dispatch: dispatch}
	m.bufs.New = func() any {
		return &flushBuffers{idToCall: make(map[string]*domain.Call)}
	}
	return m
}

func (m *Manager) getBuffers() *flushBuffers {
	return m.bufs.Get().(*flushBuffers)
}

func (m *Manager) putBuffers(b *flushBuffers) {
	b.reset()
	m.bufs.Put(b)
}

// Supports reports whether method is eligible for batching.
func (m *Manager) Supports(method string) bool {
	return m.cfg.SupportedMethods[method]
}

// Submit enqueues call for the next flush. It returns
// domain.KindBatchQueueFull if the queue is already at MaxQueueSize.
func (m *Manager) Submit(call *domain.Call) error {
	m.mu.Lock()

	if len(m.pending) >= m.cfg.MaxQueueSize {
		m.mu.Unlock()
		m.queueFull.Add(1)
		return domain.NewErrorf(domain.KindBatchQueueFull, "batch queue full at %d entries", m.cfg.MaxQueueSize)
	}

	slot := domain.BatchSlot{Call: call, Index: len(m.pending)}
	m.pending = append(m.pending, slot)

	if len(m.pending) == 1 {
		m.timer = time.AfterFunc(m.cfg.BatchWindow, m.flushAsync)
	}
	shouldFlushNow := len(m.pending) >= m.cfg.BatchSize
	m.mu.Unlock()

	if shouldFlushNow {
		m.flushAsync()
	}
	return nil
}

func (m *Manager) flushAsync() {
	var wg conc.WaitGroup
	wg.Go(m.flush)
	wg.Wait()
}

func (m *Manager) flush() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	m.flushed.Add(1)

	buf := m.getBuffers()
	defer m.putBuffers(buf)

	for _, slot := range batch {
		id := uint64(slot.Index)
		idStr := wire.IDString(id)
		buf.reqs = append(buf.reqs, wire.NewRequest(id, slot.Call.Method, slot.Call.Params))
		buf.idToCall[idStr] = slot.Call
	}

	responses, err := m.dispatch(context.Background(), buf.reqs)
	if err != nil {
		for _, call := range buf.idToCall {
			call.Resolve(nil, err)
		}
		return
	}

	for idStr, call := range buf.idToCall {
		resp, ok := responses[idStr]
		if !ok {
			call.Resolve(nil, domain.NewErrorf(domain.KindBatchResponseMissing, "no response for batched call id %s", idStr))
			continue
		}
		if resp.Error != nil {
			call.Resolve(nil, domain.NewError(domain.KindApplication, resp.Error))
			continue
		}
		call.Resolve(json.RawMessage(resp.Result), nil)
	}
}

// Stats is a read-only snapshot of batching activity.
type Stats struct {
	Flushed   int64
	QueueFull int64
}

// Snapshot returns the current Stats.
func (m *Manager) Snapshot() Stats {
	return Stats{Flushed: m.flushed.Load(), QueueFull: m.queueFull.Load()}
}
