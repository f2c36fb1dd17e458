package rpcmanager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rarara59/relayrpc/internal/domain"
)

// Metrics holds atomic request/cache/hedge counters plus a mutex-guarded
// failure map and latency window. Snapshot copies them under that mutex
// and computes the latency percentiles at read time.
type Metrics struct {
	total     atomic.Int64
	succeeded atomic.Int64

	mu           sync.Mutex
	failedByKind map[domain.Kind]int64
	latencies    []time.Duration // bounded ring for percentile estimation

	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	cacheCoalesced atomic.Int64

	hedgePrimaryWon atomic.Int64
	hedgeBackupWon  atomic.Int64
}

const maxLatencySamples = 4096

func newMetrics() *Metrics {
	return &Metrics{
		failedByKind: make(map[domain.Kind]int64),
		latencies:    make([]time.Duration, 0, maxLatencySamples),
	}
}

func (m *Metrics) recordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.latencies) >= maxLatencySamples {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, d)
}

func (m *Metrics) recordFailure(kind domain.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedByKind[kind]++
}

// Snapshot is the read-only metrics surface exposed to callers: request
// counts, latency percentiles, cache activity, hedge outcomes.
type Snapshot struct {
	Total          int64
	Succeeded      int64
	FailedByKind   map[domain.Kind]int64
	AvgLatency     time.Duration
	P50Latency     time.Duration
	P95Latency     time.Duration
	P99Latency     time.Duration
	CacheHits      int64
	CacheMisses    int64
	CacheCoalesced int64
	HedgePrimary   int64
	HedgeBackup    int64
}

// Snapshot returns the current Snapshot.
func (m *Manager) Snapshot() Snapshot {
	m.metrics.mu.Lock()
	latencies := append([]time.Duration(nil), m.metrics.latencies...)
	failed := make(map[domain.Kind]int64, len(m.metrics.failedByKind))
	for k, v := range m.metrics.failedByKind {
		failed[k] = v
	}
	m.metrics.mu.Unlock()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	snap := Snapshot{
		Total:          m.metrics.total.Load(),
		Succeeded:      m.metrics.succeeded.Load(),
		FailedByKind:   failed,
		CacheHits:      m.metrics.cacheHits.Load(),
		CacheMisses:    m.metrics.cacheMisses.Load(),
		CacheCoalesced: m.metrics.cacheCoalesced.Load(),
		HedgePrimary:   m.metrics.hedgePrimaryWon.Load(),
		HedgeBackup:    m.metrics.hedgeBackupWon.Load(),
	}
	if len(latencies) > 0 {
		var sum time.Duration
		for _, d := range latencies {
			sum += d
		}
		snap.AvgLatency = sum / time.Duration(len(latencies))
		snap.P50Latency = percentile(latencies, 0.50)
		snap.P95Latency = percentile(latencies, 0.95)
		snap.P99Latency = percentile(latencies, 0.99)
	}
	return snap
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Meter wraps an OpenTelemetry metric.Meter, recording the same
// activity the atomic Snapshot does but as histograms/counters for
// anyone scraping Prometheus or another OTel-compatible backend. A nil
// *Meter (or one built over a noop provider) costs nothing to call.
type Meter struct {
	callCount    metric.Int64Counter
	callLatency  metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
	batchFlushes metric.Int64Counter
	hedgeWins    metric.Int64Counter
}

// NewMeter builds a Meter over m. Passing a meter obtained from
// noop.NewMeterProvider().Meter(...) disables recording with zero
// overhead.
func NewMeter(m metric.Meter) (*Meter, error) {
	callCount, err := m.Int64Counter("rpc_calls_total")
	if err != nil {
		return nil, err
	}
	callLatency, err := m.Float64Histogram("rpc_call_latency_seconds")
	if err != nil {
		return nil, err
	}
	cacheHits, err := m.Int64Counter("rpc_cache_hits_total")
	if err != nil {
		return nil, err
	}
	cacheMisses, err := m.Int64Counter("rpc_cache_misses_total")
	if err != nil {
		return nil, err
	}
	batchFlushes, err := m.Int64Counter("rpc_batch_flushes_total")
	if err != nil {
		return nil, err
	}
	hedgeWins, err := m.Int64Counter("rpc_hedge_wins_total")
	if err != nil {
		return nil, err
	}
	return &Meter{
		callCount:    callCount,
		callLatency:  callLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
		batchFlushes: batchFlushes,
		hedgeWins:    hedgeWins,
	}, nil
}

func (m *Meter) recordCall(ctx context.Context, method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = string(domain.KindOf(err))
	}
	attrs := metric.WithAttributes(attribute.String("method", method), attribute.String("status", status))
	m.callCount.Add(ctx, 1, attrs)
	m.callLatency.Record(ctx, d.Seconds(), attrs)
}

func (m *Meter) recordBatchFlush(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.batchFlushes.Add(ctx, 1, metric.WithAttributes(attribute.Int("size", size)))
}

func (m *Meter) recordHedgeWin(ctx context.Context, outcome domain.HedgeOutcome) {
	if m == nil || outcome == domain.HedgeNone {
		return
	}
	winner := "primary"
	if outcome == domain.HedgeBackupWon {
		winner = "backup"
	}
	m.hedgeWins.Add(ctx, 1, metric.WithAttributes(attribute.String("winner", winner)))
}
