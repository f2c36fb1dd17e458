// Package hedge implements hedged requests: a primary attempt races a
// delayed backup attempt against a second endpoint, the first success
// wins and the loser is cancelled. The hedge delay is fixed by default;
// an optional adaptive mode tracks a rolling P95 of primary latencies
// and hedges after that instead.
package hedge

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/rarara59/relayrpc/internal/domain"
	"github.com/rarara59/relayrpc/internal/ports"
)

const (
	DefaultDelay              = 50 * time.Millisecond
	DefaultAdaptiveSampleSize = 128
)

// AttemptFunc performs one RPC attempt against endpoint. It is an alias
// of ports.HedgeAttempt so *Manager satisfies ports.Hedger without a
// type assertion at the wiring site.
type AttemptFunc = ports.HedgeAttempt

// Config configures a Manager.
type Config struct {
	// Delay is the fixed wait before launching the backup attempt. Used
	// whenever AdaptiveEnabled is false or too few samples exist yet.
	Delay time.Duration
	// AdaptiveEnabled switches to a rolling P95-of-primary-latency delay
	// instead of the fixed Delay. Off by default: a fixed delay is
	// simpler to reason about and sufficient unless primary latency
	// varies a lot across endpoints.
	AdaptiveEnabled bool
	// AdaptiveSampleSize bounds the ring buffer of recent primary
	// latencies used to compute the P95.
	AdaptiveSampleSize int
	// Methods is the whitelist of methods eligible for hedging; the
	// orchestrator consults it directly rather than through Manager,
	// since hedging (unlike batching) needs no other per-method state.
	Methods map[string]bool
}

func (c Config) withDefaults() Config {
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.AdaptiveSampleSize <= 0 {
		c.AdaptiveSampleSize = DefaultAdaptiveSampleSize
	}
	return c
}

// Manager races primary/backup attempts and optionally tracks an
// adaptive hedge delay.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	samples []time.Duration
	next    int

	primaryWon int64
	backupWon  int64
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{cfg: cfg}
	if cfg.AdaptiveEnabled {
		m.samples = make([]time.Duration, 0, cfg.AdaptiveSampleSize)
	}
	return m
}

func (m *Manager) recordSample(d time.Duration) {
	if !m.cfg.AdaptiveEnabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) < m.cfg.AdaptiveSampleSize {
		m.samples = append(m.samples, d)
		return
	}
	m.samples[m.next] = d
	m.next = (m.next + 1) % m.cfg.AdaptiveSampleSize
}

// Delay returns the current hedge delay: the fixed Delay, or the
// rolling P95 of recorded primary latencies once AdaptiveEnabled has
// accumulated at least a handful of samples.
func (m *Manager) Delay() time.Duration {
	if !m.cfg.AdaptiveEnabled {
		return m.cfg.Delay
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) < 8 {
		return m.cfg.Delay
	}
	sorted := append([]time.Duration(nil), m.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type raceResult struct {
	value  json.RawMessage
	err    error
	outcome domain.HedgeOutcome
}

// Race runs primary immediately and, unless it resolves first, launches
// backup after Delay elapses. The first success cancels the other
// attempt's context and wins. If backup is nil, Race runs primary alone
// with no hedging. If both attempts fail, the primary's error is
// returned.
func (m *Manager) Race(ctx context.Context, primary, backup *domain.Endpoint, attempt AttemptFunc) (json.RawMessage, domain.HedgeOutcome, error) {
	if backup == nil {
		v, err := attempt(ctx, primary)
		return v, domain.HedgeNone, err
	}

	results := make(chan raceResult, 2)
	primarySucceeded := make(chan struct{})
	var wg conc.WaitGroup

	primaryCtx, cancelPrimary := context.WithCancel(ctx)
	backupCtx, cancelBackup := context.WithCancel(ctx)
	defer cancelPrimary()
	defer cancelBackup()

	start := time.Now()
	wg.Go(func() {
		v, err := attempt(primaryCtx, primary)
		if err == nil {
			m.recordSample(time.Since(start))
			close(primarySucceeded)
		}
		results <- raceResult{value: v, err: err, outcome: domain.HedgePrimaryWon}
	})

	// The backup only skips launching if primary has already succeeded;
	// a primary failure still lets backup run, since hedging also
	// protects against a single bad endpoint, not only latency.
	wg.Go(func() {
		select {
		case <-primarySucceeded:
			return
		case <-time.After(m.Delay()):
		}
		v, err := attempt(backupCtx, backup)
		results <- raceResult{value: v, err: err, outcome: domain.HedgeBackupWon}
	})

	var primaryErr, backupErr error
	for received := 0; received < 2; received++ {
		select {
		case <-primarySucceeded:
			// The primary result itself still arrives on results; wait
			// for it, skipping a backup failure that may be queued ahead
			// of it, so Race returns the primary's value and outcome.
			r := <-results
			for r.outcome != domain.HedgePrimaryWon {
				r = <-results
			}
			cancelPrimary()
			cancelBackup()
			m.mu.Lock()
			m.primaryWon++
			m.mu.Unlock()
			wg.Wait()
			return r.value, r.outcome, nil
		case r := <-results:
			if r.err == nil {
				cancelPrimary()
				cancelBackup()
				m.mu.Lock()
				if r.outcome == domain.HedgePrimaryWon {
					m.primaryWon++
				} else {
					m.backupWon++
				}
				m.mu.Unlock()
				wg.Wait()
				return r.value, r.outcome, nil
			}
			if r.outcome == domain.HedgePrimaryWon {
				primaryErr = r.err
			} else {
				backupErr = r.err
			}
		}
	}
	wg.Wait()
	// The primary's error wins so its domain.Kind survives for the
	// retry policy upstream; fall back to the backup's error only if
	// the primary somehow never reported one.
	if primaryErr != nil {
		return nil, domain.HedgeNone, primaryErr
	}
	return nil, domain.HedgeNone, backupErr
}

// Stats is a read-only snapshot of hedge outcomes.
type Stats struct {
	PrimaryWon int64
	BackupWon  int64
}

// Snapshot returns the current Stats.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{PrimaryWon: m.primaryWon, BackupWon: m.backupWon}
}
