package rpcmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rarara59/relayrpc/internal/batch"
	"github.com/rarara59/relayrpc/internal/breaker"
	"github.com/rarara59/relayrpc/internal/cache"
	"github.com/rarara59/relayrpc/internal/domain"
	"github.com/rarara59/relayrpc/internal/hedge"
	"github.com/rarara59/relayrpc/internal/ratelimit"
	"github.com/rarara59/relayrpc/internal/selector"
	"github.com/rarara59/relayrpc/internal/transport"
	"github.com/rarara59/relayrpc/internal/wire"
)

func newTestEndpoint(t *testing.T, rawURL string) *domain.Endpoint {
	t.Helper()
	e, err := domain.NewEndpoint(rawURL, "")
	require.NoError(t, err)
	return e
}

// echoServer answers single requests with {"result": echoed params} and
// batch arrays with one such response per request, after an optional
// per-call delay.
func echoServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&raw)
		if delay > 0 {
			time.Sleep(delay)
		}

		if raw[0] == '[' {
			var reqs []wire.Request
			_ = json.Unmarshal(raw, &reqs)
			resps := make([]wire.Response, len(reqs))
			for i, req := range reqs {
				resps[i] = wire.Response{JSONRPC: wire.Version, ID: req.ID, Result: req.Params}
			}
			_ = json.NewEncoder(w).Encode(resps)
			return
		}

		var req wire.Request
		_ = json.Unmarshal(raw, &req)
		_ = json.NewEncoder(w).Encode(wire.Response{JSONRPC: wire.Version, ID: req.ID, Result: req.Params})
	}))
}

func TestCall_RateLimitSaturation(t *testing.T) {
	srv := echoServer(t, 0)
	defer srv.Close()
	endpoint := newTestEndpoint(t, srv.URL)

	bucket := ratelimit.New(ratelimit.Config{Capacity: 50, RefillRate: 0.0001, BurstCapacity: 50})
	m := New(Config{}, Deps{Bucket: bucket}, []*domain.Endpoint{endpoint})

	var succeeded, limited int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Call(context.Background(), "getBalance", json.RawMessage(`1`), domain.Options{})
			if err == nil {
				atomic.AddInt64(&succeeded, 1)
			} else if domain.IsKind(err, domain.KindRateLimited) {
				atomic.AddInt64(&limited, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), succeeded)
	assert.Equal(t, int64(50), limited)
}

func TestCall_BreakerTripsAndRecovers(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req wire.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(wire.Response{JSONRPC: wire.Version, ID: req.ID, Result: req.Params})
	}))
	defer srv.Close()
	endpoint := newTestEndpoint(t, srv.URL)

	br := breaker.New(breaker.Config{FailureThreshold: 3, SuccessThreshold: 1, CooldownPeriod: 20 * time.Millisecond}, nil)
	m := New(Config{MaxRetries: 1}, Deps{Breaker: br}, []*domain.Endpoint{endpoint})

	var tripped bool
	for i := 0; i < 10 && !tripped; i++ {
		_, err := m.Call(context.Background(), "getBalance", json.RawMessage(`1`), domain.Options{})
		require.Error(t, err)
		tripped = domain.IsKind(err, domain.KindCircuitOpen)
	}
	require.True(t, tripped, "breaker never tripped to CIRCUIT_OPEN")

	time.Sleep(30 * time.Millisecond)
	healthy.Store(true)

	_, err := m.Call(context.Background(), "getBalance", json.RawMessage(`1`), domain.Options{})
	assert.NoError(t, err)
}

func TestCall_BatchRoutesOutOfOrderResponsesByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []wire.Request
		_ = json.NewDecoder(r.Body).Decode(&reqs)
		resps := make([]wire.Response, len(reqs))
		for i, req := range reqs {
			// reverse order on the wire to prove routing is id-based.
			resps[len(reqs)-1-i] = wire.Response{JSONRPC: wire.Version, ID: req.ID, Result: req.Params}
		}
		_ = json.NewEncoder(w).Encode(resps)
	}))
	defer srv.Close()
	endpoint := newTestEndpoint(t, srv.URL)

	m := New(Config{
		Batch: batch.Config{SupportedMethods: map[string]bool{"getMultipleAccounts": true}, BatchSize: 5, BatchWindow: 5 * time.Millisecond},
	}, Deps{}, []*domain.Endpoint{endpoint})

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params := json.RawMessage(fmt.Sprintf("%d", i))
			v, err := m.Call(context.Background(), "getMultipleAccounts", params, domain.Options{})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("%d", i), string(results[i]))
	}
}

func TestCall_BatchQueueFullFallsBackToDirectDispatch(t *testing.T) {
	srv := echoServer(t, 0)
	defer srv.Close()
	endpoint := newTestEndpoint(t, srv.URL)

	m := New(Config{
		Batch: batch.Config{
			SupportedMethods: map[string]bool{"getMultipleAccounts": true},
			BatchSize:        1000,
			BatchWindow:      time.Hour,
			MaxQueueSize:     1,
		},
	}, Deps{}, []*domain.Endpoint{endpoint})

	// The queue already holds a call waiting out the hour-long batch
	// window, so this second call must overflow MaxQueueSize and fall
	// back to a direct dispatch instead of surfacing BATCH_QUEUE_FULL.
	go func() {
		_, _ = m.Call(context.Background(), "getMultipleAccounts", json.RawMessage(`"stuck"`), domain.Options{})
	}()
	time.Sleep(5 * time.Millisecond)

	v, err := m.Call(context.Background(), "getMultipleAccounts", json.RawMessage(`"direct"`), domain.Options{})
	require.NoError(t, err)
	assert.Equal(t, `"direct"`, string(v))
}

func TestCall_CacheCoalescesConcurrentCallers(t *testing.T) {
	var dispatches int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&dispatches, 1)
		time.Sleep(20 * time.Millisecond)
		var req wire.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(wire.Response{JSONRPC: wire.Version, ID: req.ID, Result: json.RawMessage(`"ok"`)})
	}))
	defer srv.Close()
	endpoint := newTestEndpoint(t, srv.URL)

	c := cache.New(cache.Config{DefaultTTL: time.Minute})
	m := New(Config{}, Deps{Cache: c}, []*domain.Endpoint{endpoint})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := m.Call(context.Background(), "getAccountInfo", json.RawMessage(`"addr1"`), domain.Options{})
			assert.NoError(t, err)
			assert.Equal(t, `"ok"`, string(v))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&dispatches))
}

func TestCall_HedgeBackupWinsWhenPrimaryStalls(t *testing.T) {
	slow := echoServer(t, time.Second)
	defer slow.Close()
	fast := echoServer(t, 0)
	defer fast.Close()

	primary := newTestEndpoint(t, slow.URL)
	backup := newTestEndpoint(t, fast.URL)

	m := New(Config{
		Hedge: hedge.Config{Delay: 20 * time.Millisecond, Methods: map[string]bool{"getSlot": true}},
	}, Deps{Selector: selector.New(selector.RoundRobin)}, []*domain.Endpoint{primary, backup})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	v, err := m.Call(ctx, "getSlot", json.RawMessage(`42`), domain.Options{})
	require.NoError(t, err)
	assert.Equal(t, "42", string(v))

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.HedgeBackup)
}

func TestCall_PoolExhaustionCountsAsBreakerFailure(t *testing.T) {
	srv := echoServer(t, 50*time.Millisecond)
	defer srv.Close()
	endpoint := newTestEndpoint(t, srv.URL)

	pool := transport.New(transport.Config{MaxSockets: 1, MaxSocketsPerHost: 1})
	defer pool.Close()
	br := breaker.New(breaker.Config{FailureThreshold: 10}, nil)

	m := New(Config{}, Deps{Pool: pool, Breaker: br}, []*domain.Endpoint{endpoint})

	// Occupies the pool's only socket for 50ms; its own eventual success
	// must not land before the assertions below run.
	go func() {
		_, _ = m.Call(context.Background(), "getSlot", json.RawMessage(`1`), domain.Options{})
	}()
	time.Sleep(5 * time.Millisecond)

	var wg sync.WaitGroup
	var exhausted int64
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Call(context.Background(), "getSlot", json.RawMessage(`1`), domain.Options{})
			if err != nil && domain.IsKind(err, domain.KindPoolExhausted) {
				atomic.AddInt64(&exhausted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Greater(t, atomic.LoadInt64(&exhausted), int64(0))
	assert.Greater(t, br.Snapshot(endpoint.Key()).ConsecutiveFailures, 0)
}
