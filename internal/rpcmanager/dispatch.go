package rpcmanager

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/rarara59/relayrpc/internal/domain"
	"github.com/rarara59/relayrpc/internal/wire"
)

func nextID(counter *uint64) uint64 {
	return atomic.AddUint64(counter, 1)
}

// pickEndpoint selects a single routable, breaker-admitted endpoint,
// trying the next candidate from the selector whenever the breaker
// refuses the one just picked.
func (m *Manager) pickEndpoint(ctx context.Context) (*domain.Endpoint, error) {
	candidates := m.endpointsSnapshot()
	if len(candidates) == 0 {
		return nil, domain.NewErrorf(domain.KindNoEndpoint, "no endpoints configured")
	}
	if m.selector == nil {
		for _, e := range candidates {
			if m.breaker == nil || m.breaker.Allow(e.Key()) {
				return e, nil
			}
		}
		return nil, domain.NewErrorf(domain.KindCircuitOpen, "all endpoints breaker-open")
	}

	excluded := make(map[string]bool, len(candidates))
	for range candidates {
		remaining := withoutExcluded(candidates, excluded)
		if len(remaining) == 0 {
			break
		}
		e, err := m.selector.Select(ctx, remaining)
		if err != nil {
			return nil, domain.NewError(domain.KindNoEndpoint, err)
		}
		if m.breaker == nil || m.breaker.Allow(e.Key()) {
			return e, nil
		}
		excluded[e.Key()] = true
	}
	return nil, domain.NewErrorf(domain.KindCircuitOpen, "all endpoints breaker-open")
}

// pickPair selects a primary/backup pair for a hedged call, falling
// back to a direct (primary, nil) pair if fewer than two endpoints are
// both routable and breaker-admitted.
func (m *Manager) pickPair(ctx context.Context) (primary, backup *domain.Endpoint, err error) {
	candidates := m.endpointsSnapshot()
	if m.selector == nil {
		primary, err = m.pickEndpoint(ctx)
		return primary, nil, err
	}

	primary, backup, err = m.selector.SelectPair(ctx, candidates)
	if err != nil {
		return nil, nil, domain.NewError(domain.KindNoEndpoint, err)
	}
	if m.breaker != nil && !m.breaker.Allow(primary.Key()) {
		if backup != nil && m.breaker.Allow(backup.Key()) {
			return backup, nil, nil
		}
		return nil, nil, domain.NewErrorf(domain.KindCircuitOpen, "primary and backup both breaker-open")
	}
	if backup != nil && m.breaker != nil && !m.breaker.Allow(backup.Key()) {
		return primary, nil, nil
	}
	return primary, backup, nil
}

func withoutExcluded(all []*domain.Endpoint, excluded map[string]bool) []*domain.Endpoint {
	out := make([]*domain.Endpoint, 0, len(all))
	for _, e := range all {
		if !excluded[e.Key()] {
			out = append(out, e)
		}
	}
	return out
}

func (m *Manager) recordInfraFailure(endpoint *domain.Endpoint) {
	endpoint.RecordFailure(DefaultMaxConsecutiveFailures)
	if m.breaker != nil {
		m.breaker.OnFailure(endpoint.Key())
	}
	if m.selector != nil {
		m.selector.RecordFailure(endpoint)
	}
}

func (m *Manager) recordSuccess(endpoint *domain.Endpoint) {
	endpoint.RecordSuccess()
	if m.breaker != nil {
		m.breaker.OnSuccess(endpoint.Key())
	}
	if m.selector != nil {
		m.selector.RecordSuccess(endpoint)
	}
}

// DefaultMaxConsecutiveFailures quarantines an endpoint independent of
// the breaker, as a second line of defense layered atop the circuit
// breaker's own open/half-open/closed state machine.
const DefaultMaxConsecutiveFailures = 10

// dispatchOnce performs connection acquisition, endpoint selection
// having already happened, and a single JSON-RPC dispatch.
func (m *Manager) dispatchOnce(ctx context.Context, endpoint *domain.Endpoint, method string, params []byte) ([]byte, error) {
	if m.pool == nil {
		return m.send(ctx, endpoint, &http.Client{}, method, params)
	}

	transport, err := m.pool.Acquire(endpoint.Host())
	if err != nil {
		m.recordInfraFailure(endpoint)
		return nil, domain.NewError(domain.KindPoolExhausted, err)
	}
	defer m.pool.Release(endpoint.Host())

	endpoint.IncrementInFlight()
	defer endpoint.DecrementInFlight()

	return m.send(ctx, endpoint, &http.Client{Transport: transport}, method, params)
}

func (m *Manager) send(ctx context.Context, endpoint *domain.Endpoint, client *http.Client, method string, params []byte) ([]byte, error) {
	id := nextID(&m.nextCallID)
	req := wire.NewRequest(id, method, params)
	body, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, domain.NewError(domain.KindApplication, err)
	}

	raw, err := m.post(ctx, client, endpoint, body)
	if err != nil {
		m.recordInfraFailure(endpoint)
		return nil, err
	}

	resp, err := wire.DecodeResponse(raw)
	if err != nil {
		m.recordInfraFailure(endpoint)
		return nil, domain.NewError(domain.KindInfrastructure, err)
	}
	if resp.Error != nil {
		m.recordSuccess(endpoint)
		return nil, domain.NewError(domain.KindApplication, resp.Error)
	}
	m.recordSuccess(endpoint)
	return resp.Result, nil
}

func (m *Manager) dispatchBatchOnce(ctx context.Context, endpoint *domain.Endpoint, reqs []wire.Request) (map[string]wire.Response, error) {
	var client *http.Client
	if m.pool != nil {
		transport, err := m.pool.Acquire(endpoint.Host())
		if err != nil {
			m.recordInfraFailure(endpoint)
			return nil, domain.NewError(domain.KindPoolExhausted, err)
		}
		defer m.pool.Release(endpoint.Host())
		client = &http.Client{Transport: transport}
	} else {
		client = &http.Client{}
	}

	body, err := wire.EncodeBatch(reqs)
	if err != nil {
		return nil, domain.NewError(domain.KindApplication, err)
	}

	raw, err := m.post(ctx, client, endpoint, body)
	if err != nil {
		m.recordInfraFailure(endpoint)
		return nil, err
	}

	responses, err := wire.DecodeBatchResponses(raw)
	if err != nil {
		m.recordInfraFailure(endpoint)
		return nil, domain.NewError(domain.KindInfrastructure, err)
	}
	m.recordSuccess(endpoint)
	return responses, nil
}

func (m *Manager) post(ctx context.Context, client *http.Client, endpoint *domain.Endpoint, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewError(domain.KindInfrastructure, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if endpoint.Header != "" {
		httpReq.Header.Set("Authorization", endpoint.Header)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, domain.NewError(domain.KindInfrastructure, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewError(domain.KindInfrastructure, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.NewErrorf(domain.KindInfrastructure, "http status %d", resp.StatusCode)
	}
	return raw, nil
}
