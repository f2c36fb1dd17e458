package selector

import (
	"context"
	"testing"

	"github.com/rarara59/relayrpc/internal/domain"
)

func newTestEndpoint(t *testing.T, raw string, status domain.EndpointStatus) *domain.Endpoint {
	t.Helper()
	e, err := domain.NewEndpoint(raw, "")
	if err != nil {
		t.Fatalf("NewEndpoint(%q) returned error: %v", raw, err)
	}
	if status == domain.EndpointQuarantined {
		e.RecordFailure(1)
	}
	return e
}

func TestSelect_NoEndpoints(t *testing.T) {
	s := New(RoundRobin)
	_, err := s.Select(context.Background(), nil)
	if err != ErrNoRoutableEndpoints {
		t.Fatalf("expected ErrNoRoutableEndpoints, got %v", err)
	}
}

func TestSelect_AllQuarantined(t *testing.T) {
	s := New(RoundRobin)
	endpoints := []*domain.Endpoint{
		newTestEndpoint(t, "https://a.example.com", domain.EndpointQuarantined),
		newTestEndpoint(t, "https://b.example.com", domain.EndpointQuarantined),
	}
	_, err := s.Select(context.Background(), endpoints)
	if err != ErrNoRoutableEndpoints {
		t.Fatalf("expected ErrNoRoutableEndpoints, got %v", err)
	}
}

func TestRoundRobin_CyclesThroughHealthy(t *testing.T) {
	s := New(RoundRobin)
	a := newTestEndpoint(t, "https://a.example.com", domain.EndpointHealthy)
	b := newTestEndpoint(t, "https://b.example.com", domain.EndpointHealthy)
	endpoints := []*domain.Endpoint{a, b}

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		picked, err := s.Select(context.Background(), endpoints)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[picked.Key()]++
	}
	if seen[a.Key()] != 2 || seen[b.Key()] != 2 {
		t.Fatalf("expected even rotation, got %v", seen)
	}
}

func TestRoundRobin_SkipsQuarantined(t *testing.T) {
	s := New(RoundRobin)
	healthy := newTestEndpoint(t, "https://healthy.example.com", domain.EndpointHealthy)
	quarantined := newTestEndpoint(t, "https://quarantined.example.com", domain.EndpointQuarantined)
	endpoints := []*domain.Endpoint{healthy, quarantined}

	for i := 0; i < 3; i++ {
		picked, err := s.Select(context.Background(), endpoints)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if picked.Key() != healthy.Key() {
			t.Fatalf("expected only the healthy endpoint to be picked, got %s", picked.Key())
		}
	}
}

func TestSelectPair_SingleRoutableHasNoBackup(t *testing.T) {
	s := New(RoundRobin)
	a := newTestEndpoint(t, "https://a.example.com", domain.EndpointHealthy)
	primary, backup, err := s.SelectPair(context.Background(), []*domain.Endpoint{a})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary != a {
		t.Fatalf("expected primary to be the only endpoint")
	}
	if backup != nil {
		t.Fatalf("expected nil backup when only one routable endpoint exists")
	}
}

func TestSelectPair_ReturnsDistinctEndpoints(t *testing.T) {
	s := New(RoundRobin)
	a := newTestEndpoint(t, "https://a.example.com", domain.EndpointHealthy)
	b := newTestEndpoint(t, "https://b.example.com", domain.EndpointHealthy)

	primary, backup, err := s.SelectPair(context.Background(), []*domain.Endpoint{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary == nil || backup == nil {
		t.Fatalf("expected both primary and backup to be non-nil")
	}
	if primary.Key() == backup.Key() {
		t.Fatalf("expected primary and backup to be distinct endpoints")
	}
}

func TestLeastConnections_PrefersIdleEndpoint(t *testing.T) {
	s := New(LeastConnections)
	a := newTestEndpoint(t, "https://a.example.com", domain.EndpointHealthy)
	b := newTestEndpoint(t, "https://b.example.com", domain.EndpointHealthy)
	endpoints := []*domain.Endpoint{a, b}

	first, err := s.Select(context.Background(), endpoints)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.Select(context.Background(), endpoints)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Key() == second.Key() {
		t.Fatalf("expected least-connections to prefer the endpoint not yet loaded")
	}

	s.RecordSuccess(first)
	third, err := s.Select(context.Background(), endpoints)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.Key() != first.Key() {
		t.Fatalf("expected released endpoint to become least-loaded again")
	}
}
