package breaker

import (
	"testing"
	"time"

	"github.com/rarara59/relayrpc/internal/domain"
)

func TestAllow_ClosedAlwaysAllows(t *testing.T) {
	b := New(Config{}, nil)
	for i := 0; i < 5; i++ {
		if !b.Allow("a") {
			t.Fatalf("expected CLOSED breaker to allow call %d", i)
		}
	}
}

func TestOnFailure_OpensAtThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3}, nil)

	for i := 0; i < 2; i++ {
		b.OnFailure("a")
		if b.Snapshot("a").Phase != domain.BreakerClosed {
			t.Fatalf("expected CLOSED after %d failures", i+1)
		}
	}
	b.OnFailure("a")
	if got := b.Snapshot("a").Phase; got != domain.BreakerOpen {
		t.Fatalf("expected OPEN at failure threshold, got %v", got)
	}
}

func TestAllow_OpenStaysClosedBeforeCooldownElapses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, CooldownPeriod: 200 * time.Millisecond}, nil)
	b.OnFailure("a")
	if b.Snapshot("a").Phase != domain.BreakerOpen {
		t.Fatal("expected OPEN after a single failure at threshold 1")
	}

	if b.Allow("a") {
		t.Fatal("expected Allow to reject while cooldown has not elapsed")
	}
	if got := b.Snapshot("a").Phase; got != domain.BreakerOpen {
		t.Fatalf("expected phase to remain OPEN, got %v", got)
	}
}

func TestAllow_TransitionsToHalfOpenAfterCooldown(t *testing.T) {
	b := New(Config{FailureThreshold: 1, CooldownPeriod: 20 * time.Millisecond, HalfOpenRetries: 1}, nil)
	b.OnFailure("a")

	time.Sleep(30 * time.Millisecond)
	if !b.Allow("a") {
		t.Fatal("expected one probe to be admitted once cooldown elapses")
	}
	if got := b.Snapshot("a").Phase; got != domain.BreakerHalfOpen {
		t.Fatalf("expected HALF_OPEN after cooldown, got %v", got)
	}
}

func TestAllow_HalfOpenCapsConcurrentProbes(t *testing.T) {
	b := New(Config{FailureThreshold: 1, CooldownPeriod: 10 * time.Millisecond, HalfOpenRetries: 2}, nil)
	b.OnFailure("a")
	time.Sleep(15 * time.Millisecond)

	if !b.Allow("a") {
		t.Fatal("expected first probe to be admitted")
	}
	if !b.Allow("a") {
		t.Fatal("expected second probe to be admitted, HalfOpenRetries is 2")
	}
	if b.Allow("a") {
		t.Fatal("expected a third concurrent probe to be rejected past HalfOpenRetries")
	}
}

func TestOnSuccess_ClosesAtSuccessThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, CooldownPeriod: 10 * time.Millisecond, HalfOpenRetries: 2}, nil)
	b.OnFailure("a")
	time.Sleep(15 * time.Millisecond)
	b.Allow("a")

	b.OnSuccess("a")
	if got := b.Snapshot("a").Phase; got != domain.BreakerHalfOpen {
		t.Fatalf("expected to remain HALF_OPEN after one success below threshold, got %v", got)
	}

	b.OnSuccess("a")
	if got := b.Snapshot("a").Phase; got != domain.BreakerClosed {
		t.Fatalf("expected CLOSED at success threshold, got %v", got)
	}
}

func TestOnFailure_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, CooldownPeriod: 10 * time.Millisecond, HalfOpenRetries: 1}, nil)
	b.OnFailure("a")
	time.Sleep(15 * time.Millisecond)
	b.Allow("a")

	b.OnFailure("a")
	if got := b.Snapshot("a").Phase; got != domain.BreakerOpen {
		t.Fatalf("expected a HALF_OPEN failure to reopen the breaker, got %v", got)
	}
}

func TestOnSuccess_ResetsConsecutiveFailuresWhileClosed(t *testing.T) {
	b := New(Config{FailureThreshold: 3}, nil)
	b.OnFailure("a")
	b.OnFailure("a")
	b.OnSuccess("a")

	snap := b.Snapshot("a")
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("expected consecutive failures reset after success, got %d", snap.ConsecutiveFailures)
	}
}

func TestBreaker_TracksEndpointsIndependently(t *testing.T) {
	b := New(Config{FailureThreshold: 1}, nil)
	b.OnFailure("a")

	if got := b.Snapshot("a").Phase; got != domain.BreakerOpen {
		t.Fatalf("expected endpoint a OPEN, got %v", got)
	}
	if got := b.Snapshot("b").Phase; got != domain.BreakerClosed {
		t.Fatalf("expected untouched endpoint b to remain CLOSED, got %v", got)
	}
}

func TestCleanup_RemovesTrackedState(t *testing.T) {
	b := New(Config{FailureThreshold: 1}, nil)
	b.OnFailure("a")

	b.Cleanup("a")
	for _, key := range b.ActiveEndpoints() {
		if key == "a" {
			t.Fatal("expected endpoint a removed from active endpoints after Cleanup")
		}
	}
}
