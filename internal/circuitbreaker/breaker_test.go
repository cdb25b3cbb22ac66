package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/djlord-it/prelist/internal/testutil"
)

var errBoom = errors.New("boom")

func newTestBreaker(failures, successes int, cooldown time.Duration) (*Breaker, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	b := New("events-api", Config{
		FailureThreshold: failures,
		SuccessThreshold: successes,
		Cooldown:         cooldown,
	}).WithClock(clock.Now)
	return b, clock
}

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

func tripBreaker(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := b.Execute(context.Background(), fail); !errors.Is(err, errBoom) {
			t.Fatalf("trip %d: expected errBoom, got %v", i, err)
		}
	}
}

func TestExecute_ClosedPassesThrough(t *testing.T) {
	b, _ := newTestBreaker(3, 1, time.Minute)
	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State = %s, want CLOSED", got)
	}
}

func TestExecute_OpensAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 1, time.Minute)
	tripBreaker(t, b, 3)

	if got := b.State(); got != StateOpen {
		t.Fatalf("State = %s, want OPEN", got)
	}

	// Open: fail fast without invoking fn.
	invoked := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Error("wrapped call must not run while open")
	}
}

func TestExecute_SuccessResetsClosedStreak(t *testing.T) {
	b, _ := newTestBreaker(3, 1, time.Minute)
	tripBreaker(t, b, 2)
	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	// Two more failures stay below the threshold again.
	tripBreaker(t, b, 2)
	if got := b.State(); got != StateClosed {
		t.Errorf("State = %s, want CLOSED", got)
	}
}

func TestExecute_HalfOpenTrialAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(3, 1, time.Minute)
	tripBreaker(t, b, 3)

	clock.Advance(time.Minute)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("State = %s, want HALF_OPEN after cooldown", got)
	}

	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("trial should pass: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State = %s, want CLOSED after successful trial", got)
	}
}

func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(3, 1, time.Minute)
	tripBreaker(t, b, 3)

	clock.Advance(time.Minute)
	if err := b.Execute(context.Background(), fail); !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}

	// Reopened: rejects until a full new cooldown elapses.
	if err := b.Execute(context.Background(), succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	clock.Advance(59 * time.Second)
	if err := b.Execute(context.Background(), succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen before cooldown, got %v", err)
	}
	clock.Advance(time.Second)
	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("trial after cooldown should pass: %v", err)
	}
}

func TestExecute_SuccessThresholdRequiresStreak(t *testing.T) {
	b, clock := newTestBreaker(3, 2, time.Minute)
	tripBreaker(t, b, 3)

	clock.Advance(time.Minute)
	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("first trial: %v", err)
	}
	if got := b.State(); got == StateClosed {
		t.Fatal("one success must not close with SuccessThreshold=2")
	}

	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("second trial: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State = %s, want CLOSED after two successes", got)
	}
}

func TestSnapshot(t *testing.T) {
	b, _ := newTestBreaker(3, 1, time.Minute)
	tripBreaker(t, b, 2)

	snap := b.Snapshot()
	if snap.Name != "events-api" {
		t.Errorf("Name = %q", snap.Name)
	}
	if snap.State != StateClosed {
		t.Errorf("State = %s, want CLOSED", snap.State)
	}
	if snap.Failures != 2 {
		t.Errorf("Failures = %d, want 2", snap.Failures)
	}
}
