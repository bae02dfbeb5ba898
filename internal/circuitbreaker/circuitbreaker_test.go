package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plexigate/plexigate/internal/domain"
)

func TestBreaker_StartsClosedState(t *testing.T) {
	cb := New(DefaultConfig())

	if cb.State(context.Background()) != StateClosed {
		t.Errorf("expected StateClosed, got %v", cb.State(context.Background()))
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          100 * time.Millisecond,
	}
	cb := New(cfg)

	for i := 0; i < 3; i++ {
		cb.RecordFailure(ctx)
	}

	if cb.State(ctx) != StateOpen {
		t.Errorf("expected StateOpen after %d failures, got %v", cfg.FailureThreshold, cb.State(ctx))
	}
}

func TestBreaker_BlocksWhenOpen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          1 * time.Second,
	}
	cb := New(cfg)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)

	if err := cb.Allow(ctx); !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestBreaker_TransitionsToHalfOpen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          50 * time.Millisecond,
	}
	cb := New(cfg)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)

	time.Sleep(60 * time.Millisecond)

	if err := cb.Allow(ctx); err != nil {
		t.Errorf("expected nil after timeout, got %v", err)
	}

	if cb.State(ctx) != StateHalfOpen {
		t.Errorf("expected StateHalfOpen, got %v", cb.State(ctx))
	}
}

func TestBreaker_ClosesAfterSuccessInHalfOpen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
	}
	cb := New(cfg)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)

	time.Sleep(60 * time.Millisecond)
	cb.Allow(ctx)

	cb.RecordSuccess(ctx)
	cb.RecordSuccess(ctx)

	if cb.State(ctx) != StateClosed {
		t.Errorf("expected StateClosed after successes, got %v", cb.State(ctx))
	}
}

func TestBreaker_ReopensOnFailureInHalfOpen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
	}
	cb := New(cfg)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)

	time.Sleep(60 * time.Millisecond)
	cb.Allow(ctx)

	cb.RecordFailure(ctx)

	if cb.State(ctx) != StateOpen {
		t.Errorf("expected StateOpen after failure in half-open, got %v", cb.State(ctx))
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Second,
	}
	cb := New(cfg)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)
	cb.RecordSuccess(ctx)

	if cb.Failures() != 0 {
		t.Errorf("failures = %d, want 0 after success", cb.Failures())
	}
	if cb.State(ctx) != StateClosed {
		t.Errorf("expected StateClosed, got %v", cb.State(ctx))
	}
}
