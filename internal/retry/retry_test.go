package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := Do(context.Background(), fastPolicy(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	attempts := 0
	wantErr := errors.New("still broken")
	err := Do(context.Background(), fastPolicy(), func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected last error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()

	poison := errors.New("poison")
	p := fastPolicy()
	p.Retryable = func(err error) bool { return !errors.Is(err, poison) }

	attempts := 0
	err := Do(context.Background(), p, func() error {
		attempts++
		return poison
	})
	if !errors.Is(err, poison) {
		t.Fatalf("expected poison error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected single attempt, got %d", attempts)
	}
}

func TestDo_ContextCancelStops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastPolicy(), func() error {
		return errors.New("transient")
	})
	if err == nil {
		t.Fatalf("expected error after context cancel")
	}
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(2, 10*time.Millisecond, nil)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		if err := cb.Execute("op", func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	}

	// После двух сбоев подряд выключатель открыт.
	if err := cb.Execute("op", func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}

	time.Sleep(15 * time.Millisecond)

	// После паузы проходит пробный вызов и выключатель закрывается.
	if err := cb.Execute("op", func() error { return nil }); err != nil {
		t.Fatalf("expected success after reset timeout, got %v", err)
	}
	if err := cb.Execute("op", func() error { return nil }); err != nil {
		t.Fatalf("expected closed breaker, got %v", err)
	}
}
