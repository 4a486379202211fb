package retry_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chatops-ai/container-manager/common/retry"
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3, Delay: time.Millisecond}, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesOnFailure(t *testing.T) {
	calls := 0
	sentinel := errors.New("transient")
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3, Delay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return sentinel
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil after eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	sentinel := errors.New("permanent")
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3, Delay: time.Millisecond}, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ShouldRetryPredicate(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := retry.Do(context.Background(), retry.Config{
		MaxAttempts: 5,
		Delay:       time.Millisecond,
		ShouldRetry: func(err error) bool { return !errors.Is(err, permanent) },
	}, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-retryable error should stop after 1 call, got %d", calls)
	}
}

func TestDo_FixedDelayWithoutMultiplier(t *testing.T) {
	var gaps []time.Duration
	last := time.Now()
	calls := 0
	_ = retry.Do(context.Background(), retry.Config{MaxAttempts: 3, Delay: 20 * time.Millisecond}, func() error {
		now := time.Now()
		if calls > 0 {
			gaps = append(gaps, now.Sub(last))
		}
		last = now
		calls++
		return errors.New("nope")
	})
	if len(gaps) != 2 {
		t.Fatalf("expected 2 inter-attempt gaps, got %d", len(gaps))
	}
	for i, gap := range gaps {
		if gap < 15*time.Millisecond || gap > 200*time.Millisecond {
			t.Fatalf("gap %d = %s, expected roughly the fixed delay", i, gap)
		}
	}
}

func TestDo_TimeoutWrapsLastError(t *testing.T) {
	sentinel := errors.New("still starting")
	err := retry.Do(context.Background(), retry.Config{
		Timeout: 30 * time.Millisecond,
		Delay:   10 * time.Millisecond,
	}, func() error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("timeout error should wrap the last attempt error, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected a timeout message, got %q", err.Error())
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := retry.Do(ctx, retry.Config{MaxAttempts: 100, Delay: 5 * time.Millisecond}, func() error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls >= 100 {
		t.Fatalf("cancellation should stop the loop early, got %d calls", calls)
	}
}
