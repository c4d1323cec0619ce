package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parlancehq/parlance/pkg/fault"
)

func TestRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{}, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetry_TransientRetriedThenSucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return fault.Errorf(fault.TransientUpstream, "flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{Attempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return fault.Errorf(fault.TransientUpstream, "still down")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !fault.Is(err, fault.TransientUpstream) {
		t.Errorf("error = %v, want the last transient fault", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetry_FatalNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return fault.Errorf(fault.FatalUpstream, "bad api key")
	})
	if !fault.Is(err, fault.FatalUpstream) {
		t.Fatalf("error = %v, want fatal upstream", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on fatal)", calls)
	}
}

func TestRetry_CancelledNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return fault.Wrap(fault.Cancelled, context.Canceled)
	})
	if !fault.IsCancelled(err) {
		t.Fatalf("error = %v, want cancelled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on cancellation)", calls)
	}
}

func TestRetry_PlainErrorNotRetried(t *testing.T) {
	calls := 0
	wantErr := errors.New("logic bug")
	err := Retry(context.Background(), RetryConfig{BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryConfig{Attempts: 5, BaseDelay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return fault.Errorf(fault.TransientUpstream, "flaky")
	})
	if !fault.IsCancelled(err) {
		t.Fatalf("error = %v, want cancelled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryResult_ReturnsValue(t *testing.T) {
	calls := 0
	got, err := RetryResult(context.Background(), RetryConfig{BaseDelay: time.Millisecond}, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", fault.Errorf(fault.TransientUpstream, "flaky")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Fatalf("result = %q, want ok", got)
	}
}
