package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "postbot/pkg/logx"
)

func TestRetryStopsOnAuthError(t *testing.T) {
	t.Parallel()
	calls := 0
	attempts, err := Retry(context.Background(), logx.Nop(), "test", RetryPolicy{MaxAttempts: 5, Base: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return E(KindAuth, "login", errors.New("bad credentials"))
	})
	if calls != 1 || attempts != 1 {
		t.Fatalf("auth error must not be retried: calls=%d attempts=%d", calls, attempts)
	}
	if !IsKind(err, KindAuth) {
		t.Fatalf("kind lost: %v", err)
	}
}

func TestRetryStopsOnPermissionError(t *testing.T) {
	t.Parallel()
	calls := 0
	_, err := Retry(context.Background(), logx.Nop(), "test", RetryPolicy{MaxAttempts: 5, Base: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return E(KindPermission, "wall.post", nil)
	})
	if calls != 1 {
		t.Fatalf("permission error retried %d times", calls)
	}
	if !IsKind(err, KindPermission) {
		t.Fatalf("kind lost: %v", err)
	}
}

func TestRetryExhaustsTransient(t *testing.T) {
	t.Parallel()
	calls := 0
	attempts, err := Retry(context.Background(), logx.Nop(), "test", RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, MaxDelay: 2 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		return E(KindTransient, "upload", errors.New("503"))
	})
	if calls != 3 || attempts != 3 {
		t.Fatalf("transient should use all attempts: calls=%d attempts=%d", calls, attempts)
	}
	if !IsKind(err, KindTransient) {
		t.Fatalf("kind lost: %v", err)
	}
}

func TestRetrySucceedsMidway(t *testing.T) {
	t.Parallel()
	calls := 0
	attempts, err := Retry(context.Background(), logx.Nop(), "test", RetryPolicy{MaxAttempts: 3, Base: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return E(KindTransient, "upload", errors.New("429"))
		}
		return nil
	})
	if err != nil || attempts != 2 {
		t.Fatalf("got attempts=%d err=%v", attempts, err)
	}
}

func TestRetryHonorsCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, logx.Nop(), "test", RetryPolicy{MaxAttempts: 3, Base: time.Hour}, func(ctx context.Context) error {
		return E(KindTransient, "upload", errors.New("x"))
	})
	if !IsKind(err, KindCancelled) {
		t.Fatalf("expected cancelled kind, got %v", err)
	}
}

func TestDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxAttempts: 10, Base: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}
	if d := p.Delay(1); d != 0 {
		t.Fatalf("first attempt must not wait, got %v", d)
	}
	// jitter adds at most 20%
	if d := p.Delay(2); d < 100*time.Millisecond || d > 120*time.Millisecond {
		t.Fatalf("attempt 2 delay out of range: %v", d)
	}
	if d := p.Delay(9); d > 480*time.Millisecond {
		t.Fatalf("delay must cap at max+jitter, got %v", d)
	}
}

func TestKindOfUnwrapsNested(t *testing.T) {
	t.Parallel()
	inner := E(KindSizeLimit, "encode", errors.New("8mb"))
	wrapped := errors.Join(errors.New("context"), inner)
	if KindOf(wrapped) != KindSizeLimit {
		t.Fatalf("kind not recovered from wrapped error")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("plain error must have empty kind")
	}
}
