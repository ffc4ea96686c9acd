package publish

import (
	"context"
	"math/rand"
	"time"

	logx "postbot/pkg/logx"
)

// RetryPolicy drives the per-adapter retry loop. Only retryable failures
// (KindTransient or unclassified) consume extra attempts.
type RetryPolicy struct {
	MaxAttempts int           // total tries, default 3
	Base        time.Duration // first backoff, default 500ms
	MaxDelay    time.Duration // backoff cap, default 15s
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	return p
}

// Delay returns the jittered backoff before attempt n (1-based; attempt 1
// has no delay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt <= 1 {
		return 0
	}
	d := p.Base << (attempt - 2)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	// 20% jitter.
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int63n(j + 1))
	}
	return d
}

// Retry runs fn up to MaxAttempts times, backing off between tries.
// It stops early on a non-retryable failure or context cancellation.
// Returns the attempt count actually used and the last error.
func Retry(ctx context.Context, log logx.Logger, op string, p RetryPolicy, fn func(ctx context.Context) error) (int, error) {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if wait := p.Delay(attempt); wait > 0 {
			select {
			case <-ctx.Done():
				return attempt - 1, E(KindCancelled, op, ctx.Err())
			case <-time.After(wait):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, E(KindCancelled, op, ctx.Err())
		}
		if !Retryable(lastErr) {
			return attempt, lastErr
		}
		if !log.IsZero() && attempt < p.MaxAttempts {
			log.Warn("retrying after transient failure",
				logx.String("op", op),
				logx.Int("attempt", attempt),
				logx.Err(lastErr))
		}
	}
	return p.MaxAttempts, lastErr
}
