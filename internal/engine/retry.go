package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// DefaultBackoffMultiplier applies when a retry policy leaves Multiplier unset.
const DefaultBackoffMultiplier = 2.0

// IsRetryableError classifies whether a failed attempt should be retried.
// Timeouts and network errors retry; cancellation and OpflowErrors with a
// non-retryable code do not. Anything unclassified retries and is bounded by
// the policy's max attempts.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var oe *schema.OpflowError
	if errors.As(err, &oe) {
		return oe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"permission denied", "invalid argument", "not supported"} {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return true
}

// backoff is the parsed form of a RetryPolicy.
type backoff struct {
	maxAttempts int
	base        time.Duration
	multiplier  float64
	jitter      time.Duration
	maxDelay    time.Duration
}

func parseBackoff(p *schema.RetryPolicy) (backoff, error) {
	b := backoff{maxAttempts: 1, multiplier: DefaultBackoffMultiplier}
	if p == nil {
		return b, nil
	}
	if p.MaxAttempts > 1 {
		b.maxAttempts = p.MaxAttempts
	}
	if p.Multiplier > 0 {
		b.multiplier = p.Multiplier
	}
	var err error
	if b.base, err = schema.ParseDuration(p.BaseDelay, 0); err != nil {
		return b, err
	}
	if b.jitter, err = schema.ParseDuration(p.Jitter, 0); err != nil {
		return b, err
	}
	if b.maxDelay, err = schema.ParseDuration(p.MaxDelay, 0); err != nil {
		return b, err
	}
	return b, nil
}

// ComputeBackoff returns the delay before attempt n+1 after attempt n failed:
// min(base * multiplier^(n-1), max_delay) plus a random jitter in [0, jitter).
func ComputeBackoff(p *schema.RetryPolicy, attempt int) time.Duration {
	b, err := parseBackoff(p)
	if err != nil {
		return 0
	}
	return b.delay(attempt, rand.Int64N)
}

func (b backoff) delay(attempt int, randN func(int64) int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.base) * math.Pow(b.multiplier, float64(attempt-1))
	if b.maxDelay > 0 && d > float64(b.maxDelay) {
		d = float64(b.maxDelay)
	}
	if d > math.MaxInt64/2 {
		d = math.MaxInt64 / 2
	}
	delay := time.Duration(d)
	if b.jitter > 0 {
		delay += time.Duration(randN(int64(b.jitter)))
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with the context error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func randInt64N(n int64) int64 { return rand.Int64N(n) }
