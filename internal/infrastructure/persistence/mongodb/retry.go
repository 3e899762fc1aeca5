package mongodb

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

const (
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 200 * time.Millisecond

	// maxRetryJitter caps the uniform jitter added to each backoff delay.
	maxRetryJitter = time.Second
)

// IsTransient classifies a driver error as retryable. Connection failures
// and timeouts (including write failures caused by timeouts) are transient;
// duplicate keys, validation failures and other write errors are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if mongo.IsDuplicateKeyError(err) {
		return false
	}
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err)
}

// Retryer re-runs database operations that failed transiently, with
// exponential backoff plus uniform jitter. Permanent errors propagate
// immediately; cancellation aborts between the delay and the next attempt.
type Retryer struct {
	attempts  int
	baseDelay time.Duration

	// Seams for tests; nil means real sleep and rand.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// NewRetryer returns a retryer with the default policy: 3 attempts,
// 200 ms base delay doubling per attempt.
func NewRetryer() *Retryer {
	return &Retryer{attempts: defaultRetryAttempts, baseDelay: defaultRetryBaseDelay}
}

// Do runs op, retrying transient failures up to the attempt limit. The delay
// before attempt n+1 is base * 2^(n-1) plus uniform jitter in
// [0, min(1s, backoff)].
func (r *Retryer) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == r.attempts {
			break
		}

		backoff := r.baseDelay << (attempt - 1)
		jitterCap := maxRetryJitter
		if backoff < jitterCap {
			jitterCap = backoff
		}
		if err := r.doSleep(ctx, backoff+r.doJitter(jitterCap)); err != nil {
			return err
		}
	}
	return lastErr
}

func (r *Retryer) doSleep(ctx context.Context, d time.Duration) error {
	if r.sleep != nil {
		return r.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Retryer) doJitter(max time.Duration) time.Duration {
	if r.jitter != nil {
		return r.jitter(max)
	}
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}
