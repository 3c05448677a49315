package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Classifier decides whether an error is transient and worth retrying.
type Classifier func(err error) bool

// Policy controls the bounded retry loop
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt, doubled each retry
	Retryable   Classifier
}

// DefaultPolicy returns the retry policy used for record store contention:
// 3 attempts, 500ms base delay, doubling each retry.
func DefaultPolicy(retryable Classifier) *Policy {
	return &Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Retryable:   retryable,
	}
}

// Executor runs operations under a retry policy
type Executor struct {
	policy *Policy
	logger *zap.Logger
}

// NewExecutor creates a retry executor
func NewExecutor(policy *Policy, logger *zap.Logger) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Executor{
		policy: policy,
		logger: logger,
	}
}

// Do runs fn, retrying only errors the policy classifies as transient.
// Non-transient errors propagate immediately. When attempts are exhausted
// the last transient error is returned wrapped, so callers can translate
// it into a retry-later response.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := e.policy.BaseDelay

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			e.logger.Warn("retrying operation",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", e.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if e.policy.Retryable == nil || !e.policy.Retryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, e.policy.MaxAttempts, lastErr)
}
