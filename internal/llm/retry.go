package llm

import (
	"context"
	"math/rand"
	"time"

	"github.com/quarry-ai/ragcore/internal/domain"
	"github.com/quarry-ai/ragcore/internal/observability"
)

// retryPolicy bounds the backoff loop around model calls.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// withRetry runs fn, retrying throttled and transient failures with
// exponential backoff and jitter. After the budget is spent the last
// throttled/transient error surfaces as model_unavailable; other kinds
// surface immediately.
func withRetry(ctx context.Context, policy retryPolicy, logger *observability.Logger,
	op string, fn func() error) error {

	var lastErr error
	for attempt := 0; attempt <= policy.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.WrapError(domain.KindTimeout, op, err)
		}

		if attempt > 0 {
			delay := backoffDelay(policy, attempt)
			logger.Warn().
				Str("op", op).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying model call")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return domain.WrapError(domain.KindTimeout, op, ctx.Err())
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		switch domain.KindOf(lastErr) {
		case domain.KindThrottled, domain.KindTransient:
			continue
		default:
			return lastErr
		}
	}

	return domain.WrapError(domain.KindModelUnavailable, op+" retry budget exhausted", lastErr)
}

// backoffDelay computes base × 2^(attempt-1) capped at maxDelay, scaled by a
// jitter factor in [0.5, 1.0).
func backoffDelay(policy retryPolicy, attempt int) time.Duration {
	delay := policy.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= policy.maxDelay {
			delay = policy.maxDelay
			break
		}
	}

	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}
