package backend

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/Heratiki/locallama-mcp/internal/fault"
)

// retryPolicy retries transient failures with exponential backoff and
// jitter. Permanent failures and context cancellation stop the loop
// immediately.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	rng        *rand.Rand
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		maxRetries: 2,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   5 * time.Second,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p retryPolicy) do(ctx context.Context, logger *zap.Logger, ref string,
	fn func(ctx context.Context) (Response, error)) (Response, error) {

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.backoff(attempt - 1)
			logger.Debug("retrying backend call",
				zap.String("model", ref),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
		}
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		if !fault.Retryable(err) || ctx.Err() != nil {
			return Response{}, err
		}
		lastErr = err
	}
	return Response{}, fault.Wrap(fault.BackendTransient, lastErr,
		"backend %s failed after %d attempts", ref, p.maxRetries+1)
}

// backoff doubles the base per attempt, caps at maxDelay, and adds a
// jitter in [0, base) to avoid synchronized retry storms.
func (p retryPolicy) backoff(attempt int) time.Duration {
	delay := p.baseDelay * (1 << attempt)
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay + time.Duration(p.rng.Int63n(int64(p.baseDelay)))
}
