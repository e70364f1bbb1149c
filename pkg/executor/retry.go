package executor

import (
	"context"
	"time"

	"github.com/zen-systems/mlroute/pkg/adapter"
	"github.com/zen-systems/mlroute/pkg/config"
	"github.com/zen-systems/mlroute/pkg/router"
)

// attempt is one provider call.
type attempt struct {
	latency time.Duration
	err     error
}

// callWithRetry calls the adapter until it succeeds, fails permanently or
// runs out of retries. Only transient errors are retried.
func (e *Executor) callWithRetry(
	ctx context.Context,
	a adapter.Adapter,
	model string,
	messages []router.Message,
	opts adapter.Options,
	retry config.RetryConfig,
) (*adapter.Response, []attempt, error) {
	var attempts []attempt
	var lastErr error

	for n := 0; n <= retry.MaxRetries; n++ {
		start := e.now()
		resp, err := a.Complete(ctx, model, messages, opts)
		took := e.now().Sub(start)
		attempts = append(attempts, attempt{latency: took, err: err})
		e.metrics.ObserveProvider(a.Name(), model, took, err)
		if err == nil {
			return resp, attempts, nil
		}

		lastErr = err
		if !adapter.IsTransient(err) || n == retry.MaxRetries {
			break
		}
		e.logger.Debug("retrying provider call",
			"provider", a.Name(),
			"model", model,
			"attempt", n+1,
			"error", err)
		if err := e.sleep(ctx, computeBackoff(retry.BaseBackoffMs, retry.MaxBackoffMs, n)); err != nil {
			return nil, attempts, err
		}
	}
	return nil, attempts, lastErr
}

func computeBackoff(baseMs, maxMs, attempt int) time.Duration {
	backoff := time.Duration(baseMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= time.Duration(maxMs)*time.Millisecond {
			return time.Duration(maxMs) * time.Millisecond
		}
	}
	if backoff > time.Duration(maxMs)*time.Millisecond {
		return time.Duration(maxMs) * time.Millisecond
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
