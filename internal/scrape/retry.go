package scrape

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single adapter attempt when the descriptor sets none.
const DefaultTimeout = 30 * time.Second

// RetryPolicy implements jittered exponential backoff.
type RetryPolicy struct {
	MaxRetries          int
	BaseDelay           time.Duration
	Factor              float64
	MaxDelay            time.Duration
	Jitter              float64
	RateLimitMultiplier float64
}

// DefaultRetryPolicy returns base=1s, factor 2, ±25% jitter, cap 30s, three retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          3,
		BaseDelay:           time.Second,
		Factor:              2,
		MaxDelay:            30 * time.Second,
		Jitter:              0.25,
		RateLimitMultiplier: 4,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0.25
	}
	if p.RateLimitMultiplier < 1 {
		p.RateLimitMultiplier = 1
	}
	return p
}

// Backoff returns the wait before retry number retry (zero based). RATE_LIMITED
// failures wait RateLimitMultiplier times longer, still capped at MaxDelay.
func (p RetryPolicy) Backoff(retry int, kind Kind) time.Duration {
	p = p.normalized()
	delay := float64(p.BaseDelay) * math.Pow(p.Factor, float64(retry))
	if kind == KindRateLimited {
		delay *= p.RateLimitMultiplier
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	spread := delay * p.Jitter
	low := delay - spread
	return time.Duration(low) + randomJitter(time.Duration(2*spread))
}

// MaxBackoff is the largest wait Backoff can return.
func (p RetryPolicy) MaxBackoff() time.Duration {
	p = p.normalized()
	return time.Duration(float64(p.MaxDelay) * (1 + p.Jitter))
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Retry calls fn until it succeeds, fails with a non-retryable kind, or the
// retry budget is spent. It returns the number of calls made.
func Retry(
	ctx context.Context,
	p RetryPolicy,
	fn func(ctx context.Context, attempt int) error,
	onRetry func(attempt int, err error, wait time.Duration),
) (int, error) {
	p = p.normalized()
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		kind := KindOf(lastErr)
		if !kind.Retryable() || attempt > p.MaxRetries || ctx.Err() != nil {
			return attempt, lastErr
		}
		wait := p.Backoff(attempt-1, kind)
		if onRetry != nil {
			onRetry(attempt, lastErr, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return attempt, Wrap(abortKind(ctx), err, "retry backoff interrupted")
		}
	}
}

// abortKind classifies a finished ctx. An expired deadline is a timeout and
// stays retryable at the job level; anything else is a cancellation.
func abortKind(ctx context.Context) Kind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTransientNetwork
	}
	return KindCancelled
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// ScrapeWithRetry runs one adapter call under the retry policy. The
// descriptor's MaxRetries and Timeout override the policy defaults. The
// returned Result always carries the trace id, source and timing.
func ScrapeWithRetry(
	ctx context.Context,
	adapter Adapter,
	in Input,
	policy RetryPolicy,
	clock Clock,
	logger *zap.Logger,
) Result {
	desc := adapter.Descriptor()
	if desc.MaxRetries > 0 {
		policy.MaxRetries = desc.MaxRetries
	}
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	start := clock.Now()
	var payload Payload
	attempts, err := Retry(ctx, policy, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Debug("scrape attempt", zap.Int("attempt", attempt))
		out, err := adapter.Scrape(attemptCtx, in)
		if err != nil {
			if ctx.Err() != nil {
				return Wrap(abortKind(ctx), ctx.Err(), "scrape aborted")
			}
			return err
		}
		payload = out
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("scrape attempt failed, backing off",
			zap.Int("attempt", attempt),
			zap.String("kind", string(KindOf(err))),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})

	finished := clock.Now()
	result := Result{
		Source:         desc.Source,
		Attempts:       attempts,
		ResponseTimeMs: finished.Sub(start).Milliseconds(),
		ScrapedAt:      finished,
		TraceID:        in.TraceID,
	}
	if err != nil {
		result.ErrorKind = KindOf(err)
		result.Error = err.Error()
		result.Diagnostic = DiagnosticOf(err)
		logger.Warn("scrape failed",
			zap.Int("attempts", attempts),
			zap.String("kind", string(result.ErrorKind)),
			zap.Error(err),
		)
		return result
	}
	result.Success = true
	result.Fields = payload.Fields
	result.Data = payload.Data
	logger.Debug("scrape succeeded", zap.Int("attempts", attempts), zap.Int("fields", len(payload.Fields)))
	return result
}
