package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/obs"
	"dexadapter/pkg/exception"
	"dexadapter/pkg/retry"
)

// Guard wraps every node call with rate limiting, a per-attempt timeout,
// classification, bounded retries and the circuit breaker.
type Guard struct {
	limiter *rate.Limiter
	policy  retry.Policy
	timeout time.Duration
	breaker *Breaker
	metrics *obs.Metrics
}

type GuardConfig struct {
	RatePerSecond float64
	Burst         int
	CallTimeout   time.Duration
	Retry         retry.Policy
	Breaker       BreakerConfig
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RatePerSecond: 20,
		Burst:         40,
		CallTimeout:   10 * time.Second,
		Retry:         retry.DefaultPolicy(),
		Breaker:       DefaultBreakerConfig(),
	}
}

func NewGuard(cfg GuardConfig, metrics *obs.Metrics) *Guard {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultGuardConfig().CallTimeout
	}
	return &Guard{
		limiter: rate.NewLimiter(limit, burst),
		policy:  cfg.Retry,
		timeout: timeout,
		breaker: NewBreaker(cfg.Breaker),
		metrics: metrics,
	}
}

// Degraded reports whether the breaker is not closed.
func (g *Guard) Degraded() bool {
	return g.breaker.State() != BreakerClosed
}

// Do runs fn under the guard. op names the call in errors.
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !g.breaker.Allow() {
		return errs.WithKind(errs.KindTransientNetwork, errs.Wrap(exception.ErrChainCircuitOpen, op))
	}

	err := g.policy.Do(ctx, errs.IsRetryable, func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return Classify(err)
		}
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		start := time.Now()
		err := fn(cctx)
		g.metrics.ObserveRPC(time.Since(start))
		return Classify(err)
	}, func(int, time.Duration, error) {
		g.metrics.IncRPCRetry()
	})

	var exhausted *retry.ExhaustedError
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &exhausted):
		g.metrics.IncRPCFailure()
		g.breaker.RecordFailure()
		return fmt.Errorf("%s: %w: %w", op, exception.ErrChainRetryExhausted, err)
	case errs.IsRetryable(err):
		// context ended while waiting for a retry
		g.metrics.IncRPCFailure()
		return errs.Wrap(err, op)
	default:
		g.breaker.RecordSuccess()
		return errs.Wrap(err, op)
	}
}
