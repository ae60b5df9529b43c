package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/obs"
	"dexadapter/pkg/exception"
	"dexadapter/pkg/retry"
)

func fastGuard(attempts, threshold int) (*Guard, *obs.Metrics) {
	metrics := obs.NewMetrics()
	return NewGuard(GuardConfig{
		CallTimeout: time.Second,
		Retry: retry.Policy{
			Backoff:     retry.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
			MaxAttempts: attempts,
		},
		Breaker: BreakerConfig{FailureThreshold: threshold, Cooldown: time.Hour},
	}, metrics), metrics
}

func TestGuardRetriesTransient(t *testing.T) {
	g, metrics := fastGuard(5, 3)

	calls := 0
	err := g.Do(t.Context(), "fetch", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	snap := metrics.Snapshot()
	assert.Equal(t, uint64(2), snap.RPCRetries)
	assert.Equal(t, uint64(3), snap.RPCLatency.Count)
	assert.False(t, g.Degraded())
}

func TestGuardDoesNotRetryMalformed(t *testing.T) {
	g, _ := fastGuard(5, 3)

	calls := 0
	err := g.Do(t.Context(), "metadata", func(context.Context) error {
		calls++
		return errs.Newf(errs.KindMalformedResponse, "short output")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errs.IsKind(err, errs.KindMalformedResponse))
	assert.Contains(t, err.Error(), "metadata")
}

func TestGuardExhaustionOpensCircuit(t *testing.T) {
	g, metrics := fastGuard(2, 2)
	failing := func(context.Context) error { return errors.New("service unavailable") }

	for range 2 {
		err := g.Do(t.Context(), "poll", failing)
		require.ErrorIs(t, err, exception.ErrChainRetryExhausted)
		assert.True(t, errs.IsKind(err, errs.KindTransientNetwork))
	}
	assert.True(t, g.Degraded())
	assert.Equal(t, uint64(2), metrics.Snapshot().RPCFailures)

	calls := 0
	err := g.Do(t.Context(), "poll", func(context.Context) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, exception.ErrChainCircuitOpen)
	assert.Zero(t, calls)
}

func TestGuardCanceled(t *testing.T) {
	g, _ := fastGuard(5, 3)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := g.Do(ctx, "poll", func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, g.Degraded())
}
