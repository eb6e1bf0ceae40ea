package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy(maxRetries int) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestBackoffRetryer_Success(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount, "应该只调用一次")
}

func TestBackoffRetryer_RetryAndSuccess(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func TestBackoffRetryer_Exhausted(t *testing.T) {
	var delays []time.Duration
	policy := fastPolicy(2)
	policy.OnRetry = func(_ int, _ error, d time.Duration) { delays = append(delays, d) }
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	testErr := errors.New("always fails")
	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return testErr
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, testErr)
	assert.Equal(t, 3, callCount)
	assert.Equal(t, 3, AttemptsOf(err))
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestBackoffRetryer_Permanent(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(5), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return Permanent(errors.New("bad input"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, callCount)
	assert.True(t, IsPermanent(err))
}

func TestBackoffRetryer_ContextCancelled(t *testing.T) {
	policy := fastPolicy(3)
	policy.InitialDelay = time.Second
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	err := retryer.Do(ctx, func() error {
		cancel()
		return errors.New("fail")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestToolRetryPolicy_Delays(t *testing.T) {
	p := ToolRetryPolicy(time.Second)
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, 2*time.Second, BackoffDelay(p.InitialDelay, p.Multiplier, p.MaxDelay, 1))
	assert.Equal(t, 4*time.Second, BackoffDelay(p.InitialDelay, p.Multiplier, p.MaxDelay, 2))
}

func TestDoWithResultTyped(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(1), zap.NewNop())
	v, err := DoWithResultTyped[int](retryer, context.Background(), func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
