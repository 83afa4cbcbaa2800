package unifiedllm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.001}
}

func serverErr() error {
	return &ServerError{ProviderError: ProviderError{SDKError: SDKError{Message: "server error"}, Retryable: true}}
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 1.0, BackoffMultiplier: 2.0, MaxDelay: 5.0}

	assert.Equal(t, 1*time.Second, policy.Delay(0))
	assert.Equal(t, 2*time.Second, policy.Delay(1))
	assert.Equal(t, 4*time.Second, policy.Delay(2))
	assert.Equal(t, 5*time.Second, policy.Delay(10), "capped at MaxDelay")
}

func TestRetryPolicyDelayWithJitter(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 1.0, BackoffMultiplier: 2.0, MaxDelay: 60.0, Jitter: true}
	for i := 0; i < 100; i++ {
		d := policy.Delay(0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	var retried []int
	policy := fastPolicy(3)
	policy.OnRetry = func(_ error, attempt int, _ time.Duration) { retried = append(retried, attempt) }

	got, err := Retry(context.Background(), policy, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", serverErr()
		}
		return "success", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "success", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		calls++
		return "", &AuthenticationError{}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(2), func(context.Context) (string, error) {
		calls++
		return "", serverErr()
	})
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestRetryRateLimitBeyondMaxDelay(t *testing.T) {
	after := 120.0
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		calls++
		return "", &RateLimitError{ProviderError: ProviderError{Retryable: true, RetryAfter: &after}}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryCancelledCarriesCause(t *testing.T) {
	deadline := errors.New("deadline reached")
	ctx, cancel := context.WithCancelCause(context.Background())
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: 1.0, BackoffMultiplier: 1, MaxDelay: 1.0}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(deadline)
	}()

	_, err := Retry(ctx, policy, func(context.Context) (string, error) {
		return "", errors.New("always fails")
	})
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.ErrorIs(t, err, deadline)
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, 1.0, p.BaseDelay)
	assert.Equal(t, 60.0, p.MaxDelay)
	assert.Equal(t, 2.0, p.BackoffMultiplier)
	assert.True(t, p.Jitter)
}
