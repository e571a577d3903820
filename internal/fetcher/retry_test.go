package fetcher

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func quickPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

// TestRetryingRecoversFromGatewayErrors verifies 5xx gateway responses are
// retried until the origin answers.
func TestRetryingRecoversFromGatewayErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	origin := FetchFunc(func(_ context.Context, r Request) (Response, error) {
		if calls.Add(1) < 3 {
			return Response{URL: r.URL, StatusCode: http.StatusServiceUnavailable}, nil
		}
		return Response{URL: r.URL, StatusCode: http.StatusOK, Body: []byte("ok")}, nil
	})

	resp, err := NewRetrying(origin, quickPolicy(3)).Fetch(context.Background(), Request{URL: "http://a.test/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

// TestRetryingGivesUp verifies the last response is returned once attempts
// are exhausted.
func TestRetryingGivesUp(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	origin := FetchFunc(func(context.Context, Request) (Response, error) {
		calls.Add(1)
		return Response{}, timeoutError{}
	})

	_, err := NewRetrying(origin, quickPolicy(2)).Fetch(context.Background(), Request{URL: "http://a.test/x"})
	require.ErrorIs(t, err, timeoutError{})
	assert.Equal(t, int32(2), calls.Load())
}

// TestRetryPolicyShouldRetry covers which outcomes count as transient.
func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := quickPolicy(3)
	tests := []struct {
		name string
		resp Response
		err  error
		want bool
	}{
		{"ok", Response{StatusCode: http.StatusOK}, nil, false},
		{"not found", Response{StatusCode: http.StatusNotFound}, nil, false},
		{"bad gateway", Response{StatusCode: http.StatusBadGateway}, nil, true},
		{"gateway timeout", Response{StatusCode: http.StatusGatewayTimeout}, nil, true},
		{"canceled", Response{}, context.Canceled, false},
		{"deadline", Response{}, context.DeadlineExceeded, false},
		{"domain", Response{}, ErrDomainNotAllowed, false},
		{"net timeout", Response{}, timeoutError{}, true},
		{"other", Response{}, errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, p.shouldRetry(tt.resp, tt.err, 1))
		})
	}
	assert.False(t, p.shouldRetry(Response{StatusCode: http.StatusBadGateway}, nil, 3))
}

// TestRetryPolicyBackoffIsBounded verifies jittered delays stay within
// [delay/2, delay] and honor MaxDelay.
func TestRetryPolicyBackoffIsBounded(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.backoff(attempt)
		want := min(100*time.Millisecond<<(attempt-1), time.Second)
		assert.GreaterOrEqual(t, d, want/2)
		assert.LessOrEqual(t, d, want)
	}
}

// TestRetryingStopsOnCancel verifies a canceled context ends the backoff
// wait.
func TestRetryingStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	origin := FetchFunc(func(context.Context, Request) (Response, error) {
		cancel()
		return Response{StatusCode: http.StatusBadGateway}, nil
	})
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	resp, err := NewRetrying(origin, policy).Fetch(ctx, Request{URL: "http://a.test/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
