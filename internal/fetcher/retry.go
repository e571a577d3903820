package fetcher

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"
)

// RetryPolicy decides whether and when a failed fetch is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy makes three attempts with jittered exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// shouldRetry reports whether attempt (1-based) may be followed by another.
// Only timeouts and gateway errors are transient; a 404 stays a 404.
func (p RetryPolicy) shouldRetry(resp Response, err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if err == nil {
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrDomainNotAllowed) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// backoff returns the wait before the attempt after attempt.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
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

// Retrying retries transient origin failures.
type Retrying struct {
	next   Fetcher
	policy RetryPolicy
}

// NewRetrying wraps next. A policy with MaxAttempts <= 1 never retries.
func NewRetrying(next Fetcher, policy RetryPolicy) *Retrying {
	return &Retrying{next: next, policy: policy}
}

// Fetch implements Fetcher.
func (r *Retrying) Fetch(ctx context.Context, request Request) (Response, error) {
	for attempt := 1; ; attempt++ {
		resp, err := r.next.Fetch(ctx, request)
		if !r.policy.shouldRetry(resp, err, attempt) {
			return resp, err
		}
		t := time.NewTimer(r.policy.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			if err == nil {
				return resp, nil
			}
			return Response{}, err
		case <-t.C:
		}
	}
}
