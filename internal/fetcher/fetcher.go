// Package fetcher defines how input resources are loaded from their origin
// and wraps a Fetcher so concurrent loads of one URL share a single origin
// request under a per-host rate limit.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/rewrite-core/internal/policy/ratelimit"
)

// Request captures everything needed to fetch a URL.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is the result returned by a Fetcher implementation. Body is
// shared between coalesced callers and must not be modified.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher loads one URL.
type Fetcher interface {
	Fetch(ctx context.Context, request Request) (Response, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context, request Request) (Response, error)

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context, request Request) (Response, error) {
	return f(ctx, request)
}

// TTL reports how long the response may be cached according to its
// Cache-Control and Expires headers. ok is false when the headers say
// nothing; a zero TTL with ok means the response must not be reused.
func (r Response) TTL(now time.Time) (ttl time.Duration, ok bool) {
	if cc := r.Headers.Get("Cache-Control"); cc != "" {
		for _, directive := range strings.Split(cc, ",") {
			name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "no-store", "no-cache", "private":
				return 0, true
			case "max-age":
				secs, err := strconv.ParseInt(strings.Trim(value, `"`), 10, 64)
				if err != nil || secs < 0 {
					return 0, true
				}
				return time.Duration(secs) * time.Second, true
			}
		}
	}
	if exp := r.Headers.Get("Expires"); exp != "" {
		t, err := http.ParseTime(exp)
		if err != nil || !t.After(now) {
			return 0, true
		}
		return t.Sub(now), true
	}
	return 0, false
}

// Coalescing shares in-flight fetches of the same URL and throttles origin
// requests per host.
type Coalescing struct {
	next    Fetcher
	limiter *ratelimit.Limiter
	group   singleflight.Group
}

// NewCoalescing wraps next. A nil limiter disables throttling.
func NewCoalescing(next Fetcher, limiter *ratelimit.Limiter) *Coalescing {
	return &Coalescing{next: next, limiter: limiter}
}

// Fetch loads request.URL, joining an identical fetch already in flight.
// Requests with headers are never joined since the headers may change the
// response.
func (c *Coalescing) Fetch(ctx context.Context, request Request) (Response, error) {
	if len(request.Headers) > 0 {
		return c.fetch(ctx, request)
	}
	v, err, _ := c.group.Do(request.URL, func() (any, error) {
		return c.fetch(ctx, request)
	})
	if err != nil {
		return Response{}, err
	}
	return v.(Response), nil
}

func (c *Coalescing) fetch(ctx context.Context, request Request) (Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, request.URL); err != nil {
			return Response{}, err
		}
	}
	resp, err := c.next.Fetch(ctx, request)
	if err != nil {
		return Response{}, fmt.Errorf("fetch %s: %w", request.URL, err)
	}
	return resp, nil
}
