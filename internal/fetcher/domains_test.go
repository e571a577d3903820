package fetcher

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDomainGuardAllowed covers exact hosts, wildcard suffixes and the block
// list taking precedence.
func TestDomainGuardAllowed(t *testing.T) {
	t.Parallel()

	guard := NewDomainGuard(nil,
		[]string{"Example.com", "*.cdn.test", ".static.test", " "},
		[]string{"bad.cdn.test"})
	tests := []struct {
		url  string
		want bool
	}{
		{"http://example.com/a.css", true},
		{"https://EXAMPLE.com:8443/a.css", true},
		{"http://www.example.com/a.css", false},
		{"http://img.cdn.test/a.png", true},
		{"http://cdn.test/a.png", true},
		{"http://a.b.static.test/x.js", true},
		{"http://bad.cdn.test/a.png", false},
		{"ftp://example.com/a.css", false},
		{"not a url", false},
		{"http:///nohost", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, guard.Allowed(tt.url))
		})
	}
}

// TestDomainGuardEmptyAllowList verifies an empty allow list only applies the
// block list.
func TestDomainGuardEmptyAllowList(t *testing.T) {
	t.Parallel()

	guard := NewDomainGuard(nil, nil, []string{"*.blocked.test"})
	assert.True(t, guard.Allowed("http://anything.test/a.css"))
	assert.False(t, guard.Allowed("http://x.blocked.test/a.css"))
}

// TestDomainGuardFetch verifies rejected URLs never reach the origin.
func TestDomainGuardFetch(t *testing.T) {
	t.Parallel()

	calls := 0
	origin := FetchFunc(func(_ context.Context, r Request) (Response, error) {
		calls++
		return Response{URL: r.URL, StatusCode: http.StatusOK}, nil
	})
	guard := NewDomainGuard(origin, []string{"ok.test"}, nil)

	_, err := guard.Fetch(context.Background(), Request{URL: "http://evil.test/a.css"})
	require.ErrorIs(t, err, ErrDomainNotAllowed)
	assert.Equal(t, 0, calls)

	resp, err := guard.Fetch(context.Background(), Request{URL: "http://ok.test/a.css"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, calls)
}
