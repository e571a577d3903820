package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ErrDomainNotAllowed is returned for inputs on hosts the server may not
// rewrite.
var ErrDomainNotAllowed = errors.New("fetcher: domain not allowed")

// domainPatterns stores exact hosts and suffix wildcards ("*.example.com" or
// ".example.com").
type domainPatterns struct {
	exact    map[string]struct{}
	suffixes []string
}

func newDomainPatterns(patterns []string) *domainPatterns {
	m := &domainPatterns{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			m.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			m.addSuffix(strings.TrimPrefix(value, "."))
		default:
			m.exact[value] = struct{}{}
		}
	}
	if len(m.exact) == 0 && len(m.suffixes) == 0 {
		return nil
	}
	return m
}

func (m *domainPatterns) addSuffix(suffix string) {
	if suffix != "" && !slices.Contains(m.suffixes, suffix) {
		m.suffixes = append(m.suffixes, suffix)
	}
}

func (m *domainPatterns) matches(host string) bool {
	if m == nil || host == "" {
		return false
	}
	if _, ok := m.exact[host]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// DomainGuard refuses to fetch inputs outside the authorized domains. An
// empty allow list authorizes every host not on the block list.
type DomainGuard struct {
	next    Fetcher
	allowed *domainPatterns
	blocked *domainPatterns
}

// NewDomainGuard wraps next.
func NewDomainGuard(next Fetcher, allowed, blocked []string) *DomainGuard {
	return &DomainGuard{
		next:    next,
		allowed: newDomainPatterns(allowed),
		blocked: newDomainPatterns(blocked),
	}
}

// Allowed reports whether rawURL is an http(s) URL on an authorized host.
func (g *DomainGuard) Allowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || g.blocked.matches(host) {
		return false
	}
	return g.allowed == nil || g.allowed.matches(host)
}

// Fetch implements Fetcher.
func (g *DomainGuard) Fetch(ctx context.Context, request Request) (Response, error) {
	if !g.Allowed(request.URL) {
		return Response{}, fmt.Errorf("%w: %s", ErrDomainNotAllowed, request.URL)
	}
	return g.next.Fetch(ctx, request)
}
