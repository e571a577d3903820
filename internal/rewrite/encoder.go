package rewrite

import (
	"fmt"
	"strings"
)

// Encoder maps input URLs and a filter-specific context string to the name
// segment of an output URL and back. Encode must be a bijection so a fetch
// of the output can reconstruct its inputs.
type Encoder interface {
	Encode(urls []string, rctx string) string
	Decode(name string) (urls []string, rctx string, err error)
}

// MultipartEncoder escapes each URL and joins them with '+'. A non-empty
// context is escaped and prepended with a '~' separator. Bytes outside
// [A-Za-z0-9._-] are written as '=' followed by two hex digits, so the
// separators never appear inside a segment.
type MultipartEncoder struct{}

const (
	urlSeparator     = "+"
	contextSeparator = "~"
)

// Encode implements Encoder.
func (MultipartEncoder) Encode(urls []string, rctx string) string {
	var b strings.Builder
	if rctx != "" {
		b.WriteString(escapeSegment(rctx))
		b.WriteString(contextSeparator)
	}
	for i, u := range urls {
		if i > 0 {
			b.WriteString(urlSeparator)
		}
		b.WriteString(escapeSegment(u))
	}
	return b.String()
}

// Decode implements Encoder.
func (MultipartEncoder) Decode(name string) ([]string, string, error) {
	var rctx string
	if before, after, ok := strings.Cut(name, contextSeparator); ok {
		ctx, err := unescapeSegment(before)
		if err != nil {
			return nil, "", err
		}
		rctx, name = ctx, after
	}
	if name == "" {
		return nil, "", fmt.Errorf("%w: no inputs", ErrBadResourceName)
	}
	segments := strings.Split(name, urlSeparator)
	urls := make([]string, 0, len(segments))
	for _, seg := range segments {
		u, err := unescapeSegment(seg)
		if err != nil {
			return nil, "", err
		}
		if u == "" {
			return nil, "", fmt.Errorf("%w: empty input", ErrBadResourceName)
		}
		urls = append(urls, u)
	}
	return urls, rctx, nil
}

const hexDigits = "0123456789ABCDEF"

func isSafe(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '.' || c == '_' || c == '-'
}

func escapeSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isSafe(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('=')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

func unescapeSegment(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isSafe(c):
			b.WriteByte(c)
		case c == '=' && i+2 < len(s):
			hi, lo := unhex(s[i+1]), unhex(s[i+2])
			if hi < 0 || lo < 0 {
				return "", fmt.Errorf("%w: bad escape in %q", ErrBadResourceName, s)
			}
			b.WriteByte(byte(hi<<4 | lo))
			i += 2
		default:
			return "", fmt.Errorf("%w: unexpected %q in %q", ErrBadResourceName, c, s)
		}
	}
	return b.String(), nil
}

func unhex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}
