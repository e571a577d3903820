// Package system provides a real clock implementation.
package system

import "time"

// Clock implements clock.Timer using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// NowUs returns microseconds since the Unix epoch.
func (Clock) NowUs() int64 {
	return time.Now().UnixMicro()
}

// NowMs returns milliseconds since the Unix epoch.
func (Clock) NowMs() int64 {
	return time.Now().UnixMilli()
}
