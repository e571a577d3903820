// Package system exercises the real-time clock adapter.
package system

import (
	"testing"
	"time"

	"github.com/JakeFAU/rewrite-core/internal/clock"
)

var _ clock.Timer = Clock{}

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

// TestClockUnitsAgree checks microsecond and millisecond readings line up.
func TestClockUnitsAgree(t *testing.T) {
	t.Parallel()

	clk := New()
	us := clk.NowUs()
	ms := clk.NowMs()
	if ms < us/clock.MsUs {
		t.Fatalf("NowMs %d went backwards from NowUs %d", ms, us)
	}
	if ms-us/clock.MsUs > clock.SecondMs {
		t.Fatalf("NowMs %d too far ahead of NowUs %d", ms, us)
	}
}
