// Package clock defines the time source shared by the scheduler, the lock
// managers and the rewrite machinery.
package clock

import "time"

// Conversion factors between the units used throughout the core.
const (
	MsUs     = int64(1000)
	SecondMs = int64(1000)
	SecondUs = SecondMs * MsUs
)

// Timer reports the current time. Implementations must be safe for
// concurrent use.
type Timer interface {
	Now() time.Time
	NowUs() int64
	NowMs() int64
}
