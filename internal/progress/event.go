package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageContextStart Stage = "CONTEXT_START"
	StageCacheHit     Stage = "CACHE_HIT"
	StageInputFetch   Stage = "INPUT_FETCH"
	StageRewrite      Stage = "REWRITE"
	StageContextDone  Stage = "CONTEXT_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for input fetches.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of a rewrite context.
type Event struct {
	// ContextID identifies the rewrite context using the 16-byte UUID form.
	ContextID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Filter is the ID of the filter driving the context.
	Filter string
	// Key is the partition key, once computed.
	Key string
	// URL is the input or output URL the event refers to.
	URL string
	// Bytes carries the input or output size.
	Bytes int64
	// StatusClass groups HTTP response codes of input fetches.
	StatusClass StatusClass
	// Dur captures fetch latency or total context time.
	Dur time.Duration
	// Note carries the rewrite result or low-volume error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ContextID == [16]byte{} {
		return errors.New("context id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageContextStart, StageCacheHit, StageContextDone:
		if e.Filter == "" {
			return fmt.Errorf("%s requires filter", e.Stage)
		}
	case StageInputFetch:
		if e.URL == "" {
			return errors.New("input fetch requires url")
		}
		if e.StatusClass == "" {
			return errors.New("input fetch requires status class")
		}
	case StageRewrite:
		if e.Filter == "" {
			return errors.New("rewrite requires filter")
		}
		if e.Note == "" {
			return errors.New("rewrite requires result note")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ContextUUID converts the binary context ID to uuid.UUID for repositories.
func (e Event) ContextUUID() uuid.UUID {
	return uuid.UUID(e.ContextID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for fetch events. Zero means the
// fetch never produced a response.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
