// Package store declares interfaces for persisting rewrite progress.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// ContextStatus mirrors the rewrite_contexts status column.
type ContextStatus string

// Context statuses persisted in rewrite_contexts.status. Every status but
// running is terminal and matches the outcome note of a CONTEXT_DONE event.
const (
	ContextRunning   ContextStatus = "running"
	ContextRewritten ContextStatus = "rewritten"
	ContextCached    ContextStatus = "cached"
	ContextSkipped   ContextStatus = "skipped"
	ContextFailed    ContextStatus = "failed"
	ContextTooBusy   ContextStatus = "too_busy"
)

// ParseContextStatus maps an outcome note to a status.
func ParseContextStatus(s string) (ContextStatus, bool) {
	switch st := ContextStatus(s); st {
	case ContextRunning, ContextRewritten, ContextCached, ContextSkipped, ContextFailed, ContextTooBusy:
		return st, true
	default:
		return "", false
	}
}

// ContextRun models one row of rewrite_contexts.
type ContextRun struct {
	// ID is the rewrite context identifier.
	ID uuid.UUID
	// Filter is the ID of the filter that drove the context.
	Filter string
	// Key is the partition key.
	Key string
	// StartedAt captures when the context left the start state.
	StartedAt time.Time
	// FinishedAt is nil until the context is done.
	FinishedAt *time.Time
	// Status is running or the final outcome.
	Status ContextStatus
}

// FilterDelta is an increment applied to a filter's aggregate counters.
type FilterDelta struct {
	Rewrites    int64
	Failed      int64
	TooBusy     int64
	CacheHits   int64
	OutputBytes int64
}

// IsZero reports whether the delta changes nothing.
func (d FilterDelta) IsZero() bool { return d == FilterDelta{} }

// FilterStats captures per-filter aggregation.
type FilterStats struct {
	Filter     string
	LastUpdate time.Time
	FilterDelta
}

// EventRepository persists rewrite lifecycle events.
type EventRepository interface {
	// UpsertContextStart inserts (or idempotently updates) a running context.
	UpsertContextStart(ctx context.Context, id uuid.UUID, filter, key string, startedAt time.Time) error
	// CompleteContext marks the context finished with its outcome.
	CompleteContext(ctx context.Context, id uuid.UUID, finishedAt time.Time, status ContextStatus) error
	// UpsertFilterStats applies a delta to a filter's counters.
	UpsertFilterStats(ctx context.Context, filter string, delta FilterDelta, at time.Time) error

	// GetContext loads a single context or returns ErrNotFound.
	GetContext(ctx context.Context, id uuid.UUID) (ContextRun, error)
	// ListContexts returns contexts filtered by optional status plus limit/offset.
	ListContexts(ctx context.Context, status *ContextStatus, limit, offset int) ([]ContextRun, error)
	// ListFilterStats returns the aggregate counters of every filter.
	ListFilterStats(ctx context.Context) ([]FilterStats, error)
}
