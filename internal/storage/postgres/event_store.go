// Package postgres persists rewrite lifecycle events in Postgres:
//
//	CREATE TABLE rewrite_contexts (
//		id          UUID PRIMARY KEY,
//		filter      TEXT NOT NULL,
//		key         TEXT NOT NULL,
//		started_at  TIMESTAMPTZ NOT NULL,
//		finished_at TIMESTAMPTZ,
//		status      TEXT NOT NULL
//	);
//	CREATE TABLE filter_stats (
//		filter       TEXT PRIMARY KEY,
//		last_update  TIMESTAMPTZ NOT NULL,
//		rewrites     BIGINT NOT NULL DEFAULT 0,
//		failed       BIGINT NOT NULL DEFAULT 0,
//		too_busy     BIGINT NOT NULL DEFAULT 0,
//		cache_hits   BIGINT NOT NULL DEFAULT 0,
//		output_bytes BIGINT NOT NULL DEFAULT 0
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/rewrite-core/internal/store"
)

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rewrite_contexts (
		id UUID PRIMARY KEY,
		filter TEXT NOT NULL,
		key TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS filter_stats (
		filter TEXT PRIMARY KEY,
		last_update TIMESTAMPTZ NOT NULL,
		rewrites BIGINT NOT NULL DEFAULT 0,
		failed BIGINT NOT NULL DEFAULT 0,
		too_busy BIGINT NOT NULL DEFAULT 0,
		cache_hits BIGINT NOT NULL DEFAULT 0,
		output_bytes BIGINT NOT NULL DEFAULT 0
	);`,
}

// EventStore implements the store.EventRepository interface using Postgres.
type EventStore struct {
	pool Pool
}

var _ store.EventRepository = (*EventStore)(nil)

// NewEventStore creates a new EventStore.
func NewEventStore(ctx context.Context, dsn string) (*EventStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &EventStore{pool: pool}, nil
}

// NewEventStoreWithPool wraps an existing pool.
func NewEventStoreWithPool(pool Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Close closes the underlying connection pool.
func (s *EventStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables if they do not exist.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// UpsertContextStart records a running context. A context that already
// finished keeps its final status.
func (s *EventStore) UpsertContextStart(ctx context.Context, id uuid.UUID, filter, key string, startedAt time.Time) error {
	query := `
		INSERT INTO rewrite_contexts (id, filter, key, started_at, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, id, filter, key, startedAt, store.ContextRunning); err != nil {
		return fmt.Errorf("failed to upsert context start: %w", err)
	}
	return nil
}

// CompleteContext marks a context finished with its outcome.
func (s *EventStore) CompleteContext(ctx context.Context, id uuid.UUID, finishedAt time.Time, status store.ContextStatus) error {
	query := `
		UPDATE rewrite_contexts
		SET finished_at = $1, status = $2
		WHERE id = $3;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, id); err != nil {
		return fmt.Errorf("failed to complete context: %w", err)
	}
	return nil
}

// UpsertFilterStats adds delta to the counters of filter.
func (s *EventStore) UpsertFilterStats(ctx context.Context, filter string, delta store.FilterDelta, at time.Time) error {
	query := `
		INSERT INTO filter_stats (filter, last_update, rewrites, failed, too_busy, cache_hits, output_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (filter) DO UPDATE SET
			last_update = GREATEST(filter_stats.last_update, EXCLUDED.last_update),
			rewrites = filter_stats.rewrites + EXCLUDED.rewrites,
			failed = filter_stats.failed + EXCLUDED.failed,
			too_busy = filter_stats.too_busy + EXCLUDED.too_busy,
			cache_hits = filter_stats.cache_hits + EXCLUDED.cache_hits,
			output_bytes = filter_stats.output_bytes + EXCLUDED.output_bytes;
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		filter,
		at,
		delta.Rewrites,
		delta.Failed,
		delta.TooBusy,
		delta.CacheHits,
		delta.OutputBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert filter stats: %w", err)
	}
	return nil
}

// GetContext retrieves a single context by its ID.
func (s *EventStore) GetContext(ctx context.Context, id uuid.UUID) (store.ContextRun, error) {
	query := `
		SELECT id, filter, key, started_at, finished_at, status
		FROM rewrite_contexts
		WHERE id = $1;
	`
	var run store.ContextRun
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&run.ID,
		&run.Filter,
		&run.Key,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ContextRun{}, store.ErrNotFound
		}
		return store.ContextRun{}, fmt.Errorf("failed to get context: %w", err)
	}
	return run, nil
}

// ListContexts retrieves contexts, newest first, with optional status
// filtering.
func (s *EventStore) ListContexts(
	ctx context.Context,
	status *store.ContextStatus,
	limit,
	offset int,
) ([]store.ContextRun, error) {
	query := `
		SELECT id, filter, key, started_at, finished_at, status
		FROM rewrite_contexts
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	defer rows.Close()

	var runs []store.ContextRun
	for rows.Next() {
		var run store.ContextRun
		err := rows.Scan(
			&run.ID,
			&run.Filter,
			&run.Key,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan context row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	return runs, nil
}

// ListFilterStats retrieves the counters of every filter.
func (s *EventStore) ListFilterStats(ctx context.Context) ([]store.FilterStats, error) {
	query := `
		SELECT filter, last_update, rewrites, failed, too_busy, cache_hits, output_bytes
		FROM filter_stats
		ORDER BY filter;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list filter stats: %w", err)
	}
	defer rows.Close()

	var stats []store.FilterStats
	for rows.Next() {
		var stat store.FilterStats
		err := rows.Scan(
			&stat.Filter,
			&stat.LastUpdate,
			&stat.Rewrites,
			&stat.Failed,
			&stat.TooBusy,
			&stat.CacheHits,
			&stat.OutputBytes,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan filter stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list filter stats: %w", err)
	}
	return stats, nil
}
