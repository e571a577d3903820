package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rewrite-core/internal/progress"
	"github.com/JakeFAU/rewrite-core/internal/store"
)

// StoreSink persists progress via a store.EventRepository. Filter counters
// are collapsed per batch to reduce write amplification.
type StoreSink struct {
	repo   store.EventRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.EventRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume records context lifecycles and forwards collapsed filter deltas to
// the repository. It respects ctx deadlines and returns repository errors.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[string]*filterDelta)

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageContextStart:
			if err := s.repo.UpsertContextStart(ctx, evt.ContextUUID(), evt.Filter, evt.Key, evt.TS); err != nil {
				return fmt.Errorf("upsert context start: %w", err)
			}
		case progress.StageContextDone:
			status, ok := store.ParseContextStatus(evt.Note)
			if !ok || status == store.ContextRunning {
				s.logger.Warn("unknown context outcome", zap.String("note", evt.Note))
				continue
			}
			if err := s.repo.CompleteContext(ctx, evt.ContextUUID(), evt.TS, status); err != nil {
				return fmt.Errorf("complete context: %w", err)
			}
		case progress.StageCacheHit:
			recordFilterDelta(stats, evt, func(d *store.FilterDelta) { d.CacheHits++ })
		case progress.StageRewrite:
			recordFilterDelta(stats, evt, func(d *store.FilterDelta) {
				switch evt.Note {
				case "ok":
					d.Rewrites++
					d.OutputBytes += evt.Bytes
				case "failed":
					d.Failed++
				case "too_busy":
					d.TooBusy++
				}
			})
		}
	}

	for filter, delta := range stats {
		if delta.IsZero() {
			continue
		}
		if err := s.repo.UpsertFilterStats(ctx, filter, delta.FilterDelta, delta.at); err != nil {
			return fmt.Errorf("upsert filter stats: %w", err)
		}
	}
	return nil
}

func recordFilterDelta(stats map[string]*filterDelta, evt progress.Event, apply func(*store.FilterDelta)) {
	if evt.Filter == "" {
		return
	}
	stat := stats[evt.Filter]
	if stat == nil {
		stat = &filterDelta{}
		stats[evt.Filter] = stat
	}
	apply(&stat.FilterDelta)
	if evt.TS.After(stat.at) {
		stat.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type filterDelta struct {
	store.FilterDelta
	at time.Time
}
