package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rewrite-core/internal/progress"
	"github.com/JakeFAU/rewrite-core/internal/store"
)

// TestStoreSinkPersistsEvents ensures filter counters are collapsed before persisting.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeEventRepo{}
	sink := NewStoreSink(repo, nil)
	ctxUUID := uuid.New()
	ctxID := progress.UUIDToBytes(ctxUUID)
	now := time.Now()

	batch := []progress.Event{
		{ContextID: ctxID, Stage: progress.StageContextStart, Filter: "cc", Key: "k", TS: now},
		{ContextID: ctxID, Stage: progress.StageInputFetch, URL: "http://a.com/a.css", StatusClass: progress.Status2xx, TS: now},
		{ContextID: ctxID, Stage: progress.StageRewrite, Filter: "cc", Bytes: 100, Note: "ok", TS: now.Add(time.Second)},
		{ContextID: ctxID, Stage: progress.StageRewrite, Filter: "cc", Bytes: 50, Note: "ok", TS: now.Add(2 * time.Second)},
		{ContextID: ctxID, Stage: progress.StageRewrite, Filter: "cc", Note: "too_busy", TS: now},
		{ContextID: ctxID, Stage: progress.StageRewrite, Filter: "ce", Note: "failed", TS: now},
		{ContextID: ctxID, Stage: progress.StageCacheHit, Filter: "ce", TS: now},
		{ContextID: ctxID, Stage: progress.StageContextDone, Filter: "cc", Note: "rewritten", TS: now.Add(3 * time.Second)},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []uuid.UUID{ctxUUID}, repo.starts)
	require.Len(t, repo.completes, 1)
	require.Equal(t, store.ContextRewritten, repo.completes[0].status)
	require.Len(t, repo.filterStats, 2)

	cc := repo.filterStats["cc"]
	require.Equal(t, store.FilterDelta{Rewrites: 2, TooBusy: 1, OutputBytes: 150}, cc.delta)
	require.Equal(t, now.Add(2*time.Second), cc.at)
	require.Equal(t, store.FilterDelta{Failed: 1, CacheHits: 1}, repo.filterStats["ce"].delta)
}

// TestStoreSinkSkipsUnknownOutcome ensures malformed completions are not persisted.
func TestStoreSinkSkipsUnknownOutcome(t *testing.T) {
	t.Parallel()

	repo := &fakeEventRepo{}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{ContextID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageContextDone, Filter: "cc", Note: "bogus"},
	})
	require.NoError(t, err)
	require.Empty(t, repo.completes)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeEventRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	ctxID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{ContextID: ctxID, Stage: progress.StageContextStart, Filter: "cc", TS: time.Now()},
	})
	require.Error(t, err)

	err = sink.Consume(context.Background(), []progress.Event{
		{ContextID: ctxID, Stage: progress.StageRewrite, Filter: "cc", Note: "ok", TS: time.Now()},
	})
	require.ErrorContains(t, err, "upsert filter stats")
}

// TestStoreSinkNilRepo ensures a sink without a repository is inert.
func TestStoreSinkNilRepo(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewStoreSink(nil, nil).Consume(context.Background(), []progress.Event{
		{Stage: progress.StageContextStart},
	}))
}

type fakeEventRepo struct {
	fail        bool
	starts      []uuid.UUID
	completes   []completeCall
	filterStats map[string]filterCall
}

type completeCall struct {
	id     uuid.UUID
	status store.ContextStatus
}

type filterCall struct {
	delta store.FilterDelta
	at    time.Time
}

func (f *fakeEventRepo) UpsertContextStart(_ context.Context, id uuid.UUID, _, _ string, _ time.Time) error {
	if f.fail {
		return assertErr("start failed")
	}
	f.starts = append(f.starts, id)
	return nil
}

func (f *fakeEventRepo) CompleteContext(_ context.Context, id uuid.UUID, _ time.Time, status store.ContextStatus) error {
	if f.fail {
		return assertErr("complete failed")
	}
	f.completes = append(f.completes, completeCall{id: id, status: status})
	return nil
}

func (f *fakeEventRepo) UpsertFilterStats(_ context.Context, filter string, delta store.FilterDelta, at time.Time) error {
	if f.fail {
		return assertErr("stats failed")
	}
	if f.filterStats == nil {
		f.filterStats = make(map[string]filterCall)
	}
	f.filterStats[filter] = filterCall{delta: delta, at: at}
	return nil
}

func (f *fakeEventRepo) GetContext(context.Context, uuid.UUID) (store.ContextRun, error) {
	return store.ContextRun{}, store.ErrNotFound
}

func (f *fakeEventRepo) ListContexts(context.Context, *store.ContextStatus, int, int) ([]store.ContextRun, error) {
	return nil, nil
}

func (f *fakeEventRepo) ListFilterStats(context.Context) ([]store.FilterStats, error) {
	return nil, nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
