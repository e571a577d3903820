package metacache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rewrite-core/internal/cache"
	"github.com/JakeFAU/rewrite-core/internal/cache/memory"
	"github.com/JakeFAU/rewrite-core/internal/clock/mock"
	"github.com/JakeFAU/rewrite-core/internal/lock"
	"github.com/JakeFAU/rewrite-core/internal/metadata"
	"github.com/JakeFAU/rewrite-core/internal/scheduler"
	"github.com/JakeFAU/rewrite-core/internal/stats"
)

const (
	deadlineMs = 30000
	waitMs     = 1000
)

type harness struct {
	sched  *scheduler.MockScheduler
	cache  *cache.Adapter
	stats  *stats.Statistics
	facade *Facade
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := memory.New(100)
	require.NoError(t, err)
	sched := scheduler.NewMock(mock.New(1000))
	locks := lock.NewThreadSafeManager(sched.Scheduler)
	t.Cleanup(locks.Close)
	h := &harness{sched: sched, cache: cache.NewSync(store), stats: stats.New()}
	h.facade = New(h.cache, locks, sched.Timer(), h.stats, Config{DeadlineMs: deadlineMs, WaitMs: waitMs}, nil)
	return h
}

func (h *harness) table(ttlMs int64) *metadata.OutputPartitions {
	exp := h.sched.Timer().NowMs() + ttlMs
	return &metadata.OutputPartitions{
		Partitions: []metadata.OutputPartition{{
			Input: []int{0},
			Result: metadata.CachedResult{
				Optimizable:            true,
				URL:                    "http://a.com/x.css.pagespeed.ce.abc.css",
				Hash:                   "abc",
				Extension:              "css",
				OriginExpirationTimeMs: exp,
			},
		}},
		ExpirationTimeMs: exp,
		Version:          metadata.Version,
	}
}

func (h *harness) lookup(key string, policy Policy) *[]LookupResult {
	var got []LookupResult
	h.facade.Lookup(key, policy, func(r LookupResult) { got = append(got, r) })
	return &got
}

func single(t *testing.T, got *[]LookupResult) LookupResult {
	t.Helper()
	require.Len(t, *got, 1)
	return (*got)[0]
}

// TestMissComputesThenHits verifies the miss-compute-store-hit cycle.
func TestMissComputesThenHits(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r := single(t, h.lookup("k", WaitForWinner))
	require.Equal(t, Compute, r.Outcome)
	require.NotNil(t, r.Lock)
	assert.True(t, r.Lock.Held())
	assert.Equal(t, "rc:k", r.Lock.Name())

	h.facade.Store("k", h.table(60000), r.Lock)
	assert.False(t, r.Lock.Held())

	r = single(t, h.lookup("k", Bypass))
	assert.Equal(t, Hit, r.Outcome)
	assert.Nil(t, r.Lock)
	require.Len(t, r.Partitions.Partitions, 1)
	assert.Equal(t, "abc", r.Partitions.Partitions[0].Result.Hash)

	assert.Equal(t, int64(1), h.stats.Value(Misses))
	assert.Equal(t, int64(1), h.stats.Value(Hits))
}

// TestStaleEntryRecomputes verifies an expired partition forces a
// recomputation.
func TestStaleEntryRecomputes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cache.Put("k", metadata.Marshal(h.table(10)))
	h.sched.AdvanceTimeMs(10)

	r := single(t, h.lookup("k", Bypass))
	assert.Equal(t, Compute, r.Outcome)
	assert.Equal(t, int64(1), h.stats.Value(Expirations))
	h.facade.Abandon(r.Lock)
}

// TestCorruptEntryIsMiss verifies undecodable blobs are counted and treated
// as misses.
func TestCorruptEntryIsMiss(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cache.Put("k", []byte{0xff, 0xff})

	r := single(t, h.lookup("k", Bypass))
	assert.Equal(t, Compute, r.Outcome)
	assert.Equal(t, int64(1), h.stats.Value(Corrupt))
	h.facade.Abandon(r.Lock)
}

// TestBypassContended verifies a bypassing loser does not wait.
func TestBypassContended(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	winner := single(t, h.lookup("k", Bypass))
	require.Equal(t, Compute, winner.Outcome)

	loser := single(t, h.lookup("k", Bypass))
	assert.Equal(t, Contended, loser.Outcome)
	assert.Nil(t, loser.Lock)
	assert.Equal(t, int64(1), h.stats.Value(LockContended))
	assert.Zero(t, h.sched.PendingAlarms())
}

// TestBypassStealsExpiredComputation verifies a computation running past the
// deadline is taken over.
func TestBypassStealsExpiredComputation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	winner := single(t, h.lookup("k", Bypass))
	require.Equal(t, Compute, winner.Outcome)

	h.sched.AdvanceTimeMs(deadlineMs)
	assert.Equal(t, Contended, single(t, h.lookup("k", Bypass)).Outcome)

	h.sched.AdvanceTimeMs(1)
	thief := single(t, h.lookup("k", Bypass))
	assert.Equal(t, Compute, thief.Outcome)
	assert.False(t, winner.Lock.Held())

	// The robbed computation finishing late must not disturb the thief.
	h.facade.Abandon(winner.Lock)
	assert.True(t, thief.Lock.Held())
}

// TestWaitForWinnerRereads verifies a waiting loser sees the winner's
// result instead of recomputing.
func TestWaitForWinnerRereads(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	winner := single(t, h.lookup("k", WaitForWinner))
	require.Equal(t, Compute, winner.Outcome)

	waiting := h.lookup("k", WaitForWinner)
	assert.Empty(t, *waiting)

	h.facade.Store("k", h.table(60000), winner.Lock)
	r := single(t, waiting)
	assert.Equal(t, Hit, r.Outcome)
	assert.Nil(t, r.Lock)
	assert.Zero(t, h.sched.PendingAlarms())
}

// TestWaitForWinnerAfterAbandon verifies the waiter computes when the winner
// gives up.
func TestWaitForWinnerAfterAbandon(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	winner := single(t, h.lookup("k", WaitForWinner))
	waiting := h.lookup("k", WaitForWinner)

	h.facade.Abandon(winner.Lock)
	r := single(t, waiting)
	assert.Equal(t, Compute, r.Outcome)
	assert.True(t, r.Lock.Held())
}

// TestWaitForWinnerTimesOut verifies the wait budget bounds the wait.
func TestWaitForWinnerTimesOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	winner := single(t, h.lookup("k", WaitForWinner))
	require.Equal(t, Compute, winner.Outcome)
	waiting := h.lookup("k", WaitForWinner)

	h.sched.AdvanceTimeMs(waitMs - 1)
	assert.Empty(t, *waiting)
	h.sched.AdvanceTimeMs(1)
	r := single(t, waiting)
	assert.Equal(t, Contended, r.Outcome)
	assert.True(t, winner.Lock.Held())
}

// TestPeekDoesNotLock verifies Peek never creates a computation.
func TestPeekDoesNotLock(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var got []*metadata.OutputPartitions
	h.facade.Peek("k", func(p *metadata.OutputPartitions) { got = append(got, p) })
	require.Len(t, got, 1)
	assert.Nil(t, got[0])

	r := single(t, h.lookup("k", Bypass))
	assert.Equal(t, Compute, r.Outcome, "peek left the key unlocked")
	h.facade.Abandon(r.Lock)
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hit", Hit.String())
	assert.Equal(t, "compute", Compute.String())
	assert.Equal(t, "contended", Contended.String())
	assert.Equal(t, "unknown", Outcome(9).String())
}
