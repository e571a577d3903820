package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAddVariableIsIdempotent verifies one name maps to one variable.
func TestAddVariableIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	a := s.AddVariable("cache-hits")
	b := s.AddVariable("cache-hits")
	require.Same(t, a, b)

	a.Inc()
	a.Add(2)
	assert.Equal(t, int64(3), b.Get())
	assert.Equal(t, int64(3), s.Value("cache-hits"))
	assert.Zero(t, s.Value("missing"))
	assert.Nil(t, s.Lookup("missing"))
}

// TestUpDownCounter covers Set and negative deltas.
func TestUpDownCounter(t *testing.T) {
	t.Parallel()

	s := New()
	c := s.AddUpDownCounter("queue-size")
	assert.Equal(t, KindUpDown, c.Kind())
	c.Add(5)
	c.Add(-2)
	assert.Equal(t, int64(3), c.Get())
	c.Set(10)
	assert.Equal(t, int64(10), s.Value("queue-size"))
}

// TestConcurrentIncrements checks atomicity under contention.
func TestConcurrentIncrements(t *testing.T) {
	t.Parallel()

	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.AddVariable("requests").Inc()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1600), s.Value("requests"))
}

// TestSnapshotAndClear verifies the sorted listing and reset.
func TestSnapshotAndClear(t *testing.T) {
	t.Parallel()

	s := New()
	s.AddVariable("b").Add(2)
	s.AddUpDownCounter("a").Add(1)

	assert.Equal(t, map[string]int64{"a": 1, "b": 2}, s.Snapshot())
	vars := s.Variables()
	require.Len(t, vars, 2)
	assert.Equal(t, "a", vars[0].Name())
	assert.Equal(t, "b", vars[1].Name())

	s.Clear()
	assert.Equal(t, map[string]int64{"a": 0, "b": 0}, s.Snapshot())
}
