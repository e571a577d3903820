package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestParseContextStatus verifies outcome notes map to statuses.
func TestParseContextStatus(t *testing.T) {
	t.Parallel()

	st, ok := ParseContextStatus("rewritten")
	assert.True(t, ok)
	assert.Equal(t, ContextRewritten, st)

	_, ok = ParseContextStatus("bogus")
	assert.False(t, ok)

	assert.True(t, FilterDelta{}.IsZero())
	assert.False(t, FilterDelta{Rewrites: 1}.IsZero())
}
