package filters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rewrite-core/internal/metadata"
	"github.com/JakeFAU/rewrite-core/internal/rewrite"
)

func loaded(url, contentType, body string) *rewrite.Resource {
	r := rewrite.NewResource(url)
	r.Loaded = true
	r.ContentType = contentType
	r.Contents = []byte(body)
	return r
}

// TestNewKnowsBuiltins verifies lookup by ID.
func TestNewKnowsBuiltins(t *testing.T) {
	t.Parallel()

	f, err := New(CacheExtendID, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ce", f.ID())

	f, err = New(CombineCSSID, Options{})
	require.NoError(t, err)
	assert.Equal(t, "cc", f.ID())

	_, err = New("zz", Options{})
	require.ErrorIs(t, err, rewrite.ErrUnknownFilter)
}

// TestCacheExtendPartitionsPerInput verifies one partition per input.
func TestCacheExtendPartitionsPerInput(t *testing.T) {
	t.Parallel()

	f := NewCacheExtend()
	inputs := []*rewrite.Resource{
		loaded("http://a.com/a.css", "text/css", "a{}"),
		loaded("http://a.com/b.js", "text/javascript", "b()"),
	}
	parts, ok := f.Partition(nil, inputs)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, []int{0}, parts[0].Input)
	assert.Equal(t, []int{1}, parts[1].Input)

	res, out := f.Rewrite(nil, &parts[1], inputs[1:])
	assert.Equal(t, rewrite.RewriteOk, res)
	assert.Equal(t, "b()", string(out))

	res, _ = f.Rewrite(nil, &parts[0], []*rewrite.Resource{loaded("http://a.com/e.css", "", "")})
	assert.Equal(t, rewrite.RewriteFailed, res)
}

// TestCombineCSSPartition verifies only stylesheets are combined.
func TestCombineCSSPartition(t *testing.T) {
	t.Parallel()

	f := NewCombineCSS(0)
	inputs := []*rewrite.Resource{
		loaded("http://a.com/a.css", "", "a{}"),
		loaded("http://a.com/x.js", "text/javascript", "x()"),
		loaded("http://a.com/style", "text/css; charset=utf-8", "b{}"),
	}
	parts, ok := f.Partition(nil, inputs)
	require.True(t, ok)
	require.Len(t, parts, 1)
	assert.Equal(t, []int{0, 2}, parts[0].Input)
	assert.Equal(t, "css", parts[0].Result.Extension)

	parts, ok = f.Partition(nil, inputs[:2])
	require.True(t, ok)
	assert.Empty(t, parts)
}

// TestCombineCSSRewrite verifies concatenation and the size cap.
func TestCombineCSSRewrite(t *testing.T) {
	t.Parallel()

	inputs := []*rewrite.Resource{
		loaded("http://a.com/a.css", "text/css", "a{}"),
		loaded("http://a.com/b.css", "text/css", "b{}"),
	}
	p := &metadata.OutputPartition{Input: []int{0, 1}}
	res, out := NewCombineCSS(0).Rewrite(nil, p, inputs)
	assert.Equal(t, rewrite.RewriteOk, res)
	assert.Equal(t, "a{}\nb{}", string(out))
	assert.Equal(t, "css", p.Result.Extension)

	res, out = NewCombineCSS(5).Rewrite(nil, p, inputs)
	assert.Equal(t, rewrite.RewriteFailed, res)
	assert.Nil(t, out)
}
