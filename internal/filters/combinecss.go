package filters

import (
	"bytes"
	"mime"
	"strings"

	"github.com/JakeFAU/rewrite-core/internal/metadata"
	"github.com/JakeFAU/rewrite-core/internal/rewrite"
)

// CombineCSSID is the CSS combiner's filter ID.
const CombineCSSID = "cc"

// DefaultMaxCombinedBytes caps the size of a combined stylesheet.
const DefaultMaxCombinedBytes = 1 << 20

// CombineCSS merges stylesheets into a single output referenced from the
// first stylesheet's slot. The other slots are removed.
type CombineCSS struct {
	maxBytes int
}

// NewCombineCSS returns a combiner refusing outputs over maxBytes. A
// non-positive maxBytes uses DefaultMaxCombinedBytes.
func NewCombineCSS(maxBytes int) *CombineCSS {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxCombinedBytes
	}
	return &CombineCSS{maxBytes: maxBytes}
}

// ID returns "cc".
func (*CombineCSS) ID() string { return CombineCSSID }

// Encoder returns the multipart encoder.
func (*CombineCSS) Encoder() rewrite.Encoder { return rewrite.MultipartEncoder{} }

// Partition groups every stylesheet into one partition. Fewer than two
// stylesheets leave nothing to combine.
func (*CombineCSS) Partition(_ *rewrite.Context, inputs []*rewrite.Resource) ([]metadata.OutputPartition, bool) {
	var idx []int
	for i, in := range inputs {
		if isCSS(in) {
			idx = append(idx, i)
		}
	}
	if len(idx) < 2 {
		return nil, true
	}
	return []metadata.OutputPartition{{
		Input:  idx,
		Result: metadata.CachedResult{Extension: "css"},
	}}, true
}

// Rewrite concatenates the stylesheets, one per line.
func (f *CombineCSS) Rewrite(_ *rewrite.Context, p *metadata.OutputPartition, inputs []*rewrite.Resource) (rewrite.Result, []byte) {
	var buf bytes.Buffer
	for i, in := range inputs {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(in.Contents)
		if buf.Len() > f.maxBytes {
			return rewrite.RewriteFailed, nil
		}
	}
	p.Result.Extension = "css"
	return rewrite.RewriteOk, buf.Bytes()
}

func isCSS(r *rewrite.Resource) bool {
	if r.ContentType != "" {
		if mediaType, _, err := mime.ParseMediaType(r.ContentType); err == nil {
			return mediaType == "text/css"
		}
	}
	return strings.EqualFold(r.Extension(), "css")
}
