package filters

import (
	"github.com/JakeFAU/rewrite-core/internal/metadata"
	"github.com/JakeFAU/rewrite-core/internal/rewrite"
)

// CacheExtendID is the cache extender's filter ID.
const CacheExtendID = "ce"

// CacheExtend serves each input unchanged under a content-hashed URL, so it
// can be cached for a year.
type CacheExtend struct{}

// NewCacheExtend returns the cache extender.
func NewCacheExtend() *CacheExtend { return &CacheExtend{} }

// ID returns "ce".
func (*CacheExtend) ID() string { return CacheExtendID }

// Encoder returns the multipart encoder.
func (*CacheExtend) Encoder() rewrite.Encoder { return rewrite.MultipartEncoder{} }

// SingleResource marks the filter as one input per context.
func (*CacheExtend) SingleResource() {}

// Partition puts every input in its own partition.
func (*CacheExtend) Partition(_ *rewrite.Context, inputs []*rewrite.Resource) ([]metadata.OutputPartition, bool) {
	parts := make([]metadata.OutputPartition, 0, len(inputs))
	for i := range inputs {
		parts = append(parts, metadata.OutputPartition{Input: []int{i}})
	}
	return parts, true
}

// Rewrite returns the input bytes. Empty inputs are not worth renaming.
func (*CacheExtend) Rewrite(_ *rewrite.Context, _ *metadata.OutputPartition, inputs []*rewrite.Resource) (rewrite.Result, []byte) {
	in := inputs[0]
	if len(in.Contents) == 0 {
		return rewrite.RewriteFailed, nil
	}
	return rewrite.RewriteOk, in.Contents
}
