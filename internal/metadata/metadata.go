// Package metadata defines the result envelope persisted in the metadata
// cache: the partition table a rewrite produced, with one CachedResult per
// partition.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Version is the format version written by Marshal. Blobs without a version
// field are version 0 and parse the same way.
const Version = 1

// ErrCorrupt is returned for blobs that cannot be decoded.
var ErrCorrupt = errors.New("metadata: corrupt partition table")

// CachedResult describes the outcome of rewriting one partition.
type CachedResult struct {
	Optimizable bool `json:"optimizable"`
	// URL and Hash are set iff Optimizable.
	URL                    string            `json:"url,omitempty"`
	Hash                   string            `json:"hash,omitempty"`
	Extension              string            `json:"extension,omitempty"`
	OriginExpirationTimeMs int64             `json:"origin_expiration_time_ms"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	Size                   int64             `json:"size,omitempty"`
}

// OutputPartition groups input slot indices sharing a single output.
type OutputPartition struct {
	Input  []int        `json:"input"`
	Result CachedResult `json:"result"`
}

// OutputPartitions is the persisted partition table.
type OutputPartitions struct {
	Partitions []OutputPartition `json:"partitions"`
	// ExpirationTimeMs is the earliest input expiration. It gates the
	// freshness of an empty table.
	ExpirationTimeMs int64 `json:"expiration_time_ms"`
	Version          int   `json:"version"`
}

// IsFresh reports whether every partition outlives nowMs. An empty table is
// fresh until ExpirationTimeMs.
func (p *OutputPartitions) IsFresh(nowMs int64) bool {
	if len(p.Partitions) == 0 {
		return p.ExpirationTimeMs > nowMs
	}
	for i := range p.Partitions {
		if p.Partitions[i].Result.OriginExpirationTimeMs <= nowMs {
			return false
		}
	}
	return true
}

// EarliestExpirationMs returns the smallest partition expiration, or
// ExpirationTimeMs for an empty table.
func (p *OutputPartitions) EarliestExpirationMs() int64 {
	if len(p.Partitions) == 0 {
		return p.ExpirationTimeMs
	}
	earliest := p.Partitions[0].Result.OriginExpirationTimeMs
	for _, part := range p.Partitions[1:] {
		if part.Result.OriginExpirationTimeMs < earliest {
			earliest = part.Result.OriginExpirationTimeMs
		}
	}
	return earliest
}

// Find returns the partition whose output URL is url.
func (p *OutputPartitions) Find(url string) (*OutputPartition, bool) {
	for i := range p.Partitions {
		if r := &p.Partitions[i].Result; r.Optimizable && r.URL == url {
			return &p.Partitions[i], true
		}
	}
	return nil, false
}

// DebugJSON renders p as indented JSON for inspection endpoints and logs.
func (p *OutputPartitions) DebugJSON() ([]byte, error) {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal partitions: %w", err)
	}
	return b, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
