package rewrite

import "github.com/JakeFAU/rewrite-core/internal/metadata"

// Result is a filter's verdict on one partition.
type Result int

// Rewrite results.
const (
	// RewriteOk means the output bytes replace the inputs.
	RewriteOk Result = iota
	// RewriteFailed means the inputs cannot be optimized. The failure is
	// cached so the work is not retried until the inputs expire.
	RewriteFailed
	// TooBusy means the filter skipped the work. Nothing is cached.
	TooBusy
)

func (r Result) String() string {
	switch r {
	case RewriteOk:
		return "ok"
	case RewriteFailed:
		return "failed"
	case TooBusy:
		return "too_busy"
	default:
		return "unknown"
	}
}

// Filter is a resource optimization. Partition and Rewrite run on the
// rewrite sequence of the calling context and must not block on it.
type Filter interface {
	// ID is the short identifier embedded in output URLs.
	ID() string
	// Encoder names outputs after their inputs.
	Encoder() Encoder
	// Partition groups the loaded inputs into outputs. It must be a pure
	// function of the inputs and the context's resource context. Returning
	// no partitions means nothing can be done; ok false abandons the attempt
	// without caching anything.
	Partition(c *Context, inputs []*Resource) (partitions []metadata.OutputPartition, ok bool)
	// Rewrite produces the output bytes for one partition. inputs holds the
	// partition's resources in partition order. The filter may set
	// p.Result.Extension and p.Result.Metadata; the context fills in the
	// rest of the result.
	Rewrite(c *Context, p *metadata.OutputPartition, inputs []*Resource) (Result, []byte)
}

// Harvester is implemented by filters that combine the results of nested
// contexts. Harvest runs once every nested context is done and before the
// partition table is written.
type Harvester interface {
	Harvest(c *Context)
}

// SingleResource marks filters whose contexts each rewrite one input. The
// driver gives every input its own context instead of one context for all
// of them.
type SingleResource interface {
	SingleResource()
}
