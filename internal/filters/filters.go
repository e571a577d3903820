package filters

import (
	"fmt"

	"github.com/JakeFAU/rewrite-core/internal/rewrite"
)

// Options configure the built-in filters.
type Options struct {
	MaxCombinedBytes int
}

// New returns the built-in filter with the given ID.
func New(id string, opts Options) (rewrite.Filter, error) {
	switch id {
	case CacheExtendID:
		return NewCacheExtend(), nil
	case CombineCSSID:
		return NewCombineCSS(opts.MaxCombinedBytes), nil
	default:
		return nil, fmt.Errorf("%w: %q", rewrite.ErrUnknownFilter, id)
	}
}
