package rewrite

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadResourceName is returned for output names that do not decode.
var ErrBadResourceName = errors.New("rewrite: malformed resource name")

const pagespeedMarker = "pagespeed"

// ResourceName is the leaf of an output URL:
// <name>.pagespeed.<id>.<hash>.<ext>, where name is the filter's encoding
// of the input URLs.
type ResourceName struct {
	Name string
	ID   string
	Hash string
	Ext  string
}

// String encodes the name as a URL leaf.
func (n ResourceName) String() string {
	return strings.Join([]string{n.Name, pagespeedMarker, n.ID, n.Hash, n.Ext}, ".")
}

// ParseResourceName decodes an output URL leaf. The encoded name may itself
// contain dots, so the fixed fields are taken from the right.
func ParseResourceName(leaf string) (ResourceName, error) {
	parts := strings.Split(leaf, ".")
	n := len(parts)
	if n < 5 || parts[n-4] != pagespeedMarker {
		return ResourceName{}, fmt.Errorf("%w: %q", ErrBadResourceName, leaf)
	}
	name := ResourceName{
		Name: strings.Join(parts[:n-4], "."),
		ID:   parts[n-3],
		Hash: parts[n-2],
		Ext:  parts[n-1],
	}
	if name.Name == "" || name.ID == "" || name.Hash == "" || name.Ext == "" {
		return ResourceName{}, fmt.Errorf("%w: %q", ErrBadResourceName, leaf)
	}
	return name, nil
}
