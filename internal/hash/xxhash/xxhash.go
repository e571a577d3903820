// Package xxhash provides a fast non-cryptographic content hasher.
package xxhash

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Hasher implements hash.Hasher using xxHash64.
type Hasher struct{}

// New returns an xxHash64 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the 16 character hex digest of data.
func (Hasher) Hash(data []byte) (string, error) {
	return Hex(xxhash.Sum64(data)), nil
}

// Hex formats a 64-bit digest as 16 zero-padded hex characters.
func Hex(sum uint64) string {
	s := strconv.FormatUint(sum, 16)
	return strings.Repeat("0", 16-len(s)) + s
}
