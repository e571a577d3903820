// Package hash defines the content hasher that names rewritten outputs.
// Output URLs embed the hash, so a hasher must be deterministic across
// processes and produce only URL-safe characters.
package hash

// Hasher digests content into a URL-safe string.
type Hasher interface {
	Hash(data []byte) (string, error)
}
