// Package filters holds the built-in rewrite filters: cache extension,
// which renames a resource after its content hash, and CSS combining,
// which merges stylesheets into one output.
package filters
