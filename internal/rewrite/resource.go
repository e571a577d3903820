package rewrite

import (
	"mime"
	"net/url"
	"path"
	"strings"
	"sync"
)

// Resource is an input or output body together with its origin metadata.
// A Resource is only mutated on the rewrite sequence of the context using
// it.
type Resource struct {
	URL         string
	ContentType string
	Contents    []byte
	// ExpirationMs is the wall-clock millisecond at which Contents go stale.
	ExpirationMs int64
	// Loaded is set once a fetch attempt has finished.
	Loaded bool
	// Err records a failed fetch.
	Err error
}

// NewResource returns an unloaded resource for url.
func NewResource(url string) *Resource {
	return &Resource{URL: url}
}

// Valid reports whether the resource loaded successfully.
func (r *Resource) Valid() bool {
	return r.Loaded && r.Err == nil
}

// Extension returns the file extension of the resource without the dot,
// preferring the URL path and falling back to the content type.
func (r *Resource) Extension() string {
	if u, err := url.Parse(r.URL); err == nil {
		if ext := strings.TrimPrefix(path.Ext(u.Path), "."); ext != "" {
			return strings.ToLower(ext)
		}
	}
	if r.ContentType != "" {
		mediaType, _, err := mime.ParseMediaType(r.ContentType)
		if err == nil {
			if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
				return strings.TrimPrefix(exts[0], ".")
			}
		}
	}
	return ""
}

// Slot is a position in a document, or in a parent rewrite, that holds an
// input resource and accepts a replacement at render time. Contexts sharing
// a slot run one after another in the order they were initiated.
type Slot struct {
	resource *Resource
	// last is the most recent context to claim the slot. Only touched on the
	// rewrite sequence.
	last *Context

	mu       sync.Mutex
	output   string
	rendered bool
	removed  bool
}

// NewSlot returns a slot holding r.
func NewSlot(r *Resource) *Slot {
	return &Slot{resource: r}
}

// Resource returns the input resource.
func (s *Slot) Resource() *Resource { return s.resource }

// Render replaces the slot's reference with url.
func (s *Slot) Render(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = url
	s.rendered = true
	s.removed = false
}

// Remove marks the slot's element for deletion, as when its content has
// been combined into another slot's output.
func (s *Slot) Remove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = true
	s.rendered = false
}

// Output returns the rendered URL and whether the slot was rewritten.
func (s *Slot) Output() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output, s.rendered
}

// Removed reports whether the slot's element should be deleted.
func (s *Slot) Removed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

// URL returns what the document should reference: the rewritten URL, the
// original URL, or "" for a removed element.
func (s *Slot) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.removed:
		return ""
	case s.rendered:
		return s.output
	default:
		return s.resource.URL
	}
}
