package ingest

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Preview registry errors.
var (
	ErrPreviewReleased = errors.New("preview handle already released")
	ErrUnknownPreview  = errors.New("unknown preview handle")
)

type preview struct {
	data        []byte
	contentType string
}

// PreviewRegistry hands out revocable local handles for files that do not have a remote URL yet. Each handle must be
// released exactly once; releasing twice or opening a released handle is an error.
type PreviewRegistry struct {
	mu       sync.Mutex
	origin   string
	live     map[string]preview
	released map[string]struct{}
}

// NewPreviewRegistry creates a registry whose handles have the form "blob:<origin>/<uuid>".
func NewPreviewRegistry(origin string) *PreviewRegistry {
	return &PreviewRegistry{
		origin:   strings.TrimRight(origin, "/"),
		live:     make(map[string]preview),
		released: make(map[string]struct{}),
	}
}

// Acquire registers data and returns a new handle for it.
func (r *PreviewRegistry) Acquire(data []byte, contentType string) string {
	handle := "blob:" + r.origin + "/" + uuid.NewString()

	r.mu.Lock()
	r.live[handle] = preview{data: data, contentType: contentType}
	r.mu.Unlock()
	return handle
}

// Release revokes handle. It returns ErrPreviewReleased if the handle was already released and ErrUnknownPreview if
// it was never issued by this registry.
func (r *PreviewRegistry) Release(handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[handle]; !ok {
		if _, gone := r.released[handle]; gone {
			return ErrPreviewReleased
		}
		return ErrUnknownPreview
	}
	delete(r.live, handle)
	r.released[handle] = struct{}{}
	return nil
}

// Open returns the bytes and media type behind a live handle.
func (r *PreviewRegistry) Open(handle string) ([]byte, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.live[handle]
	if !ok {
		if _, gone := r.released[handle]; gone {
			return nil, "", ErrPreviewReleased
		}
		return nil, "", ErrUnknownPreview
	}
	return p.data, p.contentType, nil
}

// ReleaseAll revokes every live handle and returns how many were released.
func (r *PreviewRegistry) ReleaseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.live)
	for handle := range r.live {
		r.released[handle] = struct{}{}
	}
	clear(r.live)
	return n
}

// Len returns the number of live handles.
func (r *PreviewRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// IsPreviewHandle reports whether s looks like a local preview handle rather than a remote URL.
func IsPreviewHandle(s string) bool {
	return strings.HasPrefix(strings.ToLower(s), "blob:")
}
