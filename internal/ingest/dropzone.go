package ingest

import (
	"context"
	"sync"
)

// Selector receives the files of a completed drop. Satisfied by *Intake.
type Selector interface {
	Select(ctx context.Context, batch []Source) SelectResult
	Disabled() bool
}

// DropZone tracks nested drag enter/leave events over the selection surface. A depth counter rather than a boolean
// keeps the dragging state stable while the pointer crosses child elements.
type DropZone struct {
	mu       sync.Mutex
	target   Selector
	depth    int
	dragging bool
}

// NewDropZone creates a drop zone that forwards dropped files to target.
func NewDropZone(target Selector) *DropZone {
	return &DropZone{target: target}
}

// Enter records a drag entering the surface. Only payloads carrying files turn the dragging state on.
func (z *DropZone) Enter(hasFiles bool) {
	if z.target.Disabled() {
		return
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	z.depth++
	if hasFiles && z.depth > 0 {
		z.dragging = true
	}
}

// Leave records a drag leaving the surface or one of its children.
func (z *DropZone) Leave() {
	if z.target.Disabled() {
		return
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.depth > 0 {
		z.depth--
	}
	if z.depth == 0 {
		z.dragging = false
	}
}

// Drop resets the drag state and forwards files exactly as a picker selection would.
func (z *DropZone) Drop(ctx context.Context, files []Source) SelectResult {
	if z.target.Disabled() {
		return SelectResult{}
	}
	z.mu.Lock()
	z.depth = 0
	z.dragging = false
	z.mu.Unlock()

	return z.target.Select(ctx, files)
}

// Dragging reports whether a file drag is over the surface.
func (z *DropZone) Dragging() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.dragging
}

// Depth returns the current nesting depth of drag events.
func (z *DropZone) Depth() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.depth
}
