package ingest

import (
	"math"
	"sync"

	"github.com/google/uuid"
)

// Per-file progress checkpoints reported by the orchestrator.
const (
	ProgressDispatched = 10
	ProgressPrepared   = 30
	ProgressAttempted  = 80
	ProgressDone       = 100
)

// Overall returns round(100 * terminal / total). An empty batch is complete.
func Overall(terminal, total int) int {
	if total <= 0 {
		return ProgressDone
	}
	terminal = min(max(terminal, 0), total)
	return int(math.Round(100 * float64(terminal) / float64(total)))
}

// BatchProgress counts terminal files in a batch. It advances only in whole-file increments and is safe for use by
// concurrent uploads.
type BatchProgress struct {
	mu       sync.Mutex
	total    int
	terminal int
}

// NewBatchProgress starts tracking a batch of total files.
func NewBatchProgress(total int) *BatchProgress {
	return &BatchProgress{total: total}
}

// Complete marks one more file terminal and returns the new overall percentage.
func (p *BatchProgress) Complete() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminal < p.total {
		p.terminal++
	}
	return Overall(p.terminal, p.total)
}

// Overall returns the current overall percentage.
func (p *BatchProgress) Overall() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Overall(p.terminal, p.total)
}

// advance returns the progress a file should show after a report of pct: clamped to 0..100 and never below cur.
func advance(cur, pct int) int {
	return max(cur, min(max(pct, 0), ProgressDone))
}

// EventKind identifies an upload event.
type EventKind string

// Upload events emitted while draining a handoff.
const (
	EventFileProgress EventKind = "file.progress"
	EventFileUploaded EventKind = "file.uploaded"
	EventFileFailed   EventKind = "file.failed"
	EventBatchDone    EventKind = "batch.done"
)

// Event reports a change in a drained batch. Overall is the batch percentage at the time of the event.
type Event struct {
	Kind     EventKind `json:"kind"`
	Token    uint64    `json:"token"`
	FileID   uuid.UUID `json:"file_id,omitzero"`
	Name     string    `json:"name,omitempty"`
	Progress int       `json:"progress"`
	Overall  int       `json:"overall"`
	Attempt  int       `json:"attempt,omitempty"`
	URL      string    `json:"url,omitempty"`
	Warning  string    `json:"warning,omitempty"`
	Error    string    `json:"error,omitempty"`
}
