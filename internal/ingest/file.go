// Package ingest implements the image ingestion pipeline: validation of selected files, best-effort compression,
// revocable local previews, the pending-upload handoff, and the retrying upload orchestrator that drains it.
package ingest

import (
	"strings"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

// Stage is a file's position in the ingestion lifecycle.
type Stage string

// Lifecycle stages.
const (
	StageValidating    Stage = "validating"
	StageRejected      Stage = "rejected"
	StageCompressing   Stage = "compressing"
	StagePendingUpload Stage = "pending_upload"
	StageUploading     Stage = "uploading"
	StageUploaded      Stage = "uploaded"
	StageFailed        Stage = "failed"
	StageRemoved       Stage = "removed"
)

// Terminal reports whether no further pipeline mutation can occur for a file in this stage.
func (s Stage) Terminal() bool {
	switch s {
	case StageRejected, StageUploaded, StageFailed, StageRemoved:
		return true
	default:
		return false
	}
}

// inFlight reports whether progress must be non-decreasing in this stage.
func (s Stage) inFlight() bool {
	return s == StageCompressing || s == StagePendingUpload || s == StageUploading
}

// Source is a user-selected file as received: its name, declared media type, and content.
type Source struct {
	Name        string
	ContentType string
	Data        []byte
}

// Size returns the content length in bytes.
func (s Source) Size() int64 {
	return int64(len(s.Data))
}

// ImageFile is one selected image and its pipeline state. Values handed out by Intake and Handoff are snapshots;
// mutating them has no effect on the pipeline.
type ImageFile struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Source      Source    `json:"-"`
	Working     []byte    `json:"-"`
	ContentType string    `json:"content_type"` // Media type of Working.
	Preview     string    `json:"preview,omitempty"`
	Stage       Stage     `json:"stage"`
	Progress    int       `json:"progress"`
	RemoteURL   string    `json:"remote_url,omitempty"`
	Warning     string    `json:"warning,omitempty"`
	Err         string    `json:"error,omitempty"`
}

var namePolicy = bluemonday.StrictPolicy()

// sanitiseName strips markup from a client-supplied file name so it is safe to echo back in responses and events.
func sanitiseName(name string) string {
	name = strings.TrimSpace(namePolicy.Sanitize(name))
	if name == "" {
		return "image"
	}
	return name
}
