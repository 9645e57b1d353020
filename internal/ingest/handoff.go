package ingest

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Handoff errors.
var (
	ErrHandoffClaimed    = errors.New("handoff already claimed")
	ErrStaleHandoff      = errors.New("handoff superseded by a newer batch")
	ErrHandoffNotClaimed = errors.New("handoff must be claimed before reporting")
	ErrFileNotFound      = errors.New("file not found")
	ErrFileSettled       = errors.New("file already reached a terminal stage")
	ErrInvalidRemoteURL  = errors.New("remote URL rejected")
)

// Handoff is the set of files awaiting upload at the time it was published, together with the callbacks the drainer
// uses to report back. Token increases with every publication; only the newest handoff can be claimed, and only once.
// Files claimed through a handoff never appear in a later one.
type Handoff struct {
	Token uint64
	Files []ImageFile

	intake  *Intake
	claimed bool // Guarded by intake.mu.
	done    bool
}

// Claim takes ownership of the handoff for draining.
func (h *Handoff) Claim() error {
	i := h.intake
	i.mu.Lock()
	defer i.mu.Unlock()

	switch {
	case h.claimed:
		return ErrHandoffClaimed
	case i.closed || i.current != h:
		return ErrStaleHandoff
	}

	h.claimed = true
	for _, f := range h.Files {
		if e, ok := i.byID[f.ID]; ok && e.file.Stage == StagePendingUpload && e.claimedBy == 0 {
			e.claimedBy = h.Token
		}
	}
	return nil
}

// Claimed reports whether a drainer owns the handoff.
func (h *Handoff) Claimed() bool {
	h.intake.mu.Lock()
	defer h.intake.mu.Unlock()
	return h.claimed
}

// ReportProgress advances a file's progress. The first report moves it from pending to uploading.
func (h *Handoff) ReportProgress(id uuid.UUID, pct int) error {
	i := h.intake
	i.mu.Lock()
	defer i.mu.Unlock()

	e, err := h.entryLocked(id)
	if err != nil {
		return err
	}
	e.file.Stage = StageUploading
	e.file.Progress = advance(e.file.Progress, pct)
	return nil
}

// ReportSuccess records the remote URL for a file. The URL is classified first; a URL that may not be persisted
// fails the file instead and ErrInvalidRemoteURL is returned.
func (h *Handoff) ReportSuccess(id uuid.UUID, remoteURL string) error {
	var after []func()
	defer notify(&after)
	i := h.intake
	i.mu.Lock()
	defer i.mu.Unlock()

	e, err := h.entryLocked(id)
	if err != nil {
		return err
	}

	res := i.classifier.Classify(remoteURL)
	if remoteURL == "" {
		res.Valid, res.Error = false, "Upload returned no URL"
	}
	if !res.Valid {
		e.file.Stage = StageFailed
		e.file.Err = res.Error
		return fmt.Errorf("%w: %s", ErrInvalidRemoteURL, res.Error)
	}

	i.completeLocked(e, remoteURL, res.Warning, &after)
	return nil
}

// ReportFailure marks a file failed with message. The preview is kept so the failure can be shown next to the image.
func (h *Handoff) ReportFailure(id uuid.UUID, message string) error {
	i := h.intake
	i.mu.Lock()
	defer i.mu.Unlock()

	e, err := h.entryLocked(id)
	if err != nil {
		return err
	}
	if message == "" {
		message = "Upload failed"
	}
	e.file.Stage = StageFailed
	e.file.Err = message
	return nil
}

// Done ends the drain. Claimed files that were never settled are failed, and the handoff is cleared if it is still
// the current one.
func (h *Handoff) Done() {
	var after []func()
	defer notify(&after)
	i := h.intake
	i.mu.Lock()
	defer i.mu.Unlock()

	if h.done {
		return
	}
	h.done = true
	if h.claimed {
		for _, e := range i.files {
			if e.claimedBy == h.Token && !e.file.Stage.Terminal() {
				e.file.Stage = StageFailed
				e.file.Err = "Upload was not completed"
			}
		}
	}
	if i.current == h {
		i.current = nil
		i.emitHandoffLocked(nil, &after)
	}
}

// entryLocked returns the file id if it belongs to this claimed handoff and can still be mutated.
func (h *Handoff) entryLocked(id uuid.UUID) (*entry, error) {
	if !h.claimed {
		return nil, ErrHandoffNotClaimed
	}
	e, ok := h.intake.byID[id]
	if !ok || e.claimedBy != h.Token {
		return nil, ErrFileNotFound
	}
	if e.file.Stage.Terminal() {
		return nil, ErrFileSettled
	}
	return e, nil
}

func notify(after *[]func()) {
	for _, f := range *after {
		f()
	}
}
