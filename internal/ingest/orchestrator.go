package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/vitrine-shop/vitrine-server/internal/media"
)

// Upload policy defaults.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

// Storage is the remote storage collaborator. Satisfied by *media.Bucket.
type Storage interface {
	Upload(ctx context.Context, data []byte, contentType, ownerID, variant string) (string, error)
	Delete(ctx context.Context, rawURL, bucket string) error
}

// Options controls retries and parallelism.
type Options struct {
	MaxAttempts int           // Total attempts per file, including the first.
	RetryDelay  time.Duration // Attempt n+1 waits RetryDelay*n after attempt n fails.
	Concurrency int           // Files uploaded at once. 1 keeps uploads strictly in selection order.
	Observer    media.Observer
	Listener    func(Event) // Receives progress events. Called from upload goroutines when Concurrency > 1.
}

// DefaultOptions returns sequential uploads with three attempts and a one second base delay.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: DefaultMaxAttempts,
		RetryDelay:  DefaultRetryDelay,
		Concurrency: 1,
	}
}

// Destination names where a batch is stored.
type Destination struct {
	OwnerID string
	Variant string
}

// FileResult is the outcome for one file of a drained batch.
type FileResult struct {
	ID       uuid.UUID
	Name     string
	URL      string
	Attempts int
	Err      error
	// Orphan is set when storage accepted the object but the intake refused its URL, because the URL failed
	// classification or the file was removed during the upload. Nothing references the object; the caller deletes it.
	Orphan string
}

// BatchResult summarises a drained handoff. Results are in handoff order.
type BatchResult struct {
	Token    uint64
	Results  []FileResult
	Uploaded int
	Failed   int
}

// Orchestrator uploads files to storage with bounded linear-backoff retries.
type Orchestrator struct {
	storage Storage
	opts    Options
	log     zerolog.Logger
}

// NewOrchestrator creates an orchestrator. Zero MaxAttempts and Concurrency take their defaults; a zero RetryDelay
// retries immediately.
func NewOrchestrator(storage Storage, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Observer == nil {
		opts.Observer = media.NopObserver{}
	}
	return &Orchestrator{
		storage: storage,
		opts:    opts,
		log:     logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Upload stores one file. The first attempt runs immediately; after attempt n fails the next waits RetryDelay*n.
// It returns the URL and the number of attempts made, or the last error once MaxAttempts attempts have failed.
// onAttempt, if non-nil, is called after every attempt.
func (o *Orchestrator) Upload(ctx context.Context, file ImageFile, dest Destination, onAttempt func(attempt int, err error)) (string, int, error) {
	var (
		url      string
		attempts int
		n        time.Duration
	)
	backoff := retry.WithMaxRetries(uint64(o.opts.MaxAttempts-1), retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return o.opts.RetryDelay * n, false
	}))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		var err error
		url, err = o.storage.Upload(ctx, file.Working, file.ContentType, dest.OwnerID, dest.Variant)
		o.opts.Observer.RecordUploadAttempt(attempts, err)
		if onAttempt != nil {
			onAttempt(attempts, err)
		}
		if err != nil {
			o.log.Debug().Err(err).Str("file_id", file.ID.String()).Int("attempt", attempts).Msg("Upload attempt failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", attempts, err
	}
	return url, attempts, nil
}

// Drain claims h and uploads its files to dest, reporting every step back through the handoff. A file that exhausts
// its attempts is failed without affecting the others. The handoff is marked done before Drain returns.
func (o *Orchestrator) Drain(ctx context.Context, h *Handoff, dest Destination) (BatchResult, error) {
	if err := h.Claim(); err != nil {
		return BatchResult{}, fmt.Errorf("claim handoff %d: %w", h.Token, err)
	}
	defer h.Done()

	res := BatchResult{Token: h.Token, Results: make([]FileResult, len(h.Files))}
	progress := NewBatchProgress(len(h.Files))

	if o.opts.Concurrency == 1 {
		for idx, f := range h.Files {
			res.Results[idx] = o.drainFile(ctx, h, f, dest, progress)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.opts.Concurrency)
		for idx, f := range h.Files {
			g.Go(func() error {
				res.Results[idx] = o.drainFile(gctx, h, f, dest, progress)
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, r := range res.Results {
		if r.Err != nil {
			res.Failed++
		} else {
			res.Uploaded++
		}
	}
	o.emit(Event{Kind: EventBatchDone, Token: h.Token, Progress: ProgressDone, Overall: progress.Overall()})
	o.log.Info().Uint64("token", h.Token).Int("uploaded", res.Uploaded).Int("failed", res.Failed).Msg("Batch drained")
	return res, nil
}

func (o *Orchestrator) drainFile(ctx context.Context, h *Handoff, f ImageFile, dest Destination, progress *BatchProgress) FileResult {
	r := FileResult{ID: f.ID, Name: f.Name}

	if err := o.report(h, f, ProgressDispatched, progress); err != nil {
		r.Err = err
		o.settle(h, f, r, progress)
		return r
	}
	if err := o.report(h, f, ProgressPrepared, progress); err != nil {
		r.Err = err
		o.settle(h, f, r, progress)
		return r
	}

	url, attempts, err := o.Upload(ctx, f, dest, func(attempt int, err error) {
		if rerr := h.ReportProgress(f.ID, ProgressAttempted); rerr == nil {
			ev := Event{Kind: EventFileProgress, Token: h.Token, FileID: f.ID, Name: f.Name,
				Progress: ProgressAttempted, Overall: progress.Overall(), Attempt: attempt}
			if err != nil {
				ev.Error = err.Error()
			}
			o.emit(ev)
		}
	})
	r.Attempts = attempts
	if err != nil {
		r.Err = err
		if rerr := h.ReportFailure(f.ID, err.Error()); rerr != nil && !errors.Is(rerr, ErrFileNotFound) {
			o.log.Warn().Err(rerr).Str("file_id", f.ID.String()).Msg("Failure report rejected")
		}
	} else if rerr := h.ReportSuccess(f.ID, url); rerr != nil {
		r.Err = rerr
		r.Orphan = url
	} else {
		r.URL = url
	}

	o.settle(h, f, r, progress)
	return r
}

// report advances a file's progress and emits the matching event. It fails when the file was removed.
func (o *Orchestrator) report(h *Handoff, f ImageFile, pct int, progress *BatchProgress) error {
	if err := h.ReportProgress(f.ID, pct); err != nil {
		return err
	}
	o.emit(Event{Kind: EventFileProgress, Token: h.Token, FileID: f.ID, Name: f.Name, Progress: pct, Overall: progress.Overall()})
	return nil
}

// settle counts the file as terminal and emits its final event.
func (o *Orchestrator) settle(h *Handoff, f ImageFile, r FileResult, progress *BatchProgress) {
	overall := progress.Complete()
	ev := Event{Token: h.Token, FileID: f.ID, Name: f.Name, Overall: overall, Attempt: r.Attempts}
	if r.Err != nil {
		ev.Kind = EventFileFailed
		ev.Error = r.Err.Error()
		if snap, ok := h.intake.File(f.ID); ok {
			ev.Progress = snap.Progress
		}
		o.log.Warn().Err(r.Err).Str("file_id", f.ID.String()).Int("attempts", r.Attempts).Msg("File upload failed")
	} else {
		ev.Kind = EventFileUploaded
		ev.Progress = ProgressDone
		ev.URL = r.URL
		if snap, ok := h.intake.File(f.ID); ok {
			ev.Warning = snap.Warning
		}
	}
	o.emit(ev)
}

func (o *Orchestrator) emit(ev Event) {
	if o.opts.Listener != nil {
		o.opts.Listener(ev)
	}
}

// DeleteReplaced removes a remote object that is no longer referenced. Only URLs in bucket are deleted.
func (o *Orchestrator) DeleteReplaced(ctx context.Context, rawURL, bucket string) error {
	if err := o.storage.Delete(ctx, rawURL, bucket); err != nil {
		return fmt.Errorf("delete replaced image: %w", err)
	}
	return nil
}
