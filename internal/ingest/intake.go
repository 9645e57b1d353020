package ingest

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitrine-shop/vitrine-server/internal/imageurl"
	"github.com/vitrine-shop/vitrine-server/internal/media"
)

// Defaults for Config fields left at their zero value.
const (
	DefaultMaxFiles      = 10
	DefaultMaxFileSizeMB = 5
	defaultPreviewOrigin = "http://localhost"
	singleModeMaxFiles   = 1
	bytesPerMB           = 1024 * 1024
)

// DefaultAcceptedFormats are the media types accepted when none are configured.
var DefaultAcceptedFormats = []string{"image/jpeg", "image/png", "image/webp"}

// ErrNotRetryable is returned by Retry for files that are not failed or have nothing to upload.
var ErrNotRetryable = errors.New("file cannot be retried")

// Config holds the options an intake recognises. Zero values fall back to the documented defaults.
type Config struct {
	Multiple        bool                  // Gallery mode. When false the intake holds a single image.
	MaxFiles        int                   // Default 10 in gallery mode; always 1 in single mode.
	MaxFileSizeMB   float64               // Default 5.
	AcceptedFormats []string              // Default DefaultAcceptedFormats.
	Compression     media.CompressOptions // Applied to every accepted file.
	Disabled        bool                  // Ignore selections and drops.
}

// DefaultConfig returns the configuration for a gallery (multiple) or single-image intake.
func DefaultConfig(multiple bool) Config {
	cfg := Config{
		Multiple:        multiple,
		MaxFileSizeMB:   DefaultMaxFileSizeMB,
		AcceptedFormats: slices.Clone(DefaultAcceptedFormats),
		Compression:     media.DefaultCompressOptions(),
	}
	if multiple {
		cfg.MaxFiles = DefaultMaxFiles
	} else {
		cfg.MaxFiles = singleModeMaxFiles
	}
	return cfg
}

func (c Config) withDefaults() Config {
	if !c.Multiple {
		c.MaxFiles = singleModeMaxFiles
	} else if c.MaxFiles <= 0 {
		c.MaxFiles = DefaultMaxFiles
	}
	if c.MaxFileSizeMB <= 0 {
		c.MaxFileSizeMB = DefaultMaxFileSizeMB
	}
	if len(c.AcceptedFormats) == 0 {
		c.AcceptedFormats = slices.Clone(DefaultAcceptedFormats)
	}
	return c
}

// Limits returns the validation limits implied by the configuration.
func (c Config) Limits() Limits {
	return Limits{
		MaxFiles:         c.MaxFiles,
		MaxFileSizeBytes: int64(c.MaxFileSizeMB * bytesPerMB),
		AcceptedFormats:  c.AcceptedFormats,
		AllowMultiple:    c.Multiple,
	}
}

// Compressor reduces accepted files before upload. Satisfied by *media.Compressor.
type Compressor interface {
	Compress(ctx context.Context, data []byte, contentType string, opts media.CompressOptions) media.Compressed
}

// Option configures an Intake.
type Option func(*Intake)

// WithInitial seeds the intake with remote URLs the caller already holds. They count towards MaxFiles and appear in
// Value but are never registered as previews.
func WithInitial(urls ...string) Option {
	return func(i *Intake) {
		for _, u := range urls {
			if u != "" {
				i.initial = append(i.initial, u)
			}
		}
	}
}

// WithPreviews sets the preview registry. By default each intake owns a private registry.
func WithPreviews(r *PreviewRegistry) Option {
	return func(i *Intake) { i.previews = r }
}

// WithClassifier sets the classifier applied to reported remote URLs.
func WithClassifier(c *imageurl.Classifier) Option {
	return func(i *Intake) { i.classifier = c }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(i *Intake) { i.log = logger.With().Str("component", "intake").Logger() }
}

// OnHandoff registers fn to receive every published handoff. fn receives nil when the pending set is cleared.
func OnHandoff(fn func(*Handoff)) Option {
	return func(i *Intake) { i.onHandoff = fn }
}

// OnChange registers fn to receive the externally visible value whenever it changes.
func OnChange(fn func([]string)) Option {
	return func(i *Intake) { i.onChange = fn }
}

// OnReplace registers fn to receive a remote URL that a successful single-mode upload has replaced. The URL is only
// reported after the new upload is confirmed.
func OnReplace(fn func(string)) Option {
	return func(i *Intake) { i.onReplace = fn }
}

// SelectResult reports the outcome of one selection.
type SelectResult struct {
	Accepted []ImageFile
	Rejected []ImageFile
	Errors   []*ValidationError
	Handoff  *Handoff
}

type entry struct {
	file      ImageFile
	claimedBy uint64 // Token of the handoff draining the file; zero while unclaimed.
}

// Intake owns the files of one selection surface. It validates and compresses selections, holds their previews, and
// publishes a Handoff whenever the set of files awaiting upload changes. All methods are safe for concurrent use.
type Intake struct {
	selectMu sync.Mutex // Serialises selections so batches are processed in order.

	mu         sync.Mutex
	cfg        Config
	compressor Compressor
	previews   *PreviewRegistry
	classifier *imageurl.Classifier
	log        zerolog.Logger

	initial []string
	files   []*entry
	byID    map[uuid.UUID]*entry
	token   uint64
	current *Handoff
	closed  bool

	onHandoff func(*Handoff)
	onChange  func([]string)
	onReplace func(string)
}

// New creates an intake. A nil compressor uploads files as selected.
func New(cfg Config, compressor Compressor, opts ...Option) *Intake {
	i := &Intake{
		cfg:        cfg.withDefaults(),
		compressor: compressor,
		log:        zerolog.Nop(),
		byID:       make(map[uuid.UUID]*entry),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.previews == nil {
		i.previews = NewPreviewRegistry(defaultPreviewOrigin)
	}
	if i.classifier == nil {
		i.classifier = imageurl.NewClassifier()
	}
	if !i.cfg.Multiple && len(i.initial) > 1 {
		i.initial = i.initial[len(i.initial)-1:]
	}
	return i
}

// Config returns the effective configuration.
func (i *Intake) Config() Config {
	return i.cfg
}

// Disabled reports whether the intake ignores selections.
func (i *Intake) Disabled() bool {
	return i.cfg.Disabled
}

// DropZone returns a drop zone that feeds this intake.
func (i *Intake) DropZone() *DropZone {
	return NewDropZone(i)
}

// Select validates batch, compresses the accepted files in order, registers their previews, and publishes a new
// handoff. A disabled or torn-down intake ignores the call.
func (i *Intake) Select(ctx context.Context, batch []Source) SelectResult {
	i.selectMu.Lock()
	defer i.selectMu.Unlock()

	i.mu.Lock()
	if i.closed || i.cfg.Disabled {
		i.mu.Unlock()
		return SelectResult{}
	}
	current := 0
	if i.cfg.Multiple {
		current = len(i.initial) + len(i.files)
	}
	i.mu.Unlock()

	vr := Validate(batch, current, i.cfg.Limits())
	res := SelectResult{Errors: vr.Errors, Rejected: rejectedFiles(batch, vr.Errors)}
	if len(vr.Accepted) == 0 {
		return res
	}

	var after []func()
	defer notify(&after)

	entries := make([]*entry, 0, len(vr.Accepted))
	i.mu.Lock()
	if !i.cfg.Multiple {
		i.dropLocalLocked()
	}
	for _, src := range vr.Accepted {
		e := &entry{file: ImageFile{
			ID:          uuid.New(),
			Name:        sanitiseName(src.Name),
			Source:      src,
			ContentType: src.ContentType,
			Stage:       StageCompressing,
		}}
		i.files = append(i.files, e)
		i.byID[e.file.ID] = e
		entries = append(entries, e)
	}
	i.mu.Unlock()

	for _, e := range entries {
		out := media.Compressed{Data: e.file.Source.Data, ContentType: e.file.Source.ContentType}
		if i.compressor != nil {
			out = i.compressor.Compress(ctx, e.file.Source.Data, e.file.Source.ContentType, i.cfg.Compression)
		}

		i.mu.Lock()
		if _, ok := i.byID[e.file.ID]; ok && !i.closed {
			e.file.Working = out.Data
			e.file.ContentType = out.ContentType
			e.file.Preview = i.previews.Acquire(out.Data, out.ContentType)
			e.file.Stage = StagePendingUpload
			res.Accepted = append(res.Accepted, e.file)
			i.log.Debug().Str("file_id", e.file.ID.String()).Int("original_size", len(e.file.Source.Data)).
				Int("working_size", len(out.Data)).Bool("fallback", out.Fallback).Msg("File ready for upload")
		}
		i.mu.Unlock()
	}

	i.mu.Lock()
	i.publishLocked(&after)
	res.Handoff = i.current
	i.mu.Unlock()
	return res
}

// dropLocalLocked removes every file that has not been uploaded. Single mode calls it when a new image replaces the
// current one, so an in-flight upload of the old selection can no longer land.
func (i *Intake) dropLocalLocked() {
	i.files = slices.DeleteFunc(i.files, func(e *entry) bool {
		if e.file.Stage == StageUploaded {
			return false
		}
		i.releaseLocked(e)
		e.file.Stage = StageRemoved
		delete(i.byID, e.file.ID)
		return true
	})
}

// Remove deletes a file from the intake, releasing its preview immediately. Later reports for the id are rejected.
func (i *Intake) Remove(id uuid.UUID) error {
	var after []func()
	defer notify(&after)
	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.byID[id]
	if !ok {
		return ErrFileNotFound
	}
	wasPending := e.file.Stage == StagePendingUpload && e.claimedBy == 0
	wasUploaded := e.file.Stage == StageUploaded

	i.releaseLocked(e)
	e.file.Stage = StageRemoved
	delete(i.byID, id)
	i.files = slices.DeleteFunc(i.files, func(x *entry) bool { return x == e })

	if wasPending {
		i.publishLocked(&after)
	}
	if wasUploaded {
		i.emitChangeLocked(&after)
	}
	return nil
}

// RemoveURL drops a remote URL from the value, whether it was provided initially or uploaded through the intake.
// It reports whether the URL was held.
func (i *Intake) RemoveURL(url string) bool {
	var after []func()
	defer notify(&after)
	i.mu.Lock()
	defer i.mu.Unlock()

	if idx := slices.Index(i.initial, url); idx != -1 {
		i.initial = slices.Delete(i.initial, idx, idx+1)
		i.emitChangeLocked(&after)
		return true
	}
	for idx, e := range i.files {
		if e.file.Stage == StageUploaded && e.file.RemoteURL == url {
			e.file.Stage = StageRemoved
			delete(i.byID, e.file.ID)
			i.files = slices.Delete(i.files, idx, idx+1)
			i.emitChangeLocked(&after)
			return true
		}
	}
	return false
}

// Retry returns a failed file to the pending set so the next handoff includes it.
func (i *Intake) Retry(id uuid.UUID) error {
	var after []func()
	defer notify(&after)
	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.byID[id]
	if !ok {
		return ErrFileNotFound
	}
	if e.file.Stage != StageFailed || len(e.file.Working) == 0 {
		return ErrNotRetryable
	}
	e.file.Stage = StagePendingUpload
	e.file.Progress = 0
	e.file.Err = ""
	e.claimedBy = 0
	i.publishLocked(&after)
	return nil
}

// Files returns a snapshot of the held files in selection order.
func (i *Intake) Files() []ImageFile {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]ImageFile, len(i.files))
	for idx, e := range i.files {
		out[idx] = e.file
	}
	return out
}

// File returns a snapshot of the file with id.
func (i *Intake) File(id uuid.UUID) (ImageFile, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.byID[id]
	if !ok {
		return ImageFile{}, false
	}
	return e.file, true
}

// Value returns the remote URLs the intake holds: initial URLs followed by uploaded files in selection order. In
// single mode it holds at most one URL. Preview handles are never included.
func (i *Intake) Value() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.valueLocked()
}

func (i *Intake) valueLocked() []string {
	out := slices.Clone(i.initial)
	for _, e := range i.files {
		if e.file.Stage == StageUploaded {
			out = append(out, e.file.RemoteURL)
		}
	}
	if !i.cfg.Multiple && len(out) > 1 {
		out = out[len(out)-1:]
	}
	return out
}

// Overall returns the share of held files that are uploaded or failed, as a percentage.
func (i *Intake) Overall() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	terminal := 0
	for _, e := range i.files {
		if e.file.Stage.Terminal() {
			terminal++
		}
	}
	return Overall(terminal, len(i.files))
}

// Handoff returns the current handoff, or nil when nothing is awaiting upload.
func (i *Intake) Handoff() *Handoff {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current
}

// Teardown releases every held preview and invalidates the current handoff. Uploaded URLs remain in Value; all other
// files are discarded and later calls to Select are ignored.
func (i *Intake) Teardown() {
	var after []func()
	defer notify(&after)
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return
	}
	i.closed = true
	for _, e := range i.files {
		i.releaseLocked(e)
		if e.file.Stage == StageUploaded {
			i.initial = append(i.initial, e.file.RemoteURL)
		}
		e.file.Stage = StageRemoved
	}
	i.files = nil
	clear(i.byID)
	if i.current != nil {
		i.current = nil
		i.emitHandoffLocked(nil, &after)
	}
}

// completeLocked moves e to uploaded. In single mode the previously held URL is replaced and handed to OnReplace.
func (i *Intake) completeLocked(e *entry, url, warning string, after *[]func()) {
	var previous string
	if !i.cfg.Multiple {
		if v := i.valueLocked(); len(v) == 1 {
			previous = v[0]
		}
	}

	i.releaseLocked(e)
	e.file.Stage = StageUploaded
	e.file.RemoteURL = url
	e.file.Warning = warning
	e.file.Err = ""
	e.file.Progress = ProgressDone
	e.file.Working = nil
	e.file.Source.Data = nil

	if !i.cfg.Multiple {
		i.initial = nil
		i.files = slices.DeleteFunc(i.files, func(x *entry) bool {
			if x != e && x.file.Stage == StageUploaded {
				delete(i.byID, x.file.ID)
				return true
			}
			return false
		})
		if previous != "" && previous != url && i.onReplace != nil {
			fn := i.onReplace
			*after = append(*after, func() { fn(previous) })
		}
	}
	i.emitChangeLocked(after)
}

// releaseLocked releases the file's preview if it still holds one.
func (i *Intake) releaseLocked(e *entry) {
	if e.file.Preview == "" {
		return
	}
	if err := i.previews.Release(e.file.Preview); err != nil {
		i.log.Warn().Err(err).Str("file_id", e.file.ID.String()).Msg("Preview release failed")
	}
	e.file.Preview = ""
}

// publishLocked replaces the current handoff with one holding every unclaimed pending file, or clears it when there
// are none.
func (i *Intake) publishLocked(after *[]func()) {
	var pending []ImageFile
	for _, e := range i.files {
		if e.file.Stage == StagePendingUpload && e.claimedBy == 0 {
			pending = append(pending, e.file)
		}
	}

	if len(pending) == 0 {
		if i.current != nil && !i.current.claimed {
			i.current = nil
			i.emitHandoffLocked(nil, after)
		}
		return
	}

	i.token++
	i.current = &Handoff{Token: i.token, Files: pending, intake: i}
	i.emitHandoffLocked(i.current, after)
}

func (i *Intake) emitHandoffLocked(h *Handoff, after *[]func()) {
	if i.onHandoff == nil {
		return
	}
	fn := i.onHandoff
	*after = append(*after, func() { fn(h) })
}

func (i *Intake) emitChangeLocked(after *[]func()) {
	if i.onChange == nil {
		return
	}
	fn, v := i.onChange, i.valueLocked()
	*after = append(*after, func() { fn(v) })
}

// rejectedFiles turns validation errors into rejected file records. Batch-level errors reject every file.
func rejectedFiles(batch []Source, errs []*ValidationError) []ImageFile {
	var out []ImageFile
	for _, ve := range errs {
		if ve.File != "" {
			out = append(out, ImageFile{ID: uuid.New(), Name: ve.File, Stage: StageRejected, Err: ve.Message})
			continue
		}
		for _, src := range batch {
			out = append(out, ImageFile{ID: uuid.New(), Name: sanitiseName(src.Name), Stage: StageRejected, Err: ve.Message})
		}
	}
	return out
}
