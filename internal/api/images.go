package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"regexp"
	"slices"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vitrine-shop/vitrine-server/internal/apierrors"
	"github.com/vitrine-shop/vitrine-server/internal/httputil"
	"github.com/vitrine-shop/vitrine-server/internal/imageurl"
	"github.com/vitrine-shop/vitrine-server/internal/ingest"
	"github.com/vitrine-shop/vitrine-server/internal/media"
	"github.com/vitrine-shop/vitrine-server/internal/product"
)

// productIDPattern restricts product IDs to characters that are safe as an object path segment.
var productIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ProgressPublisher returns a callback that forwards upload events for a product to its subscribers.
type ProgressPublisher interface {
	Listener(ctx context.Context, productID string) func(ingest.Event)
}

// UploadSettings groups the intake and upload options applied to every request.
type UploadSettings struct {
	Gallery ingest.Config  // Multiple-image intake for the product gallery.
	Cover   ingest.Config  // Single-image intake for the product cover.
	Upload  ingest.Options // Retry and concurrency policy. Listener is set per request.
	Bucket  string         // Bucket that owns uploaded objects; replaced and removed objects are deleted from it.
}

// ImageHandler serves the product image endpoints. Each upload request runs one intake: the selection is validated
// and compressed, its handoff is drained to storage, and the uploaded URLs are persisted.
type ImageHandler struct {
	images     product.Repository
	storage    ingest.Storage
	compressor ingest.Compressor
	classifier *imageurl.Classifier
	events     ProgressPublisher
	rdb        *redis.Client
	cleaner    *ingest.Orchestrator
	settings   UploadSettings
	log        zerolog.Logger
}

// NewImageHandler creates a new image handler. events may be nil, which disables progress publishing. When rdb is
// nil, unreferenced objects are deleted inline instead of through the deletion queue.
func NewImageHandler(
	images product.Repository,
	storage ingest.Storage,
	compressor ingest.Compressor,
	classifier *imageurl.Classifier,
	events ProgressPublisher,
	rdb *redis.Client,
	settings UploadSettings,
	logger zerolog.Logger,
) *ImageHandler {
	settings.Gallery.Multiple = true
	settings.Cover.Multiple = false
	logger = logger.With().Str("component", "images").Logger()
	return &ImageHandler{
		images:     images,
		storage:    storage,
		compressor: compressor,
		classifier: classifier,
		events:     events,
		rdb:        rdb,
		cleaner:    ingest.NewOrchestrator(storage, settings.Upload, logger),
		settings:   settings,
		log:        logger,
	}
}

// fileOutcome is the per-file entry of an upload response.
type fileOutcome struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	URL      string    `json:"url,omitempty"`
	Attempts int       `json:"attempts"`
	Warning  string    `json:"warning,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// uploadResponse is returned by the gallery and cover upload endpoints.
type uploadResponse struct {
	Token    uint64                    `json:"token"`
	Overall  int                       `json:"overall"`
	Images   []product.Image           `json:"images"`
	Files    []fileOutcome             `json:"files"`
	Rejected []*ingest.ValidationError `json:"rejected,omitempty"`
}

// List handles GET /api/v1/products/:productID/images.
func (h *ImageHandler) List(c fiber.Ctx) error {
	productID, ok := productIDParam(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidProductID, "Invalid product ID format")
	}

	images, err := h.images.ListByProduct(c.Context(), productID)
	if err != nil {
		h.log.Error().Err(err).Str("product_id", productID).Msg("Failed to list product images")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if images == nil {
		images = []product.Image{}
	}
	return httputil.Success(c, images)
}

// UploadGallery handles POST /api/v1/products/:productID/images. Every part of the multipart "files" field is a
// candidate image; valid files are uploaded and appended to the gallery, invalid ones are reported in "rejected".
func (h *ImageHandler) UploadGallery(c fiber.Ctx) error {
	productID, ok := productIDParam(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidProductID, "Invalid product ID format")
	}
	ctx := c.Context()

	sources, err := readSources(c, "files")
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Missing files field in multipart form")
	}

	existing, err := h.images.ListByProduct(ctx, productID)
	if err != nil {
		h.log.Error().Err(err).Str("product_id", productID).Msg("Failed to list product images")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	intake := ingest.New(h.settings.Gallery, h.compressor,
		ingest.WithInitial(product.URLs(existing, product.VariantGallery)...),
		ingest.WithClassifier(h.classifier),
		ingest.WithLogger(h.log),
	)
	defer intake.Teardown()

	sel := intake.Select(ctx, sources)
	if sel.Handoff == nil {
		return failValidation(c, sel.Errors)
	}

	result, err := h.orchestrator(ctx, productID).Drain(ctx, sel.Handoff, ingest.Destination{
		OwnerID: productID,
		Variant: string(product.VariantGallery),
	})
	if err != nil {
		h.log.Error().Err(err).Str("product_id", productID).Msg("Failed to drain upload batch")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	resp := uploadResponse{Token: result.Token, Images: []product.Image{}, Rejected: sel.Errors}
	for _, r := range result.Results {
		out := fileOutcome{ID: r.ID, Name: r.Name, Attempts: r.Attempts}
		if r.Err != nil {
			h.discardOrphan(ctx, r)
			out.Error = r.Err.Error()
			resp.Files = append(resp.Files, out)
			continue
		}

		f, _ := intake.File(r.ID)
		img, err := h.images.Add(ctx, product.AddParams{
			ProductID: productID,
			URL:       r.URL,
			Variant:   product.VariantGallery,
			Warning:   f.Warning,
		})
		if err != nil {
			h.log.Error().Err(err).Str("product_id", productID).Str("url", r.URL).Msg("Failed to save gallery image")
			h.enqueueDeletion(ctx, r.URL, "orphaned upload")
			out.Error = "The image was uploaded but could not be saved"
			resp.Files = append(resp.Files, out)
			continue
		}
		out.URL = img.URL
		out.Warning = img.Warning
		resp.Files = append(resp.Files, out)
		resp.Images = append(resp.Images, *img)
	}
	resp.Overall = intake.Overall()

	if len(resp.Images) == 0 {
		return httputil.FailDetails(c, fiber.StatusBadGateway, apierrors.UploadFailed,
			"No image could be uploaded", resp.Files)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, resp)
}

// SetCover handles PUT /api/v1/products/:productID/cover. The multipart "file" field replaces the product's cover;
// the previous cover object is deleted once the new one is saved.
func (h *ImageHandler) SetCover(c fiber.Ctx) error {
	productID, ok := productIDParam(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidProductID, "Invalid product ID format")
	}
	ctx := c.Context()

	sources, err := readSources(c, "file")
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Missing file field in multipart form")
	}

	existing, err := h.images.ListByProduct(ctx, productID)
	if err != nil {
		h.log.Error().Err(err).Str("product_id", productID).Msg("Failed to list product images")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	var replaced string
	intake := ingest.New(h.settings.Cover, h.compressor,
		ingest.WithInitial(product.URLs(existing, product.VariantCover)...),
		ingest.WithClassifier(h.classifier),
		ingest.WithLogger(h.log),
		ingest.OnReplace(func(url string) { replaced = url }),
	)
	defer intake.Teardown()

	sel := intake.Select(ctx, sources)
	if sel.Handoff == nil {
		return failValidation(c, sel.Errors)
	}

	result, err := h.orchestrator(ctx, productID).Drain(ctx, sel.Handoff, ingest.Destination{
		OwnerID: productID,
		Variant: string(product.VariantCover),
	})
	if err != nil {
		h.log.Error().Err(err).Str("product_id", productID).Msg("Failed to drain cover upload")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	r := result.Results[0]
	out := fileOutcome{ID: r.ID, Name: r.Name, Attempts: r.Attempts}
	if r.Err != nil {
		h.discardOrphan(ctx, r)
		out.Error = r.Err.Error()
		return httputil.FailDetails(c, fiber.StatusBadGateway, apierrors.UploadFailed,
			"The cover image could not be uploaded", []fileOutcome{out})
	}

	f, _ := intake.File(r.ID)
	img, previous, err := h.images.SetCover(ctx, productID, r.URL, f.Warning)
	if err != nil {
		h.log.Error().Err(err).Str("product_id", productID).Str("url", r.URL).Msg("Failed to save cover image")
		h.enqueueDeletion(ctx, r.URL, "orphaned upload")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	// The intake reports the cover it loaded; the repository reports the row it actually replaced. They differ only
	// when another request changed the cover concurrently, and both objects are then unreferenced.
	for _, old := range uniqueURLs(replaced, previous) {
		if old != img.URL {
			h.enqueueDeletion(ctx, old, "cover replaced")
		}
	}

	out.URL = img.URL
	out.Warning = img.Warning
	return httputil.SuccessStatus(c, fiber.StatusCreated, uploadResponse{
		Token:   result.Token,
		Overall: intake.Overall(),
		Images:  []product.Image{*img},
		Files:   []fileOutcome{out},
	})
}

// Delete handles DELETE /api/v1/products/:productID/images/:imageID.
func (h *ImageHandler) Delete(c fiber.Ctx) error {
	productID, ok := productIDParam(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidProductID, "Invalid product ID format")
	}
	imageID, err := uuid.Parse(c.Params("imageID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidImageID, "Invalid image ID format")
	}

	img, err := h.images.Remove(c.Context(), productID, imageID)
	if err != nil {
		if errors.Is(err, product.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownImage, "Image not found")
		}
		h.log.Error().Err(err).Str("product_id", productID).Msg("Failed to remove product image")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	h.enqueueDeletion(c.Context(), img.URL, "image removed")
	return httputil.Success(c, img)
}

// classifyRequest is the body of POST /api/v1/images/classify.
type classifyRequest struct {
	URL string `json:"url"`
}

// classifyResponse extends the classifier result with the owner recovered from storage URLs.
type classifyResponse struct {
	imageurl.Result
	Storage bool   `json:"storage"`
	OwnerID string `json:"owner_id,omitempty"`
}

// Classify handles POST /api/v1/images/classify. It reports whether a URL may be persisted as a product image.
func (h *ImageHandler) Classify(c fiber.Ctx) error {
	var body classifyRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid JSON body")
	}

	resp := classifyResponse{Result: h.classifier.Classify(body.URL)}
	if resp.Valid && body.URL != "" && h.classifier.IsStorageURL(body.URL) {
		resp.Storage = true
		resp.OwnerID, _ = imageurl.ExtractOwnerID(body.URL)
	}
	return httputil.Success(c, resp)
}

// orchestrator builds the upload orchestrator for one request, publishing its events to the product's subscribers.
func (h *ImageHandler) orchestrator(ctx context.Context, productID string) *ingest.Orchestrator {
	opts := h.settings.Upload
	if h.events != nil {
		opts.Listener = h.events.Listener(ctx, productID)
	}
	return ingest.NewOrchestrator(h.storage, opts, h.log)
}

// enqueueDeletion schedules removal of a stored object. URLs outside the configured storage are left alone.
func (h *ImageHandler) enqueueDeletion(ctx context.Context, url, reason string) {
	if !h.classifier.IsStorageURL(url) {
		return
	}
	h.scheduleDeletion(ctx, url, reason)
}

// discardOrphan deletes the object behind a file whose upload reached storage but whose URL the intake refused. The
// URL came from our own bucket, so it is matched by bucket rather than by host; a refused URL may sit on a host the
// classifier rejects.
func (h *ImageHandler) discardOrphan(ctx context.Context, r ingest.FileResult) {
	if r.Orphan == "" {
		return
	}
	obj, ok := imageurl.ParseObjectURL(r.Orphan)
	if !ok || obj.Bucket != h.settings.Bucket {
		h.log.Warn().Str("url", r.Orphan).Msg("Refused upload is outside the storage bucket, leaving it in place")
		return
	}
	h.log.Warn().Err(r.Err).Str("url", r.Orphan).Msg("Discarding refused upload")
	h.scheduleDeletion(ctx, r.Orphan, "refused upload")
}

// scheduleDeletion queues url for the deletion worker, or deletes it inline when no queue is configured.
func (h *ImageHandler) scheduleDeletion(ctx context.Context, url, reason string) {
	if h.rdb == nil {
		if err := h.cleaner.DeleteReplaced(ctx, url, h.settings.Bucket); err != nil {
			h.log.Warn().Err(err).Str("url", url).Str("reason", reason).Msg("Failed to delete object")
		}
		return
	}
	job := media.DeletionJob{URL: url, Bucket: h.settings.Bucket, Reason: reason}
	if err := media.EnqueueDeletion(ctx, h.rdb, job); err != nil {
		h.log.Warn().Err(err).Str("url", url).Msg("Failed to enqueue object deletion")
	}
}

// failValidation reports a selection that produced nothing to upload. The status and code follow the first error,
// which is the batch-level error when there is one.
func failValidation(c fiber.Ctx, errs []*ingest.ValidationError) error {
	if len(errs) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "No files were selected")
	}

	status, code := fiber.StatusBadRequest, apierrors.ValidationError
	switch errs[0].Kind {
	case ingest.KindCount:
		code = apierrors.TooManyFiles
	case ingest.KindSize:
		status, code = fiber.StatusRequestEntityTooLarge, apierrors.PayloadTooLarge
	case ingest.KindFormat:
		status, code = fiber.StatusUnsupportedMediaType, apierrors.UnsupportedContentType
	}
	return httputil.FailDetails(c, status, code, errs[0].Message, errs)
}

// readSources reads every part of the multipart field into memory. Size limits are enforced by the intake, after
// the body limit has already bounded the request.
func readSources(c fiber.Ctx, field string) ([]ingest.Source, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("parse multipart form: %w", err)
	}
	headers := form.File[field]
	if len(headers) == 0 {
		return nil, fmt.Errorf("multipart field %q is empty", field)
	}

	sources := make([]ingest.Source, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			return nil, err
		}
		sources = append(sources, ingest.Source{
			Name:        fh.Filename,
			ContentType: fh.Header.Get(fiber.HeaderContentType),
			Data:        data,
		})
	}
	return sources, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open multipart file %q: %w", fh.Filename, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read multipart file %q: %w", fh.Filename, err)
	}
	return data, nil
}

func productIDParam(c fiber.Ctx) (string, bool) {
	id := c.Params("productID")
	return id, productIDPattern.MatchString(id)
}

func uniqueURLs(urls ...string) []string {
	var out []string
	for _, u := range urls {
		if u != "" && !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}
