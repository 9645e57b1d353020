package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/vitrine-shop/vitrine-server/internal/apierrors"
	"github.com/vitrine-shop/vitrine-server/internal/httputil"
	"github.com/vitrine-shop/vitrine-server/internal/media"
)

// StorageHandler serves stored objects on the public object path, so URLs produced by the local provider resolve
// against this server.
type StorageHandler struct {
	storage media.StorageProvider
	log     zerolog.Logger
}

// NewStorageHandler creates a new storage handler.
func NewStorageHandler(storage media.StorageProvider, logger zerolog.Logger) *StorageHandler {
	return &StorageHandler{storage: storage, log: logger}
}

// Serve handles GET /storage/v1/object/public/*. The wildcard is the object key, "<bucket>/<object>".
func (h *StorageHandler) Serve(c fiber.Ctx) error {
	key := c.Params("*")
	if key == "" || strings.HasSuffix(key, "/") {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Object not found")
	}

	rc, err := h.storage.Get(c.Context(), key)
	if err != nil {
		if errors.Is(err, media.ErrStorageKeyNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Object not found")
		}
		h.log.Error().Err(err).Str("key", key).Msg("Failed to open stored object")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	if ext := strings.TrimPrefix(media.ExtensionFromFilename(key), "."); ext != "" {
		c.Type(ext)
	}
	c.Set(fiber.HeaderCacheControl, "public, max-age=31536000, immutable")
	c.Set(fiber.HeaderXContentTypeOptions, "nosniff")
	return c.SendStream(rc)
}
