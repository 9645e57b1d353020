package media

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Sentinel errors for storage operations.
var (
	ErrStorageKeyNotFound = errors.New("storage key not found")
	ErrForeignObjectURL   = errors.New("URL does not reference an object in this bucket")
)

// StorageProvider abstracts object storage so the server can swap between local disk and a managed object store
// without changing the ingestion pipeline.
type StorageProvider interface {
	// Put writes the contents of r to the given key, creating parent directories as needed. The caller is responsible
	// for closing r.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get opens the object at key for reading. The caller must close the returned ReadCloser. Returns
	// ErrStorageKeyNotFound when the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object at key. Missing keys are not treated as errors.
	Delete(ctx context.Context, key string) error

	// URL returns the public URL for the given storage key.
	URL(key string) string
}

// rasterTypes lists the formats the compressor can decode.
var rasterTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
}

var extensions = map[string]string{
	"image/jpeg":    ".jpg",
	"image/png":     ".png",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/bmp":     ".bmp",
	"image/tiff":    ".tiff",
	"image/avif":    ".avif",
	"image/svg+xml": ".svg",
}

// IsImageContentType reports whether the given MIME type can be decoded for compression.
func IsImageContentType(contentType string) bool {
	return rasterTypes[NormaliseContentType(contentType)]
}

// MatchesContentType reports whether contentType is listed in accepted. Entries may use a "type/*" wildcard.
func MatchesContentType(contentType string, accepted []string) bool {
	ct := NormaliseContentType(contentType)
	if ct == "" {
		return false
	}
	for _, a := range accepted {
		a = NormaliseContentType(a)
		if a == ct {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(ct, prefix+"/") {
			return true
		}
	}
	return false
}

// ExtensionForContentType returns the canonical file extension for a MIME type, including the leading dot. Returns
// an empty string for unknown types.
func ExtensionForContentType(contentType string) string {
	return extensions[NormaliseContentType(contentType)]
}

// ExtensionFromFilename extracts the file extension from a filename, including the leading dot (e.g. ".jpg"). Returns
// an empty string when the filename has no extension.
func ExtensionFromFilename(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

// DetectContentType returns the declared MIME type when it is specific, otherwise the type sniffed from the leading
// bytes of data. Browsers send application/octet-stream for files they cannot classify.
func DetectContentType(declared string, data []byte) string {
	ct := NormaliseContentType(declared)
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}
	return NormaliseContentType(mimetype.Detect(data).String())
}

// NormaliseContentType strips any parameters (e.g. charset) from a MIME type and lowercases it.
func NormaliseContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i != -1 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}
