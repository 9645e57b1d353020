package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitrine-shop/vitrine-server/internal/imageurl"
)

// ErrInvalidObjectPath is returned when an owner id or variant would produce an unsafe object key.
var ErrInvalidObjectPath = errors.New("invalid object path segment")

// Bucket is the remote storage collaborator used by the upload pipeline. Objects are stored under
// "<bucket>/<owner>/<variant>-<uuid><ext>" so the owning resource can be recovered from the public URL.
type Bucket struct {
	name     string
	store    StorageProvider
	observer Observer
	log      zerolog.Logger
}

// NewBucket creates a bucket named name on top of store. A nil observer disables telemetry.
func NewBucket(name string, store StorageProvider, observer Observer, logger zerolog.Logger) *Bucket {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Bucket{
		name:     name,
		store:    store,
		observer: observer,
		log:      logger.With().Str("component", "bucket").Str("bucket", name).Logger(),
	}
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// Upload writes data as a new object owned by ownerID and returns its public URL.
func (b *Bucket) Upload(ctx context.Context, data []byte, contentType, ownerID, variant string) (string, error) {
	if !validSegment(ownerID) || !validSegment(variant) {
		return "", fmt.Errorf("%w: owner %q variant %q", ErrInvalidObjectPath, ownerID, variant)
	}

	ext := ExtensionForContentType(contentType)
	if ext == "" {
		ext = ExtensionForContentType(DetectContentType("", data))
	}
	key := b.name + "/" + ownerID + "/" + variant + "-" + uuid.NewString() + ext

	start := time.Now()
	err := b.store.Put(ctx, key, bytes.NewReader(data))
	b.observer.RecordUpload(time.Since(start), uint64(len(data)), err)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}

	b.log.Debug().Str("key", key).Int("size", len(data)).Msg("Object uploaded")
	return b.store.URL(key), nil
}

// Delete removes the object referenced by rawURL. The URL must point into this bucket and bucket must name it;
// anything else is rejected with ErrForeignObjectURL rather than silently ignored.
func (b *Bucket) Delete(ctx context.Context, rawURL, bucket string) error {
	obj, ok := imageurl.ParseObjectURL(rawURL)
	if !ok || obj.Bucket != bucket || bucket != b.name {
		return fmt.Errorf("%w: %s", ErrForeignObjectURL, rawURL)
	}

	start := time.Now()
	err := b.store.Delete(ctx, obj.Bucket+"/"+obj.Key)
	b.observer.RecordDelete(time.Since(start), err)
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}

	b.log.Debug().Str("key", obj.Key).Msg("Object deleted")
	return nil
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\\")
}
