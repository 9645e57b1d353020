package product

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the product package.
var (
	ErrNotFound       = errors.New("image not found")
	ErrDuplicateURL   = errors.New("image URL is already attached to this product")
	ErrLocalURL       = errors.New("image URL is a local preview handle")
	ErrInvalidVariant = errors.New("invalid image variant")
)

// Variant distinguishes the single cover image of a product from its gallery.
type Variant string

// Image variants. A product has at most one cover and any number of gallery images.
const (
	VariantGallery Variant = "gallery"
	VariantCover   Variant = "cover"
)

// ParseVariant validates a variant name received from a client.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(s); v {
	case VariantGallery, VariantCover:
		return v, nil
	default:
		return "", ErrInvalidVariant
	}
}

// Image is a stored image reference attached to a product.
type Image struct {
	ID        uuid.UUID `json:"id"`
	ProductID string    `json:"product_id"`
	URL       string    `json:"url"`
	Variant   Variant   `json:"variant"`
	Position  int       `json:"position"`
	Warning   string    `json:"warning,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AddParams groups the inputs for attaching an uploaded image to a product.
type AddParams struct {
	ProductID string
	URL       string
	Variant   Variant
	Warning   string
}

// Repository defines the data-access contract for product images.
type Repository interface {
	// ListByProduct returns every image of the product, cover first, then gallery images by position.
	ListByProduct(ctx context.Context, productID string) ([]Image, error)

	// Add appends an image to the end of the product's gallery. Cover images go through SetCover instead.
	Add(ctx context.Context, params AddParams) (*Image, error)

	// Remove detaches the image and returns it so the caller can delete the stored object.
	Remove(ctx context.Context, productID string, id uuid.UUID) (*Image, error)

	// SetCover atomically replaces the product's cover image and returns the URL of the cover it replaced, or an
	// empty string when the product had none.
	SetCover(ctx context.Context, productID, url, warning string) (*Image, string, error)
}

// URLs returns the URLs of the images with the given variant, in display order.
func URLs(images []Image, variant Variant) []string {
	var out []string
	for _, img := range images {
		if img.Variant == variant {
			out = append(out, img.URL)
		}
	}
	return out
}
