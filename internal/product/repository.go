package product

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vitrine-shop/vitrine-server/internal/postgres"
)

const selectColumns = "id, product_id, url, variant, position, warning, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed product image repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger.With().Str("component", "product-repo").Logger()}
}

// ListByProduct returns every image of the product, cover first, then gallery images by position.
func (r *PGRepository) ListByProduct(ctx context.Context, productID string) ([]Image, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+` FROM product_images
		 WHERE product_id = $1
		 ORDER BY variant = 'cover' DESC, position, created_at`,
		productID,
	)
	if err != nil {
		return nil, fmt.Errorf("query product images: %w", err)
	}
	defer rows.Close()

	var result []Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product image: %w", err)
		}
		result = append(result, *img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product images: %w", err)
	}
	return result, nil
}

// Add appends an image at the next free position of its variant.
func (r *PGRepository) Add(ctx context.Context, params AddParams) (*Image, error) {
	if params.Variant == "" {
		params.Variant = VariantGallery
	}
	img, err := insertImage(ctx, r.db, params)
	if err != nil {
		return nil, translateWriteError(err)
	}
	return img, nil
}

// Remove deletes the image and returns the deleted row. Images of other products are reported as ErrNotFound.
func (r *PGRepository) Remove(ctx context.Context, productID string, id uuid.UUID) (*Image, error) {
	row := r.db.QueryRow(ctx,
		"DELETE FROM product_images WHERE product_id = $1 AND id = $2 RETURNING "+selectColumns,
		productID, id,
	)
	img, err := scanImage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("delete product image: %w", err)
	}
	return img, nil
}

// SetCover deletes the current cover and inserts the new one in a single transaction.
func (r *PGRepository) SetCover(ctx context.Context, productID, url, warning string) (*Image, string, error) {
	var (
		img      *Image
		replaced string
	)
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			"DELETE FROM product_images WHERE product_id = $1 AND variant = 'cover' RETURNING url",
			productID,
		).Scan(&replaced)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("delete previous cover: %w", err)
		}

		img, err = insertImage(ctx, tx, AddParams{
			ProductID: productID,
			URL:       url,
			Variant:   VariantCover,
			Warning:   warning,
		})
		if err != nil {
			return translateWriteError(err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	// Re-uploading the current cover keeps the stored object.
	if replaced == url {
		replaced = ""
	}
	return img, replaced, nil
}

// querier is the subset of pgxpool.Pool and pgx.Tx used by insertImage.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertImage(ctx context.Context, q querier, params AddParams) (*Image, error) {
	row := q.QueryRow(ctx,
		`INSERT INTO product_images (id, product_id, url, variant, position, warning)
		 VALUES ($1, $2, $3, $4,
		         (SELECT COALESCE(MAX(position) + 1, 0) FROM product_images WHERE product_id = $2 AND variant = $4),
		         $5)
		 RETURNING `+selectColumns,
		uuid.New(), params.ProductID, params.URL, string(params.Variant), params.Warning,
	)
	return scanImage(row)
}

// translateWriteError maps constraint violations from an insert onto the package's sentinel errors.
func translateWriteError(err error) error {
	switch {
	case postgres.IsUniqueViolation(err, "product_images_url_idx"):
		return ErrDuplicateURL
	case postgres.IsCheckViolation(err, "product_images_url_not_local"):
		return ErrLocalURL
	case postgres.IsCheckViolation(err):
		return ErrInvalidVariant
	default:
		return fmt.Errorf("insert product image: %w", err)
	}
}

func scanImage(row pgx.Row) (*Image, error) {
	var (
		img     Image
		variant string
	)
	if err := row.Scan(&img.ID, &img.ProductID, &img.URL, &variant, &img.Position, &img.Warning, &img.CreatedAt); err != nil {
		return nil, err
	}
	img.Variant = Variant(variant)
	return &img, nil
}
