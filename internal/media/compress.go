package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	// Register the WebP decoder for image.Decode. imaging registers BMP and TIFF itself.
	_ "golang.org/x/image/webp"
)

const (
	defaultInitialQuality = 0.8
	defaultMaxIterations  = 10
	minQuality            = 0.1
	qualityStep           = 0.1
	downscaleFactor       = 0.9
)

// Internal compression failures. Compress recovers from both by returning the original bytes.
var (
	ErrUnsupportedTarget = errors.New("no encoder for target format")
	ErrNotRaster         = errors.New("content type is not a decodable raster image")
)

// CompressOptions controls how an accepted image is reduced before upload.
type CompressOptions struct {
	MaxSizeMB            float64 // Target upper bound for the output size. Zero disables the size loop.
	MaxWidthOrHeight     int     // Longest edge after resizing. Zero disables resizing.
	InitialQuality       float64 // Encoder quality in (0, 1] for lossy formats.
	AlwaysKeepResolution bool    // Never change the pixel dimensions.
	TargetFormat         string  // Output MIME type. Empty keeps the source format.
	MaxIterations        int     // Upper bound on encode passes.
}

// DefaultCompressOptions returns the options used when the caller does not override them.
func DefaultCompressOptions() CompressOptions {
	return CompressOptions{
		MaxSizeMB:        1,
		MaxWidthOrHeight: 1920,
		InitialQuality:   defaultInitialQuality,
		MaxIterations:    defaultMaxIterations,
	}
}

// Compressed is the output of a compression pass.
type Compressed struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
	Fallback    bool // The original bytes were returned because compression failed.
}

// Compressor resizes and re-encodes images. It never fails: compression is an optimisation, so any decode or encode
// error yields the original bytes unchanged.
type Compressor struct {
	log zerolog.Logger
}

// NewCompressor creates a compressor that logs recovered failures at debug level.
func NewCompressor(logger zerolog.Logger) *Compressor {
	return &Compressor{log: logger.With().Str("component", "compressor").Logger()}
}

// Compress returns a reduced version of data according to opts, or the original bytes and content type when
// anything goes wrong.
func (c *Compressor) Compress(ctx context.Context, data []byte, contentType string, opts CompressOptions) Compressed {
	out, err := c.compress(ctx, data, contentType, opts)
	if err != nil {
		c.log.Debug().Err(err).Str("content_type", contentType).Int("size", len(data)).
			Msg("Compression failed, keeping original bytes")
		return Compressed{Data: data, ContentType: contentType, Fallback: true}
	}
	return out
}

func (c *Compressor) compress(ctx context.Context, data []byte, contentType string, opts CompressOptions) (Compressed, error) {
	if err := ctx.Err(); err != nil {
		return Compressed{}, err
	}

	if ct := DetectContentType(contentType, data); !IsImageContentType(ct) {
		return Compressed{}, fmt.Errorf("%w: %s", ErrNotRaster, ct)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Compressed{}, fmt.Errorf("decode image header: %w", err)
	}
	sourceType := "image/" + format
	targetType := sourceType
	if opts.TargetFormat != "" {
		targetType = NormaliseContentType(opts.TargetFormat)
	}
	maxBytes := int(opts.MaxSizeMB * 1024 * 1024)
	longest := max(cfg.Width, cfg.Height)
	needsResize := opts.MaxWidthOrHeight > 0 && !opts.AlwaysKeepResolution && longest > opts.MaxWidthOrHeight
	transcode := targetType != sourceType

	if !needsResize && !transcode && (maxBytes <= 0 || len(data) <= maxBytes) {
		return Compressed{Data: data, ContentType: NormaliseContentType(contentType), Width: cfg.Width, Height: cfg.Height}, nil
	}

	encFormat, ok := encoderFor(targetType)
	if !ok {
		return Compressed{}, fmt.Errorf("%w: %s", ErrUnsupportedTarget, targetType)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Compressed{}, fmt.Errorf("decode image: %w", err)
	}

	resized := false
	if needsResize {
		img = imaging.Fit(img, opts.MaxWidthOrHeight, opts.MaxWidthOrHeight, imaging.Lanczos)
		resized = true
	}

	quality := opts.InitialQuality
	if quality <= 0 || quality > 1 {
		quality = defaultInitialQuality
	}
	iterations := opts.MaxIterations
	if iterations < 1 {
		iterations = defaultMaxIterations
	}

	out, err := encode(img, encFormat, quality)
	if err != nil {
		return Compressed{}, err
	}

shrink:
	for i := 1; maxBytes > 0 && len(out) > maxBytes && i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return Compressed{}, err
		}
		switch {
		case encFormat == imaging.JPEG && quality-qualityStep >= minQuality-1e-9:
			quality -= qualityStep
		case !opts.AlwaysKeepResolution:
			w := int(float64(img.Bounds().Dx()) * downscaleFactor)
			if w < 1 {
				return Compressed{}, fmt.Errorf("cannot shrink image below %d bytes", maxBytes)
			}
			img = imaging.Resize(img, w, 0, imaging.Lanczos)
			resized = true
		default:
			break shrink
		}
		if out, err = encode(img, encFormat, quality); err != nil {
			return Compressed{}, err
		}
	}

	if !resized && !transcode && len(out) >= len(data) {
		return Compressed{Data: data, ContentType: NormaliseContentType(contentType), Width: cfg.Width, Height: cfg.Height}, nil
	}

	b := img.Bounds()
	return Compressed{Data: out, ContentType: targetType, Width: b.Dx(), Height: b.Dy()}, nil
}

func encode(img image.Image, format imaging.Format, quality float64) ([]byte, error) {
	var buf bytes.Buffer
	q := int(math.Round(quality * 100))
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(q)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// encoderFor maps a MIME type onto an imaging output format. WebP and AVIF have no pure-Go encoder.
func encoderFor(contentType string) (imaging.Format, bool) {
	switch contentType {
	case "image/jpeg":
		return imaging.JPEG, true
	case "image/png":
		return imaging.PNG, true
	case "image/gif":
		return imaging.GIF, true
	case "image/bmp":
		return imaging.BMP, true
	case "image/tiff":
		return imaging.TIFF, true
	default:
		return 0, false
	}
}
