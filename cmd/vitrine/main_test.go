package main

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/vitrine-shop/vitrine-server/internal/apierrors"
	"github.com/vitrine-shop/vitrine-server/internal/config"
)

func TestFiberStatusToAPICode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   apierrors.Code
	}{
		{"not found", fiber.StatusNotFound, apierrors.NotFound},
		{"method not allowed", fiber.StatusMethodNotAllowed, apierrors.ValidationError},
		{"too many requests", fiber.StatusTooManyRequests, apierrors.RateLimited},
		{"request entity too large", fiber.StatusRequestEntityTooLarge, apierrors.PayloadTooLarge},
		{"unsupported media type", fiber.StatusUnsupportedMediaType, apierrors.UnsupportedContentType},
		{"service unavailable", fiber.StatusServiceUnavailable, apierrors.ServiceUnavailable},
		{"generic 4xx falls back to validation error", fiber.StatusConflict, apierrors.ValidationError},
		{"5xx falls back to internal error", fiber.StatusInternalServerError, apierrors.InternalError},
		{"502 falls back to internal error", fiber.StatusBadGateway, apierrors.InternalError},
		{"unknown status falls back to internal error", 600, apierrors.InternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := fiberStatusToAPICode(tt.status)
			if got != tt.want {
				t.Errorf("fiberStatusToAPICode(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestSplitOrigins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"wildcard", "*", []string{"*"}},
		{"list with spaces", "https://a.example.com, https://b.example.com", []string{"https://a.example.com", "https://b.example.com"}},
		{"empty entries dropped", "https://a.example.com,,", []string{"https://a.example.com"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := splitOrigins(tt.raw); !slices.Equal(got, tt.want) {
				t.Errorf("splitOrigins(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestUploadSettings(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		StorageBucket:            "products",
		UploadMaxFiles:           4,
		UploadMaxFileSizeMB:      2,
		UploadAcceptedFormats:    []string{"image/png"},
		UploadMaxAttempts:        5,
		UploadRetryDelay:         250 * time.Millisecond,
		UploadConcurrency:        2,
		CompressMaxSizeMB:        0.5,
		CompressMaxWidthOrHeight: 1024,
		CompressInitialQuality:   0.7,
		CompressTargetFormat:     "image/jpeg",
	}

	s := uploadSettings(cfg, nil)

	if !s.Gallery.Multiple || s.Gallery.MaxFiles != 4 || s.Gallery.MaxFileSizeMB != 2 {
		t.Errorf("gallery = %+v", s.Gallery)
	}
	if s.Cover.Multiple || s.Cover.MaxFiles != 1 {
		t.Errorf("cover Multiple = %v, MaxFiles = %d, want false, 1", s.Cover.Multiple, s.Cover.MaxFiles)
	}
	if !slices.Equal(s.Cover.AcceptedFormats, []string{"image/png"}) {
		t.Errorf("cover AcceptedFormats = %v", s.Cover.AcceptedFormats)
	}
	if s.Gallery.Compression.MaxWidthOrHeight != 1024 || s.Gallery.Compression.TargetFormat != "image/jpeg" {
		t.Errorf("compression = %+v", s.Gallery.Compression)
	}
	if s.Gallery.Compression.MaxIterations == 0 {
		t.Error("compression MaxIterations should keep its default")
	}
	if s.Upload.MaxAttempts != 5 || s.Upload.RetryDelay != 250*time.Millisecond || s.Upload.Concurrency != 2 {
		t.Errorf("upload = %+v", s.Upload)
	}
	if s.Bucket != "products" {
		t.Errorf("Bucket = %q, want %q", s.Bucket, "products")
	}
}

func TestSuperviseLoopStopsOnSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	superviseLoop(context.Background(), "test", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestSuperviseLoopStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		superviseLoop(ctx, "test", func(context.Context) error {
			calls.Add(1)
			cancel()
			return errors.New("subscription dropped")
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("superviseLoop did not return after cancellation")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}
