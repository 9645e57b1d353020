package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vitrine-shop/vitrine-server/internal/api"
	"github.com/vitrine-shop/vitrine-server/internal/apierrors"
	"github.com/vitrine-shop/vitrine-server/internal/auth"
	"github.com/vitrine-shop/vitrine-server/internal/config"
	"github.com/vitrine-shop/vitrine-server/internal/gateway"
	"github.com/vitrine-shop/vitrine-server/internal/httputil"
	"github.com/vitrine-shop/vitrine-server/internal/imageurl"
	"github.com/vitrine-shop/vitrine-server/internal/ingest"
	"github.com/vitrine-shop/vitrine-server/internal/media"
	"github.com/vitrine-shop/vitrine-server/internal/postgres"
	"github.com/vitrine-shop/vitrine-server/internal/product"
	"github.com/vitrine-shop/vitrine-server/internal/valkey"
)

const (
	healthPath  = "/api/v1/health"
	metricsPath = "/metrics"
	storagePath = "/storage/v1/object/public"
	restartWait = 5 * time.Second
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// handlers groups the HTTP handlers mounted by registerRoutes.
type handlers struct {
	health  *api.HealthHandler
	images  *api.ImageHandler
	gateway *api.GatewayHandler
	storage *api.StorageHandler
	metrics *prometheus.Registry // nil when metrics are disabled
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}
	logger := log.Logger

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Vitrine media server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". Set an explicit storefront origin for production deployments.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(ctx, cfg.DatabaseURL, logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// Storage
	local, err := media.NewLocalStorage(cfg.StoragePath, cfg.StoragePublicURL)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	var (
		registry *prometheus.Registry
		observer media.Observer
	)
	if cfg.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom, err := media.NewPrometheusObserver("vitrine_storage", registry)
		if err != nil {
			return fmt.Errorf("register storage metrics: %w", err)
		}
		observer = prom
	}
	bucket := media.NewBucket(cfg.StorageBucket, local, observer, logger)

	// Background workers restart until the context is cancelled.
	worker := media.NewDeletionWorker(rdb, bucket, logger)
	worker.EnsureStream(ctx)
	go superviseLoop(ctx, "Deletion worker", worker.Run)

	hub := gateway.NewHub(rdb, cfg, logger)
	go superviseLoop(ctx, "Gateway hub subscriber", hub.Run)

	h := handlers{
		health:  api.NewHealthHandler(db, rdb),
		gateway: api.NewGatewayHandler(hub),
		storage: api.NewStorageHandler(local, logger),
		metrics: registry,
		images: api.NewImageHandler(
			product.NewPGRepository(db, logger),
			bucket,
			media.NewCompressor(logger),
			imageurl.NewClassifier(cfg.TrustedStorageHosts()...),
			gateway.NewPublisher(rdb, logger),
			rdb,
			uploadSettings(cfg, observer),
			logger,
		),
	}

	app := fiber.New(fiber.Config{
		AppName:   "Vitrine",
		BodyLimit: cfg.BodyLimitBytes(),
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/405 and body limit errors).
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			apiCode := apierrors.InternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				apiCode = fiberStatusToAPICode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return httputil.Fail(c, status, apiCode, message)
		},
	})

	// Global middleware
	app.Use(requestid.New())
	skip := []string{metricsPath}
	if !cfg.LogHealthRequests {
		skip = append(skip, healthPath)
	}
	app.Use(httputil.RequestLogger(logger.With().Str("component", "http").Logger(), skip...))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  splitOrigins(cfg.CORSAllowOrigins),
		AllowMethods:  []string{fiber.MethodGet, fiber.MethodPost, fiber.MethodPut, fiber.MethodDelete, fiber.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	// Global API rate limiter
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
		Next: func(c fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), storagePath) || c.Path() == metricsPath
		},
	}))

	registerRoutes(app, cfg, h)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		hub.Shutdown()
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func registerRoutes(app *fiber.App, cfg *config.Config, h handlers) {
	app.Get(healthPath, h.health.Health)
	if h.metrics != nil {
		app.Get(metricsPath, adaptor.HTTPHandler(promhttp.HandlerFor(h.metrics, promhttp.HandlerOpts{})))
	}
	app.Get(storagePath+"/*", h.storage.Serve)

	requireWrite := auth.RequireAuth(cfg.JWTSecret, cfg.JWTIssuer, auth.ScopeMediaWrite)
	uploadLimit := limiter.New(limiter.Config{
		Max:        cfg.RateLimitUploadCount,
		Expiration: time.Duration(cfg.RateLimitUploadWindowSeconds) * time.Second,
	})

	v1 := app.Group("/api/v1")
	v1.Post("/images/classify", h.images.Classify)

	products := v1.Group("/products/:productID")
	products.Get("/images", h.images.List)
	products.Get("/uploads/ws", h.gateway.Upgrade)
	products.Post("/images", requireWrite, uploadLimit, h.images.UploadGallery)
	products.Put("/cover", requireWrite, uploadLimit, h.images.SetCover)
	products.Delete("/images/:imageID", requireWrite, h.images.Delete)
}

// uploadSettings derives the gallery and cover intake configuration from cfg.
func uploadSettings(cfg *config.Config, observer media.Observer) api.UploadSettings {
	compression := media.DefaultCompressOptions()
	compression.MaxSizeMB = cfg.CompressMaxSizeMB
	compression.MaxWidthOrHeight = cfg.CompressMaxWidthOrHeight
	compression.InitialQuality = cfg.CompressInitialQuality
	compression.AlwaysKeepResolution = cfg.CompressKeepResolution
	compression.TargetFormat = cfg.CompressTargetFormat

	gallery := ingest.Config{
		Multiple:        true,
		MaxFiles:        cfg.UploadMaxFiles,
		MaxFileSizeMB:   float64(cfg.UploadMaxFileSizeMB),
		AcceptedFormats: cfg.UploadAcceptedFormats,
		Compression:     compression,
	}
	cover := gallery
	cover.Multiple = false
	cover.MaxFiles = 1

	return api.UploadSettings{
		Gallery: gallery,
		Cover:   cover,
		Upload: ingest.Options{
			MaxAttempts: cfg.UploadMaxAttempts,
			RetryDelay:  cfg.UploadRetryDelay,
			Concurrency: cfg.UploadConcurrency,
			Observer:    observer,
		},
		Bucket: cfg.StorageBucket,
	}
}

// superviseLoop runs fn until it returns nil or ctx is cancelled, restarting it after a delay when it fails.
func superviseLoop(ctx context.Context, name string, fn func(context.Context) error) {
	for {
		err := fn(ctx)
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msgf("%s stopped, restarting in %s", name, restartWait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartWait):
		}
	}
}

// splitOrigins turns the comma-separated CORS_ALLOW_ORIGINS value into the list form the CORS middleware expects.
func splitOrigins(raw string) []string {
	var origins []string
	for o := range strings.SplitSeq(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// fiberStatusToAPICode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest API error
// code.
func fiberStatusToAPICode(status int) apierrors.Code {
	switch {
	case status == fiber.StatusNotFound:
		return apierrors.NotFound
	case status == fiber.StatusMethodNotAllowed:
		return apierrors.ValidationError
	case status == fiber.StatusTooManyRequests:
		return apierrors.RateLimited
	case status == fiber.StatusRequestEntityTooLarge:
		return apierrors.PayloadTooLarge
	case status == fiber.StatusUnsupportedMediaType:
		return apierrors.UnsupportedContentType
	case status == fiber.StatusServiceUnavailable:
		return apierrors.ServiceUnavailable
	case status >= 400 && status < 500:
		return apierrors.ValidationError
	default:
		return apierrors.InternalError
	}
}
