package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/billing"
	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/blobstore"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/lock"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/internal/platform/reporting"
	"github.com/clinic/clinic/internal/platform/webhook"
)

const (
	version        = "0.1.0"
	lockKeyPrefix  = "clinic:lock:"
	requestTimeout = 30 * time.Second
	bodyLimit      = "256K"
)

// app holds the wired services and the connections they own.
type app struct {
	cfg        *config.Config
	log        zerolog.Logger
	pool       *pgxpool.Pool
	scheduling *scheduling.Service
	billing    *billing.Service
	exports    blobstore.Store
	closers    []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	ratio, err := cfg.PartialRatio()
	if err != nil {
		return nil, err
	}

	var (
		assignments  scheduling.AssignmentRepository
		exceptions   scheduling.ExceptionRepository
		appointments scheduling.AppointmentRepository
		directory    scheduling.Directory
		memDirectory *scheduling.MemoryDirectory
	)
	switch cfg.Storage {
	case config.StorageMemory:
		memDirectory = scheduling.NewMemoryDirectory()
		assignments = scheduling.NewMemoryAssignmentRepo()
		exceptions = scheduling.NewMemoryExceptionRepo()
		appointments = scheduling.NewMemoryAppointmentRepo()
		directory = memDirectory
		logger.Warn().Msg("using in-memory storage; data is lost on restart")
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		assignments = scheduling.NewAssignmentRepoPG(pool)
		exceptions = scheduling.NewExceptionRepoPG(pool)
		appointments = scheduling.NewAppointmentRepoPG(pool)
		directory = scheduling.NewDirectoryPG(pool)
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
	}

	var locker lock.Locker = lock.NewMemory()
	if cfg.RedisURL != "" {
		redisLocker, client, err := lock.NewRedisFromURL(ctx, cfg.RedisURL, lockKeyPrefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { client.Close() })
		locker = redisLocker
		logger.Info().Msg("using redis booking locks")
	}

	publishers := events.Multi{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { amqpPublisher.Close() })
		publishers = append(publishers, amqpPublisher)
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing events to amqp")
	}
	if cfg.WebhookURL != "" {
		hook, err := webhook.NewPublisher(cfg.WebhookURL, cfg.WebhookSecret, webhook.WithEvents(cfg.WebhookEvents...))
		if err != nil {
			return nil, fmt.Errorf("webhook: %w", err)
		}
		publishers = append(publishers, hook)
		logger.Info().Strs("events", cfg.WebhookEvents).Msg("delivering events to webhook")
	}
	var publisher events.Publisher = events.NewLogPublisher(logger)
	if len(publishers) > 0 {
		publisher = publishers
	}

	a.scheduling = scheduling.NewService(assignments, exceptions, appointments, directory, locker, publisher)
	a.scheduling.SetLogger(logger.With().Str("component", "scheduling").Logger())
	a.scheduling.SetLocation(loc)
	a.scheduling.SetLockTTL(cfg.BookingLockTTL)

	a.billing, err = billing.NewService(a.scheduling, billing.PaymentPolicy{PartialRatio: ratio})
	if err != nil {
		return nil, err
	}
	a.billing.SetLogger(logger.With().Str("component", "billing").Logger())

	switch cfg.ExportStore {
	case config.ExportStoreMemory:
		a.exports = blobstore.NewMemory()
	case config.ExportStoreMinio:
		store, err := blobstore.NewMinio(ctx, blobstore.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		a.exports = store
		logger.Info().Str("endpoint", cfg.MinioEndpoint).Str("bucket", cfg.MinioBucket).Msg("exporting charges to minio")
	}
	if a.exports != nil {
		a.billing.SetExportStore(a.exports)
	}

	if cfg.SeedFile != "" {
		s, err := readSeed(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		if err := s.apply(ctx, memDirectory, a.scheduling); err != nil {
			return nil, err
		}
		logger.Info().Str("file", cfg.SeedFile).Int("assignments", len(s.Assignments)).Msg("seed loaded")
	}

	ok = true
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newServer(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewRequestValidator()

	e.Use(middleware.Recovery(a.log))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.log))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID", scheduling.ActorHeader},
	}))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	rateLimitCfg.RequestsPerSecond = a.cfg.RateLimitRPS
	rateLimitCfg.BurstSize = a.cfg.RateLimitBurst

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.RequestTimeout(requestTimeout))
	apiV1.Use(middleware.BodyLimit(bodyLimit))

	scheduling.NewHandler(a.scheduling).RegisterRoutes(apiV1)
	billing.NewHandler(a.billing).RegisterRoutes(apiV1)
	if a.exports != nil {
		blobstore.NewHandler(a.exports, "exports/").RegisterRoutes(apiV1)
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"storage": a.cfg.Storage,
		})
	})
	if a.pool != nil {
		reporting.NewHandler(a.pool, a.log.With().Str("component", "reporting").Logger()).RegisterRoutes(apiV1)
		e.GET("/health/db", db.HealthHandler(a.pool))
	}

	return e
}
