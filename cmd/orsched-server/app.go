package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/orsched/internal/config"
	"github.com/ehr/orsched/internal/domain/orschedule"
	"github.com/ehr/orsched/internal/platform/auth"
	"github.com/ehr/orsched/internal/platform/db"
	"github.com/ehr/orsched/internal/platform/lock"
	"github.com/ehr/orsched/internal/platform/middleware"
	"github.com/ehr/orsched/internal/platform/notification"
	"github.com/ehr/orsched/internal/platform/telemetry"
)

const version = "0.1.0"

// app holds everything serve and optimize share.
type app struct {
	cfg           *config.Config
	logger        zerolog.Logger
	pool          *pgxpool.Pool
	telemetry     *telemetry.TelemetryProvider
	notifications *notification.NotificationManager
	engine        *orschedule.Engine
	closers       []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.telemetry, err = telemetry.NewTelemetryProvider(ctx, telemetry.TelemetryConfig{
		ServiceName:    "orsched-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := a.telemetry.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	})

	var store orschedule.Store
	switch cfg.StoreBackend {
	case config.StorePostgres:
		a.pool, err = db.NewPool(ctx, db.PoolConfig{
			URL:             cfg.DatabaseURL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			ApplicationName: "orsched-server",
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.pool.Close)
		store = orschedule.NewPGStore(a.pool)
		logger.Info().Msg("connected to database")
	case config.StoreMemory:
		store = orschedule.NewMemoryStore()
		logger.Warn().Msg("using in-memory store; schedule data is lost on restart")
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	locker, err := a.newLocker(ctx)
	if err != nil {
		return nil, err
	}

	sender := notification.LogSender{Logger: logger.With().Str("component", "notification").Logger()}
	a.notifications = notification.NewNotificationManager(sender, sender, nil)

	opts, err := cfg.EngineOptions()
	if err != nil {
		return nil, err
	}
	engineOpts := []orschedule.EngineOption{
		orschedule.WithLogger(logger.With().Str("component", "orschedule").Logger()),
		orschedule.WithLocker(locker),
		orschedule.WithAuditSink(orschedule.NewLogAuditSink(logger.With().Str("component", "audit").Logger())),
		orschedule.WithNotifier(orschedule.NewTemplateNotifier(a.notifications, opts.Location, nil)),
	}
	if cfg.MetricsEnabled {
		engineOpts = append(engineOpts, orschedule.WithMetrics(orschedule.NewMetrics(a.telemetry.Registerer())))
	}
	a.engine = orschedule.NewEngine(store, opts, engineOpts...)
	return a, nil
}

func (a *app) newLocker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.LockBackend != config.LockRedis {
		return lock.NewKeyedLocker(), nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	a.logger.Info().Str("addr", opts.Addr).Msg("using redis schedule locks")
	return lock.NewRedisLocker(client, lock.RedisConfig{TTL: a.cfg.LockTTL}, a.logger), nil
}

// tenantContext pins the Postgres connection to a tenant schema. With the
// memory store it returns ctx unchanged.
func (a *app) tenantContext(ctx context.Context, tenant string) (context.Context, func(), error) {
	if a.pool == nil {
		return ctx, func() {}, nil
	}
	return db.AcquireTenantConn(ctx, a.pool, tenant)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// router builds the HTTP surface.
func (a *app) router() *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(a.telemetry.TracingMiddleware())
	e.Use(a.telemetry.MetricsMiddleware())
	if cfg.BodyLimit != "" {
		e.Use(echomw.BodyLimit(cfg.BodyLimit))
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	if cfg.ResolvedAuthMode() == config.AuthDevelopment {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if a.pool != nil {
		e.GET("/health/db", db.PoolHealthHandler(a.pool))
	}
	if cfg.MetricsEnabled {
		e.GET("/metrics", a.telemetry.PrometheusHandler())
	}

	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 || rl.BurstSize <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(db.TenantMiddleware(a.pool, cfg.DefaultTenant))
	apiV1.Use(middleware.RateLimit(rl))

	orschedule.NewHandler(a.engine).RegisterRoutes(apiV1)
	notification.NewHandler(a.notifications).RegisterRoutes(apiV1.Group("", auth.RequireRole("admin")))

	return e
}
