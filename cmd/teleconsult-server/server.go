package main

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/teleconsult/internal/config"
	"github.com/ehr/teleconsult/internal/domain/scheduling"
	"github.com/ehr/teleconsult/internal/domain/signaling"
	"github.com/ehr/teleconsult/internal/platform/auth"
	"github.com/ehr/teleconsult/internal/platform/db"
	"github.com/ehr/teleconsult/internal/platform/ice"
	"github.com/ehr/teleconsult/internal/platform/middleware"
	"github.com/ehr/teleconsult/internal/platform/telemetry"
	"github.com/ehr/teleconsult/internal/platform/websocket"
)

const wsPath = "/api/v1/ws"

// stores holds the repositories of the configured driver.
type stores struct {
	appointments scheduling.AppointmentRepository
	directory    scheduling.DirectoryRepository
	// pinger backs /health/db; nil when the driver is not postgres.
	pinger db.Pinger
	close  func()
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		return &stores{
			appointments: scheduling.NewAppointmentRepoPG(pool),
			directory:    scheduling.NewDirectoryRepoPG(pool),
			pinger:       pool,
			close:        pool.Close,
		}, nil
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info().Str("addr", opts.Addr).Msg("connected to redis")
		return &stores{
			appointments: scheduling.NewAppointmentRepoRedis(rdb),
			directory:    scheduling.NewDirectoryRepoRedis(rdb),
			close:        func() { rdb.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

type server struct {
	echo  *echo.Echo
	hub   *websocket.Hub
	relay *signaling.Relay
}

func newServer(cfg *config.Config, logger zerolog.Logger, st *stores) (*server, error) {
	metrics := telemetry.New(nil)

	bodyLimit, err := middleware.ParseLimit(cfg.BodyLimit)
	if err != nil {
		return nil, fmt.Errorf("BODY_LIMIT: %w", err)
	}
	iceServers, err := ice.Servers(ice.Config{
		URLs:       ice.ParseList(cfg.ICEServers),
		Username:   cfg.TURNUsername,
		Credential: cfg.TURNCredential,
	})
	if err != nil {
		return nil, fmt.Errorf("ICE_SERVERS: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.BodyLimit(bodyLimit))
	if cfg.MetricsEnabled {
		e.Use(metrics.MetricsMiddleware())
	}

	switch cfg.ResolvedAuthMode() {
	case config.AuthDevelopment:
		logger.Warn().Msg("development auth enabled: identity headers are trusted without verification")
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	default:
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

	svc := scheduling.NewService(st.appointments, st.directory, metrics)
	relay := signaling.NewRelay(svc, signaling.NewRegistry(), logger, metrics)
	hub := websocket.NewHub()

	apiV1 := e.Group("/api/v1")
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.BurstSize = cfg.RateLimitBurst
	apiV1.Use(middleware.RateLimit(rl))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout, wsPath))

	scheduling.NewHandler(svc).RegisterRoutes(apiV1)
	signaling.NewHandler(svc, iceServers).RegisterRoutes(apiV1)

	wsCfg := websocket.DefaultConfig()
	wsCfg.RateLimit = rate.Limit(cfg.SignalRateLimit)
	wsCfg.RateBurst = cfg.SignalRateBurst
	wsCfg.SendBuffer = cfg.SignalSendBuffer
	wsCfg.RateLimitedFrame = signaling.RateLimitedNotice()
	wsCfg.CheckOrigin = originChecker(cfg.CORSOrigins)
	factory := func(ctx context.Context, c *websocket.Client) (websocket.Session, error) {
		return relay.Open(ctx, c)
	}
	websocket.NewHandler(wsCfg, hub, factory, logger, metrics).RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":       "ok",
			"version":      version,
			"active_rooms": relay.ActiveRooms(),
			"connections":  hub.ClientCount(),
		})
	})
	if st.pinger != nil {
		e.GET("/health/db", db.HealthHandler(st.pinger))
	}
	if cfg.MetricsEnabled {
		e.GET("/metrics", metrics.Handler())
	}

	return &server{echo: e, hub: hub, relay: relay}, nil
}

// originChecker admits upgrades from the CORS origins. Requests without an
// Origin header come from non-browser clients and pass.
func originChecker(origins []string) func(*http.Request) bool {
	allowAll := slices.Contains(origins, "*")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		return slices.Contains(origins, origin)
	}
}
