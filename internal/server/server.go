package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/plexushq/weave/config"
	"github.com/plexushq/weave/internal/discovery"
	"github.com/plexushq/weave/internal/queue/streams"
	"github.com/plexushq/weave/internal/schema"
	"github.com/plexushq/weave/internal/store"
)

// Run wires the HTTP surface and blocks serving it.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	if err := cfg.Discovery.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("warn: migrations: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}

	// Event schemas live in the store so every service validates against the
	// same definitions.
	if err := schema.SeedBaseSchemas(ctx, st); err != nil {
		return fmt.Errorf("seed message schemas: %w", err)
	}
	registry, err := schema.Load(ctx, st)
	if err != nil {
		return fmt.Errorf("load message schemas: %w", err)
	}
	queue := streams.NewPublisher(rdb, registry)
	progress := discovery.NewRedisPublisher(rdb)
	cancel := func(ctx context.Context, req discovery.CancelRequest) error {
		return discovery.PublishCancel(ctx, rdb, req)
	}

	e.GET("/healthz", func(c echo.Context) error {
		if err := st.DB.PingContext(c.Request().Context()); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "postgres unavailable")
		}
		if err := rdb.Ping(c.Request().Context()).Err(); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "redis unavailable")
		}
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	ph := NewPlexusHandler(st)
	ph.Register(api.Group("/plexuses"))
	dh := NewDiscoveryHandler(st, queue, progress, cancel, time.Duration(cfg.Server.StreamIntervalSec)*time.Second)
	dh.Register(api)

	if cfg.Server.SchedulerEnabled {
		sched := &Scheduler{
			Store:    st,
			Queue:    queue,
			Rdb:      rdb,
			Interval: cfg.Discovery.SchedulerInterval,
			Stop:     make(chan struct{}),
		}
		sched.Start()
	}

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
