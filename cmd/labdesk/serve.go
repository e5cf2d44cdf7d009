package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labdesk/labdesk/internal/config"
	"github.com/labdesk/labdesk/internal/domain/labresult"
	"github.com/labdesk/labdesk/internal/platform/db"
	"github.com/labdesk/labdesk/internal/platform/draft"
	"github.com/labdesk/labdesk/internal/platform/middleware"
	"github.com/labdesk/labdesk/internal/platform/seed"
	"github.com/labdesk/labdesk/internal/platform/telemetry"
	"github.com/labdesk/labdesk/internal/platform/websocket"
)

const version = "0.1.0"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the result API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(parent context.Context) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open store")
		return err
	}
	defer be.Close()

	if cfg.CatalogFile != "" {
		if err := seedCatalog(ctx, be, cfg.DefaultTenant, cfg.CatalogFile, logger); err != nil {
			return err
		}
	}

	metrics := telemetry.New("labdesk")
	eng, err := newEngine(cfg, be.store, metrics, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	// Log level follows the config file while running.
	go func() {
		err := config.Watch(ctx, configFile,
			func(next *config.Config) {
				zerolog.SetGlobalLevel(next.Level())
				logger.Info().Str("log_level", next.Level().String()).Msg("config reloaded")
			},
			func(err error) {
				logger.Warn().Err(err).Msg("config reload")
			})
		if err != nil {
			logger.Debug().Err(err).Msg("config watch disabled")
		}
	}()

	go eng.sessions.Run(ctx, time.Minute)
	if eng.drafts != nil && cfg.DraftRetention > 0 {
		go pruneDrafts(ctx, eng.drafts, cfg.DraftRetention, logger)
	}

	e := newServer(cfg, be, eng, metrics, logger)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("driver", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(cfg *config.Config, be *backend, eng *engine, metrics *telemetry.Metrics, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))

	e.GET("/health", db.HealthHandler(be.store, be.pool))
	e.GET("/metrics", metrics.Handler())
	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"version": version})
	})

	api := e.Group("/api/v1")
	if be.pool != nil {
		api.Use(db.TenantMiddleware(be.pool, cfg.DefaultTenant))
	} else {
		api.Use(db.TenantContextMiddleware(cfg.DefaultTenant))
	}
	api.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	api.Use(middleware.RequestTimeout(cfg.SubmitTimeout + 5*time.Second))

	hub := websocket.NewHub(logger, originAllowed(cfg.CORSOrigins))
	labresult.NewHandler(eng.service).WithLive(hub).RegisterRoutes(api)
	return e
}

func seedCatalog(ctx context.Context, be *backend, tenant, path string, log zerolog.Logger) error {
	f, err := seed.LoadFile(path)
	if err != nil {
		return err
	}
	if be.pool != nil {
		ctx = db.WithTenant(ctx, tenant)
	}
	n, err := seed.Apply(ctx, be.store, f, log)
	if err != nil {
		return err
	}
	log.Info().
		Str("file", path).
		Int("test_types", n.TestTypes).
		Int("parameters", n.Parameters).
		Int("doctors", n.Doctors).
		Int("patients", n.Patients).
		Msg("catalog seeded")
	return nil
}

// originAllowed matches WebSocket origins against the CORS list. A "*" entry
// allows any origin.
func originAllowed(origins []string) func(string) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(origin string) bool {
		return allowed["*"] || allowed[origin]
	}
}

// pruneDrafts drops drafts older than retention, once at startup and then
// hourly.
func pruneDrafts(ctx context.Context, drafts *draft.Store, retention time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := drafts.Prune(time.Now().Add(-retention))
		if err != nil {
			log.Warn().Err(err).Msg("prune drafts")
		} else if n > 0 {
			log.Info().Int("pruned", n).Msg("expired drafts removed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
