package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/labdesk/labdesk/internal/config"
	"github.com/labdesk/labdesk/internal/domain/labresult"
	"github.com/labdesk/labdesk/internal/platform/db"
	"github.com/labdesk/labdesk/internal/platform/draft"
	"github.com/labdesk/labdesk/internal/platform/store"
	"github.com/labdesk/labdesk/internal/platform/telemetry"
)

// backend is the opened store with the handles the server needs beside it.
type backend struct {
	store store.Store
	pool  *pgxpool.Pool
}

func (b *backend) Close() {
	b.store.Close()
	if b.pool != nil {
		b.pool.Close()
	}
}

// openBackend connects the configured driver. The embedded SQLite database
// is migrated on open; PostgreSQL schemas are migrated per tenant with
// `migrate up` or `tenant create`.
func openBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backend, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		m, err := db.NewSQLiteMigrator(s.DB())
		if err != nil {
			s.Close()
			return nil, err
		}
		n, err := m.Up(ctx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate %s: %w", cfg.SQLitePath, err)
		}
		log.Info().Str("path", cfg.SQLitePath).Int("applied", n).Msg("opened sqlite store")
		return &backend{store: s}, nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			MaxConnIdleTime: 5 * time.Minute,
			ApplicationName: "labdesk",
		})
		if err != nil {
			return nil, err
		}
		log.Info().Int32("max_conns", cfg.DBMaxConns).Msg("connected to database")
		return &backend{store: store.NewPostgres(pool), pool: pool}, nil
	}
}

// engine is the wired result engine.
type engine struct {
	service  *labresult.Service
	sessions *labresult.Manager
	drafts   *draft.Store
}

func (e *engine) Close() {
	e.sessions.CloseAll()
	if e.drafts != nil {
		e.drafts.Close()
	}
}

// newEngine wires catalog, loader, coordinator, session registry and drafts
// over st. An empty DRAFTS_PATH disables drafts.
func newEngine(cfg *config.Config, st store.Store, metrics *telemetry.Metrics, log zerolog.Logger) (*engine, error) {
	catalog := labresult.NewCatalog(st)
	results := labresult.NewResultRepo(st)
	deps := labresult.SessionDeps{
		Loader:      labresult.NewParameterLoader(catalog, cfg.LoadTimeout, log, metrics),
		Coordinator: labresult.NewCoordinator(results, log, metrics),
		Log:         log,
	}
	sessions := labresult.NewManager(deps, labresult.NewHydrator(results, catalog), cfg.SessionIdleTimeout, metrics)

	e := &engine{sessions: sessions}
	var drafts labresult.DraftStore
	if cfg.DraftsPath != "" {
		d, err := draft.Open(cfg.DraftsPath)
		if err != nil {
			return nil, err
		}
		e.drafts = d
		drafts = d
	}
	e.service = labresult.NewService(catalog, results, sessions, drafts, cfg.SubmitTimeout, log)
	return e, nil
}
