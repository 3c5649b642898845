// Package app assembles the custody store from its configuration: catalog,
// ledger, WAL, pinning backend, services and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/api/handlers"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/api/middleware"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/config"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/ledger"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/pinning"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/server"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/service"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/memstore"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/postgres"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/sqlite"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/wal"
)

// App owns every long-lived component of one custody store process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store   catalog.Store
	Backend pinning.Backend
	WAL     *wal.WAL
	Ledger  *ledger.Ledger

	Ingest    *service.IngestService
	Retrieval *service.RetrievalService
	Custody   *service.CustodyService
	Audit     *service.AuditService

	dephealth *service.DephealthService
	// healthDB is a database/sql view of the pgx pool for pgcheck.
	healthDB  *sql.DB
}

// New opens the catalog, replays the WAL and builds the services. The
// caller must Close the app.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	w, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init WAL: %w", err)
	}
	a.WAL = w

	report, err := service.RecoverIngests(ctx, w, a.store, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("WAL recovery: %w", err)
	}
	if report.Pending > 0 {
		logger.Warn("Interrupted ingests resolved",
			slog.Int("pending", report.Pending),
			slog.Int("committed", report.Committed),
			slog.Int("rolled_back", report.RolledBack),
			slog.Int("orphaned_pins", len(report.OrphanedPins)),
		)
	}

	if err := service.SyncEvidenceGauge(ctx, a.store); err != nil {
		logger.Warn("Evidence gauge not initialised", slog.String("error", err.Error()))
	}

	backend, err := newBackend(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Backend = backend

	a.Ledger = ledger.New(a.store, logger)
	a.Ingest = service.NewIngestService(a.store, a.Ledger, backend, w, service.IngestOptions{
		MaxFileSize:  cfg.MaxFileSize,
		Pin:          retryPolicy(cfg.Pin),
		Commit:       service.RetryPolicy{MaxAttempts: cfg.CommitMaxAttempts, InitialInterval: cfg.Pin.InitialInterval, MaxInterval: cfg.Pin.MaxInterval},
		AsyncTimeout: cfg.AsyncIngestTimeout,
		DedupAudit:   cfg.DedupAudit,
	}, logger)
	a.Retrieval = service.NewRetrievalService(a.store, a.Ledger, backend, retryPolicy(cfg.Fetch), logger)
	a.Custody = service.NewCustodyService(a.store, a.Ledger, logger)
	a.Audit = service.NewAuditService(a.store, a.Ledger, cfg.AuditInterval, logger)

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	var store catalog.Store
	switch a.cfg.Store {
	case config.StoreMemory:
		a.logger.Warn("In-memory catalog: records are lost on restart")
		store = memstore.New(a.logger)
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, a.cfg.SQLitePath, a.logger)
		if err != nil {
			return fmt.Errorf("open SQLite catalog: %w", err)
		}
		store = s
	case config.StorePostgres:
		pgCfg := a.postgresConfig()
		if err := postgres.Migrate(pgCfg, a.logger); err != nil {
			return fmt.Errorf("migrate PostgreSQL catalog: %w", err)
		}
		pool, err := postgres.Connect(ctx, pgCfg, a.logger)
		if err != nil {
			return err
		}
		store = postgres.New(pool, a.logger)
	default:
		return fmt.Errorf("unknown catalog store %q", a.cfg.Store)
	}

	if a.cfg.CacheSize > 0 {
		store = catalog.NewCached(store, a.cfg.CacheSize, a.cfg.CacheTTL)
	}
	a.store = store
	return nil
}

func (a *App) postgresConfig() postgres.Config {
	return postgres.Config{
		Host:     a.cfg.DBHost,
		Port:     a.cfg.DBPort,
		Name:     a.cfg.DBName,
		User:     a.cfg.DBUser,
		Password: a.cfg.DBPassword,
		SSLMode:  a.cfg.DBSSLMode,
	}
}

func newBackend(cfg *config.Config, logger *slog.Logger) (pinning.Backend, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		b, err := pinning.NewLocal(cfg.LocalDir, logger)
		if err != nil {
			return nil, fmt.Errorf("init local backend: %w", err)
		}
		return b, nil
	case config.BackendPinata:
		b, err := pinning.NewPinata(pinning.PinataConfig{
			APIURL:       cfg.PinataAPIURL,
			GatewayURL:   cfg.PinataGatewayURL,
			APIKey:       cfg.PinataAPIKey,
			SecretAPIKey: cfg.PinataSecretAPIKey,
			MaxFetchSize: cfg.MaxFileSize,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init Pinata backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown pinning backend %q", cfg.Backend)
	}
}

func retryPolicy(r config.Retry) service.RetryPolicy {
	return service.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		AttemptTimeout:  r.AttemptTimeout,
	}
}

// Store returns the catalog, including the read cache when enabled.
func (a *App) Store() catalog.Store {
	return a.store
}

// Serve starts background services and the HTTP server, and blocks until
// ctx is cancelled. Background work is stopped before Serve returns.
func (a *App) Serve(ctx context.Context) error {
	return a.serve(ctx, func(srv *server.Server) error { return srv.Run(ctx) })
}

// ServeListener is Serve on an existing listener.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	return a.serve(ctx, func(srv *server.Server) error { return srv.Serve(ctx, ln) })
}

func (a *App) serve(ctx context.Context, run func(*server.Server) error) error {
	identity, err := a.identity()
	if err != nil {
		return err
	}

	a.Audit.Start(ctx)
	a.startDephealth(ctx)

	var deps handlers.DependencyReporter
	if a.dephealth != nil {
		deps = a.dephealth
	}
	srv := server.New(a.cfg, a.logger, server.Handlers{
		API:      handlers.NewAPIHandler(a.Ingest, a.Retrieval, a.Custody, a.Audit, a.cfg.MaxFileSize, a.logger),
		Health:   handlers.NewHealthHandler(a.store, a.cfg.WALDir, deps),
		System:   handlers.NewSystemHandler(a.cfg, a.Ingest),
		Identity: identity,
	})

	serveErr := run(srv)

	a.logger.Info("Waiting for background ingests", slog.Int("in_flight", a.Ingest.InFlight()))
	a.Ingest.Wait()
	a.stopBackground()
	return serveErr
}

func (a *App) identity() (func(http.Handler) http.Handler, error) {
	if a.cfg.DevIdentity() {
		a.logger.Warn("Development identity mode: callers are trusted by the "+middleware.DevIdentityHeader+" header",
			slog.String("hint", "set CS_JWKS_URL to enable JWT authentication"),
		)
		return middleware.DevIdentity(), nil
	}

	auth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
		JWKSURL:         a.cfg.JWKSURL,
		CACertPath:      a.cfg.JWKSCACert,
		TLSSkipVerify:   a.cfg.TLSSkipVerify,
		ClientTimeout:   a.cfg.JWKSClientTimeout,
		RefreshInterval: a.cfg.JWKSRefreshInterval,
		JWTLeeway:       a.cfg.JWTLeeway,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init JWT authentication: %w", err)
	}
	return auth.Middleware(), nil
}

// startDephealth registers the configured dependencies. Monitoring is
// optional: failures are logged and the server runs without it.
func (a *App) startDephealth(ctx context.Context) {
	dhCfg := service.DephealthConfig{
		InstanceID:    a.cfg.InstanceID,
		Group:         a.cfg.DephealthGroup,
		Interval:      a.cfg.DephealthCheckInterval,
		JWKSURL:       a.cfg.JWKSURL,
		TLSSkipVerify: a.cfg.TLSSkipVerify,
	}
	if pgStore := a.postgresStore(); pgStore != nil {
		a.healthDB = stdlib.OpenDBFromPool(pgStore.Pool())
		dhCfg.DB = a.healthDB
		dhCfg.PostgresURL = a.postgresConfig().DSN()
	}
	if a.cfg.Backend == config.BackendPinata {
		dhCfg.PinataGatewayURL = a.cfg.PinataGatewayURL
		if dhCfg.PinataGatewayURL == "" {
			dhCfg.PinataGatewayURL = pinning.DefaultPinataGatewayURL
		}
	}

	ds, err := service.NewDephealthService(dhCfg, a.logger)
	if err != nil {
		if errors.Is(err, service.ErrNoDependencies) {
			a.logger.Info("No external dependencies to monitor")
		} else {
			a.logger.Warn("Dependency monitoring disabled", slog.String("error", err.Error()))
		}
		return
	}
	if err := ds.Start(ctx); err != nil {
		a.logger.Warn("Dependency monitoring failed to start", slog.String("error", err.Error()))
		return
	}
	a.dephealth = ds
}

func (a *App) postgresStore() *postgres.Store {
	store := a.store
	if c, ok := store.(*catalog.Cached); ok {
		store = c.Store
	}
	pg, _ := store.(*postgres.Store)
	return pg
}

func (a *App) stopBackground() {
	a.Audit.Stop()
	if a.dephealth != nil {
		a.dephealth.Stop()
		a.dephealth = nil
	}
	if a.healthDB != nil {
		_ = a.healthDB.Close()
		a.healthDB = nil
	}
}

// Close releases the catalog. Call it after Serve returns.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Catalog close failed", slog.String("error", err.Error()))
		}
	}
}
