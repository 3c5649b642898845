// dephealth.go: dependency monitoring through the topologymetrics SDK.
//
// The custody store watches:
//   - PostgreSQL catalog, through the existing pool (critical)
//   - JWKS endpoint of the identity provider (critical)
//   - Pinata gateway (non-critical; retrieval degrades, ingest retries)
//
// Each dependency is added only when configured. Metrics are exposed on
// /metrics next to the service metrics:
//   - app_dependency_health
//   - app_dependency_latency_seconds
//   - app_dependency_status
//   - app_dependency_status_detail
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNoDependencies is returned when nothing is configured for monitoring.
var ErrNoDependencies = errors.New("dephealth: no dependencies configured")

// DephealthConfig lists what to monitor. Empty fields are skipped.
type DephealthConfig struct {
	// InstanceID is the graph vertex of this process.
	InstanceID string
	Group      string
	Interval   time.Duration

	// DB is a database/sql view of the catalog pool; PostgresURL only
	// supplies host and port labels.
	DB          *sql.DB
	PostgresURL string

	JWKSURL string
	// TLSSkipVerify disables certificate checks for the JWKS probe.
	TLSSkipVerify bool

	PinataGatewayURL string
	PinataHealthPath string
}

// DephealthService monitors external dependencies.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService registers metrics in the global Prometheus registry.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, logger)
}

// NewDephealthServiceWithRegisterer isolates metrics in registerer.
func NewDephealthServiceWithRegisterer(cfg DephealthConfig, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(cfg, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(cfg DephealthConfig, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	opts := []dephealth.Option{dephealth.WithLogger(logger)}
	deps := 0

	if cfg.DB != nil && cfg.PostgresURL != "" {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)),
			dephealth.FromURL(cfg.PostgresURL),
			dephealth.CheckInterval(cfg.Interval),
			dephealth.Critical(true),
		))
		deps++
	}

	if cfg.JWKSURL != "" {
		opts = append(opts, dephealth.HTTP("identity-jwks",
			dephealth.FromURL(cfg.JWKSURL),
			dephealth.CheckInterval(cfg.Interval),
			dephealth.Critical(true),
			dephealth.WithHTTPTLSSkipVerify(cfg.TLSSkipVerify),
		))
		deps++
	}

	if cfg.PinataGatewayURL != "" {
		gwOpts := []dephealth.DependencyOption{
			dephealth.FromURL(cfg.PinataGatewayURL),
			dephealth.CheckInterval(cfg.Interval),
			dephealth.Critical(false),
		}
		if cfg.PinataHealthPath != "" {
			gwOpts = append(gwOpts, dephealth.WithHTTPHealthPath(cfg.PinataHealthPath))
		}
		opts = append(opts, dephealth.HTTP("pinata-gateway", gwOpts...))
		deps++
	}

	if deps == 0 {
		return nil, ErrNoDependencies
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.InstanceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start begins periodic checks.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Dependency monitoring started")
	return ds.dh.Start(ctx)
}

// Stop ends periodic checks.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Dependency monitoring stopped")
}

// Health returns the state per dependency endpoint ("name:host:port").
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
