package handlers

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/config"
)

const (
	statusOK       = "ok"
	statusFail     = "fail"
	statusDegraded = "degraded"
)

// Pinger reports catalog reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DependencyReporter exposes the last dependency probe results.
type DependencyReporter interface {
	Health() map[string]bool
}

// HealthHandler serves /health/live and /health/ready.
type HealthHandler struct {
	version string
	catalog Pinger
	walDir  string
	deps    DependencyReporter
}

// NewHealthHandler creates the probe handler. deps may be nil.
func NewHealthHandler(catalog Pinger, walDir string, deps DependencyReporter) *HealthHandler {
	return &HealthHandler{
		version: config.Version,
		catalog: catalog,
		walDir:  walDir,
		deps:    deps,
	}
}

// HealthLive handles GET /health/live. It never checks dependencies.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    statusOK,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "custody-store",
	})
}

// HealthReady handles GET /health/ready. The catalog and the WAL directory
// must be usable; unhealthy remote dependencies only degrade the status.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	overall := statusOK
	httpStatus := http.StatusOK

	catalogCheck := h.checkCatalog(r.Context())
	walCheck := h.checkWAL()
	for _, c := range []map[string]any{catalogCheck, walCheck} {
		if c["status"] != statusOK {
			overall = statusFail
			httpStatus = http.StatusServiceUnavailable
		}
	}

	checks := map[string]any{
		"catalog": catalogCheck,
		"wal":     walCheck,
	}

	if h.deps != nil {
		deps := h.deps.Health()
		checks["dependencies"] = deps
		for _, healthy := range deps {
			if !healthy && overall == statusOK {
				overall = statusDegraded
			}
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "custody-store",
		"checks":    checks,
	})
}

func (h *HealthHandler) checkCatalog(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := h.catalog.Ping(ctx); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Catalog unreachable: " + err.Error(),
		}
	}
	return map[string]any{"status": statusOK}
}

func (h *HealthHandler) checkWAL() map[string]any {
	if h.walDir == "" {
		return map[string]any{
			"status":  statusOK,
			"message": "Check not configured",
		}
	}

	testFile := filepath.Join(h.walDir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "WAL directory not writable: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{"status": statusOK}
}
