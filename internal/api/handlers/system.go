package handlers

import (
	"net/http"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/config"
)

// InFlightCounter reports running ingest pipelines.
type InFlightCounter interface {
	InFlight() int
}

// SystemHandler serves GET /api/v1/info without authentication.
type SystemHandler struct {
	cfg      *config.Config
	inFlight InFlightCounter
}

// NewSystemHandler creates the info handler.
func NewSystemHandler(cfg *config.Config, inFlight InFlightCounter) *SystemHandler {
	return &SystemHandler{cfg: cfg, inFlight: inFlight}
}

type infoResponse struct {
	Service       string `json:"service"`
	Version       string `json:"version"`
	InstanceID    string `json:"instance_id"`
	Store         string `json:"store"`
	Backend       string `json:"backend"`
	IdentityMode  string `json:"identity_mode"`
	MaxFileSize   int64  `json:"max_file_size"`
	DedupAudit    bool   `json:"dedup_audit"`
	AuditInterval string `json:"audit_interval"`
	InFlight      int    `json:"in_flight"`
}

// GetInfo handles GET /api/v1/info.
func (h *SystemHandler) GetInfo(w http.ResponseWriter, _ *http.Request) {
	identity := "jwt"
	if h.cfg.DevIdentity() {
		identity = "development"
	}
	auditInterval := "disabled"
	if h.cfg.AuditInterval > 0 {
		auditInterval = h.cfg.AuditInterval.String()
	}

	writeJSON(w, http.StatusOK, infoResponse{
		Service:       "custody-store",
		Version:       config.Version,
		InstanceID:    h.cfg.InstanceID,
		Store:         h.cfg.Store,
		Backend:       h.cfg.Backend,
		IdentityMode:  identity,
		MaxFileSize:   h.cfg.MaxFileSize,
		DedupAudit:    h.cfg.DedupAudit,
		AuditInterval: auditInterval,
		InFlight:      h.inFlight.InFlight(),
	})
}
