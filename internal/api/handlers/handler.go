// Package handlers implements the HTTP surface of the custody store.
// Handlers parse requests, call the service layer and map its errors to
// statuses in writeServiceError.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/Kunal-byte11/Alpha-Trio-loc7/internal/api/errors"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/service"
)

// AuditRunner runs one chain sweep; the bool is true when another sweep
// was already running.
type AuditRunner interface {
	RunOnce(ctx context.Context) (*service.AuditReport, bool)
	IsInProgress() bool
}

// APIHandler serves the /api/v1 evidence and maintenance endpoints.
type APIHandler struct {
	ingest      *service.IngestService
	retrieval   *service.RetrievalService
	custody     *service.CustodyService
	audit       AuditRunner
	maxFileSize int64
	logger      *slog.Logger
}

// NewAPIHandler wires the services into one handler.
func NewAPIHandler(
	ingest *service.IngestService,
	retrieval *service.RetrievalService,
	custody *service.CustodyService,
	audit AuditRunner,
	maxFileSize int64,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		ingest:      ingest,
		retrieval:   retrieval,
		custody:     custody,
		audit:       audit,
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "api_handler")),
	}
}

// writeServiceError maps a service error to its HTTP status.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var se *service.Error
	if !errors.As(err, &se) {
		h.logger.Error("Unclassified error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Internal error")
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(se.Kind, service.ErrInvalidInput):
		status = http.StatusBadRequest
		if se.Code == service.CodeFileTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
	case errors.Is(se.Kind, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(se.Kind, service.ErrIntegrity):
		status = http.StatusConflict
	case errors.Is(se.Kind, service.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(se.Kind, service.ErrCancelled):
		status = http.StatusRequestTimeout
	case errors.Is(se.Kind, service.ErrCatalogCommitFailed):
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", se.Code),
			slog.String("error", se.Error()),
		)
	}
	apierrors.WriteErrorWithOutcome(w, status, se.Code, se.Message, se.Outcome)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
