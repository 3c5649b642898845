package handlers

import (
	"net/http"

	apierrors "github.com/Kunal-byte11/Alpha-Trio-loc7/internal/api/errors"
)

// RunAudit handles POST /api/v1/maintenance/audit. The sweep runs
// synchronously; a second concurrent request gets 409 AUDIT_IN_PROGRESS.
func (h *APIHandler) RunAudit(w http.ResponseWriter, r *http.Request) {
	report, skipped := h.audit.RunOnce(r.Context())
	if skipped {
		apierrors.AuditInProgress(w, "An audit sweep is already running")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
