package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
)

type custodyResponse struct {
	CID    string                `json:"cid"`
	Events []*model.CustodyEvent `json:"events"`
}

// GetCustody handles GET /api/v1/evidence/{cid}/custody.
func (h *APIHandler) GetCustody(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cid")

	events, err := h.custody.Events(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []*model.CustodyEvent{}
	}
	if len(events) > 0 {
		id = events[0].CID
	}
	writeJSON(w, http.StatusOK, custodyResponse{CID: id, Events: events})
}

// VerifyCustody handles GET /api/v1/evidence/{cid}/verify.
func (h *APIHandler) VerifyCustody(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cid")

	verdict, err := h.custody.Verify(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}
