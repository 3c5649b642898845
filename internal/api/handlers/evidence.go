package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/Kunal-byte11/Alpha-Trio-loc7/internal/api/errors"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/api/middleware"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/cid"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/service"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
)

// ContentCIDHeader carries the verified CID of served bytes.
const ContentCIDHeader = "X-Content-CID"

// multipartOverhead is the room left for form fields and part headers.
const multipartOverhead = 1 << 20

// IngestEvidence handles POST /api/v1/evidence.
// Multipart form: file (required), case_number, mime_type. ?async=true
// returns 202 once the content is hashed.
func (h *APIHandler) IngestEvidence(w http.ResponseWriter, r *http.Request) {
	officer := middleware.SubjectFromContext(r.Context())

	async, err := parseBool(r.URL.Query().Get("async"))
	if err != nil {
		apierrors.ValidationError(w, "async: "+err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.FileTooLarge(w, fmt.Sprintf("File exceeds the %d byte limit", h.maxFileSize))
			return
		}
		apierrors.ValidationError(w, "Invalid multipart form: "+err.Error())
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "Field 'file' is required")
		return
	}
	defer file.Close()

	mimeType := r.FormValue("mime_type")
	if mimeType == "" {
		mimeType = header.Header.Get("Content-Type")
	}

	req := service.IngestRequest{
		Reader:     file,
		FileName:   header.Filename,
		MimeType:   mimeType,
		CaseNumber: r.FormValue("case_number"),
		UploadedBy: officer,
	}

	if async {
		res, err := h.ingest.Submit(r.Context(), req)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		status := http.StatusAccepted
		if res.Status == model.StatusConfirmed {
			status = http.StatusOK
		}
		writeJSON(w, status, res)
		return
	}

	res, err := h.ingest.Ingest(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// SearchEvidence handles GET /api/v1/evidence.
func (h *APIHandler) SearchEvidence(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	res, err := h.retrieval.Search(r.Context(), f)
	if err != nil {
		var se *service.Error
		if errors.As(err, &se) && errors.Is(err, service.ErrInvalidInput) {
			apierrors.ValidationError(w, se.Message)
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetEvidence handles GET /api/v1/evidence/{cid}. A CID with no record
// but a tracked background run reports that run.
func (h *APIHandler) GetEvidence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cid")

	rec, err := h.retrieval.Get(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	if errors.Is(err, service.ErrNotFound) {
		if canonical, perr := cid.Parse(id); perr == nil {
			if snap, ok := h.ingest.Status(canonical); ok {
				writeJSON(w, http.StatusOK, snap)
				return
			}
		}
	}
	h.writeServiceError(w, r, err)
}

// GetEvidenceContent handles GET /api/v1/evidence/{cid}/content. Bytes are
// served only after they hash to the requested CID.
func (h *APIHandler) GetEvidenceContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cid")
	officer := middleware.SubjectFromContext(r.Context())

	content, err := h.retrieval.Retrieve(r.Context(), id, officer)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	rec := content.Record
	contentType := rec.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(content.Data)))
	w.Header().Set(ContentCIDHeader, rec.CID)
	if rec.FileName != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.FileName}))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(content.Data); err != nil {
		h.logger.Warn("Content write interrupted",
			slog.String("cid", rec.CID),
			slog.String("error", err.Error()),
		)
	}
}

type rebindRequest struct {
	CaseNumber string `json:"case_number"`
}

// RebindCase handles PUT /api/v1/evidence/{cid}/case.
func (h *APIHandler) RebindCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cid")
	officer := middleware.SubjectFromContext(r.Context())

	var req rebindRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Invalid JSON body")
		return
	}

	rec, err := h.custody.BindCase(r.Context(), id, req.CaseNumber, officer)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// parseFilter builds a catalog filter from query parameters.
func parseFilter(r *http.Request) (catalog.Filter, error) {
	q := r.URL.Query()
	f := catalog.Filter{
		CaseNumber: strings.TrimSpace(q.Get("case_number")),
		UploadedBy: q.Get("uploaded_by"),
		MimeType:   q.Get("mime_type"),
		Status:     model.Status(q.Get("status")),
	}

	if prefix := strings.TrimSpace(q.Get("case_prefix")); prefix != "" {
		if f.CaseNumber != "" {
			return f, errors.New("case_number and case_prefix are mutually exclusive")
		}
		f.CaseNumber = prefix
		f.CasePrefix = true
	}

	var err error
	if f.From, err = parseTime(q.Get("date_from"), false); err != nil {
		return f, fmt.Errorf("date_from: %w", err)
	}
	if f.To, err = parseTime(q.Get("date_to"), true); err != nil {
		return f, fmt.Errorf("date_to: %w", err)
	}
	if f.IncludeFailed, err = parseBool(q.Get("include_failed")); err != nil {
		return f, fmt.Errorf("include_failed: %w", err)
	}

	switch order := strings.ToLower(q.Get("sort_order")); order {
	case "", catalog.SortDesc, catalog.SortAsc:
		f.SortOrder = order
	default:
		return f, fmt.Errorf("sort_order: expected asc or desc, got %q", order)
	}

	if f.Limit, err = parseNonNegative(q.Get("limit")); err != nil {
		return f, fmt.Errorf("limit: %w", err)
	}
	if f.Limit > catalog.MaxLimit {
		return f, fmt.Errorf("limit: at most %d", catalog.MaxLimit)
	}
	if f.Offset, err = parseNonNegative(q.Get("offset")); err != nil {
		return f, fmt.Errorf("offset: %w", err)
	}
	return f, nil
}

// parseTime accepts RFC 3339 or a bare date. A bare date_to covers the
// whole day.
func parseTime(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

func parseNonNegative(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}
