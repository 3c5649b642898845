package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/api/middleware"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/cid"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/ledger"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/pinning/pinningtest"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/service"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog/catalogtest"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/memstore"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/wal"
)

type testAPI struct {
	router  http.Handler
	store   *catalogtest.Tampering
	backend *pinningtest.Backend
	ingest  *service.IngestService
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func policy(attempts int) service.RetryPolicy {
	return service.RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		AttemptTimeout:  time.Second,
	}
}

// newTestAPI mounts the handlers the way the server does, with the
// identity taken from X-Officer-ID.
func newTestAPI(t *testing.T, maxFileSize int64) *testAPI {
	t.Helper()
	logger := quietLogger()
	store := catalogtest.NewTampering(memstore.New(logger))
	backend := pinningtest.New()
	w, err := wal.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}
	led := ledger.New(store, logger)

	ingest := service.NewIngestService(store, led, backend, w, service.IngestOptions{
		MaxFileSize:  maxFileSize,
		Pin:          policy(2),
		Commit:       policy(2),
		AsyncTimeout: 5 * time.Second,
		DedupAudit:   true,
	}, logger)
	t.Cleanup(ingest.Wait)
	retrieval := service.NewRetrievalService(store, led, backend, policy(2), logger)
	custody := service.NewCustodyService(store, led, logger)
	audit := service.NewAuditService(store, led, 0, logger)

	api := NewAPIHandler(ingest, retrieval, custody, audit, maxFileSize, logger)

	r := chi.NewRouter()
	r.Use(middleware.DevIdentity())
	r.Post("/api/v1/evidence", api.IngestEvidence)
	r.Get("/api/v1/evidence", api.SearchEvidence)
	r.Get("/api/v1/evidence/{cid}", api.GetEvidence)
	r.Get("/api/v1/evidence/{cid}/content", api.GetEvidenceContent)
	r.Put("/api/v1/evidence/{cid}/case", api.RebindCase)
	r.Get("/api/v1/evidence/{cid}/custody", api.GetCustody)
	r.Get("/api/v1/evidence/{cid}/verify", api.VerifyCustody)
	r.Post("/api/v1/maintenance/audit", api.RunAudit)

	return &testAPI{router: r, store: store, backend: backend, ingest: ingest}
}

func (a *testAPI) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if req.Header.Get(middleware.DevIdentityHeader) == "" {
		req.Header.Set(middleware.DevIdentityHeader, "officer-9")
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, target string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if data != nil {
		part, err := mw.CreateFormFile("file", "scene-photo.jpg")
		if err != nil {
			t.Fatal(err)
		}
		_, _ = part.Write(data)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (a *testAPI) upload(t *testing.T, data []byte, caseNumber string) service.IngestResult {
	t.Helper()
	rec := a.do(t, uploadRequest(t, "/api/v1/evidence", data, map[string]string{"case_number": caseNumber}))
	if rec.Code != http.StatusCreated && rec.Code != http.StatusOK {
		t.Fatalf("upload: status %d: %s", rec.Code, rec.Body.String())
	}
	var res service.IngestResult
	decode(t, rec, &res)
	return res
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Outcome string `json:"outcome"`
	} `json:"error"`
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) errorEnvelope {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	var env errorEnvelope
	decode(t, rec, &env)
	if env.Error.Code != code {
		t.Errorf("expected code %s, got %s", code, env.Error.Code)
	}
	return env
}

// TestIngestEvidence_CreatedThenDeduplicated checks 201 then 200 for the same bytes.
func TestIngestEvidence_CreatedThenDeduplicated(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	data := []byte("photo of the crime scene")

	rec := api.do(t, uploadRequest(t, "/api/v1/evidence", data, map[string]string{
		"case_number": "FIR2024001",
		"mime_type":   "image/jpeg",
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var first service.IngestResult
	decode(t, rec, &first)
	if first.CID != cid.Sum(data) || first.Status != model.StatusConfirmed {
		t.Errorf("unexpected result %+v", first)
	}
	if first.Record.UploadedBy != "officer-9" || first.Record.MimeType != "image/jpeg" || first.Record.FileName != "scene-photo.jpg" {
		t.Errorf("unexpected record %+v", first.Record)
	}

	rec = api.do(t, uploadRequest(t, "/api/v1/evidence", data, map[string]string{"case_number": "FIR2024001"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", rec.Code)
	}
	var second service.IngestResult
	decode(t, rec, &second)
	if !second.Deduplicated || second.CID != first.CID {
		t.Errorf("unexpected duplicate result %+v", second)
	}
}

// TestIngestEvidence_Errors checks the status and outcome of each failure.
func TestIngestEvidence_Errors(t *testing.T) {
	api := newTestAPI(t, 64)

	rec := api.do(t, uploadRequest(t, "/api/v1/evidence", nil, map[string]string{"case_number": "FIR1"}))
	expectError(t, rec, http.StatusBadRequest, "VALIDATION_ERROR")

	rec = api.do(t, uploadRequest(t, "/api/v1/evidence", []byte{}, nil))
	env := expectError(t, rec, http.StatusBadRequest, service.CodeInvalidInput)
	if env.Error.Outcome != service.OutcomeNothingStored {
		t.Errorf("expected outcome %s, got %q", service.OutcomeNothingStored, env.Error.Outcome)
	}

	rec = api.do(t, uploadRequest(t, "/api/v1/evidence", bytes.Repeat([]byte("x"), 65), nil))
	expectError(t, rec, http.StatusRequestEntityTooLarge, service.CodeFileTooLarge)

	rec = api.do(t, uploadRequest(t, "/api/v1/evidence?async=perhaps", []byte("x"), nil))
	expectError(t, rec, http.StatusBadRequest, "VALIDATION_ERROR")

	api.backend.FailNextPins(10)
	rec = api.do(t, uploadRequest(t, "/api/v1/evidence", []byte("unlucky"), nil))
	env = expectError(t, rec, http.StatusServiceUnavailable, service.CodeBackendUnavailable)
	if env.Error.Outcome == "" {
		t.Error("backend failures must carry an outcome")
	}
}

// TestIngestEvidence_Async checks 202 and polling through GetEvidence.
func TestIngestEvidence_Async(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	data := []byte("bodycam footage")
	id := cid.Sum(data)

	release := api.backend.Block()
	rec := api.do(t, uploadRequest(t, "/api/v1/evidence?async=true", data, map[string]string{"case_number": "FIR7"}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 while pending, got %d", rec.Code)
	}
	var pending struct {
		Status string `json:"status"`
		Stage  string `json:"stage"`
	}
	decode(t, rec, &pending)
	if pending.Status != string(model.StatusPending) || pending.Stage == "" {
		t.Errorf("unexpected pending view %+v", pending)
	}

	<-release
	api.backend.Release()
	api.ingest.Wait()

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+id, nil))
	var record model.EvidenceRecord
	decode(t, rec, &record)
	if record.Status != model.StatusConfirmed || record.CaseNumber != "FIR7" {
		t.Errorf("unexpected record after completion %+v", record)
	}

	rec = api.do(t, uploadRequest(t, "/api/v1/evidence?async=true", data, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("confirmed content must short-circuit with 200, got %d", rec.Code)
	}
}

// TestSearchEvidence checks filters, paging and validation.
func TestSearchEvidence(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	api.upload(t, []byte("a"), "FIR2024001")
	api.upload(t, []byte("b"), "FIR2024002")
	api.upload(t, []byte("c"), "FIR2025001")

	var page service.SearchResult
	rec := api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence?case_number=FIR2024001", nil))
	decode(t, rec, &page)
	if page.Total != 1 || page.Items[0].CaseNumber != "FIR2024001" {
		t.Errorf("exact case: %+v", page)
	}

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence?case_prefix=FIR2024&sort_order=asc&limit=1", nil))
	decode(t, rec, &page)
	if page.Total != 2 || len(page.Items) != 1 || page.Limit != 1 {
		t.Errorf("prefix page: %+v", page)
	}

	today := time.Now().UTC().Format(time.DateOnly)
	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence?date_from="+today+"&date_to="+today+"&uploaded_by=officer-9", nil))
	decode(t, rec, &page)
	if page.Total != 3 {
		t.Errorf("date range: expected 3, got %d", page.Total)
	}

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence?case_number=NOPE", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Errorf("empty result must be 200 with empty items: %d %s", rec.Code, rec.Body.String())
	}

	for _, q := range []string{
		"status=Lost",
		"date_from=yesterday",
		"date_from=2025-02-01&date_to=2025-01-01",
		"sort_order=sideways",
		"limit=-1",
		"limit=100000",
		"include_failed=maybe",
		"case_number=A&case_prefix=B",
	} {
		rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

// TestGetEvidenceContent checks verified bytes and fail-closed behavior.
func TestGetEvidenceContent(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	data := []byte("signed statement")
	res := api.upload(t, data, "FIR1")

	rec := api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+res.CID+"/content", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Error("served bytes differ")
	}
	if rec.Header().Get(ContentCIDHeader) != res.CID {
		t.Errorf("missing %s header", ContentCIDHeader)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "scene-photo.jpg") {
		t.Errorf("unexpected disposition %q", rec.Header().Get("Content-Disposition"))
	}

	api.backend.Corrupt(res.CID, []byte("forged statement"))
	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+res.CID+"/content", nil))
	expectError(t, rec, http.StatusConflict, service.CodeIntegrityError)
	if bytes.Contains(rec.Body.Bytes(), []byte("forged")) {
		t.Error("tampered bytes leaked into the response")
	}

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+cid.Sum([]byte("none"))+"/content", nil))
	expectError(t, rec, http.StatusNotFound, service.CodeNotFound)

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence/not-a-cid/content", nil))
	expectError(t, rec, http.StatusBadRequest, service.CodeInvalidInput)

	other := api.upload(t, []byte("other"), "FIR1")
	api.backend.FailFetches(errors.New("gateway down"))
	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+other.CID+"/content", nil))
	expectError(t, rec, http.StatusServiceUnavailable, service.CodeBackendUnavailable)
}

// TestRebindAndCustody checks PUT case, the custody list and verification.
func TestRebindAndCustody(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	res := api.upload(t, []byte("ballistics report"), "FIR2024001")

	body := strings.NewReader(`{"case_number":"FIR2024002"}`)
	rec := api.do(t, httptest.NewRequest(http.MethodPut, "/api/v1/evidence/"+res.CID+"/case", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("rebind: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var record model.EvidenceRecord
	decode(t, rec, &record)
	if record.CaseNumber != "FIR2024002" {
		t.Errorf("unexpected case %s", record.CaseNumber)
	}

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+res.CID+"/custody", nil))
	var custody custodyResponse
	decode(t, rec, &custody)
	if len(custody.Events) != 2 || custody.Events[1].Kind != model.EventCaseBound || custody.Events[1].Actor != "officer-9" {
		t.Errorf("unexpected custody %+v", custody)
	}

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+res.CID+"/verify", nil))
	var verdict ledger.VerifyResult
	decode(t, rec, &verdict)
	if !verdict.Valid || verdict.Length != 2 {
		t.Errorf("unexpected verdict %+v", verdict)
	}

	api.store.Tamper(res.CID, 1, func(ev *model.CustodyEvent) { ev.Actor = "intruder" })
	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+res.CID+"/verify", nil))
	decode(t, rec, &verdict)
	if verdict.Valid || verdict.BrokenAt != 1 {
		t.Errorf("tampering not reported: %+v", verdict)
	}

	rec = api.do(t, httptest.NewRequest(http.MethodPut, "/api/v1/evidence/"+res.CID+"/case", strings.NewReader(`{"case_number":""}`)))
	expectError(t, rec, http.StatusBadRequest, service.CodeInvalidInput)

	rec = api.do(t, httptest.NewRequest(http.MethodPut, "/api/v1/evidence/"+res.CID+"/case", strings.NewReader(`{`)))
	expectError(t, rec, http.StatusBadRequest, "VALIDATION_ERROR")

	missing := cid.Sum([]byte("missing"))
	for _, path := range []string{"/custody", "/verify", ""} {
		rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+missing+path, nil))
		expectError(t, rec, http.StatusNotFound, service.CodeNotFound)
	}
}

type busyAudit struct{}

func (busyAudit) RunOnce(context.Context) (*service.AuditReport, bool) { return nil, true }
func (busyAudit) IsInProgress() bool                                   { return true }

// TestRunAudit checks a sweep report and the in-progress conflict.
func TestRunAudit(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	api.upload(t, []byte("one"), "FIR1")
	api.upload(t, []byte("two"), "FIR1")

	rec := api.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/maintenance/audit", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report service.AuditReport
	decode(t, rec, &report)
	if report.Checked != 2 || report.Summary.Ok != 2 {
		t.Errorf("unexpected report %+v", report)
	}

	busy := &APIHandler{audit: busyAudit{}, logger: quietLogger()}
	rec = httptest.NewRecorder()
	busy.RunAudit(rec, httptest.NewRequest(http.MethodPost, "/api/v1/maintenance/audit", nil))
	expectError(t, rec, http.StatusConflict, "AUDIT_IN_PROGRESS")
}

// TestWriteServiceError_Unclassified checks that foreign errors become 500.
func TestWriteServiceError_Unclassified(t *testing.T) {
	h := &APIHandler{logger: quietLogger()}
	rec := httptest.NewRecorder()
	h.writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("boom"))
	expectError(t, rec, http.StatusInternalServerError, "INTERNAL_ERROR")
}
