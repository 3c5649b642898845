package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestRequestLogger checks the level by status and the request id.
func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fine", nil))
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("request id was not generated")
	}
	if !strings.Contains(buf.String(), "level=INFO") || !strings.Contains(buf.String(), "bytes=2") {
		t.Errorf("unexpected log line %q", buf.String())
	}

	buf.Reset()
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get(RequestIDHeader) != "req-42" {
		t.Errorf("incoming request id not echoed: %q", rec.Header().Get(RequestIDHeader))
	}
	if !strings.Contains(buf.String(), "level=WARN") || !strings.Contains(buf.String(), "request_id=req-42") {
		t.Errorf("unexpected log line %q", buf.String())
	}
}
