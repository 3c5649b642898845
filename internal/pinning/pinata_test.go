package pinning

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestPinata(t *testing.T, h http.Handler, maxFetch int64) *PinataBackend {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	b, err := NewPinata(PinataConfig{
		APIURL:       srv.URL,
		GatewayURL:   srv.URL + "/",
		APIKey:       "key",
		SecretAPIKey: "secret",
		MaxFetchSize: maxFetch,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewPinata: %v", err)
	}
	return b
}

// TestPinata_PinWireFormat checks the multipart request the API expects.
func TestPinata_PinWireFormat(t *testing.T) {
	var (
		gotFile    string
		gotMeta    pinataMetadata
		gotOptions pinataOptions
		gotKey     string
		gotSecret  string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/pinning/pinFileToIPFS", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotKey = r.Header.Get("pinata_api_key")
		gotSecret = r.Header.Get("pinata_secret_api_key")

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		body, _ := io.ReadAll(f)
		gotFile = hdr.Filename + ":" + string(body)
		_ = json.Unmarshal([]byte(r.FormValue("pinataMetadata")), &gotMeta)
		_ = json.Unmarshal([]byte(r.FormValue("pinataOptions")), &gotOptions)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"IpfsHash":"bafybeigdyrzt","PinSize":5,"Timestamp":"2025-01-01T00:00:00Z"}`))
	})
	b := newTestPinata(t, mux, 0)

	res, err := b.Pin(context.Background(), []byte("hello"), SideMetadata{
		CID:        "bafkreitest",
		Name:       "fir.pdf",
		MimeType:   "application/pdf",
		UploadedBy: "officer-7",
		UploadedAt: time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if !res.Confirmed || res.Ref != "bafybeigdyrzt" {
		t.Errorf("unexpected result %+v", res)
	}
	if gotKey != "key" || gotSecret != "secret" {
		t.Errorf("credentials not sent: %q %q", gotKey, gotSecret)
	}
	if gotFile != "fir.pdf:hello" {
		t.Errorf("unexpected file part %q", gotFile)
	}
	kv := gotMeta.KeyValues
	if gotMeta.Name != "fir.pdf" || kv["firNumber"] != "UNASSIGNED" || kv["fileType"] != "application/pdf" ||
		kv["fileSize"] != "5" || kv["uploadedBy"] != "officer-7" || kv["cid"] != "bafkreitest" ||
		kv["uploadDate"] != "2025-02-03T04:05:06Z" {
		t.Errorf("unexpected metadata %+v", gotMeta)
	}
	if gotOptions.CIDVersion != 1 || gotOptions.WrapWithDirectory {
		t.Errorf("unexpected options %+v", gotOptions)
	}
}

// TestPinata_StatusMapping checks error classification of API responses.
func TestPinata_StatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		rejected  bool
		notFound  bool
		permanent bool
	}{
		{http.StatusBadRequest, true, false, true},
		{http.StatusUnauthorized, true, false, true},
		{http.StatusForbidden, true, false, true},
		{http.StatusNotFound, false, true, true},
		{http.StatusTooManyRequests, false, false, false},
		{http.StatusInternalServerError, false, false, false},
		{http.StatusBadGateway, false, false, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			b := newTestPinata(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}), 0)

			_, err := b.Pin(context.Background(), []byte("x"), SideMetadata{})
			if err == nil {
				t.Fatal("expected an error")
			}
			if errors.Is(err, ErrRejected) != tt.rejected || errors.Is(err, ErrNotFound) != tt.notFound {
				t.Errorf("unexpected classification: %v", err)
			}
			if IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v for %d", IsPermanent(err), tt.status)
			}
		})
	}
}

// TestPinata_UnconfirmedPin checks that an empty IpfsHash is not a confirmation.
func TestPinata_UnconfirmedPin(t *testing.T) {
	b := newTestPinata(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}), 0)
	res, err := b.Pin(context.Background(), []byte("x"), SideMetadata{})
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if res.Confirmed {
		t.Error("empty response must not confirm the pin")
	}
}

// TestPinata_Fetch checks gateway downloads and the size cap.
func TestPinata_Fetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ipfs/small", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("12345"))
	})
	mux.HandleFunc("/ipfs/big", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 100))
	})
	b := newTestPinata(t, mux, 10)
	ctx := context.Background()

	data, err := b.Fetch(ctx, "small")
	if err != nil || string(data) != "12345" {
		t.Fatalf("Fetch(small) = %q, %v", data, err)
	}
	if _, err := b.Fetch(ctx, "big"); !errors.Is(err, ErrRejected) {
		t.Errorf("oversized fetch: expected ErrRejected, got %v", err)
	}
	if _, err := b.Fetch(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing object: expected ErrNotFound, got %v", err)
	}
	if _, err := b.Fetch(ctx, "../secret"); !errors.Is(err, ErrNotFound) {
		t.Errorf("path in reference: expected ErrNotFound, got %v", err)
	}
}

// TestPinata_ContextDeadline checks that a slow backend is cut off.
func TestPinata_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	b := newTestPinata(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), 0)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Pin(ctx, []byte("x"), SideMetadata{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

// TestNewPinata_RequiresCredentials checks configuration validation.
func TestNewPinata_RequiresCredentials(t *testing.T) {
	if _, err := NewPinata(PinataConfig{APIKey: "k"}, testLogger()); err == nil {
		t.Error("expected an error without the secret key")
	}
}
