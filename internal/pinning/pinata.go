package pinning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Pinata defaults.
const (
	DefaultPinataAPIURL     = "https://api.pinata.cloud"
	DefaultPinataGatewayURL = "https://gateway.pinata.cloud"
)

// PinataConfig configures PinataBackend.
type PinataConfig struct {
	APIURL       string
	GatewayURL   string
	APIKey       string
	SecretAPIKey string
	// MaxFetchSize caps gateway downloads. Zero means no cap.
	MaxFetchSize int64
	// Client is used for every request; nil means a client with a
	// 60 second timeout.
	Client *http.Client
}

// PinataBackend pins through the Pinata pinning API and fetches through
// a Pinata (or any IPFS) gateway.
type PinataBackend struct {
	cfg    PinataConfig
	client *http.Client
	logger *slog.Logger
}

var _ Backend = (*PinataBackend)(nil)

// NewPinata validates cfg and returns a backend.
func NewPinata(cfg PinataConfig, logger *slog.Logger) (*PinataBackend, error) {
	if cfg.APIKey == "" || cfg.SecretAPIKey == "" {
		return nil, errors.New("pinata: API key and secret API key are required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultPinataAPIURL
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = DefaultPinataGatewayURL
	}
	for _, raw := range []string{cfg.APIURL, cfg.GatewayURL} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return nil, fmt.Errorf("pinata: invalid URL %q: %w", raw, err)
		}
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &PinataBackend{
		cfg:    cfg,
		client: client,
		logger: logger.With(slog.String("component", "pinata-backend")),
	}, nil
}

// Name implements Backend.
func (b *PinataBackend) Name() string { return "pinata" }

// GatewayURL returns the configured gateway base URL.
func (b *PinataBackend) GatewayURL() string { return b.cfg.GatewayURL }

type pinataMetadata struct {
	Name      string            `json:"name"`
	KeyValues map[string]string `json:"keyvalues"`
}

type pinataOptions struct {
	CIDVersion        int  `json:"cidVersion"`
	WrapWithDirectory bool `json:"wrapWithDirectory"`
}

type pinataResponse struct {
	IpfsHash    string `json:"IpfsHash"`
	PinSize     int64  `json:"PinSize"`
	Timestamp   string `json:"Timestamp"`
	IsDuplicate bool   `json:"isDuplicate"`
}

// Pin implements Backend with POST /pinning/pinFileToIPFS.
func (b *PinataBackend) Pin(ctx context.Context, data []byte, meta SideMetadata) (*PinResult, error) {
	body, contentType, err := buildPinForm(data, meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.APIURL+"/pinning/pinFileToIPFS", body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("pinata_api_key", b.cfg.APIKey)
	req.Header.Set("pinata_secret_api_key", b.cfg.SecretAPIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pinata pin: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError("pin", resp); err != nil {
		return nil, err
	}

	var out pinataResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("pinata pin: decode response: %w", err)
	}

	b.logger.Debug("Pinned",
		slog.String("cid", meta.CID),
		slog.String("ipfs_hash", out.IpfsHash),
		slog.Bool("duplicate", out.IsDuplicate),
	)
	return &PinResult{CID: out.IpfsHash, Ref: out.IpfsHash, Confirmed: out.IpfsHash != ""}, nil
}

// Fetch implements Backend with GET {gateway}/ipfs/{ref}.
func (b *PinataBackend) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" || strings.ContainsAny(ref, "/?#") {
		return nil, fmt.Errorf("%w: invalid reference %q", ErrNotFound, ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.GatewayURL+"/ipfs/"+ref, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pinata fetch: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError("fetch", resp); err != nil {
		return nil, err
	}

	var r io.Reader = resp.Body
	if b.cfg.MaxFetchSize > 0 {
		r = io.LimitReader(resp.Body, b.cfg.MaxFetchSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("pinata fetch: read body: %w", err)
	}
	if b.cfg.MaxFetchSize > 0 && int64(len(data)) > b.cfg.MaxFetchSize {
		return nil, fmt.Errorf("%w: object exceeds %d bytes", ErrRejected, b.cfg.MaxFetchSize)
	}
	return data, nil
}

func buildPinForm(data []byte, meta SideMetadata) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	name := meta.Name
	if name == "" {
		name = meta.CID
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}

	caseNumber := meta.CaseNumber
	if caseNumber == "" {
		caseNumber = "UNASSIGNED"
	}
	uploaded := meta.UploadedAt
	if uploaded.IsZero() {
		uploaded = time.Now()
	}
	md, err := json.Marshal(pinataMetadata{
		Name: name,
		KeyValues: map[string]string{
			"firNumber":  caseNumber,
			"uploadDate": uploaded.UTC().Format(time.RFC3339),
			"fileType":   meta.MimeType,
			"fileSize":   strconv.FormatInt(int64(len(data)), 10),
			"uploadedBy": meta.UploadedBy,
			"cid":        meta.CID,
		},
	})
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("pinataMetadata", string(md)); err != nil {
		return nil, "", err
	}

	opts, _ := json.Marshal(pinataOptions{CIDVersion: 1})
	if err := w.WriteField("pinataOptions", string(opts)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}

// statusError maps a non-2xx response to ErrRejected, ErrNotFound or a
// transient error.
func statusError(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: pinata %s: status %d", ErrNotFound, op, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: pinata %s: status %d: %s", ErrRejected, op, resp.StatusCode, msg)
	default:
		return fmt.Errorf("pinata %s: status %d: %s", op, resp.StatusCode, msg)
	}
}
