// Package middleware holds the HTTP middleware chain: identity, scopes,
// request logging and Prometheus metrics.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/Kunal-byte11/Alpha-Trio-loc7/internal/api/errors"
)

type contextKey string

const (
	// ContextKeySubject holds the officer identity (JWT sub).
	ContextKeySubject contextKey = "jwt_subject"
	// ContextKeyScopes holds the granted scopes.
	ContextKeyScopes contextKey = "jwt_scopes"
)

// Scopes understood by the evidence API.
const (
	ScopeEvidenceRead  = "evidence:read"
	ScopeEvidenceWrite = "evidence:write"
	ScopeAuditRun      = "audit:run"
)

// DevIdentityHeader carries the officer id when no identity provider is configured.
const DevIdentityHeader = "X-Officer-ID"

// Claims accepts both the OAuth2 "scope" string and a "scopes" array.
type Claims struct {
	jwt.RegisteredClaims
	ScopeString string   `json:"scope"`
	ScopeArray  []string `json:"scopes"`
}

// Scopes merges both scope formats.
func (c *Claims) Scopes() []string {
	var result []string
	if c.ScopeString != "" {
		result = append(result, strings.Fields(c.ScopeString)...)
	}
	result = append(result, c.ScopeArray...)
	return result
}

// JWTAuth validates RS256 bearer tokens against a JWKS endpoint.
type JWTAuth struct {
	jwks      keyfunc.Keyfunc
	jwtLeeway time.Duration
	logger    *slog.Logger
}

// JWTAuthConfig configures NewJWTAuth.
type JWTAuthConfig struct {
	JWKSURL         string
	CACertPath      string
	TLSSkipVerify   bool
	ClientTimeout   time.Duration
	RefreshInterval time.Duration
	JWTLeeway       time.Duration
}

// NewJWTAuth builds the middleware with keys fetched from JWKSURL.
// The first fetch may fail; keys are refreshed in the background.
func NewJWTAuth(authCfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	httpClient, err := buildHTTPClient(authCfg)
	if err != nil {
		return nil, err
	}

	if authCfg.CACertPath != "" {
		logger.Info("CA certificate added to trust pool",
			slog.String("ca_cert", authCfg.CACertPath),
		)
	}

	storage, err := jwkset.NewStorageFromHTTP(authCfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           authCfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("JWKS refresh failed",
				slog.String("error", err.Error()),
				slog.String("url", authCfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("create keyfunc: %w", err)
	}

	return &JWTAuth{
		jwks:      k,
		jwtLeeway: authCfg.JWTLeeway,
		logger:    logger.With(slog.String("component", "jwt_auth")),
	}, nil
}

func buildHTTPClient(authCfg JWTAuthConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: authCfg.TLSSkipVerify, //nolint:gosec // CS_TLS_SKIP_VERIFY
	}

	if authCfg.CACertPath != "" {
		caCert, err := os.ReadFile(authCfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate %s: %w", authCfg.CACertPath, err)
		}

		caCertPool, err := x509.SystemCertPool()
		if err != nil {
			caCertPool = x509.NewCertPool()
		}
		caCertPool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = caCertPool
	}

	return &http.Client{
		Timeout: authCfg.ClientTimeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}, nil
}

// NewJWTAuthWithKeyfunc builds the middleware around a ready keyfunc.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, jwtLeeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:      kf,
		jwtLeeway: jwtLeeway,
		logger:    logger.With(slog.String("component", "jwt_auth")),
	}
}

// Middleware validates the bearer token and stores sub and scopes in the
// request context.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Missing Authorization header")
				return
			}

			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				apierrors.Unauthorized(w, "Expected Authorization: Bearer <token>")
				return
			}
			if tokenString == "" {
				apierrors.Unauthorized(w, "Empty bearer token")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, j.jwks.KeyfuncCtx(r.Context()),
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			)
			if err != nil {
				j.logger.Debug("JWT rejected",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Invalid or expired token")
				return
			}
			if !token.Valid {
				apierrors.Unauthorized(w, "Invalid token")
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Token has no sub")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), subject, claims.Scopes())))
		})
	}
}

// DevIdentity trusts the X-Officer-ID header and grants every scope.
// Only for deployments without an identity provider.
func DevIdentity() func(http.Handler) http.Handler {
	all := []string{ScopeEvidenceRead, ScopeEvidenceWrite, ScopeAuditRun}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			officer := strings.TrimSpace(r.Header.Get(DevIdentityHeader))
			if officer == "" {
				apierrors.Unauthorized(w, "Missing "+DevIdentityHeader+" header")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), officer, all)))
		})
	}
}

// RequireScope answers 403 unless the identity holds scope.
// Must run after an identity middleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scopes, ok := r.Context().Value(ContextKeyScopes).([]string)
			if !ok {
				apierrors.Forbidden(w, "No scopes granted")
				return
			}
			if slices.Contains(scopes, scope) {
				next.ServeHTTP(w, r)
				return
			}
			apierrors.Forbidden(w, "Missing required scope "+scope)
		})
	}
}

// WithIdentity stores an identity in ctx.
func WithIdentity(ctx context.Context, subject string, scopes []string) context.Context {
	ctx = context.WithValue(ctx, ContextKeySubject, subject)
	return context.WithValue(ctx, ContextKeyScopes, scopes)
}

// SubjectFromContext returns the identity or "".
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(ContextKeySubject).(string)
	return subject
}

// ScopesFromContext returns the granted scopes or nil.
func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(ContextKeyScopes).([]string)
	return scopes
}
