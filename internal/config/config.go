// Package config loads and validates the custody store configuration from
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Version is set at build time through -ldflags.
var Version = "dev"

// Catalog store kinds.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Pinning backend kinds.
const (
	BackendLocal  = "local"
	BackendPinata = "pinata"
)

// Retry holds one retry policy as configured.
type Retry struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

// Config holds every custody store setting.
type Config struct {
	Port       int
	InstanceID string

	// Store selects the catalog implementation.
	Store      string
	SQLitePath string
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// CacheSize is the number of records in the read cache. Zero disables it.
	CacheSize int
	CacheTTL  time.Duration

	WALDir string

	// Backend selects the pinning backend.
	Backend            string
	LocalDir           string
	PinataAPIURL       string
	PinataGatewayURL   string
	PinataAPIKey       string
	PinataSecretAPIKey string

	MaxFileSize int64
	Pin         Retry
	Fetch       Retry
	// CommitMaxAttempts bounds catalog commit retries.
	CommitMaxAttempts  int
	AsyncIngestTimeout time.Duration
	// DedupAudit appends an Accessed event when identical content is resubmitted.
	DedupAudit bool

	// AuditInterval is the chain sweep period. Zero disables the sweep.
	AuditInterval time.Duration

	// JWKSURL empty means development identity mode (X-Officer-ID header).
	JWKSURL             string
	JWKSCACert          string
	JWKSRefreshInterval time.Duration
	JWKSClientTimeout   time.Duration
	JWTLeeway           time.Duration
	TLSSkipVerify       bool

	TLSCert string
	TLSKey  string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	ShutdownTimeout  time.Duration

	DephealthCheckInterval time.Duration
	DephealthGroup         string

	LogLevel      slog.Level
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
}

// LoadEnvFiles loads .env and .env.local from the working directory, then
// the explicit files. Variables already set in the environment win.
// Missing default files are ignored, a missing explicit file is an error.
func LoadEnvFiles(explicit ...string) error {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
	for _, f := range explicit {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	if cfg.Port, err = getEnvInt("CS_PORT", 8080); err != nil {
		return nil, fmt.Errorf("CS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("CS_PORT: value %d outside 1-65535", cfg.Port)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "custody-store"
	}
	cfg.InstanceID = getEnvDefault("CS_INSTANCE_ID", hostname)

	if err := loadStore(cfg); err != nil {
		return nil, err
	}
	if err := loadBackend(cfg); err != nil {
		return nil, err
	}
	if err := loadPipeline(cfg); err != nil {
		return nil, err
	}
	if err := loadAuth(cfg); err != nil {
		return nil, err
	}
	if err := loadHTTP(cfg); err != nil {
		return nil, err
	}
	if err := loadLogging(cfg); err != nil {
		return nil, err
	}

	if cfg.DephealthCheckInterval, err = getEnvDuration("CS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("CS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("CS_DEPHEALTH_GROUP", "custody-store")

	return cfg, nil
}

func loadStore(cfg *Config) error {
	var err error

	cfg.Store = strings.ToLower(getEnvDefault("CS_STORE", StoreSQLite))
	switch cfg.Store {
	case StoreMemory, StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("CS_STORE: invalid value %q, allowed: memory, sqlite, postgres", cfg.Store)
	}

	cfg.SQLitePath = getEnvDefault("CS_SQLITE_PATH", "./data/catalog.db")

	cfg.DBHost = getEnvDefault("CS_DB_HOST", "localhost")
	if cfg.DBPort, err = getEnvInt("CS_DB_PORT", 5432); err != nil {
		return fmt.Errorf("CS_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("CS_DB_NAME", "custody")
	cfg.DBUser = getEnvDefault("CS_DB_USER", "custody")
	cfg.DBPassword = os.Getenv("CS_DB_PASSWORD")
	cfg.DBSSLMode = getEnvDefault("CS_DB_SSL_MODE", "disable")
	if cfg.Store == StorePostgres && cfg.DBPassword == "" {
		return errors.New("CS_DB_PASSWORD: required when CS_STORE=postgres")
	}

	if cfg.CacheSize, err = getEnvInt("CS_CACHE_SIZE", 4096); err != nil {
		return fmt.Errorf("CS_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize < 0 {
		return errors.New("CS_CACHE_SIZE: must not be negative")
	}
	if cfg.CacheTTL, err = getEnvDuration("CS_CACHE_TTL", 5*time.Minute); err != nil {
		return fmt.Errorf("CS_CACHE_TTL: %w", err)
	}

	cfg.WALDir = getEnvDefault("CS_WAL_DIR", "./data/wal")
	return nil
}

func loadBackend(cfg *Config) error {
	cfg.Backend = strings.ToLower(getEnvDefault("CS_BACKEND", BackendLocal))
	cfg.LocalDir = getEnvDefault("CS_LOCAL_DIR", "./data/pins")
	cfg.PinataAPIURL = getEnvDefault("CS_PINATA_API_URL", "")
	cfg.PinataGatewayURL = getEnvDefault("CS_PINATA_GATEWAY_URL", "")
	// The browser client reads the same keys under VITE_ names.
	cfg.PinataAPIKey = getEnvFirst("CS_PINATA_API_KEY", "VITE_PINATA_API_KEY")
	cfg.PinataSecretAPIKey = getEnvFirst("CS_PINATA_SECRET_API_KEY", "VITE_PINATA_SECRET_API_KEY")

	switch cfg.Backend {
	case BackendLocal:
	case BackendPinata:
		if cfg.PinataAPIKey == "" || cfg.PinataSecretAPIKey == "" {
			return errors.New("CS_PINATA_API_KEY and CS_PINATA_SECRET_API_KEY: required when CS_BACKEND=pinata")
		}
	default:
		return fmt.Errorf("CS_BACKEND: invalid value %q, allowed: local, pinata", cfg.Backend)
	}
	return nil
}

func loadPipeline(cfg *Config) error {
	var err error

	if cfg.MaxFileSize, err = getEnvInt64("CS_MAX_FILE_SIZE", 100<<20); err != nil {
		return fmt.Errorf("CS_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return errors.New("CS_MAX_FILE_SIZE: must be positive")
	}

	if cfg.Pin, err = getEnvRetry("CS_PIN", Retry{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		AttemptTimeout:  60 * time.Second,
	}); err != nil {
		return err
	}
	if cfg.Fetch, err = getEnvRetry("CS_FETCH", Retry{
		MaxAttempts:     3,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		AttemptTimeout:  30 * time.Second,
	}); err != nil {
		return err
	}

	if cfg.CommitMaxAttempts, err = getEnvInt("CS_COMMIT_MAX_ATTEMPTS", 3); err != nil {
		return fmt.Errorf("CS_COMMIT_MAX_ATTEMPTS: %w", err)
	}
	if cfg.CommitMaxAttempts < 1 {
		return errors.New("CS_COMMIT_MAX_ATTEMPTS: must be at least 1")
	}

	if cfg.AsyncIngestTimeout, err = getEnvDuration("CS_ASYNC_INGEST_TIMEOUT", 10*time.Minute); err != nil {
		return fmt.Errorf("CS_ASYNC_INGEST_TIMEOUT: %w", err)
	}
	if cfg.DedupAudit, err = getEnvBool("CS_DEDUP_AUDIT", true); err != nil {
		return fmt.Errorf("CS_DEDUP_AUDIT: %w", err)
	}
	if cfg.AuditInterval, err = getEnvDuration("CS_AUDIT_INTERVAL", 0); err != nil {
		return fmt.Errorf("CS_AUDIT_INTERVAL: %w", err)
	}
	if cfg.AuditInterval < 0 {
		return errors.New("CS_AUDIT_INTERVAL: must not be negative")
	}
	return nil
}

func loadAuth(cfg *Config) error {
	var err error

	cfg.JWKSURL = getEnvDefault("CS_JWKS_URL", "")
	cfg.JWKSCACert = getEnvDefault("CS_JWKS_CA_CERT", "")
	if cfg.JWKSRefreshInterval, err = getEnvDuration("CS_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return fmt.Errorf("CS_JWKS_REFRESH_INTERVAL: %w", err)
	}
	if cfg.JWKSClientTimeout, err = getEnvDuration("CS_JWKS_CLIENT_TIMEOUT", 10*time.Second); err != nil {
		return fmt.Errorf("CS_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	if cfg.JWTLeeway, err = getEnvDuration("CS_JWT_LEEWAY", 5*time.Second); err != nil {
		return fmt.Errorf("CS_JWT_LEEWAY: %w", err)
	}
	if cfg.TLSSkipVerify, err = getEnvBool("CS_TLS_SKIP_VERIFY", false); err != nil {
		return fmt.Errorf("CS_TLS_SKIP_VERIFY: %w", err)
	}
	return nil
}

func loadHTTP(cfg *Config) error {
	var err error

	cfg.TLSCert = getEnvDefault("CS_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("CS_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return errors.New("CS_TLS_CERT and CS_TLS_KEY: set both or neither")
	}

	if cfg.HTTPReadTimeout, err = getEnvDuration("CS_HTTP_READ_TIMEOUT", 60*time.Second); err != nil {
		return fmt.Errorf("CS_HTTP_READ_TIMEOUT: %w", err)
	}
	if cfg.HTTPWriteTimeout, err = getEnvDuration("CS_HTTP_WRITE_TIMEOUT", 5*time.Minute); err != nil {
		return fmt.Errorf("CS_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("CS_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return fmt.Errorf("CS_HTTP_IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("CS_SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return fmt.Errorf("CS_SHUTDOWN_TIMEOUT: %w", err)
	}
	return nil
}

func loadLogging(cfg *Config) error {
	var err error

	if cfg.LogLevel, err = parseLogLevel(getEnvDefault("CS_LOG_LEVEL", "info")); err != nil {
		return fmt.Errorf("CS_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("CS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("CS_LOG_FORMAT: invalid value %q, allowed: json, text", cfg.LogFormat)
	}

	cfg.LogFile = getEnvDefault("CS_LOG_FILE", "")
	if cfg.LogMaxSizeMB, err = getEnvInt("CS_LOG_MAX_SIZE_MB", 100); err != nil {
		return fmt.Errorf("CS_LOG_MAX_SIZE_MB: %w", err)
	}
	if cfg.LogMaxBackups, err = getEnvInt("CS_LOG_MAX_BACKUPS", 5); err != nil {
		return fmt.Errorf("CS_LOG_MAX_BACKUPS: %w", err)
	}
	if cfg.LogMaxAgeDays, err = getEnvInt("CS_LOG_MAX_AGE_DAYS", 30); err != nil {
		return fmt.Errorf("CS_LOG_MAX_AGE_DAYS: %w", err)
	}
	if cfg.LogCompress, err = getEnvBool("CS_LOG_COMPRESS", true); err != nil {
		return fmt.Errorf("CS_LOG_COMPRESS: %w", err)
	}
	return nil
}

// DevIdentity reports whether requests are identified by header instead of JWT.
func (c *Config) DevIdentity() bool {
	return c.JWKSURL == ""
}

// SetupLogger builds the process logger and installs it as the slog default.
// With CS_LOG_FILE set, output goes to stdout and a rotating file.
func SetupLogger(cfg *Config) *slog.Logger {
	logger := slog.New(newHandler(cfg, logWriter(cfg, os.Stdout)))
	slog.SetDefault(logger)
	return logger
}

func logWriter(cfg *Config, stdout io.Writer) io.Writer {
	if cfg.LogFile == "" {
		return stdout
	}
	return io.MultiWriter(stdout, &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})
}

func newHandler(cfg *Config, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}
	if cfg.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// --- helpers ---

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvFirst returns the first non-empty variable of keys.
func getEnvFirst(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %q", val)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid boolean: %q", val)
	}
	return b, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %q (Go format: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// getEnvRetry reads <prefix>_MAX_ATTEMPTS, _INITIAL_BACKOFF, _MAX_BACKOFF
// and _ATTEMPT_TIMEOUT.
func getEnvRetry(prefix string, def Retry) (Retry, error) {
	r := def
	var err error

	if r.MaxAttempts, err = getEnvInt(prefix+"_MAX_ATTEMPTS", def.MaxAttempts); err != nil {
		return r, fmt.Errorf("%s_MAX_ATTEMPTS: %w", prefix, err)
	}
	if r.MaxAttempts < 1 {
		return r, fmt.Errorf("%s_MAX_ATTEMPTS: must be at least 1", prefix)
	}
	if r.InitialInterval, err = getEnvDuration(prefix+"_INITIAL_BACKOFF", def.InitialInterval); err != nil {
		return r, fmt.Errorf("%s_INITIAL_BACKOFF: %w", prefix, err)
	}
	if r.MaxInterval, err = getEnvDuration(prefix+"_MAX_BACKOFF", def.MaxInterval); err != nil {
		return r, fmt.Errorf("%s_MAX_BACKOFF: %w", prefix, err)
	}
	if r.MaxInterval < r.InitialInterval {
		return r, fmt.Errorf("%s_MAX_BACKOFF: must be >= %s_INITIAL_BACKOFF", prefix, prefix)
	}
	if r.AttemptTimeout, err = getEnvDuration(prefix+"_ATTEMPT_TIMEOUT", def.AttemptTimeout); err != nil {
		return r, fmt.Errorf("%s_ATTEMPT_TIMEOUT: %w", prefix, err)
	}
	if r.AttemptTimeout <= 0 {
		return r, fmt.Errorf("%s_ATTEMPT_TIMEOUT: must be positive", prefix)
	}
	return r, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid level %q, allowed: debug, info, warn, error", level)
	}
}
