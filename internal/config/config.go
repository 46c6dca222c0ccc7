// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage paths, dedup thresholds, pool policy, media fetching and
// observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-cave-backend/internal/dedup"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "cave")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DedupConfig holds the similarity gate settings.
type DedupConfig struct {
	Thresholds    dedup.Thresholds     // TEXT_THRESHOLD, IMAGE_THRESHOLD, DHASH_THRESHOLD
	Quadrant      dedup.QuadrantPolicy // QUADRANT_POLICY
	HashCacheSize int                  // HASH_CACHE_SIZE, decoded-image hash cache entries
}

// PoolConfig controls id allocation and moderation.
type PoolConfig struct {
	ScopedIDs         bool     // SCOPED_IDS; false shares one id space across channels
	ModerationEnabled bool     // MODERATION_ENABLED
	ModeratedScopes   []string // MODERATED_SCOPES; empty means every scope when moderation is on
	AdminUserIDs      []string // ADMIN_USER_IDS
}

// FetchConfig tunes remote media retrieval.
type FetchConfig struct {
	Timeout  time.Duration // FETCH_TIMEOUT
	MaxBytes int64         // FETCH_MAX_BYTES
	Retries  int           // FETCH_RETRIES
	// AllowPrivate permits loopback and private destinations
	// (FETCH_ALLOW_PRIVATE); off by default.
	AllowPrivate bool
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	MaxBodyBytes      int64         // request body cap; inline media is base64 in JSON

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Storage
	DBPath  string // SQLite path
	BlobDir string // media directory

	Dedup DedupConfig
	Pool  PoolConfig
	Fetch FetchConfig

	// Reaper
	ReaperInterval time.Duration // REAPER_INTERVAL

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", 32<<20)),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBPath:  getenv("DB_PATH", "cave.db"),
		BlobDir: getenv("BLOB_DIR", "data/blobs"),

		Dedup: DedupConfig{
			Thresholds: dedup.Thresholds{
				Text:  getfloat("TEXT_THRESHOLD", 0.9),
				Image: getfloat("IMAGE_THRESHOLD", 0.8),
				DHash: getfloat("DHASH_THRESHOLD", 0),
			},
			HashCacheSize: getint("HASH_CACHE_SIZE", 512),
		},
		Pool: PoolConfig{
			ScopedIDs:         getbool("SCOPED_IDS", true),
			ModerationEnabled: getbool("MODERATION_ENABLED", false),
			ModeratedScopes:   splitCSV(getenv("MODERATED_SCOPES", "")),
			AdminUserIDs:      splitCSV(getenv("ADMIN_USER_IDS", "")),
		},
		Fetch: FetchConfig{
			Timeout:      getdur("FETCH_TIMEOUT", 15*time.Second),
			MaxBytes:     int64(getint("FETCH_MAX_BYTES", 20<<20)),
			Retries:      getint("FETCH_RETRIES", 2),
			AllowPrivate: getbool("FETCH_ALLOW_PRIVATE", false),
		},

		ReaperInterval: getdur("REAPER_INTERVAL", time.Minute),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "cave"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.BlobDir) == "" {
		return cfg, errors.New("BLOB_DIR must not be empty")
	}
	if cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("MAX_BODY_BYTES must be > 0")
	}
	if err := cfg.Dedup.Thresholds.Validate(); err != nil {
		return cfg, err
	}
	policy, err := dedup.ParseQuadrantPolicy(getenv("QUADRANT_POLICY", string(dedup.QuadrantWarn)))
	if err != nil {
		return cfg, err
	}
	cfg.Dedup.Quadrant = policy
	if cfg.Dedup.HashCacheSize < 1 {
		return cfg, errors.New("HASH_CACHE_SIZE must be >= 1")
	}
	if cfg.Fetch.Timeout <= 0 || cfg.Fetch.MaxBytes <= 0 {
		return cfg, errors.New("FETCH_TIMEOUT and FETCH_MAX_BYTES must be > 0")
	}
	if cfg.Fetch.Retries < 0 {
		return cfg, errors.New("FETCH_RETRIES must be >= 0")
	}
	if cfg.ReaperInterval <= 0 {
		return cfg, errors.New("REAPER_INTERVAL must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
