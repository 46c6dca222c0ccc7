package config

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-cave-backend/internal/dedup"
)

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.APIBasePath != "/api/v1" || cfg.DBPath != "cave.db" || cfg.BlobDir != "data/blobs" {
		t.Fatalf("storage defaults unexpected: %+v", cfg)
	}
	if cfg.Dedup.Thresholds != dedup.DefaultThresholds() {
		t.Fatalf("thresholds = %+v, want %+v", cfg.Dedup.Thresholds, dedup.DefaultThresholds())
	}
	if cfg.Dedup.Quadrant != dedup.QuadrantWarn || cfg.Dedup.HashCacheSize != 512 {
		t.Fatalf("dedup defaults unexpected: %+v", cfg.Dedup)
	}
	if !cfg.Pool.ScopedIDs || cfg.Pool.ModerationEnabled || cfg.Pool.ModeratedScopes != nil || cfg.Pool.AdminUserIDs != nil {
		t.Fatalf("pool defaults unexpected: %+v", cfg.Pool)
	}
	if cfg.Fetch.Timeout != 15*time.Second || cfg.Fetch.MaxBytes != 20<<20 || cfg.Fetch.Retries != 2 || cfg.Fetch.AllowPrivate {
		t.Fatalf("fetch defaults unexpected: %+v", cfg.Fetch)
	}
	if cfg.ReaperInterval != time.Minute || cfg.MaxBodyBytes != 32<<20 {
		t.Fatalf("reaper/body defaults unexpected: %v %d", cfg.ReaperInterval, cfg.MaxBodyBytes)
	}
	if cfg.OTEL.ServiceName != "cave" {
		t.Fatalf("service name = %q", cfg.OTEL.ServiceName)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("GIN_MODE", "weird")
	t.Setenv("LOG_LEVEL", "warning")
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("API_BASE_PATH", "api/v2/")
	t.Setenv("DB_PATH", "db.sqlite")
	t.Setenv("BLOB_DIR", "/var/cave/blobs")
	t.Setenv("MAX_BODY_BYTES", "1024")

	t.Setenv("TEXT_THRESHOLD", "0.75")
	t.Setenv("IMAGE_THRESHOLD", "0.6")
	t.Setenv("DHASH_THRESHOLD", "0.95")
	t.Setenv("QUADRANT_POLICY", "REJECT")
	t.Setenv("HASH_CACHE_SIZE", "64")

	t.Setenv("SCOPED_IDS", "false")
	t.Setenv("MODERATION_ENABLED", "on")
	t.Setenv("MODERATED_SCOPES", " g1 , ,g2 ")
	t.Setenv("ADMIN_USER_IDS", "root,ops")

	t.Setenv("FETCH_TIMEOUT", "3s")
	t.Setenv("FETCH_MAX_BYTES", "4096")
	t.Setenv("FETCH_RETRIES", "0")
	t.Setenv("FETCH_ALLOW_PRIVATE", "true")
	t.Setenv("REAPER_INTERVAL", "30s")

	t.Setenv("RATE_RPS", "x") // parse failure falls back to default
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("ENABLE_HSTS", "TRUE")
	t.Setenv("IDEMPOTENCY_TTL", "48h")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != "8088" || cfg.ReadTimeout != 2*time.Second || cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}
	if cfg.LogLevel != "warn" || !cfg.LogPretty || cfg.APIBasePath != "/api/v2" {
		t.Fatalf("logging fields unexpected: %+v", cfg)
	}
	if cfg.DBPath != "db.sqlite" || cfg.BlobDir != "/var/cave/blobs" || cfg.MaxBodyBytes != 1024 {
		t.Fatalf("storage fields unexpected: %+v", cfg)
	}

	wantTh := dedup.Thresholds{Text: 0.75, Image: 0.6, DHash: 0.95}
	if cfg.Dedup.Thresholds != wantTh || cfg.Dedup.Quadrant != dedup.QuadrantReject || cfg.Dedup.HashCacheSize != 64 {
		t.Fatalf("dedup unexpected: %+v", cfg.Dedup)
	}

	wantPool := PoolConfig{
		ScopedIDs:         false,
		ModerationEnabled: true,
		ModeratedScopes:   []string{"g1", "g2"},
		AdminUserIDs:      []string{"root", "ops"},
	}
	if !reflect.DeepEqual(cfg.Pool, wantPool) {
		t.Fatalf("pool = %+v, want %+v", cfg.Pool, wantPool)
	}

	if cfg.Fetch != (FetchConfig{Timeout: 3 * time.Second, MaxBytes: 4096, Retries: 0, AllowPrivate: true}) {
		t.Fatalf("fetch unexpected: %+v", cfg.Fetch)
	}
	if cfg.ReaperInterval != 30*time.Second {
		t.Fatalf("reaper interval = %v", cfg.ReaperInterval)
	}

	if cfg.RateRPS != 5.0 || cfg.RateBurst != 10 {
		t.Fatalf("rate limiting unexpected: %v/%d", cfg.RateRPS, cfg.RateBurst)
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.Security.EnableHSTS || cfg.IdempotencyTTL != 48*time.Hour || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("web/otel unexpected: %+v %v %+v", cfg.Security, cfg.IdempotencyTTL, cfg.OTEL)
	}
}

func TestLoad_ThresholdErrorsAreTyped(t *testing.T) {
	for _, key := range []string{"TEXT_THRESHOLD", "IMAGE_THRESHOLD", "DHASH_THRESHOLD"} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, "1.5")
			_, err := Load()
			var ve *dedup.ValidationError
			if !errors.As(err, &ve) || ve.Field != key || ve.Value != 1.5 {
				t.Fatalf("expected *dedup.ValidationError for %s, got %v", key, err)
			}
		})
	}
	t.Run("NaN", func(t *testing.T) {
		t.Setenv("TEXT_THRESHOLD", "NaN")
		var ve *dedup.ValidationError
		if _, err := Load(); !errors.As(err, &ve) {
			t.Fatalf("NaN threshold accepted: %v", err)
		}
	})
	t.Run("QUADRANT_POLICY", func(t *testing.T) {
		t.Setenv("QUADRANT_POLICY", "ignore")
		var ve *dedup.ValidationError
		if _, err := Load(); !errors.As(err, &ve) || ve.Field != "QUADRANT_POLICY" {
			t.Fatalf("expected quadrant policy error, got %v", err)
		}
	})
}

// Each case triggers exactly one validation error.
func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		key, val, want string
	}{
		{"PORT", "   ", "PORT must not be empty"},
		{"READ_TIMEOUT", "0s", "timeouts must be positive"},
		{"MAX_HEADER_BYTES", "0", "MAX_HEADER_BYTES"},
		{"DB_PATH", "   ", "DB_PATH must not be empty"},
		{"BLOB_DIR", "  ", "BLOB_DIR must not be empty"},
		{"MAX_BODY_BYTES", "-1", "MAX_BODY_BYTES"},
		{"HASH_CACHE_SIZE", "0", "HASH_CACHE_SIZE"},
		{"FETCH_TIMEOUT", "0s", "FETCH_TIMEOUT"},
		{"FETCH_RETRIES", "-1", "FETCH_RETRIES"},
		{"REAPER_INTERVAL", "-5s", "REAPER_INTERVAL"},
		{"RATE_RPS", "-1", "RATE_RPS"},
		{"RATE_BURST", "0", "RATE_BURST"},
		{"HSTS_MAX_AGE", "-1s", "HSTS_MAX_AGE"},
		{"IDEMPOTENCY_TTL", "0s", "IDEMPOTENCY_TTL"},
		{"OTEL_TRACES_SAMPLER_ARG", "1.5", "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got: %v", tc.want, err)
			}
		})
	}
}

func TestHelpers_Parsers(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("F_BAD", "nope")
	if getfloat("F_BAD", 1.23) != 1.23 {
		t.Fatalf("getfloat default on bad parse failed")
	}
	t.Setenv("I_VALID", "42")
	if getint("I_VALID", 0) != 42 {
		t.Fatalf("getint parse failed")
	}
	t.Setenv("D_VALID", "150ms")
	if getdur("D_VALID", time.Second) != 150*time.Millisecond {
		t.Fatalf("getdur parse failed")
	}

	for _, v := range []string{"1", "TRUE", " yes ", "on"} {
		t.Setenv("B", v)
		if !getbool("B", false) {
			t.Fatalf("getbool(%q) = false", v)
		}
	}
	for _, v := range []string{"0", "False", " no ", "off"} {
		t.Setenv("B", v)
		if getbool("B", true) {
			t.Fatalf("getbool(%q) = true", v)
		}
	}
	t.Setenv("B", "maybe")
	if !getbool("B", true) {
		t.Fatalf("getbool should keep default on unknown value")
	}
}

func TestHelpers_splitCSV_and_normalizeBasePath(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil")
	}
	if got := splitCSV(" a, ,b ,  c  ,"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("splitCSV mismatch: %#v", got)
	}
	for in, want := range map[string]string{"": "/", "v1": "/v1", "/v1/": "/v1", " / ": "/"} {
		if got := normalizeBasePath(in); got != want {
			t.Fatalf("normalizeBasePath(%q) = %q, want %q", in, got, want)
		}
	}
}
