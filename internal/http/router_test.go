package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-cave-backend/internal/blob"
	"github.com/tbourn/go-cave-backend/internal/config"
	"github.com/tbourn/go-cave-backend/internal/dedup"
	"github.com/tbourn/go-cave-backend/internal/fingerprint"
	"github.com/tbourn/go-cave-backend/internal/http/handlers"
	"github.com/tbourn/go-cave-backend/internal/http/middleware"
	"github.com/tbourn/go-cave-backend/internal/idalloc"
	"github.com/tbourn/go-cave-backend/internal/repo"
	"github.com/tbourn/go-cave-backend/internal/services"
	"github.com/tbourn/go-cave-backend/internal/similarity"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		RateRPS:        100,
		RateBurst:      10,
		IdempotencyTTL: time.Hour,
		Pool:           config.PoolConfig{ScopedIDs: true, AdminUserIDs: []string{"admin"}},
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
	}
}

// newServer wires the real service graph the way cmd/cave-server does.
func newServer(t *testing.T, cfg config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	store, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	hasher, err := fingerprint.NewHasher(16)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	ix := similarity.NewIndex()
	gate, err := dedup.New(ix, hasher, dedup.DefaultThresholds(), dedup.QuadrantWarn)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	ids := idalloc.New(repo.IDStore{DB: db})
	locks := &services.ScopeLocks{}
	svc := &services.SubmissionService{
		DB: db, Blobs: store, Gate: gate, Index: ix, IDs: ids, Locks: locks,
		Reaper: &services.Reaper{DB: db, Blobs: store, Index: ix, IDs: ids, Locks: locks},
		Policy: services.Policy{ScopedIDs: cfg.Pool.ScopedIDs},
	}
	h := handlers.New(handlers.Deps{Submissions: svc, Blobs: store, DB: db, IdempotencyTTL: cfg.IdempotencyTTL})

	r := gin.New()
	RegisterRoutes(r, db, h, cfg)
	return r
}

func call(r http.Handler, method, path, user string, body any, hdr ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middleware.HeaderUserID, user)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func textSubmission(s string) map[string]any {
	return map[string]any{"elements": []map[string]any{{"type": "text", "content": s}}}
}

func noisePNG(t *testing.T, seed int64) []byte {
	t.Helper()
	rnd := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = uint8(rnd.Intn(256))
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png: %v", err)
	}
	return buf.Bytes()
}

func TestRegisterRoutes_Health_Metrics_Fallbacks(t *testing.T) {
	r := newServer(t, testConfig())

	w := call(r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("request id / security headers missing: %v", w.Header())
	}

	if w := call(r, http.MethodGet, "/ready", "", nil); w.Code != http.StatusOK {
		t.Fatalf("GET /ready = %d", w.Code)
	}

	w = call(r, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	w = call(r, http.MethodGet, "/nope", "", nil)
	var er handlers.ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if w.Code != http.StatusNotFound || er.Code != handlers.ErrCodeNotFound {
		t.Fatalf("GET /nope expected 404 not_found, got %d %+v", w.Code, er)
	}
	if w := call(r, http.MethodPost, "/health", "", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := testConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r := newServer(t, cfg)

	w := call(r, http.MethodGet, "/health", "", nil, "Origin", "http://example.com")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
	w = call(r, http.MethodGet, "/health", "", nil, "Origin", "http://evil.test")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin echoed: %q", got)
	}
}

func TestSubmissionFlow_EndToEnd(t *testing.T) {
	r := newServer(t, testConfig())
	base := "/api/v1/scopes/g1"

	w := call(r, http.MethodPost, base+"/submissions", "u1", textSubmission("the cave remembers everything"))
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}

	w = call(r, http.MethodPost, base+"/submissions", "u2", textSubmission("the cave remembers everything"))
	var dup handlers.DuplicateResponse
	_ = json.Unmarshal(w.Body.Bytes(), &dup)
	if w.Code != http.StatusConflict || dup.Code != handlers.ErrCodeDuplicateExact || dup.RefID != 1 {
		t.Fatalf("duplicate: %d %+v", w.Code, dup)
	}

	// other scopes do not see g1's content
	if w := call(r, http.MethodPost, "/api/v1/scopes/g2/submissions", "u2", textSubmission("the cave remembers everything")); w.Code != http.StatusCreated {
		t.Fatalf("other scope: %d %s", w.Code, w.Body.String())
	}

	w = call(r, http.MethodGet, base+"/submissions", "", nil)
	var list handlers.ListSubmissionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || w.Code != http.StatusOK {
		t.Fatalf("list: %d %v", w.Code, err)
	}
	if list.Pagination.Total != 1 || len(list.Submissions) != 1 || list.Submissions[0].ID != 1 {
		t.Fatalf("list = %+v", list)
	}
	etag := w.Header().Get("ETag")
	if w := call(r, http.MethodGet, base+"/submissions", "", nil, "If-None-Match", etag); w.Code != http.StatusNotModified {
		t.Fatalf("etag revalidation: %d", w.Code)
	}

	if w := call(r, http.MethodGet, base+"/submissions/random", "", nil); w.Code != http.StatusOK {
		t.Fatalf("random: %d", w.Code)
	}
	if w := call(r, http.MethodDelete, base+"/submissions/1", "u2", nil); w.Code != http.StatusForbidden {
		t.Fatalf("stranger delete: %d", w.Code)
	}
	if w := call(r, http.MethodDelete, base+"/submissions/1", "u1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("owner delete: %d", w.Code)
	}
	if w := call(r, http.MethodGet, base+"/submissions/1", "u1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("deleted submission visible: %d", w.Code)
	}
	if w := call(r, http.MethodGet, base+"/duplicates", "admin", nil); w.Code != http.StatusOK {
		t.Fatalf("duplicates: %d", w.Code)
	}
}

func TestSubmissionFlow_InlineImageServedFromBlobs(t *testing.T) {
	r := newServer(t, testConfig())
	data := noisePNG(t, 3)
	body := map[string]any{"elements": []map[string]any{{"type": "image", "data": data}}}

	w := call(r, http.MethodPost, "/api/v1/scopes/g1/submissions", "u1", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("submit image: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Submission struct {
			Elements []struct {
				File string `json:"file"`
				Data []byte `json:"data"`
			} `json:"elements"`
		} `json:"submission"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	el := resp.Submission.Elements
	if len(el) != 1 || el[0].File != blob.Name(1, 1, "g1", "u1", ".png") || el[0].Data != nil {
		t.Fatalf("stored element = %+v", el)
	}

	w = call(r, http.MethodGet, "/api/v1/blobs/"+el[0].File, "", nil)
	got, _ := io.ReadAll(w.Body)
	if w.Code != http.StatusOK || !bytes.Equal(got, data) || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("blob: %d %q len=%d", w.Code, w.Header().Get("Content-Type"), len(got))
	}

	w = call(r, http.MethodPost, "/api/v1/scopes/g1/submissions", "u2", body)
	var dup handlers.DuplicateResponse
	_ = json.Unmarshal(w.Body.Bytes(), &dup)
	if w.Code != http.StatusConflict || dup.Element != 1 || dup.RefID != 1 {
		t.Fatalf("image duplicate: %d %+v", w.Code, dup)
	}
}

func TestSubmissionFlow_IdempotencyReplayBypassesLimiter(t *testing.T) {
	cfg := testConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	r := newServer(t, cfg)
	path := "/api/v1/scopes/g1/submissions"

	w := call(r, http.MethodPost, path, "u1", textSubmission("once only"), middleware.HeaderIdempotencyKey, "abc-1")
	if w.Code != http.StatusCreated {
		t.Fatalf("first: %d %s", w.Code, w.Body.String())
	}
	w = call(r, http.MethodPost, path, "u1", textSubmission("once only"), middleware.HeaderIdempotencyKey, "abc-1")
	if w.Code != http.StatusOK || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay: %d %s", w.Code, w.Body.String())
	}
	w = call(r, http.MethodPost, path, "u1", textSubmission("something new"))
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("limiter: %d", w.Code)
	}
	// reads are not limited
	if w := call(r, http.MethodGet, path, "u1", nil); w.Code != http.StatusOK {
		t.Fatalf("read limited: %d", w.Code)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix_and_joinPath(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
	if joinPath("/", "/blobs") != "/blobs" || joinPath("/api/v1", "/blobs") != "/api/v1/blobs" {
		t.Fatalf("joinPath")
	}
}
