package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type lookupCall struct {
	user, scope, key string
}

func idemRouter(lookup IdempotencyLookup) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Identity(nil), IdempotencyValidator(IdempotencyOptions{MaxLen: 16}, lookup))
	handler := func(c *gin.Context) {
		key, _ := GetIdempotencyKey(c)
		id, replay := ReplayedSubmission(c)
		c.JSON(http.StatusOK, gin.H{"key": key, "replay": replay, "id": id})
	}
	r.POST("/scopes/:scope/submissions", handler)
	r.GET("/scopes/:scope/submissions", handler)
	return r
}

func send(r *gin.Engine, method, key string) (int, map[string]any) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, "/scopes/g/submissions", nil)
	req.Header.Set(HeaderUserID, "u1")
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	r.ServeHTTP(w, req)
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w.Code, body
}

func TestIdempotencyValidator(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var calls []lookupCall
	lookup := func(_ context.Context, user, scope, key string, _ time.Time) (int, bool, error) {
		calls = append(calls, lookupCall{user, scope, key})
		switch key {
		case "seen":
			return 42, true, nil
		case "broken":
			return 0, false, errors.New("db down")
		}
		return 0, false, nil
	}
	r := idemRouter(lookup)

	code, body := send(r, http.MethodPost, "")
	if code != http.StatusOK || body["key"] != "" || body["replay"] != false {
		t.Fatalf("no key: %d %v", code, body)
	}

	code, body = send(r, http.MethodPost, "bad key!")
	if code != http.StatusBadRequest || body["code"] != "bad_idempotency_key" {
		t.Fatalf("invalid key: %d %v", code, body)
	}
	code, _ = send(r, http.MethodPost, strings.Repeat("a", 17))
	if code != http.StatusBadRequest {
		t.Fatalf("long key: %d", code)
	}

	code, body = send(r, http.MethodPost, "fresh")
	if code != http.StatusOK || body["key"] != "fresh" || body["replay"] != false {
		t.Fatalf("fresh: %d %v", code, body)
	}

	code, body = send(r, http.MethodPost, "seen")
	if code != http.StatusOK || body["replay"] != true || body["id"] != float64(42) {
		t.Fatalf("replay: %d %v", code, body)
	}

	code, body = send(r, http.MethodPost, "broken")
	if code != http.StatusOK || body["replay"] != false {
		t.Fatalf("lookup errors must not block: %d %v", code, body)
	}

	before := len(calls)
	code, body = send(r, http.MethodGet, "seen")
	if code != http.StatusOK || body["key"] != "" || len(calls) != before {
		t.Fatalf("safe methods must be ignored: %d %v", code, body)
	}

	want := lookupCall{"u1", "g", "fresh"}
	if calls[0] != want {
		t.Fatalf("lookup called with %+v, want %+v", calls[0], want)
	}
}
