package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRedact(t *testing.T) {
	in := "id=123e4567-e89b-12d3-a456-426614174000&mail=a.b@example.com&tel=212-555-1212"
	out := redact(in)
	for _, leak := range []string{"123e4567", "a.b@example.com", "555-1212"} {
		if strings.Contains(out, leak) {
			t.Fatalf("%q leaked in %q", leak, out)
		}
	}
	for _, tag := range []string{"[REDACTED:id]", "[REDACTED:email]", "[REDACTED:phone]"} {
		if !strings.Contains(out, tag) {
			t.Fatalf("missing %s in %q", tag, out)
		}
	}
	if redact("") != "" {
		t.Fatalf("empty input must stay empty")
	}
}

func TestRedactingLogger_AccessLine(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := captureLogs(t)

	r := gin.New()
	r.Use(RequestID(), Identity(nil), RedactingLogger(RedactOptions{MaskHeaders: []string{"X-Api-Key"}}))
	r.GET("/scopes/:scope/submissions", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("inside")
		c.Status(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/scopes/general/submissions?owner=me@example.com", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Api-Key", "k")
	req.Header.Set(HeaderUserID, "u7")
	req.Header.Set(requestIDHeader, "rid-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 log lines, got %d: %s", len(lines), logs.String())
	}
	var inner, access map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &inner); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &access); err != nil {
		t.Fatal(err)
	}
	if inner["request_id"] != "rid-1" || inner["scope"] != "general" || inner["user_id"] != "u7" {
		t.Fatalf("request-scoped fields missing: %v", inner)
	}
	if access["level"] != "warn" || access["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected access line: %v", access)
	}
	if strings.Contains(lines[1], "me@example.com") || strings.Contains(lines[1], "secret") {
		t.Fatalf("sensitive data leaked: %s", lines[1])
	}
	headers := access["headers"].(map[string]any)
	if headers["X-Api-Key"] != "[REDACTED]" || headers["Authorization"] != "[REDACTED]" {
		t.Fatalf("headers not masked: %v", headers)
	}
}
