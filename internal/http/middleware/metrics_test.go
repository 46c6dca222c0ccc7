package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsByRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.POST("/scopes/:scope/submissions", func(c *gin.Context) { c.String(http.StatusCreated, "ok") })

	route := "/scopes/:scope/submissions"
	base := testutil.ToFloat64(httpReqs.WithLabelValues("POST", route, "201"))
	baseMiss := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "unmatched", "404"))

	for _, s := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodPost, "/scopes/"+s+"/submissions", strings.NewReader("{}"))
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/123", nil))

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("POST", route, "201")) - base; got != 2 {
		t.Fatalf("route counter delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "unmatched", "404")) - baseMiss; got != 1 {
		t.Fatalf("unmatched counter delta = %v, want 1", got)
	}
	if testutil.ToFloat64(httpInflight) != 0 {
		t.Fatalf("inflight gauge not restored")
	}
	if n := testutil.CollectAndCount(httpBodySize); n == 0 {
		t.Fatalf("no body size observations")
	}
}
