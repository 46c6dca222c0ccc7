package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Labels stay bounded: path is the registered route template
// (/api/v1/scopes/:scope/submissions), never the raw URL.
var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds.",
			// Submissions that fetch remote media run for seconds.
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	httpBodySize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_body_size_bytes",
			Help:    "Size of HTTP request and response bodies in bytes.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 9), // 256B..16MiB
		},
		[]string{"method", "path", "direction"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpBodySize)
}

// Metrics records request count, latency, in-flight requests and body sizes.
// Serve them with gin.WrapH(promhttp.Handler()).
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if n := c.Request.ContentLength; n > 0 {
			httpBodySize.WithLabelValues(method, path, "in").Observe(float64(n))
		}
		if n := c.Writer.Size(); n >= 0 {
			httpBodySize.WithLabelValues(method, path, "out").Observe(float64(n))
		}
	}
}
