package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Domain collectors. Label values are drawn from small fixed sets
// (fingerprint kinds, outcomes) so cardinality stays bounded.
var (
	dedupVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cave_dedup_verdicts_total",
			Help: "Dedup verdicts by deciding fingerprint kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	reaperPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cave_reaper_purged_total",
			Help: "Submissions physically removed by the reaper.",
		},
	)

	reaperErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cave_reaper_errors_total",
			Help: "Reaper steps that failed and will be retried.",
		},
	)

	mediaFetch = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cave_media_fetch_seconds",
			Help:    "Duration of remote media downloads.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(dedupVerdicts, reaperPurged, reaperErrors, mediaFetch)
}

// ObserveVerdict counts one dedup decision. kind is the fingerprint kind that
// decided it ("none" when accepted without any match).
func ObserveVerdict(kind, outcome string) {
	dedupVerdicts.WithLabelValues(kind, outcome).Inc()
}

// ObserveFetch records one media download.
func ObserveFetch(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	mediaFetch.WithLabelValues(outcome).Observe(d.Seconds())
}

// ReaperPurged adds n purged submissions.
func ReaperPurged(n int) {
	if n > 0 {
		reaperPurged.Add(float64(n))
	}
}

// ReaperError counts one failed reaper step.
func ReaperError() { reaperErrors.Inc() }
