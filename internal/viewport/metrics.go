package viewport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stubsResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxa_stubs_resolved_total",
		Help: "Stub nodes resolved in place.",
	})
	stubFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxa_stub_failures_total",
		Help: "Stub resolutions that failed and left the stub retryable.",
	})
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxa_viewport_scans_total",
		Help: "Viewport scans by outcome.",
	}, []string{"outcome"})
	scanCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taxa_viewport_scan_candidates",
		Help:    "Visible stubs found per scan.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)
