package chunk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxa_chunk_fetch_attempts_total",
		Help: "Chunk fetch attempts, including retries",
	})

	fetchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxa_chunk_fetch_failures_total",
		Help: "Chunks that could not be obtained after all attempts",
	}, []string{"kind"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taxa_chunk_fetch_duration_seconds",
		Help:    "Duration of successful chunk fetches including retries",
		Buckets: []float64{0.005, 0.02, 0.1, 0.5, 1, 5, 20},
	})

	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxa_chunk_cache_lookups_total",
		Help: "Chunk cache lookups by result",
	}, []string{"result"})
)

func failureKind(err error) string {
	switch {
	case isParse(err):
		return "parse"
	case isMissing(err):
		return "missing"
	default:
		return "network"
	}
}
