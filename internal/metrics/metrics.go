package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline and queue Prometheus metrics.
var (
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facematch",
			Name:      "submissions_total",
			Help:      "Total number of pipeline submissions",
		},
		[]string{"source", "outcome"}, // outcome: matched / no_face / no_match / error
	)

	SubmissionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "facematch",
			Name:      "submission_duration_seconds",
			Help:      "End-to-end pipeline duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"source"},
	)

	MatchesByTier = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facematch",
			Name:      "matches_total",
			Help:      "Match records created, by confidence tier",
		},
		[]string{"tier"},
	)

	FallbackActivationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "facematch",
			Name:      "fallback_activations_total",
			Help:      "Times the fallback embedding engine replaced the recognition service",
		},
	)

	JobDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facematch",
			Name:      "job_deliveries_total",
			Help:      "Review job delivery attempts",
		},
		[]string{"result"}, // delivered / retried / parked
	)

	ReviewResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facematch",
			Name:      "review_resolutions_total",
			Help:      "Match resolutions by terminal status",
		},
		[]string{"status"},
	)

	EmbeddingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facematch",
			Name:      "embedding_cache_total",
			Help:      "Embedding cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)
)

var pipelineMetricsRegistered bool

// RegisterPipelineMetrics registers Prometheus pipeline metrics. Must be called once from main.
func RegisterPipelineMetrics() {
	if pipelineMetricsRegistered {
		return
	}
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(SubmissionDuration)
	prometheus.MustRegister(MatchesByTier)
	prometheus.MustRegister(FallbackActivationsTotal)
	prometheus.MustRegister(JobDeliveriesTotal)
	prometheus.MustRegister(ReviewResolutionsTotal)
	prometheus.MustRegister(EmbeddingCacheTotal)
	pipelineMetricsRegistered = true
}
