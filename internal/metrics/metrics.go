package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	tasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsync",
			Name:      "tasks_processed_total",
			Help:      "Sync tasks by terminal outcome.",
		},
		[]string{"task_type", "outcome"},
	)

	snapshotsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsync",
			Name:      "snapshots_ingested_total",
			Help:      "Competitor snapshots persisted per tenant.",
		},
		[]string{"tenant"},
	)

	limiterWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsync",
			Name:      "rate_limiter_rejections_total",
			Help:      "Acquisitions rejected by the durable rate limiter.",
		},
		[]string{"api"},
	)

	rebuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "marketsync",
			Name:      "ownership_rebuild_seconds",
			Help:      "Wall time of per-product ownership rebuilds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsync",
			Name:      "http_requests_total",
			Help:      "Status API requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(tasksProcessed, snapshotsIngested, limiterWaits, rebuildDuration, httpRequests)
	})
}

// IncTask counts a task transition to success, error or retry.
func IncTask(taskType, outcome string) {
	tasksProcessed.WithLabelValues(taskType, outcome).Inc()
}

// AddSnapshots counts persisted snapshot rows for a tenant.
func AddSnapshots(tenant string, n int) {
	snapshotsIngested.WithLabelValues(tenant).Add(float64(n))
}

// IncLimiterRejection counts a denied acquisition for an API.
func IncLimiterRejection(api string) {
	limiterWaits.WithLabelValues(api).Inc()
}

// ObserveRebuild records one rebuild duration in seconds.
func ObserveRebuild(seconds float64) {
	rebuildDuration.Observe(seconds)
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
