package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coursesync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coursesync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coursesync",
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation runs by kind and final status.",
		},
		[]string{"kind", "status"},
	)
	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coursesync",
			Subsystem: "reconcile",
			Name:      "steps_total",
			Help:      "Reconciliation steps by policy and status.",
		},
		[]string{"policy", "status"},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coursesync",
			Subsystem: "reconcile",
			Name:      "step_duration_seconds",
			Help:      "Reconciliation step duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"policy"},
	)
	documentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coursesync",
			Subsystem: "reconcile",
			Name:      "documents_total",
			Help:      "Documents handled by reconciliation steps, by outcome.",
		},
		[]string{"policy", "outcome"},
	)
	assetFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coursesync",
			Subsystem: "assets",
			Name:      "fetches_total",
			Help:      "Asset fetches by success.",
		},
		[]string{"success"},
	)
	assetBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coursesync",
			Subsystem: "assets",
			Name:      "bytes_total",
			Help:      "Bytes written to local asset storage.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			runsTotal, stepsTotal, stepDuration, documentsTotal,
			assetFetches, assetBytes,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRun(kind, status string) {
	RegisterMetrics()
	runsTotal.WithLabelValues(kind, status).Inc()
}

func RecordStep(policy, status string, duration time.Duration, succeeded, failed, skipped int) {
	RegisterMetrics()
	stepsTotal.WithLabelValues(policy, status).Inc()
	stepDuration.WithLabelValues(policy).Observe(duration.Seconds())
	documentsTotal.WithLabelValues(policy, "succeeded").Add(float64(succeeded))
	documentsTotal.WithLabelValues(policy, "failed").Add(float64(failed))
	documentsTotal.WithLabelValues(policy, "skipped").Add(float64(skipped))
}

func RecordAssetFetch(success bool, written int64) {
	RegisterMetrics()
	assetFetches.WithLabelValues(strconv.FormatBool(success)).Inc()
	if written > 0 {
		assetBytes.Add(float64(written))
	}
}
