package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ForwardingMetrics holds all metrics for the upstream forwarding engine
type ForwardingMetrics struct {
	Requests    prometheus.Histogram
	Attempts    prometheus.Histogram
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	Upstream    *prometheus.CounterVec
	Errors      *prometheus.CounterVec
}

var forwardingMetrics *ForwardingMetrics

// InitForwarding initializes and registers metrics for the forwarding engine
func InitForwarding() *ForwardingMetrics {
	if forwardingMetrics != nil {
		return forwardingMetrics
	}

	forwardingMetrics = &ForwardingMetrics{
		Requests: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gsg",
			Subsystem: "forward",
			Name:      "request_seconds",
			Help:      "Duration of forwarded requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		Attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gsg",
			Subsystem: "forward",
			Name:      "attempts_per_request",
			Help:      "Number of upstream attempts consumed per forwarded request",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gsg",
			Subsystem: "forward",
			Name:      "cache_hits_total",
			Help:      "Total requests answered from the response cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gsg",
			Subsystem: "forward",
			Name:      "cache_misses_total",
			Help:      "Total requests that missed the response cache",
		}),
		Upstream: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gsg",
				Subsystem: "forward",
				Name:      "upstream_responses_total",
				Help:      "Total upstream responses by status class",
			},
			[]string{"status_class"},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gsg",
				Subsystem: "forward",
				Name:      "errors_total",
				Help:      "Total errors by category",
			},
			[]string{"category"},
		),
	}

	prometheus.MustRegister(
		forwardingMetrics.Requests,
		forwardingMetrics.Attempts,
		forwardingMetrics.CacheHits,
		forwardingMetrics.CacheMisses,
		forwardingMetrics.Upstream,
		forwardingMetrics.Errors,
	)

	return forwardingMetrics
}

// GetForwarding returns the forwarding engine metrics, initializing if needed
func GetForwarding() *ForwardingMetrics {
	if forwardingMetrics == nil {
		return InitForwarding()
	}
	return forwardingMetrics
}
