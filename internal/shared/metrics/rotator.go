package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RotatorMetrics holds all metrics for the credential rotator
type RotatorMetrics struct {
	Selections          *prometheus.CounterVec
	Backoffs            *prometheus.CounterVec
	Reclaims            prometheus.Counter
	EmergencyFallbacks  prometheus.Counter
	Available           prometheus.Gauge
	MinIntervalSeconds  prometheus.Gauge
	SelectionWaitSecond prometheus.Histogram
}

var rotatorMetrics *RotatorMetrics

// InitRotator initializes and registers metrics for the credential rotator
func InitRotator() *RotatorMetrics {
	if rotatorMetrics != nil {
		return rotatorMetrics
	}

	rotatorMetrics = &RotatorMetrics{
		Selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gsg",
				Subsystem: "rotator",
				Name:      "selections_total",
				Help:      "Total credential selections by selection mode",
			},
			[]string{"mode"},
		),
		Backoffs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gsg",
				Subsystem: "rotator",
				Name:      "backoffs_total",
				Help:      "Total credential backoff transitions by kind",
			},
			[]string{"kind"},
		),
		Reclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gsg",
			Subsystem: "rotator",
			Name:      "reclaims_total",
			Help:      "Total credentials returned to the available set",
		}),
		EmergencyFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gsg",
			Subsystem: "rotator",
			Name:      "emergency_fallbacks_total",
			Help:      "Total emergency fallback cycles triggered by an empty pool",
		}),
		Available: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gsg",
			Subsystem: "rotator",
			Name:      "available_credentials",
			Help:      "Number of credentials currently outside any backoff window",
		}),
		MinIntervalSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gsg",
			Subsystem: "rotator",
			Name:      "min_interval_seconds",
			Help:      "Current shared minimum interval between uses of one credential",
		}),
		SelectionWaitSecond: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gsg",
			Subsystem: "rotator",
			Name:      "selection_wait_seconds",
			Help:      "Time callers spent waiting for a credential",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		}),
	}

	prometheus.MustRegister(
		rotatorMetrics.Selections,
		rotatorMetrics.Backoffs,
		rotatorMetrics.Reclaims,
		rotatorMetrics.EmergencyFallbacks,
		rotatorMetrics.Available,
		rotatorMetrics.MinIntervalSeconds,
		rotatorMetrics.SelectionWaitSecond,
	)

	return rotatorMetrics
}

// GetRotator returns the credential rotator metrics, initializing if needed
func GetRotator() *RotatorMetrics {
	if rotatorMetrics == nil {
		return InitRotator()
	}
	return rotatorMetrics
}
