package observability

import "github.com/prometheus/client_golang/prometheus"

// OperationDuration records wall-clock time for the repository core's
// externally callable operations, labeled by name and outcome.
var OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "flanes_operation_duration_seconds",
	Help:    "Duration of repository core operations in seconds.",
	Buckets: prometheus.DefBuckets,
}, []string{"operation", "outcome"})

func init() {
	prometheus.MustRegister(OperationDuration)
}

// Observe records one operation's duration and outcome ("ok" or "error";
// promote also reports "conflict").
func Observe(operation, outcome string, seconds float64) {
	OperationDuration.WithLabelValues(operation, outcome).Observe(seconds)
}
