package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "novaspace",
		Name:      "operations_total",
		Help:      "Provisioning operations by operation and result.",
	}, []string{"operation", "result"})
	OperationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "novaspace",
		Name:      "operation_seconds",
		Help:      "Duration of provisioning operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
	CompensationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "novaspace",
		Name:      "compensations_total",
		Help:      "Compensating actions run after partial failures, by step and result.",
	}, []string{"step", "result"})
	CleanupFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "novaspace",
		Name:      "cleanup_failures_total",
		Help:      "Best-effort cleanup steps that failed and were skipped.",
	})
	RolesRestoredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "novaspace",
		Name:      "roles_restored_total",
		Help:      "Namespace roles recreated by the role guard after out-of-band deletion.",
	}, []string{"role"})
)

func init() {
	prometheus.MustRegister(OperationsTotal, OperationSeconds, CompensationsTotal, CleanupFailuresTotal, RolesRestoredTotal)
}
