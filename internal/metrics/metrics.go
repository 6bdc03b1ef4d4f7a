package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wallet_core"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	transfersTotal    *prometheus.CounterVec
	transferDuration  prometheus.Histogram
	notificationsSent *prometheus.CounterVec
	depositCallbacks  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transfer",
				Name:      "results_total",
				Help:      "Transfer results partitioned by outcome and the step that ended them.",
			},
			[]string{"outcome", "step"},
		),
		transferDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "transfer",
				Name:      "duration_seconds",
				Help:      "Wall time of ExecuteTransfer including post-commit steps.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		notificationsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notification",
				Name:      "attempts_total",
				Help:      "Notification attempts partitioned by kind and final status.",
			},
			[]string{"kind", "status"},
		),
		depositCallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mpesa",
				Name:      "callbacks_total",
				Help:      "M-Pesa deposit callbacks partitioned by result.",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) ObserveTransfer(success bool, step string, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.transfersTotal.WithLabelValues(outcome, step).Inc()
	m.transferDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveNotification(kind, status string) {
	if m == nil {
		return
	}
	m.notificationsSent.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObserveCallback(result string) {
	if m == nil {
		return
	}
	m.depositCallbacks.WithLabelValues(result).Inc()
}
