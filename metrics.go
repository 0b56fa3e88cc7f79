package supervisor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "rackd"
	metricsSubsystem = "supervisor"

	resultOK    = "ok"
	resultError = "error"
)

// metrics holds the Supervisor's collectors. A nil Registerer leaves them
// unregistered but usable.
type metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	running    *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "operations_total",
				Help:      "Lifecycle operations by service and result",
			},
			[]string{"operation", "service", "result"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "operation_duration_seconds",
				Help:      "Duration of lifecycle operations in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		running: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "service_running",
				Help:      "Whether the service was running at the last probe (0=off, 1=running)",
			},
			[]string{"service", "type"},
		),
	}
}

func (m *metrics) recordOperation(op Operation, service string, start time.Time, err error) {
	result := resultOK
	if err != nil {
		result = resultError
	}
	m.operations.WithLabelValues(op.String(), service, result).Inc()
	m.duration.WithLabelValues(op.String()).Observe(time.Since(start).Seconds())
}

func (m *metrics) recordRunning(svc Service, running bool) {
	value := 0.0
	if running {
		value = 1.0
	}
	m.running.WithLabelValues(svc.Name(), svc.Type().String()).Set(value)
}
