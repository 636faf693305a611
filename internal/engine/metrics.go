package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: полный вызов платформы вместе с ретраями
	RemoteCallDuration *prometheus.HistogramVec

	// Сколько отложенных вызовов уходит в одной пачке
	BatchSize prometheus.Histogram

	// Повторы внутри ExecuteQueryRetry
	RetryTotal prometheus.Counter

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Операции фасада через Console API
	OperationsTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RemoteCallDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitepolicy_remote_call_duration_seconds",
			Help:    "Histogram of remote ProcessQuery latencies including retries.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"status"}),

		BatchSize: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "sitepolicy_batch_queries",
			Help:    "Number of queries flushed in one batch.",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		}),

		RetryTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sitepolicy_remote_retries_total",
			Help: "Total number of retried remote calls.",
		}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sitepolicy_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: rate_limit, throttled, circuit_open, permanent, remote

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitepolicy_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"connector_id"}),

		OperationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sitepolicy_operations_total",
			Help: "Site policy operations by result.",
		}, []string{"operation", "result"}),
	}
}
