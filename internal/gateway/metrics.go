package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: полная обработка запроса на подпись (включая кейринг)
	RequestDuration *prometheus.HistogramVec

	// Traffic: общее кол-во запросов на подпись
	TotalRequests *prometheus.CounterVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Аутентификация: исходы SIWA-потока
	AuthTotal *prometheus.CounterVec

	// Saturation: заполненность аудиторского буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern: без регистратора метрики живут в локальном реестре
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asg_sign_duration_seconds",
			Help:    "Histogram of signing request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"kind", "status"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "asg_sign_requests_total",
			Help: "Total number of processed signing requests.",
		}, []string{"kind"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "asg_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: policy_deny, upstream_unavailable, upstream_error, unauthorized

		AuthTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "asg_auth_total",
			Help: "Total number of authentication attempts by outcome.",
		}, []string{"outcome"}), // outcome: success, invalid_signature, low_trust, bad_message

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "asg_audit_buffer_utilization",
			Help: "Current number of entries in the audit buffer.",
		}),
	}
}
