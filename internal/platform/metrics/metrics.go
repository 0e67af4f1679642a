package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	ActasSignedOTP      prometheus.Counter
	ActasRejected       prometheus.Counter
	ActasBlockchainOK   prometheus.Counter
	ActasBlockchainFail prometheus.Counter
	TitulosReceived     prometheus.Counter
	TitulosSigned       prometheus.Counter
	PartnerCalls        *prometheus.CounterVec
	SLANotifications    prometheus.Counter
	HTTPDuration        *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics
func New() *Metrics {
	return &Metrics{
		ActasSignedOTP: promauto.NewCounter(prometheus.CounterOpts{
			Name: "docflow_actas_signed_otp_total",
			Help: "Total number of exam records signed with OTP",
		}),
		ActasRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "docflow_actas_rejected_total",
			Help: "Total number of exam records rejected",
		}),
		ActasBlockchainOK: promauto.NewCounter(prometheus.CounterOpts{
			Name: "docflow_actas_blockchain_success_total",
			Help: "Total number of successful blockchain registrations",
		}),
		ActasBlockchainFail: promauto.NewCounter(prometheus.CounterOpts{
			Name: "docflow_actas_blockchain_failure_total",
			Help: "Total number of failed blockchain registrations",
		}),
		TitulosReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "docflow_titulos_received_total",
			Help: "Total number of degree certificates ingested",
		}),
		TitulosSigned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "docflow_titulos_signed_total",
			Help: "Total number of degree certificates digitally signed",
		}),
		PartnerCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_partner_calls_total",
			Help: "Partner service calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		SLANotifications: promauto.NewCounter(prometheus.CounterOpts{
			Name: "docflow_sla_notifications_total",
			Help: "Total number of SLA expiry notifications fired",
		}),
		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docflow_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}
