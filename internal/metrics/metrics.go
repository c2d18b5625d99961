package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpi_notifier_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kpi_notifier_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// KPI update metrics
	KpiUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpi_notifier_kpi_updates_total",
			Help: "Total number of KPI value updates received",
		},
		[]string{"source", "status"}, // source: http, amqp; status: accepted, rejected, failed
	)

	// Engine metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpi_notifier_preference_evaluations_total",
			Help: "Preference evaluations by outcome reason",
		},
		[]string{"reason"},
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpi_notifier_dispatch_total",
			Help: "Email dispatch attempts",
		},
		[]string{"status"}, // status: success, failed
	)

	MailSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kpi_notifier_mail_send_duration_seconds",
			Help:    "Time taken by the mailer to accept a message",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// Outcome events published to RabbitMQ
	OutcomeEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpi_notifier_outcome_events_total",
			Help: "Notification outcome events published",
		},
		[]string{"status"}, // status: success, failed
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpi_notifier_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
