package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "sessions_started_total",
			Help:      "Payment sessions the gateway accepted",
		},
	)

	InitiationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "initiation_failures_total",
			Help:      "Payment initializations the gateway rejected or never answered",
		},
	)

	Confirmations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "confirmations_total",
			Help:      "Sessions resolved, by the channel that resolved them and the outcome",
		},
		[]string{"source", "status"},
	)

	EventsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "events_discarded_total",
			Help:      "Confirmation events that did not change a session",
		},
		[]string{"reason"},
	)

	PollRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "poll_requests_total",
			Help:      "Verification requests issued by the poll channel",
		},
		[]string{"result"},
	)

	ConfirmationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "checkout",
			Name:      "confirmation_seconds",
			Help:      "Time from session creation to a terminal outcome",
			Buckets:   []float64{1, 3, 5, 10, 20, 30, 60, 90, 120, 180, 300},
		},
		[]string{"status"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkout",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		},
		[]string{"method", "route", "code"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "checkout",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

func IncConfirmation(source, status string) {
	Confirmations.WithLabelValues(source, status).Inc()
}

func IncDiscarded(reason string) {
	EventsDiscarded.WithLabelValues(reason).Inc()
}

func IncPoll(result string) {
	PollRequests.WithLabelValues(result).Inc()
}

func ObserveConfirmation(status string, seconds float64) {
	ConfirmationSeconds.WithLabelValues(status).Observe(seconds)
}

func ObserveHTTP(method, route, code string, seconds float64) {
	HTTPRequests.WithLabelValues(method, route, code).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(seconds)
}
