package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "order_tracking", Name: "change_events_total", Help: "Row change events consumed, by table"},
		[]string{"table"},
	)
	EventsInvalid = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_tracking", Name: "change_events_invalid_total", Help: "Undecodable change events"})

	TransitionsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "order_tracking", Name: "status_transitions_total", Help: "Order status transitions applied, by target status"},
		[]string{"status"},
	)
	TransitionsBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "order_tracking", Name: "status_transitions_blocked_total", Help: "Transitions declined by a guard precondition"},
		[]string{"gate"},
	)

	CreditsIssued  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_tracking", Name: "delay_credits_issued_total", Help: "Delay credits issued"})
	CreditsFailed  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_tracking", Name: "delay_credits_failed_total", Help: "Delay credit issuance failures"})
	ReroutesSent   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_tracking", Name: "reroutes_sent_total", Help: "Reroute requests submitted"})
	OffersObserved = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_tracking", Name: "at_risk_observed_total", Help: "At-risk orders recorded without an actionable offer"})

	// Daily trusted-arrival aggregates, mirrored from the metrics store so
	// dashboards and the kill switch read the same numbers.
	OnTimePct   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "order_tracking", Name: "trusted_arrival_on_time_pct", Help: "Share of orders delivered inside the promised window"})
	RerouteRate = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "order_tracking", Name: "trusted_arrival_reroute_rate", Help: "Share of at-risk orders rerouted"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "order_tracking", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "order_tracking",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
