package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Total rides created"})
	OffersSent     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Total ranked offers published to drivers"})
	MatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from ride creation to offers published"})

	AcceptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_outcomes_total", Help: "acceptOffer results by outcome code"},
		[]string{"outcome"},
	)
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions by target status"},
		[]string{"to"},
	)

	LocationReports   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_reports_total", Help: "Driver location reports relayed"})
	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_connected", Help: "Sessions registered on this instance"})
	DeliveriesDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "deliveries_dropped_total", Help: "Messages dropped because a session buffer was full"})
	SafetyAlerts      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "safety_alerts_total", Help: "Safety alerts raised"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
