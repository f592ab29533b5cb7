package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_coordination"

var (
	RidesRequested   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Total rides requested"})
	RideTransitions  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions applied"}, []string{"status"})
	AcceptConflicts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accept attempts that lost the first-accept race"})
	OTPFailures      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "otp_failures_total", Help: "Rejected pairing code submissions"}, []string{"reason"})
	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connected_clients", Help: "Live websocket connections"})

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_delivered_total", Help: "Push events by type and delivery mode"},
		[]string{"type", "mode"},
	)
	CollaboratorFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "collaborator_fallbacks_total", Help: "Routing/geocoding calls answered by the degraded fallback"},
		[]string{"collaborator"},
	)
	RouteLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "route_latency_seconds", Help: "Routing collaborator latency seconds"})

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
