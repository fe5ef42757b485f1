package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ridebus"

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_active", Help: "Open booking sessions"})
	ClicksTotal    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "clicks_total", Help: "Map clicks by outcome"},
		[]string{"outcome"},
	)
	RideRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_requests_total", Help: "Outbound ride requests by result"},
		[]string{"result"},
	)
	ConfirmationsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "confirmations_total", Help: "Sessions that reached the confirmed state"})

	GeocodeFallbacks   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "geocode_fallbacks_total", Help: "Reverse lookups replaced by formatted coordinates"})
	GeocodeCacheHits   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "geocode_cache_hits_total", Help: "Reverse lookups served from cache"})
	GeocodeCacheErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "geocode_cache_errors_total", Help: "Geocode cache backend errors"})

	RidesDispatched  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_dispatched_total", Help: "Ride requests handed to a bus"})
	RidesUnassigned  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_unassigned_total", Help: "Ride requests with no available bus"})
	DispatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Time to choose and notify a bus"})
	BusesOnline      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "buses_online", Help: "Connected bus drivers"})
	BusMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bus_messages_total", Help: "Driver channel messages by type"},
		[]string{"type"},
	)

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
