package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_bidding"

var (
	RidesRequested  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Total number of rides requested"})
	BidsPlaced      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bids_placed_total", Help: "Opening bids placed"})
	CountersPlaced  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "counters_placed_total", Help: "Counter offers by proposing party and resulting bid status"}, []string{"party", "status"})
	BidAccepts      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "bid_accepts_total", Help: "Accept attempts by outcome"}, []string{"outcome"})
	PaymentAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "payment_attempts_total", Help: "Payment attempts by result"}, []string{"result"})
	Cancellations   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "cancellations_total", Help: "Cancellations by initiator and lateness"}, []string{"initiator", "late"})
	EditRequests    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "edit_requests_total", Help: "Edit proposals and decisions"}, []string{"action"})
	RideTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions"}, []string{"from", "to"})
	InvitesSent     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bid_invites_sent_total", Help: "Drivers invited to bid"})
	AcceptLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "accept_latency_seconds", Help: "Accept-bid latency including payment", Buckets: prometheus.DefBuckets})
	MarketActions   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "market_actions_total", Help: "State-changing marketplace requests by action and HTTP status"}, []string{"action", "status"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_dropped_total", Help: "Notifications dropped because the queue was full"})
	EventsPublishFailed  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_publish_failed_total", Help: "Lifecycle events that could not be published"})

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
