// Package metrics registers the process's Prometheus collectors,
// namespaced opentalk_signaling_<subsystem>_<name>.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveRunners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opentalk_signaling_active_runners",
		Help: "Number of currently connected runners (WebSocket sessions).",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opentalk_signaling_active_rooms",
		Help: "Number of signaling rooms with at least one participant.",
	})

	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "opentalk_signaling_room_participants",
		Help: "Current participant count per signaling room.",
	}, []string{"signaling_room_id"})

	RoomLockWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "opentalk_signaling_room_lock_wait_seconds",
		Help:    "Time spent waiting to acquire the room lock.",
		Buckets: prometheus.DefBuckets,
	})

	RoomLockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opentalk_signaling_room_lock_timeouts_total",
		Help: "Number of room lock acquisitions that exceeded the bounded wait.",
	})

	ExchangeDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opentalk_signaling_exchange_delivered_total",
		Help: "Number of exchange events successfully enqueued to a subscriber.",
	})

	ExchangeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opentalk_signaling_exchange_dropped_total",
		Help: "Number of exchange events dropped because a subscriber's queue was full.",
	})

	StorageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opentalk_signaling_storage_operation_duration_seconds",
		Help:    "Duration of volatile storage operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "opentalk_signaling_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
	}, []string{"name"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opentalk_signaling_circuit_breaker_failures_total",
		Help: "Number of calls rejected while a circuit breaker was open.",
	}, []string{"name"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opentalk_signaling_rate_limit_exceeded_total",
		Help: "Number of requests rejected by rate limiting.",
	}, []string{"endpoint"})

	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opentalk_signaling_websocket_events_total",
		Help: "Inbound WebSocket commands processed, by module namespace.",
	}, []string{"namespace"})
)
