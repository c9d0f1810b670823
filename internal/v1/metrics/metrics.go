package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the lrcom server.
//
// Naming convention: namespace_subsystem_name
// - namespace: lrcom
// - subsystem: ws, call, push, store
//
// Labels never carry user, chat, or room identifiers; cardinality stays
// bounded and nothing identifying leaks into the metrics endpoint.

var (
	// ActiveSockets tracks the current number of open WebSocket connections
	ActiveSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lrcom",
		Subsystem: "ws",
		Name:      "sockets_active",
		Help:      "Current number of open WebSocket connections",
	})

	// ActiveUsers tracks users with at least one open socket
	ActiveUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lrcom",
		Subsystem: "ws",
		Name:      "users_active",
		Help:      "Users with at least one open socket",
	})

	// WsEvents counts inbound WebSocket frames by type and outcome
	WsEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lrcom",
		Subsystem: "ws",
		Name:      "events_total",
		Help:      "Inbound WebSocket frames processed",
	}, []string{"event_type", "status"})

	// ReliableResends counts retransmissions of reliable payloads
	ReliableResends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lrcom",
		Subsystem: "ws",
		Name:      "reliable_resends_total",
		Help:      "Reliable payload retransmissions",
	})

	// ActiveRooms tracks the current number of live call rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lrcom",
		Subsystem: "call",
		Name:      "rooms_active",
		Help:      "Current number of live call rooms",
	})

	// CallEvents counts call signaling operations by type and outcome
	CallEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lrcom",
		Subsystem: "call",
		Name:      "events_total",
		Help:      "Call signaling operations",
	}, []string{"event_type", "status"})

	// PushAttempts counts web push deliveries by outcome
	PushAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lrcom",
		Subsystem: "push",
		Name:      "attempts_total",
		Help:      "Web push delivery attempts",
	}, []string{"status"})

	// RateLimited counts requests rejected by a rate limiter
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lrcom",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by a rate limiter",
	}, []string{"scope"})

	// SweptUsers counts accounts deleted by the retention sweeper
	SweptUsers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lrcom",
		Subsystem: "store",
		Name:      "swept_users_total",
		Help:      "Accounts removed by the retention sweeper",
	})

	// SweptChats counts orphaned chats collected by the retention sweeper
	SweptChats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lrcom",
		Subsystem: "store",
		Name:      "swept_chats_total",
		Help:      "Orphaned chats removed by the retention sweeper",
	})

	// StoreQueryDuration tracks database query latency by operation
	StoreQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lrcom",
		Subsystem: "store",
		Name:      "query_seconds",
		Help:      "Database query latency",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
	}, []string{"op"})
)

func IncSocket() {
	ActiveSockets.Inc()
}

func DecSocket() {
	ActiveSockets.Dec()
}
