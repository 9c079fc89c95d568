package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the chess session server.
//
// Naming convention: namespace_subsystem_name
// - namespace: chess_session (application-level grouping)
// - subsystem: websocket, room, game, redis (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, online users)
// - Counter: Cumulative events (events processed, games finished)
// - Histogram: Latency distributions (move processing time)

var (
	// ActiveConnections tracks the current number of open WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chess_session",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks users with at least one live connection.
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chess_session",
		Subsystem: "websocket",
		Name:      "users_online",
		Help:      "Number of users with at least one active connection",
	})

	// ActiveRooms tracks the current number of rooms in the registry.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chess_session",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// ActiveGames tracks rooms with a game in progress.
	ActiveGames = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chess_session",
		Subsystem: "game",
		Name:      "games_active",
		Help:      "Current number of games in progress",
	})

	// SocketEvents counts every inbound event by name and ack outcome.
	SocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chess_session",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event", "status"})

	// MoveProcessingDuration tracks time spent applying a move inside the room lock.
	MoveProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chess_session",
		Subsystem: "game",
		Name:      "move_processing_seconds",
		Help:      "Time spent validating and applying a chess move",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// GamesFinished counts completed games by terminal status.
	GamesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chess_session",
		Subsystem: "game",
		Name:      "finished_total",
		Help:      "Total games finished, labeled by terminal status",
	}, []string{"status"})

	// CircuitBreakerState reflects breaker state per dependency (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chess_session",
		Subsystem: "dependency",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state: 0=closed, 1=open, 2=half-open",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts calls rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chess_session",
		Subsystem: "dependency",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total calls short-circuited by an open breaker",
	}, []string{"dependency"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
