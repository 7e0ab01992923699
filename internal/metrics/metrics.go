// Package metrics provides Prometheus instrumentation for the book-exchange
// backend. It exposes gauges for presence and connection counts plus
// counters for notification throughput.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OnlineUsers tracks the number of distinct users with at least one
	// live WebSocket session (the presence registry's key-set size).
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bookswap_online_users",
		Help: "Current number of users with at least one live session",
	})

	// ConnectionsTotal tracks the current number of active WebSocket
	// connections, authenticated or not.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bookswap_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// NotificationsTotal counts notification events pushed to clients,
	// labeled by type: "new_exchanges", "exchange_status_update",
	// "user_offline", or "dropped".
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookswap_notifications_total",
		Help: "Total number of notification events pushed to clients",
	}, []string{"type"})

	// NotifyQueueDepth tracks the number of notification jobs waiting in
	// the dispatcher's bounded queue.
	NotifyQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bookswap_notify_queue_depth",
		Help: "Number of notification jobs waiting in the dispatch queue",
	})

	// AuthFailures counts failed authentication attempts, labeled by path:
	// "query" (connection handshake) or "message" (authenticate event).
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookswap_auth_failures_total",
		Help: "Total number of failed WebSocket authentication attempts",
	}, []string{"path"})
)

func init() {
	prometheus.MustRegister(
		OnlineUsers,
		ConnectionsTotal,
		NotificationsTotal,
		NotifyQueueDepth,
		AuthFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
