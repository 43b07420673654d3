package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_events_received_total",
		Help: "The total number of events received from clients.",
	}, []string{"event"})
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_events_dropped_total",
		Help: "The total number of inbound events dropped.",
	}, []string{"reason"})
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_events_broadcast_total",
		Help: "The total number of events fanned out to rooms.",
	}, []string{"event"})

	// Session metrics
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_rooms_active",
		Help: "The current number of rooms with at least one participant.",
	})
	CursorsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_cursors_evicted_total",
		Help: "The total number of stale cursors evicted by the sweeper.",
	})

	// Persistence metrics
	FlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coalesce_flushes_total",
		Help: "The total number of document flushes, by outcome.",
	}, []string{"status"})

	// Auth metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_success_total",
		Help: "The total number of successful connection authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "The total number of failed connection authentications.",
	}, []string{"reason"})
)

// Serve exposes the /metrics endpoint on its own listener.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()
	log.Printf("📈 Metrics available at %s/metrics", addr)
}

// Handler returns the prometheus handler for mounting on an existing router.
func Handler() http.Handler {
	return promhttp.Handler()
}
