package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay pool
	RelayEndpoints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "echochan_relay_endpoints",
			Help: "Relay endpoints by connection status",
		},
		[]string{"status"},
	)

	RelayReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "echochan_relay_reconnects_total",
			Help: "Reconnect attempts scheduled across all relay endpoints",
		},
	)

	RelayFramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echochan_relay_frames_dropped_total",
			Help: "Inbound relay frames dropped",
		},
		[]string{"reason"}, // "malformed", "stale_sub", "bad_event", "bad_payload"
	)

	// Ingest pipeline
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echochan_messages_ingested_total",
			Help: "Messages passed through the ingest pipeline",
		},
		[]string{"result"}, // "inserted" or "duplicate"
	)

	ListenersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "echochan_listeners_dropped_total",
			Help: "Listeners dropped for not keeping up with deliveries",
		},
	)

	// P2P
	P2PSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echochan_p2p_sessions_total",
			Help: "P2P sessions by terminal outcome",
		},
		[]string{"outcome"},
	)

	// Backend database
	BackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echochan_backend_errors_total",
			Help: "Failed backend database calls",
		},
		[]string{"op"},
	)
)
