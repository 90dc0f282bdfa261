package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_session_chunks_stored_total",
		Help: "Chunks written to disk across all sessions.",
	})
	sessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_swept_total",
		Help: "Sessions garbage collected by the TTL sweeper.",
	})
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Sessions currently tracked in memory.",
	})
)
