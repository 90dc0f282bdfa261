package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	envelopesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_envelopes_opened_total",
		Help: "Envelopes decrypted successfully, labelled by envelope version.",
	}, []string{"version"})
	envelopeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_envelope_failures_total",
		Help: "Envelope decryption failures, labelled by envelope version.",
	}, []string{"version"})
	replayRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_replay_rejections_total",
		Help: "Requests rejected by replay validation, labelled by reason.",
	}, []string{"reason"})
)
