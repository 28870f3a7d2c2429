package session

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Stream failure reasons recorded in metrics.
const (
	reasonTooLarge = "too_large"
	reasonRead     = "read"
	reasonDecode   = "decode"
	reasonPanic    = "panic"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sendme",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently serving inbound streams.",
		},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendme",
			Subsystem: "session",
			Name:      "messages_received_total",
			Help:      "Messages decoded from inbound streams.",
		},
		[]string{"kind"},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendme",
			Subsystem: "session",
			Name:      "messages_sent_total",
			Help:      "Messages written to outbound streams.",
		},
		[]string{"kind"},
	)
	streamsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendme",
			Subsystem: "session",
			Name:      "streams_failed_total",
			Help:      "Inbound streams aborted before dispatch.",
		},
		[]string{"reason"},
	)
	sinkErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sendme",
			Subsystem: "session",
			Name:      "sink_errors_total",
			Help:      "Event sink failures that were logged and dropped.",
		},
	)
)

// RegisterMetrics registers the session collectors with the default registry.
// It is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sessionsActive, messagesReceived, messagesSent, streamsFailed, sinkErrors)
	})
}
