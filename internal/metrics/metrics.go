// internal/metrics/metrics.go
// Prometheus instrumentation for the chat service

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesStored counts messages durably written to the store
	MessagesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_stored_total",
		Help: "Number of messages written to the message store",
	})

	// DuplicateSends counts idempotent replays detected by client token
	DuplicateSends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_duplicate_sends_total",
		Help: "Number of message sends deduplicated by client token",
	})

	// FanoutDeliveries counts realtime deliveries to websocket subscribers
	FanoutDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_fanout_deliveries_total",
		Help: "Number of messages delivered over the realtime channel",
	})

	// ActiveSessions tracks open websocket sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_ws_sessions",
		Help: "Number of open websocket sessions",
	})

	// UploadsAccepted counts attachment uploads that passed policy
	UploadsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_uploads_accepted_total",
		Help: "Number of attachment uploads accepted",
	})

	// UploadsRejected counts attachment uploads rejected by policy
	UploadsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_uploads_rejected_total",
		Help: "Number of attachment uploads rejected by size or type policy",
	})
)
