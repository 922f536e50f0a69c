package observ

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks live watch-session subscriptions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keywatch_active_sessions",
			Help: "Number of currently running watch sessions",
		},
	)

	// EventsProcessed counts inbound events that went through the pipeline.
	EventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keywatch_events_processed_total",
			Help: "Total number of inbound events processed",
		},
	)

	// AlertsSent counts alerts handed to the notifier after a match.
	AlertsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keywatch_alerts_sent_total",
			Help: "Total number of keyword alerts dispatched",
		},
	)

	// DeliveryFailures counts bot transport failures (best-effort sends).
	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keywatch_delivery_failures_total",
			Help: "Total number of failed alert deliveries",
		},
	)
)
