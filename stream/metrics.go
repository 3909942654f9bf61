package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operational metrics, served on the Prometheus endpoint when the service runs with -m.
var (
	metEventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainwatch_events_processed_total",
		Help: "Classified events broadcast to subscribers.",
	})
	metEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainwatch_events_dropped_total",
		Help: "Upstream events dropped by the classifier as noise.",
	})
	metBroadcastErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainwatch_broadcast_errors_total",
		Help: "Delivery failures that removed a client session.",
	})
	metAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainwatch_alerts_total",
		Help: "Anomaly alerts emitted, by type.",
	}, []string{"type"})
	metClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainwatch_clients",
		Help: "Currently registered client sessions.",
	})
)
