package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors for the delivery subsystem. Registered on the default
// registry; the agent binary exposes them via promhttp.
var (
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatwidget_queue_depth",
		Help: "Number of envelopes currently held in the offline queue.",
	})

	EnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwidget_enqueued_total",
		Help: "Envelopes persisted to the offline queue.",
	})

	FlushSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwidget_flush_sent_total",
		Help: "Envelopes successfully sent during flush.",
	})

	FlushFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwidget_flush_failed_total",
		Help: "Envelope send attempts that failed during flush.",
	})

	DeadEnvelopesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwidget_dead_envelopes_total",
		Help: "Envelopes moved out of the automatic flush path after exceeding the retry ceiling.",
	})

	SendSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatwidget_send_seconds",
		Help:    "Latency of outbound send attempts.",
		Buckets: prometheus.DefBuckets,
	})

	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwidget_realtime_reconnects_total",
		Help: "Realtime transport transitions into the connected state.",
	})
)
