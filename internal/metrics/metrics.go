// Package metrics exposes Prometheus instrumentation for the hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Dataset lifecycle
	DatasetsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamhub_datasets_created_total",
		Help: "Total number of datasets allocated",
	})

	DatasetsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamhub_datasets_deleted_total",
		Help: "Total number of datasets deleted",
	})

	// Append pipeline
	FramesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamhub_frames_appended_total",
		Help: "Total number of frames committed (including end-of-stream sentinels)",
	})

	AppendBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamhub_append_bytes_total",
		Help: "Total payload bytes committed",
	})

	PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamhub_publish_failures_total",
		Help: "Total notification publishes that failed after a successful commit",
	})

	// Subscriber engine
	SubscribersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamhub_subscribers_active",
		Help: "Current number of open streaming connections",
	})

	SubscribersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamhub_subscribers_total",
		Help: "Total streaming connections accepted",
	})

	FramesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamhub_frames_delivered_total",
		Help: "Total envelopes sent to subscribers",
	})

	FramesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamhub_frames_skipped_total",
		Help: "Total sequences skipped because the frame expired or never existed",
	})

	OversizeEnvelopes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamhub_oversize_envelopes_total",
		Help: "Total envelopes replaced by an error envelope for exceeding the frame cap",
	})

	DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamhub_decode_errors_total",
		Help: "Total payload/metadata decode failures substituted with safe defaults",
	}, []string{"field"})

	ListenersAbandoned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamhub_listeners_abandoned_total",
		Help: "Total listener tasks that did not unwind within the teardown grace period",
	})

	// Admission control
	ConnectionsRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamhub_connections_rate_limited_total",
		Help: "Total WebSocket connections rejected by rate limiting, by scope",
	}, []string{"scope"})
)

func init() {
	prometheus.MustRegister(
		DatasetsCreated,
		DatasetsDeleted,
		FramesAppended,
		AppendBytes,
		PublishFailures,
		SubscribersActive,
		SubscribersTotal,
		FramesDelivered,
		FramesSkipped,
		OversizeEnvelopes,
		DecodeErrors,
		ListenersAbandoned,
		ConnectionsRateLimited,
	)
}
