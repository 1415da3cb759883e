// Package metrics registers the process-wide Prometheus collectors. All
// collectors use the default registry and are served by the API's /metrics
// endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LinesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wasmscan_lines_read_total",
		Help: "Stream lines read by the ingestion driver.",
	})
	LinesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wasmscan_lines_skipped_total",
		Help: "Stream lines below the initial block height.",
	})
	LinesMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wasmscan_lines_malformed_total",
		Help: "Stream lines rejected by structural validation.",
	})
	EventsExported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wasmscan_events_exported_total",
		Help: "Wasm events upserted into the event store.",
	})
	Flushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wasmscan_flushes_total",
		Help: "Completed pipeline flushes.",
	})
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wasmscan_flush_duration_seconds",
		Help:    "Wall time of one pipeline flush.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	LastExportedBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wasmscan_last_exported_block",
		Help: "Highest block height flushed to the store.",
	})

	TransformationsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wasmscan_transformations_written_total",
		Help: "Transformation rows written by rule matches.",
	})

	ComputationsUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wasmscan_computations_updated_total",
		Help: "Cached computations truncated by invalidation.",
	})
	ComputationsDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wasmscan_computations_destroyed_total",
		Help: "Cached computations destroyed by invalidation.",
	})
	FormulaEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wasmscan_formula_evaluations_total",
		Help: "Formula evaluations by outcome.",
	}, []string{"formula", "outcome"})

	WebhooksEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wasmscan_webhooks_enqueued_total",
		Help: "Pending webhooks created from matched events.",
	})
	WebhooksDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wasmscan_webhooks_delivered_total",
		Help: "Pending webhooks delivered and deleted.",
	})
	WebhookFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wasmscan_webhook_failures_total",
		Help: "Webhook delivery attempts that failed.",
	})
	WebhooksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wasmscan_webhooks_dropped_total",
		Help: "Pending webhooks dropped after exhausting retries.",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wasmscan_http_request_duration_seconds",
		Help:    "API request latency by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)
