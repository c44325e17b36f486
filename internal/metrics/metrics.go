package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilnwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kilnwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Prediction client metrics
	PredictionRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilnwatch_prediction_requests_total",
			Help: "Total number of scoring-service calls",
		},
		[]string{"status"}, // status: ok, invalid, unavailable
	)

	PredictionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kilnwatch_prediction_duration_seconds",
			Help:    "Scoring-service call latency in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// Per-reading terminal states of the ingest pipeline
	ReadingStateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilnwatch_reading_state_total",
			Help: "Terminal pipeline state per sensor reading",
		},
		[]string{"state"}, // no_alert, alert_published, alert_publish_failed, invalid, upstream_error, evaluation_error
	)

	// Worker / publish metrics
	AlertQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kilnwatch_alert_queue_size",
			Help: "Current size of the alert publish queue",
		},
	)

	AlertQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kilnwatch_alert_queue_capacity",
			Help: "Capacity of the alert publish queue",
		},
	)

	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilnwatch_publish_total",
			Help: "Total number of alert events published to the channel",
		},
		[]string{"status"}, // status: success, failed
	)

	PublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kilnwatch_publish_retries_total",
			Help: "Total number of channel publish retries",
		},
	)

	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kilnwatch_publish_duration_seconds",
			Help:    "Time taken to publish to the channel",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Sink metrics
	SinkDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilnwatch_sink_deliveries_total",
			Help: "Delivery outcomes per sink",
		},
		[]string{"sink", "outcome"}, // outcome: inserted, duplicate, malformed, error
	)

	SinkDeadLetterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilnwatch_sink_deadletter_total",
			Help: "Envelopes routed to the dead-letter topic per sink",
		},
		[]string{"sink"},
	)

	SinkPersistDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kilnwatch_sink_persist_duration_seconds",
			Help:    "Time taken to persist an alert in a sink store",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"sink"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilnwatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
