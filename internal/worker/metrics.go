package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry         *prometheus.Registry
	eventsTotal      *prometheus.CounterVec
	eventDuration    *prometheus.HistogramVec
	activeJobs       prometheus.Gauge
	stageFailures    *prometheus.CounterVec
	artifactBytes    prometheus.Histogram
	sourceBytesTotal prometheus.Counter
	webhookFailures  prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbdata_worker_events_total",
			Help: "Object events handled by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "thumbdata_worker_event_duration_seconds",
			Help:    "Time spent handling one object event.",
			Buckets: prometheus.DefBuckets,
		}, []string{"trigger", "outcome"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "thumbdata_worker_active_jobs",
			Help: "Pipeline invocations currently running.",
		}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbdata_worker_stage_failures_total",
			Help: "Failed invocations by the pipeline stage that aborted them.",
		}, []string{"stage"}),
		artifactBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "thumbdata_worker_artifact_bytes",
			Help:    "Size of written thumbdata artifacts.",
			Buckets: prometheus.ExponentialBuckets(128, 2, 8),
		}),
		sourceBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thumbdata_worker_source_bytes_total",
			Help: "Bytes of source images downloaded for processed events.",
		}),
		webhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thumbdata_worker_webhook_failures_total",
			Help: "Completion webhooks that could not be delivered.",
		}),
	}

	registry.MustRegister(
		m.eventsTotal,
		m.eventDuration,
		m.activeJobs,
		m.stageFailures,
		m.artifactBytes,
		m.sourceBytesTotal,
		m.webhookFailures,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
