// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the event service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventd_events_appended_total",
		Help: "Total number of events durably appended, by source",
	}, []string{"source"})

	AppendErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventd_append_errors_total",
		Help: "Total number of rejected or failed append attempts",
	})

	DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventd_dispatch_queue_depth",
		Help: "Events currently waiting in the dispatch queue",
	})

	ProcessorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventd_processor_runs_total",
		Help: "Processor execution attempts by processor name and result",
	}, []string{"processor", "result"})

	ProcessorDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventd_processor_duration_seconds",
		Help:    "Processor execution duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"processor"})

	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventd_deliveries_total",
		Help: "Terminal subscription delivery outcomes",
	}, []string{"target", "outcome"})

	DeliveryAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventd_delivery_attempts_total",
		Help: "Individual subscription delivery attempts, including retries",
	})

	ReplayedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventd_replayed_events_total",
		Help: "Events re-emitted by the replay engine, by target",
	}, []string{"target"})

	ProjectionRebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventd_projection_rebuilds_total",
		Help: "Full projection rebuilds triggered by gaps or explicit requests",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventd_http_requests_total",
		Help: "HTTP requests by method, route and status class",
	}, []string{"method", "route", "status"})
)

// IncEventAppended records one durable append.
func IncEventAppended(source string) {
	if source == "" {
		source = "unknown"
	}
	EventsAppendedTotal.WithLabelValues(source).Inc()
}

// ObserveProcessorRun records one processor execution attempt.
func ObserveProcessorRun(processor, result string, d time.Duration) {
	ProcessorRunsTotal.WithLabelValues(processor, result).Inc()
	ProcessorDurationSeconds.WithLabelValues(processor).Observe(d.Seconds())
}

// IncDelivery records a terminal delivery outcome for a subscription target.
func IncDelivery(target, outcome string) {
	DeliveriesTotal.WithLabelValues(target, outcome).Inc()
}
