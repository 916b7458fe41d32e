// Package metrics holds the Prometheus collectors shared by the engines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "boothspool"

var (
	Discoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "discoveries_total",
			Help:      "Printer discoveries by result (probe, cached, fallback, error)",
		},
		[]string{"result"},
	)

	Printers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "printers",
			Help:      "Printers per status at the last health check",
		},
		[]string{"status"},
	)

	Jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	PrintAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "print_attempts_total",
			Help:      "Native print invocations by result",
		},
		[]string{"result"},
	)

	IngestItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "items_total",
			Help:      "Ingested items by result",
		},
		[]string{"result"},
	)

	IngestBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "bytes_total",
			Help:      "Bytes written by the ingestion poller",
		},
	)

	IngestAcks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "acks_total",
			Help:      "Acknowledge calls by result",
		},
		[]string{"result"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Control API requests by route pattern",
		},
		[]string{"path", "method", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Control API request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber queue was full",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(Discoveries, Printers, Jobs, PrintAttempts, IngestItems, IngestBytes, IngestAcks, HTTPRequests, HTTPDuration, EventsDropped)
}
