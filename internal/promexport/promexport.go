// Package promexport is a Prometheus adapter for the resilient request
// pipeline's event bus. It is deliberately not imported by the core
// pipeline: the pipeline emits named events on a plain in-process bus, and
// this package is one possible external subscriber, alongside a caller's
// own logging or tracing hooks.
package promexport

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dskow/resilientclient/internal/events"
)

// Subscriber is the subset of Client's surface promexport needs: the
// ability to register event handlers. Satisfied by *resilientclient.Client.
type Subscriber interface {
	Subscribe(name string, h func(payload any))
}

// Collector holds the Prometheus collectors and subscribes them to a
// pipeline's event bus. Metrics are registered on a private registry
// (not the global default) so embedding this library never mutates
// process-wide Prometheus state behind a caller's back.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	inFlight           prometheus.Gauge
	queueDepth         prometheus.Gauge
	queueRejections    *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
}

// New creates a Collector with its own private registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilientclient_requests_total",
				Help: "Total requests that reached the transport, by key and outcome.",
			},
			[]string{"key", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resilientclient_request_duration_seconds",
				Help:    "Request latency in seconds, by key.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"key"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "resilientclient_in_flight",
				Help: "Number of requests currently past admission and awaiting a transport response.",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "resilientclient_queue_depth",
				Help: "Number of callers currently waiting in the admission queue.",
			},
		),
		queueRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilientclient_queue_rejections_total",
				Help: "Total local load-shedding rejections, by key and reason.",
			},
			[]string{"key", "reason"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilientclient_breaker_transitions_total",
				Help: "Total circuit breaker state transitions, by key, from-state, and to-state.",
			},
			[]string{"key", "from", "to"},
		),
	}
	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.inFlight,
		c.queueDepth,
		c.queueRejections,
		c.breakerTransitions,
	)
	return c
}

// Handler returns an http.Handler that serves this Collector's metrics for
// scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Attach subscribes the collector to every event the pipeline emits.
func (c *Collector) Attach(client Subscriber) {
	client.Subscribe(events.RequestStart, func(payload any) {
		c.inFlight.Inc()
	})

	client.Subscribe(events.RequestSuccess, func(payload any) {
		c.inFlight.Dec()
		p, ok := payload.(events.RequestSuccessPayload)
		if !ok {
			return
		}
		outcome := "ok"
		if p.Status >= 500 {
			outcome = "server_error"
		}
		c.requestsTotal.WithLabelValues(p.Key, outcome).Inc()
		c.requestDuration.WithLabelValues(p.Key).Observe(float64(p.DurationMS) / 1000)
	})

	client.Subscribe(events.RequestFailure, func(payload any) {
		c.inFlight.Dec()
		p, ok := payload.(events.RequestFailurePayload)
		if !ok {
			return
		}
		c.requestsTotal.WithLabelValues(p.Key, "error").Inc()
		c.requestDuration.WithLabelValues(p.Key).Observe(float64(p.DurationMS) / 1000)
	})

	client.Subscribe(events.RequestRejected, func(payload any) {
		p, ok := payload.(events.RequestRejectedPayload)
		if !ok {
			return
		}
		c.queueRejections.WithLabelValues(p.Key, rejectionReason(p.Err)).Inc()
	})

	client.Subscribe(events.QueueEnqueued, func(payload any) {
		p, ok := payload.(events.QueuePayload)
		if !ok {
			return
		}
		c.queueDepth.Set(float64(p.QueueDepth))
	})
	client.Subscribe(events.QueueDequeued, func(payload any) {
		p, ok := payload.(events.QueuePayload)
		if !ok {
			return
		}
		c.queueDepth.Set(float64(p.QueueDepth))
	})
	client.Subscribe(events.QueueTimeout, func(payload any) {
		p, ok := payload.(events.QueuePayload)
		if !ok {
			return
		}
		c.queueDepth.Set(float64(p.QueueDepth))
	})

	client.Subscribe(events.BreakerState, func(payload any) {
		p, ok := payload.(events.BreakerStatePayload)
		if !ok {
			return
		}
		c.breakerTransitions.WithLabelValues(p.Key, p.From, p.To).Inc()
	})
}

// rejectionReason buckets a rejection error's message into a small,
// bounded-cardinality label. It matches on the typed errors' stable
// Error() text rather than importing apierror, so promexport's only
// pipeline dependency stays events.
func rejectionReason(err error) string {
	if err == nil {
		return "unknown"
	}
	s := err.Error()
	switch {
	case strings.Contains(s, "queue full"):
		return "queue_full"
	case strings.Contains(s, "queue timeout"):
		return "queue_timeout"
	case strings.Contains(s, "circuit open"):
		return "circuit_open"
	case strings.Contains(s, "context canceled"), strings.Contains(s, "context deadline"):
		return "canceled"
	default:
		return "other"
	}
}
