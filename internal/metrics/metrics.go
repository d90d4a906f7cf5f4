// Package metrics exposes the room engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mindmap"

// Collector owns a private registry so several collectors can coexist in tests.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	ActiveRooms     prometheus.Gauge
	Participants    prometheus.Gauge
	Events          *prometheus.CounterVec
	RejectedIntents *prometheus.CounterVec
	DecodeErrors    prometheus.Counter
	SlowConsumers   prometheus.Counter
	SnapshotLoads   *prometheus.CounterVec
	SnapshotSaves   *prometheus.HistogramVec
	HTTPRequests    *prometheus.CounterVec
}

// NewCollector creates and registers every metric.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Rooms with a running serialization loop",
		}),
		Participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Participants present across all rooms",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events fanned out to room subscribers, by type",
		}, []string{"type"}),
		RejectedIntents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_intents_total",
			Help:      "Intents answered with an error event, by code",
		}, []string{"code"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded",
		}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumers_total",
			Help:      "Connections dropped because their send buffer was full",
		}),
		SnapshotLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_loads_total",
			Help:      "Room snapshot loads, by source (cache, db, empty, error)",
		}, []string{"source"}),
		SnapshotSaves: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_save_duration_seconds",
			Help:      "Time spent handing a closing room's snapshot to storage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route and status",
		}, []string{"method", "route", "status"}),
	}
	registry.MustRegister(
		c.ActiveRooms,
		c.Participants,
		c.Events,
		c.RejectedIntents,
		c.DecodeErrors,
		c.SlowConsumers,
		c.SnapshotLoads,
		c.SnapshotSaves,
		c.HTTPRequests,
	)
	return c
}

// Registry returns the registry the collectors live in.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RoomOpened() {
	if c != nil {
		c.ActiveRooms.Inc()
	}
}

func (c *Collector) RoomClosed() {
	if c != nil {
		c.ActiveRooms.Dec()
	}
}

func (c *Collector) ParticipantJoined() {
	if c != nil {
		c.Participants.Inc()
	}
}

func (c *Collector) ParticipantLeft() {
	if c != nil {
		c.Participants.Dec()
	}
}

func (c *Collector) EventSent(eventType string) {
	if c != nil {
		c.Events.WithLabelValues(eventType).Inc()
	}
}

func (c *Collector) IntentRejected(code string) {
	if c != nil {
		c.RejectedIntents.WithLabelValues(code).Inc()
	}
}

func (c *Collector) DecodeError() {
	if c != nil {
		c.DecodeErrors.Inc()
	}
}

func (c *Collector) SlowConsumer() {
	if c != nil {
		c.SlowConsumers.Inc()
	}
}

func (c *Collector) SnapshotLoaded(source string) {
	if c != nil {
		c.SnapshotLoads.WithLabelValues(source).Inc()
	}
}

func (c *Collector) SnapshotSaved(d time.Duration, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.SnapshotSaves.WithLabelValues(status).Observe(d.Seconds())
}

func (c *Collector) HTTPRequest(method, route, status string) {
	if c != nil {
		c.HTTPRequests.WithLabelValues(method, route, status).Inc()
	}
}
