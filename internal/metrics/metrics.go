// Package metrics exposes Prometheus collectors for turns, intents, reminders,
// deliveries and billing events. A nil *Metrics is valid and records nothing,
// so components accept it as an optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "routinepipe"

// Turn results.
const (
	TurnOK        = "ok"
	TurnFailed    = "failed"
	TurnPanicked  = "panicked"
	TurnNoUser    = "load_failed"
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Metrics holds the collectors.
type Metrics struct {
	turns         *prometheus.CounterVec
	turnDuration  prometheus.Histogram
	turnMessages  prometheus.Histogram
	intents       *prometheus.CounterVec
	reminders     *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	billingEvents *prometheus.CounterVec
}

// New registers the collectors with reg. Tests pass a fresh
// prometheus.NewRegistry so repeated construction does not collide.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "turns_total",
			Help:      "Turns flushed to the dispatcher, by result.",
		}, []string{"result"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "turn_duration_seconds",
			Help:      "Time spent handling one turn.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180},
		}),
		turnMessages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "turn_messages",
			Help:      "Raw messages coalesced into one turn.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "intents_total",
			Help:      "Turns routed to each workflow handler.",
		}, []string{"intent"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "fired_total",
			Help:      "Reminder triggers fired, by slot and result.",
		}, []string{"slot", "result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "deliveries_total",
			Help:      "Outbound messages, by kind and result.",
		}, []string{"kind", "result"}),
		billingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "events_total",
			Help:      "Stripe webhook events handled, by type and result.",
		}, []string{"type", "result"}),
	}
	collectors := []prometheus.Collector{m.turns, m.turnDuration, m.turnMessages, m.intents, m.reminders, m.deliveries, m.billingEvents}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MustNew is New that panics on registration errors.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

// Handler serves the collectors gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// TurnFinished records one dispatched turn.
func (m *Metrics) TurnFinished(result string, messages int, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(result).Inc()
	m.turnDuration.Observe(d.Seconds())
	if messages > 0 {
		m.turnMessages.Observe(float64(messages))
	}
}

// IntentRouted counts a turn routed to intent.
func (m *Metrics) IntentRouted(intent string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(intent).Inc()
}

// ReminderFired counts one trigger firing.
func (m *Metrics) ReminderFired(slot, result string) {
	if m == nil {
		return
	}
	m.reminders.WithLabelValues(slot, result).Inc()
}

// Delivery counts one outbound message.
func (m *Metrics) Delivery(kind, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind, result).Inc()
}

// BillingEvent counts one handled webhook event.
func (m *Metrics) BillingEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.billingEvents.WithLabelValues(eventType, result).Inc()
}
