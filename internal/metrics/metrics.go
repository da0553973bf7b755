// Package metrics exposes Prometheus instrumentation for a session.
package metrics

import (
	"net/http"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

var states = []status.State{
	status.Disconnected,
	status.Connecting,
	status.Connected,
	status.Reconnecting,
	status.Closed,
}

// Metrics holds the collectors for one session. It implements the observer
// interfaces of the dispatcher, the outbox and the sync engine.
type Metrics struct {
	registry *prometheus.Registry

	framesReceived    *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	eventsApplied     *prometheus.CounterVec
	connectionState   *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	connectionErrors  prometheus.Counter
	sendsTotal        *prometheus.CounterVec
	sendLatency       prometheus.Histogram
}

// New creates and registers all collectors on a private registry, labelled
// with the session name.
func New(sessionName string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	labels := prometheus.Labels{"session": sessionName}

	m := &Metrics{
		registry: reg,
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "frames_received_total",
			Help:        "Inbound frames decoded, by event type",
			ConstLabels: labels,
		}, []string{"type"}),
		decodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "frame_decode_errors_total",
			Help:        "Inbound frames that could not be decoded",
			ConstLabels: labels,
		}),
		eventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "events_applied_total",
			Help:        "Inbound events applied to the conversation store, by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		connectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connection_state",
			Help:        "1 for the current connection state, 0 otherwise",
			ConstLabels: labels,
		}, []string{"state"}),
		reconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reconnect_attempts_total",
			Help:        "Reconnect attempts scheduled after a connection failure",
			ConstLabels: labels,
		}),
		connectionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "connection_errors_total",
			Help:        "Dial or link failures",
			ConstLabels: labels,
		}),
		sendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sends_total",
			Help:        "Optimistic sends by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		sendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "send_ack_seconds",
			Help:        "Time from submission to confirmation of a send",
			ConstLabels: labels,
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}),
	}
	m.setState(status.Disconnected)
	return m
}

// FrameDecoded counts a decoded inbound frame.
func (m *Metrics) FrameDecoded(eventType string) {
	m.framesReceived.WithLabelValues(eventType).Inc()
}

// FrameRejected counts an undecodable inbound frame.
func (m *Metrics) FrameRejected() {
	m.decodeErrors.Inc()
}

// EventApplied counts an inbound event by apply outcome.
func (m *Metrics) EventApplied(outcome string) {
	m.eventsApplied.WithLabelValues(outcome).Inc()
}

// SendResolved records the outcome of a send. Latency is only observed for
// confirmed sends.
func (m *Metrics) SendResolved(outcome string, latency time.Duration) {
	m.sendsTotal.WithLabelValues(outcome).Inc()
	if outcome == "sent" {
		m.sendLatency.Observe(latency.Seconds())
	}
}

// Observe applies a connection event from the bus.
func (m *Metrics) Observe(evt bus.Event) {
	switch evt.Kind {
	case bus.KindConnectionState:
		change, ok := evt.Payload.(status.StatusChange)
		if !ok {
			return
		}
		m.setState(change.To)
		if change.To == status.Reconnecting && change.Attempt > 0 {
			m.reconnectAttempts.Inc()
		}
	case bus.KindConnectionError:
		m.connectionErrors.Inc()
	}
}

// Watch feeds connection events from b into m until the returned stop
// function is called.
func (m *Metrics) Watch(b *bus.Bus) (stop func()) {
	ch, unsub := b.Subscribe("connection.", 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			m.Observe(evt)
		}
	}()
	return func() {
		unsub()
		<-done
	}
}

func (m *Metrics) setState(current status.State) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		m.connectionState.WithLabelValues(string(s)).Set(v)
	}
}

// Registry returns the registry holding the session's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
