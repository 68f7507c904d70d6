package pollbuffer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the poller does. A nil *Metrics is valid and records nothing.
type Metrics struct {
	flushes          *prometheus.CounterVec
	acknowledged     prometheus.Counter
	ackFailures      prometheus.Counter
	pollFailures     prometheus.Counter
	callbackFailures *prometheus.CounterVec
	bufferLength     prometheus.Gauge
}

// NewMetrics creates the poller collectors and registers them with reg.
// A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pollbuffer",
			Name:      "flushes_total",
			Help:      "Number of buffer flushes, by trigger.",
		}, []string{"trigger"}),
		acknowledged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pollbuffer",
			Name:      "messages_acknowledged_total",
			Help:      "Number of messages successfully deleted from the source queue.",
		}),
		ackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pollbuffer",
			Name:      "ack_failures_total",
			Help:      "Number of delete chunks that failed and were dropped.",
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pollbuffer",
			Name:      "poll_failures_total",
			Help:      "Number of times the poll loop failed and was restarted.",
		}),
		callbackFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pollbuffer",
			Name:      "callback_failures_total",
			Help:      "Number of user callback failures, by callback.",
		}, []string{"callback"}),
		bufferLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pollbuffer",
			Name:      "buffer_length",
			Help:      "Number of messages currently buffered.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.flushes, m.acknowledged, m.ackFailures, m.pollFailures, m.callbackFailures, m.bufferLength)
	}
	return m
}

func (m *Metrics) flushed(trigger string) {
	if m != nil {
		m.flushes.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) acked(n int) {
	if m != nil {
		m.acknowledged.Add(float64(n))
	}
}

func (m *Metrics) ackFailed() {
	if m != nil {
		m.ackFailures.Inc()
	}
}

func (m *Metrics) pollFailed() {
	if m != nil {
		m.pollFailures.Inc()
	}
}

func (m *Metrics) callbackFailed(name string) {
	if m != nil {
		m.callbackFailures.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) setBufferLength(n int) {
	if m != nil {
		m.bufferLength.Set(float64(n))
	}
}
