// Package metrics exposes engine counters to prometheus. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "invalidator"

// Notification outcomes.
const (
	OutcomeAccepted      = "accepted"
	OutcomeStale         = "stale"
	OutcomeSquelched     = "squelched"
	OutcomeUnknownObject = "unknown_object"
	OutcomeRejected      = "rejected"
)

type Metrics struct {
	notifications     *prometheus.CounterVec
	delivered         prometheus.Counter
	recoveries        *prometheus.CounterVec
	recoveredItems    prometheus.Counter
	recoveryDuration  prometheus.Histogram
	overflowDropped   prometheus.Counter
	channels          prometheus.Gauge
	historyAppends    *prometheus.CounterVec
	transportMessages *prometheus.CounterVec
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "notifications_total",
		}, []string{"outcome"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "payloads_delivered_total",
		}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "attempts_total",
		}, []string{"result"}),
		recoveredItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "items_total",
		}),
		recoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "duration_seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		overflowDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "pending_dropped_total",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "channels",
		}),
		historyAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "appends_total",
		}, []string{"result"}),
		transportMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
		}, []string{"transport", "result"}),
	}
	for _, c := range []prometheus.Collector{
		m.notifications, m.delivered, m.recoveries, m.recoveredItems, m.recoveryDuration,
		m.overflowDropped, m.channels, m.historyAppends, m.transportMessages,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

func (m *Metrics) RecoveryStarted() {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues("started").Inc()
}

func (m *Metrics) RecoveryFinished(items int, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.recoveryDuration.Observe(took.Seconds())
	if err != nil {
		m.recoveries.WithLabelValues("failed").Inc()
		return
	}
	m.recoveries.WithLabelValues("succeeded").Inc()
	m.recoveredItems.Add(float64(items))
}

func (m *Metrics) PendingDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.overflowDropped.Add(float64(n))
}

func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.channels.Inc()
}

func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.channels.Dec()
}

func (m *Metrics) HistoryAppend(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.historyAppends.WithLabelValues("error").Inc()
		return
	}
	m.historyAppends.WithLabelValues("ok").Inc()
}

func (m *Metrics) TransportMessage(transport string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.transportMessages.WithLabelValues(transport, result).Inc()
}
