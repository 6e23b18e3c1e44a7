package realtime

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 连接管理器的 prometheus 指标，nil 表示不采集
type Metrics struct {
	state      prometheus.Gauge
	attempts   prometheus.Counter
	reconnects prometheus.Counter
	closes     *prometheus.CounterVec
	stale      prometheus.Counter
	malformed  prometheus.Counter
	rejected   prometheus.Counter
}

// NewMetrics 创建并注册指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Subsystem: "connection",
			Name:      "state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed).",
		}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "connection",
			Name:      "attempts_total",
			Help:      "Transport dial attempts.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "connection",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnects scheduled after a retryable close.",
		}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "connection",
			Name:      "closes_total",
			Help:      "Transport closes by close code.",
		}, []string{"code"}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "connection",
			Name:      "stale_events_total",
			Help:      "Events discarded because their transport was already retired.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "protocol",
			Name:      "malformed_envelopes_total",
			Help:      "Inbound frames dropped by the codec.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "connection",
			Name:      "rejected_sends_total",
			Help:      "Sends refused because no connection was open or the write failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.state, m.attempts, m.reconnects, m.closes, m.stale, m.malformed, m.rejected)
	}
	return m
}

func (m *Metrics) setState(s State) {
	if m != nil {
		m.state.Set(float64(s))
	}
}

func (m *Metrics) attempt() {
	if m != nil {
		m.attempts.Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) closed(code int) {
	if m != nil {
		m.closes.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

func (m *Metrics) staleEvent() {
	if m != nil {
		m.stale.Inc()
	}
}

func (m *Metrics) malformedEnvelope() {
	if m != nil {
		m.malformed.Inc()
	}
}

func (m *Metrics) rejectedSend() {
	if m != nil {
		m.rejected.Inc()
	}
}
