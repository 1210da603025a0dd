package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects delivery and connection counters for one or more sessions.
// All methods are safe on a nil *Metrics.
type Metrics struct {
	Submitted  prometheus.Counter
	Confirmed  *prometheus.CounterVec
	RolledBack *prometheus.CounterVec
	Pending    prometheus.Gauge
	State      prometheus.Gauge
	Assist     *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_submitted_total",
			Help:      "Messages accepted by the optimistic send pipeline.",
		}),
		Confirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_confirmed_total",
			Help:      "Provisional messages confirmed by the server, by path.",
		}, []string{"path"}),
		RolledBack: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_rolled_back_total",
			Help:      "Provisional messages removed without confirmation, by reason.",
		}, []string{"reason"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "messages_pending",
			Help:      "Provisional messages awaiting confirmation.",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connection_state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 error.",
		}),
		Assist: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "assist_requests_total",
			Help:      "Assist completion requests, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Submitted, m.Confirmed, m.RolledBack, m.Pending, m.State, m.Assist)
	}
	return m
}

func (m *Metrics) submitted() {
	if m == nil {
		return
	}
	m.Submitted.Inc()
	m.Pending.Inc()
}

func (m *Metrics) confirmed(path ResolvePath) {
	if m == nil {
		return
	}
	m.Confirmed.WithLabelValues(string(path)).Inc()
	m.Pending.Dec()
}

func (m *Metrics) rolledBack(reason RollbackReason) {
	if m == nil {
		return
	}
	m.RolledBack.WithLabelValues(string(reason)).Inc()
	m.Pending.Dec()
}

// abandoned accounts for pending entries dropped at teardown.
func (m *Metrics) abandoned(n int) {
	if m == nil {
		return
	}
	m.Pending.Sub(float64(n))
}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	m.State.Set(float64(s))
}

func (m *Metrics) assist(result string) {
	if m == nil {
		return
	}
	m.Assist.WithLabelValues(result).Inc()
}
