package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "autolink"

// Metrics holds every Prometheus collector exported by a node. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	State       *prometheus.GaugeVec
	Transitions *prometheus.CounterVec
	Connections *prometheus.GaugeVec
	Threshold   prometheus.Gauge
	Violations  prometheus.Counter
	FramesIn    *prometheus.CounterVec
	FramesOut   *prometheus.CounterVec
	BytesIn     *prometheus.CounterVec
	BytesOut    *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current connectivity state, 0 otherwise.",
		}, []string{"state"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connectivity state transitions.",
		}, []string{"from", "to"}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "role_connections",
			Help:      "Live connections reported by each role.",
		}, []string{"role"}),
		Threshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quorum_threshold",
			Help:      "Connections required to be considered connected.",
		}),
		Violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Connection count updates received with no active role.",
		}),
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from peers.",
		}, []string{"role"}),
		FramesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to peers.",
		}, []string{"role"}),
		BytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_received_total",
			Help:      "Payload bytes read from peers.",
		}, []string{"role"}),
		BytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_sent_total",
			Help:      "Payload bytes written to peers.",
		}, []string{"role"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_dropped_total",
			Help:      "Payloads dropped because the outbound queue was full.",
		}, []string{"role"}),
	}
	for _, c := range []prometheus.Collector{
		m.State, m.Transitions, m.Connections, m.Threshold, m.Violations,
		m.FramesIn, m.FramesOut, m.BytesIn, m.BytesOut, m.Dropped,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveTransition records a state change.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
	m.State.WithLabelValues(from).Set(0)
	m.State.WithLabelValues(to).Set(1)
}

// ObserveConnections records the live connection count of a role.
func (m *Metrics) ObserveConnections(role string, n int) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(role).Set(float64(n))
}

// ObserveThreshold records the current quorum threshold.
func (m *Metrics) ObserveThreshold(n int) {
	if m == nil {
		return
	}
	m.Threshold.Set(float64(n))
}

// ObserveViolation counts an invariant violation.
func (m *Metrics) ObserveViolation() {
	if m == nil {
		return
	}
	m.Violations.Inc()
}

// Pipeline returns a per-role recorder for framed connections.
func (m *Metrics) Pipeline(role string) *PipelineRecorder {
	if m == nil {
		return nil
	}
	return &PipelineRecorder{
		framesIn:  m.FramesIn.WithLabelValues(role),
		framesOut: m.FramesOut.WithLabelValues(role),
		bytesIn:   m.BytesIn.WithLabelValues(role),
		bytesOut:  m.BytesOut.WithLabelValues(role),
		dropped:   m.Dropped.WithLabelValues(role),
	}
}

// PipelineRecorder implements pipeline.Observer on top of the role's
// counters. A nil recorder records nothing.
type PipelineRecorder struct {
	framesIn, framesOut prometheus.Counter
	bytesIn, bytesOut   prometheus.Counter
	dropped             prometheus.Counter
}

func (r *PipelineRecorder) FrameReceived(n int) {
	if r == nil {
		return
	}
	r.framesIn.Inc()
	r.bytesIn.Add(float64(n))
}

func (r *PipelineRecorder) FrameSent(n int) {
	if r == nil {
		return
	}
	r.framesOut.Inc()
	r.bytesOut.Add(float64(n))
}

func (r *PipelineRecorder) SendDropped() {
	if r == nil {
		return
	}
	r.dropped.Inc()
}
