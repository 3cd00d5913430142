package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes engine progress. A nil *Metrics records nothing.
type Metrics struct {
	events        *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	failovers     prometheus.Counter
	state         *prometheus.GaugeVec
	cursor        prometheus.Gauge
	head          prometheus.Gauge
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "poolsync_events_total", Help: "Pool events handled by kind and outcome"},
			[]string{"kind", "outcome"},
		),
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "poolsync_sweeps_total", Help: "Catch-up sweeps by result"},
			[]string{"result"},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "poolsync_sweep_duration_seconds", Help: "Catch-up sweep latency", Buckets: prometheus.DefBuckets},
		),
		failovers: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "poolsync_failovers_total", Help: "Live subscription losses"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "poolsync_engine_state", Help: "1 for the engine's current state"},
			[]string{"state"},
		),
		cursor: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "poolsync_cursor_block", Help: "Last durably processed block"},
		),
		head: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "poolsync_head_block", Help: "Latest block reported by the ledger"},
		),
	}
	reg.MustRegister(m.events, m.sweeps, m.sweepDuration, m.failovers, m.state, m.cursor, m.head)
	return m
}

func (m *Metrics) observeEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) observeSweep(result string, seconds float64) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(result).Inc()
	m.sweepDuration.Observe(seconds)
}

func (m *Metrics) observeFailover() {
	if m == nil {
		return
	}
	m.failovers.Inc()
}

func (m *Metrics) setState(current State) {
	if m == nil {
		return
	}
	for _, s := range []State{StateStarting, StatePolling, StateLive, StateStopped} {
		value := 0.0
		if s == current {
			value = 1
		}
		m.state.WithLabelValues(s.String()).Set(value)
	}
}

func (m *Metrics) setCursor(block uint64) {
	if m == nil {
		return
	}
	m.cursor.Set(float64(block))
}

func (m *Metrics) setHead(block uint64) {
	if m == nil {
		return
	}
	m.head.Set(float64(block))
}
