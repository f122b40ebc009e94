package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the agent and the collector.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Heartbeats     *prometheus.CounterVec
	SinkErrors     prometheus.Counter
	EngagedSeconds prometheus.Gauge
	CollectorPings *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Heartbeats: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pageping_heartbeats_total",
			Help: "Heartbeat ticks by outcome",
		}, []string{"result"}), // emitted, inactive, min_visit
		SinkErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "pageping_sink_errors_total",
			Help: "Pings the sink failed to accept",
		}),
		EngagedSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pageping_engaged_seconds",
			Help: "Engaged seconds reported by the most recent ping",
		}),
		CollectorPings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pageping_collector_pings_total",
			Help: "Pings received by the collector by outcome",
		}, []string{"result"}), // stored, rejected, failed
	}
}

func (m *Metrics) IncHeartbeat(result string) {
	if m == nil {
		return
	}
	m.Heartbeats.WithLabelValues(result).Inc()
}

func (m *Metrics) IncSinkErrors() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}

func (m *Metrics) SetEngagedSeconds(seconds int) {
	if m == nil {
		return
	}
	m.EngagedSeconds.Set(float64(seconds))
}

func (m *Metrics) AddCollectorPings(result string, n int) {
	if m == nil {
		return
	}
	m.CollectorPings.WithLabelValues(result).Add(float64(n))
}
