package seq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the bring-up's Prometheus collectors.
type Metrics struct {
	phase      prometheus.Gauge
	failures   prometheus.Counter
	polls      *prometheus.CounterVec
	waits      *prometheus.CounterVec
	domainHz   *prometheus.GaugeVec
	tickCycles *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		phase: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "clkseq",
			Name:      "phase",
			Help:      "Bring-up phase reached, 0 (Idle) to 6 (TicksStarted).",
		}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "clkseq",
			Name:      "step_failures_total",
			Help:      "Bring-up steps that failed.",
		}),
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clkseq",
			Name:      "status_polls_total",
			Help:      "Hardware status register polls, by condition waited for.",
		}, []string{"what"}),
		waits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clkseq",
			Name:      "status_waits_total",
			Help:      "Waits for a hardware status condition, by condition.",
		}, []string{"what"}),
		domainHz: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clkseq",
			Name:      "domain_hz",
			Help:      "Recorded frequency of each configured clock domain.",
		}, []string{"domain"}),
		tickCycles: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clkseq",
			Name:      "tick_cycles",
			Help:      "Cycles per tick each tick generator was started with.",
		}, []string{"tick"}),
	}
}

// ObservePoll has the signature of rp2.Config.OnPoll.
func (m *Metrics) ObservePoll(what string, polls uint64) {
	m.waits.WithLabelValues(what).Inc()
	m.polls.WithLabelValues(what).Add(float64(polls))
}
