package manager

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the sandbox lifecycle instruments. All metrics register
// on the provided registerer; no global registry is touched.
type Metrics struct {
	SpawnSeconds      *prometheus.HistogramVec
	ExecSeconds       prometheus.Histogram
	ActiveSandboxes   *prometheus.GaugeVec
	Terminations      *prometheus.CounterVec
	CheckpointSeconds prometheus.Histogram
	Restores          prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SpawnSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "enclave",
			Subsystem: "sandbox",
			Name:      "spawn_seconds",
			Help:      "Cold spawn latency by runtime class.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"runtime"}),
		ExecSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "enclave",
			Subsystem: "sandbox",
			Name:      "exec_seconds",
			Help:      "Guest command execution latency.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 30, 120},
		}),
		ActiveSandboxes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "enclave",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Currently registered sandboxes by runtime class.",
		}, []string{"runtime"}),
		Terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enclave",
			Subsystem: "sandbox",
			Name:      "terminations_total",
			Help:      "Sandbox terminations by cause.",
		}, []string{"cause"}),
		CheckpointSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "enclave",
			Subsystem: "sandbox",
			Name:      "checkpoint_seconds",
			Help:      "End-to-end checkpoint latency including blob upload.",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 15, 60},
		}),
		Restores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "enclave",
			Subsystem: "sandbox",
			Name:      "restores_total",
			Help:      "Sandboxes restored from checkpoints.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SpawnSeconds, m.ExecSeconds, m.ActiveSandboxes,
			m.Terminations, m.CheckpointSeconds, m.Restores,
		)
	}
	return m
}
