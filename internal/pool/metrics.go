package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the supervisor's Prometheus collectors.
type Metrics struct {
	Active       *prometheus.GaugeVec
	Created      *prometheus.CounterVec
	Rejected     prometheus.Counter
	Terminations *prometheus.CounterVec
	CPUSeconds   *prometheus.HistogramVec
	Requests     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "edge_runtime",
			Name:      "workers_active",
			Help:      "Workers currently alive, by role.",
		}, []string{"role"}),
		Created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edge_runtime",
			Name:      "workers_created_total",
			Help:      "Workers created, by role.",
		}, []string{"role"}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edge_runtime",
			Name:      "admission_rejected_total",
			Help:      "Worker creations rejected because the pool was saturated.",
		}),
		Terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edge_runtime",
			Name:      "worker_terminations_total",
			Help:      "Worker exits, by reason.",
		}, []string{"reason"}),
		CPUSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edge_runtime",
			Name:      "worker_cpu_seconds",
			Help:      "CPU time consumed by a worker over its lifetime.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 5, 30},
		}, []string{"role"}),
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edge_runtime",
			Name:      "routed_connections_total",
			Help:      "Connections routed to workers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Active, m.Created, m.Rejected, m.Terminations, m.CPUSeconds, m.Requests)
	}
	return m
}
