package orchestrator

import (
	"net/http"
	"time"

	"github.com/lcpu-dev/labsched/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters and histograms for the orchestrator.
// A nil *Metrics records nothing.
type Metrics struct {
	registry                *prometheus.Registry
	instanceCreateTotal     *prometheus.CounterVec
	instanceProvisionSecond prometheus.Histogram
	rollbackTotal           *prometheus.CounterVec
	machineCreateTotal      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	instanceCreateTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labsched",
			Subsystem: "instance",
			Name:      "create_total",
			Help:      "Total number of instance creations by outcome.",
		},
		[]string{"result"},
	)
	instanceProvisionSecond := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "labsched",
			Subsystem: "instance",
			Name:      "provision_duration_seconds",
			Help:      "Time to provision an instance, successful or not.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		},
	)
	rollbackTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labsched",
			Name:      "rollback_total",
			Help:      "Total number of instance teardowns by outcome.",
		},
		[]string{"result"},
	)
	machineCreateTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labsched",
			Subsystem: "machine",
			Name:      "create_total",
			Help:      "Total number of machine creations by backend and outcome.",
		},
		[]string{"type", "result"},
	)

	registry.MustRegister(
		instanceCreateTotal,
		instanceProvisionSecond,
		rollbackTotal,
		machineCreateTotal,
	)

	return &Metrics{
		registry:                registry,
		instanceCreateTotal:     instanceCreateTotal,
		instanceProvisionSecond: instanceProvisionSecond,
		rollbackTotal:           rollbackTotal,
		machineCreateTotal:      machineCreateTotal,
	}
}

// Handler serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncInstanceCreate(result string) {
	if m == nil {
		return
	}
	m.instanceCreateTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveProvision(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.instanceProvisionSecond.Observe(seconds)
}

func (m *Metrics) IncRollback(result string) {
	if m == nil {
		return
	}
	m.rollbackTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncMachineCreate(t models.MachineType, result string) {
	if m == nil {
		return
	}
	m.machineCreateTotal.WithLabelValues(string(t), result).Inc()
}
