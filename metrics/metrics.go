// Package metrics exposes Prometheus instrumentation for the storage
// lifecycle. A nil *Lifecycle is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lifecycle holds the lifecycle metric set.
type Lifecycle struct {
	ModeTransitions  *prometheus.CounterVec
	TransitionErrors *prometheus.CounterVec
	Checkpoints      *prometheus.CounterVec
	CurrentMode      prometheus.Gauge
}

// NewLifecycle creates and registers the lifecycle metrics on reg.
func NewLifecycle(reg prometheus.Registerer) *Lifecycle {
	factory := promauto.With(reg)
	return &Lifecycle{
		ModeTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quiver_storage_mode_transitions_total",
				Help: "Completed storage mode transitions",
			},
			[]string{"from", "to"},
		),
		TransitionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quiver_storage_mode_transition_errors_total",
				Help: "Failed storage mode transitions",
			},
			[]string{"from", "to"},
		),
		Checkpoints: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quiver_storage_checkpoints_total",
				Help: "Catalog checkpoints taken",
			},
			[]string{"kind"},
		),
		CurrentMode: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "quiver_storage_mode",
				Help: "Current storage mode (0=uninit, 1=admin, 2=readable, 3=writable)",
			},
		),
	}
}

// ObserveTransition records a completed transition.
func (m *Lifecycle) ObserveTransition(from, to string, mode int) {
	if m == nil {
		return
	}
	m.ModeTransitions.WithLabelValues(from, to).Inc()
	m.CurrentMode.Set(float64(mode))
}

// ObserveTransitionError records a failed transition.
func (m *Lifecycle) ObserveTransitionError(from, to string) {
	if m == nil {
		return
	}
	m.TransitionErrors.WithLabelValues(from, to).Inc()
}

// ObserveCheckpoint records a checkpoint. kind is "full" or "delta".
func (m *Lifecycle) ObserveCheckpoint(kind string) {
	if m == nil {
		return
	}
	m.Checkpoints.WithLabelValues(kind).Inc()
}
