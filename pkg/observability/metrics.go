package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/engine"
)

// LifecycleMetrics exposes the engine's counters on the default Prometheus
// registry. Methods are nil-receiver safe so an unconfigured engine costs
// nothing.
type LifecycleMetrics struct {
	proposals    *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	executions   *prometheus.CounterVec
	attestations *prometheus.CounterVec
	sweeps       prometheus.Counter
	expired      prometheus.Counter
}

var _ engine.Metrics = (*LifecycleMetrics)(nil)

// NewLifecycleMetrics registers the lifecycle counters.
func NewLifecycleMetrics() *LifecycleMetrics {
	return &LifecycleMetrics{
		proposals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "veract",
				Subsystem: "lifecycle",
				Name:      "proposals_total",
				Help:      "Proposals by entity, action type, and policy verdict.",
			},
			[]string{"entity", "action_type", "verdict"},
		),
		decisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "veract",
				Subsystem: "lifecycle",
				Name:      "decisions_total",
				Help:      "Approval outcomes by action type.",
			},
			[]string{"action_type", "outcome"},
		),
		executions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "veract",
				Subsystem: "lifecycle",
				Name:      "executions_total",
				Help:      "Execution attempts by action type, run status, and artifact reuse.",
			},
			[]string{"action_type", "status", "reused"},
		),
		attestations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "veract",
				Subsystem: "lifecycle",
				Name:      "attestations_total",
				Help:      "Attestation documents stored, by entity.",
			},
			[]string{"entity"},
		),
		sweeps: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "veract",
				Subsystem: "lifecycle",
				Name:      "expiry_sweeps_total",
				Help:      "Completed expiry sweep passes.",
			},
		),
		expired: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "veract",
				Subsystem: "lifecycle",
				Name:      "expired_actions_total",
				Help:      "Actions closed by the expiry sweep.",
			},
		),
	}
}

func (m *LifecycleMetrics) Proposal(entity, actionType string, verdict contracts.Verdict) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(entity, actionType, string(verdict)).Inc()
}

func (m *LifecycleMetrics) Decision(actionType, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(actionType, outcome).Inc()
}

func (m *LifecycleMetrics) Execution(actionType string, status contracts.RunStatus, reused bool) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(actionType, string(status), strconv.FormatBool(reused)).Inc()
}

func (m *LifecycleMetrics) Attestation(entity string) {
	if m == nil {
		return
	}
	m.attestations.WithLabelValues(entity).Inc()
}

// ObserveSweep records one expiry sweep pass and how many actions it closed.
func (m *LifecycleMetrics) ObserveSweep(expired int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	if expired > 0 {
		m.expired.Add(float64(expired))
	}
}
