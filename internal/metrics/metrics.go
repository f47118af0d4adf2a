// Package metrics defines the Prometheus collectors of the approvals service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder groups the service counters. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	transitions   *prometheus.CounterVec
	timeouts      *prometheus.CounterVec
	misconfigured *prometheus.CounterVec
	outbox        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approval",
			Name:      "transitions_total",
			Help:      "Instance state transitions by workflow and transition.",
		}, []string{"workflow", "transition"}),
		timeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approval",
			Name:      "timeouts_applied_total",
			Help:      "Timeout actions applied by the sweeper.",
		}, []string{"action"}),
		misconfigured: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approval",
			Name:      "misconfigured_total",
			Help:      "Workflow misconfiguration events by reason.",
		}, []string{"reason"}),
		outbox: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approval",
			Name:      "outbox_dispatch_total",
			Help:      "Outbox delivery attempts by kind and result.",
		}, []string{"kind", "result"}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "approval",
			Name:      "timeout_sweep_duration_seconds",
			Help:      "Duration of timeout sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (r *Recorder) Transition(workflow, transition string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(workflow, transition).Inc()
}

func (r *Recorder) TimeoutApplied(action string) {
	if r == nil {
		return
	}
	r.timeouts.WithLabelValues(action).Inc()
}

func (r *Recorder) Misconfigured(reason string) {
	if r == nil {
		return
	}
	r.misconfigured.WithLabelValues(reason).Inc()
}

func (r *Recorder) OutboxDispatch(kind, result string) {
	if r == nil {
		return
	}
	r.outbox.WithLabelValues(kind, result).Inc()
}

func (r *Recorder) ObserveSweep(seconds float64) {
	if r == nil {
		return
	}
	r.sweepDuration.Observe(seconds)
}
