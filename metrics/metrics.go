// Package metrics exposes rollout engine activity as Prometheus metrics.
package metrics

import (
	"github.com/micromdm/nanorollout/workflow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nanorollout"

// Recorder records engine transitions and activity attempts.
type Recorder struct {
	transitions *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	failures    *prometheus.CounterVec
	settled     *prometheus.CounterVec
}

// NewRecorder creates and registers the engine metrics with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_transitions_total",
				Help:      "Total number of workflow state transitions",
			},
			[]string{"from", "to"},
		),
		attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_attempts_total",
				Help:      "Total number of activity attempts",
			},
			[]string{"activity"},
		),
		failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_failures_total",
				Help:      "Total number of failed activity attempts by error kind",
			},
			[]string{"activity", "kind"},
		),
		settled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_settled_total",
				Help:      "Total number of workflows reaching a terminal state",
			},
			[]string{"state"},
		),
	}
}

func (r *Recorder) RecordTransition(from, to workflow.State) {
	r.transitions.WithLabelValues(string(from), string(to)).Inc()
	if to.Terminal() {
		r.settled.WithLabelValues(string(to)).Inc()
	}
}

func (r *Recorder) RecordAttempt(a workflow.Activity) {
	r.attempts.WithLabelValues(string(a)).Inc()
}

func (r *Recorder) RecordFailure(a workflow.Activity, kind workflow.ErrorKind) {
	r.failures.WithLabelValues(string(a), string(kind)).Inc()
}

// Queue reports the size of the worker queue.
type Queue interface {
	Queued() int
	InFlight() int
}

// RegisterQueue exposes the queued and in-flight workflow counts of q as gauges.
func RegisterQueue(reg prometheus.Registerer, q Queue) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queued_workflows",
			Help:      "Number of workflows scheduled in the worker queue",
		}, func() float64 {
			return float64(q.Queued())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_inflight_workflows",
			Help:      "Number of workflows currently being advanced",
		}, func() float64 {
			return float64(q.InFlight())
		}),
	)
}
