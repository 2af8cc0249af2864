package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Runs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scaledown_runs_total",
			Help: "Number of scale-down passes executed",
		},
	)
	GateRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scaledown_gate_rejections_total",
			Help: "Number of passes rejected at the gate (alarm or floor)",
		},
	)
	InstancesDrained = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scaledown_instances_drained_total",
			Help: "Number of instances newly transitioned to DRAINING",
		},
	)
	InstancesTerminated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scaledown_instances_terminated_total",
			Help: "Number of instances terminated with capacity decrement",
		},
	)
	InstancesBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scaledown_instances_blocked_total",
			Help: "Number of instances left draining due to blocking tasks",
		},
	)
	TerminationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scaledown_termination_failures_total",
			Help: "Number of failed termination requests",
		},
	)
)

// Interface is what the run driver records against; tests substitute a fake.
type Interface interface {
	RecordRun()
	RecordGateRejection()
	RecordDrained(int)
	RecordTerminated(int)
	RecordBlocked(int)
	RecordTerminationFailures(int)
}

type DefaultMetrics struct{}

func (d *DefaultMetrics) RecordRun()           { Runs.Inc() }
func (d *DefaultMetrics) RecordGateRejection() { GateRejections.Inc() }
func (d *DefaultMetrics) RecordDrained(n int)  { InstancesDrained.Add(float64(n)) }
func (d *DefaultMetrics) RecordTerminated(n int) {
	InstancesTerminated.Add(float64(n))
}
func (d *DefaultMetrics) RecordBlocked(n int) { InstancesBlocked.Add(float64(n)) }
func (d *DefaultMetrics) RecordTerminationFailures(n int) {
	TerminationFailures.Add(float64(n))
}

// Serve exposes /metrics for the duration of the run when a listen address is
// configured. A one-shot pass is usually observed via the run summary instead.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			slog.Error("metrics endpoint crashed", "addr", addr, "err", err)
		}
	}()
}
