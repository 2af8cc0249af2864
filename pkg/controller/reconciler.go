package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/docent-net/ecs-cluster-scaledown/pkg/drain"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/fleet"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/gate"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/metrics"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/selection"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/terminate"
)

// Inventory is the fleet view the driver consumes; *fleet.Inventory
// satisfies it.
type Inventory interface {
	ListInstances(ctx context.Context) ([]fleet.InstanceRecord, error)
	ResolveGroup(ctx context.Context, instanceID string) (string, error)
}

// Gate evaluates whether new drain work may be created this run.
type Gate interface {
	DescribeGroup(ctx context.Context, name string) (gate.GroupRef, error)
	Evaluate(ctx context.Context, req gate.Request, group gate.GroupRef) (gate.Decision, error)
	AlarmFiring(ctx context.Context, name string) (bool, error)
}

// Drainer transitions instances to DRAINING and assesses termination safety.
type Drainer interface {
	DrainAndAssess(ctx context.Context, instances []fleet.InstanceRecord) []drain.Outcome
}

// Terminator removes verified instances from the autoscaling group.
type Terminator interface {
	Terminate(ctx context.Context, group gate.GroupRef, outcomes []drain.Outcome) terminate.Result
}

// Summary is the end-of-run report covering success, partial success and
// gate rejection alike.
type Summary struct {
	Drained        []string
	Terminated     []string
	Blocked        map[string][]string
	NotFound       []string
	GateReason     string
	InstanceErrors []error
}

// Reconciler drives one scale-down pass. It keeps no state between passes:
// convergence across invocations rests entirely on the cluster-side
// ACTIVE/DRAINING lifecycle state, re-read at the start of every run.
type Reconciler struct {
	Inventory  Inventory
	Gate       Gate
	Drainer    Drainer
	Terminator Terminator
	Metrics    metrics.Interface

	Cluster     fleet.ClusterRef
	GroupName   string
	Count       int
	InstanceIDs []string
	AlarmName   string
}

type ReconcilerOption func(*Reconciler)

func WithGroupName(name string) ReconcilerOption {
	return func(r *Reconciler) { r.GroupName = name }
}

func WithMetrics(m metrics.Interface) ReconcilerOption {
	return func(r *Reconciler) { r.Metrics = m }
}

func NewReconciler(inv Inventory, g Gate, d Drainer, t Terminator, cluster fleet.ClusterRef, count int, instanceIDs []string, alarmName string, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		Inventory:   inv,
		Gate:        g,
		Drainer:     d,
		Terminator:  t,
		Metrics:     &metrics.DefaultMetrics{},
		Cluster:     cluster,
		Count:       count,
		InstanceIDs: instanceIDs,
		AlarmName:   alarmName,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a single pass: clear the draining backlog left by prior runs,
// evaluate the gate, then select, drain and terminate fresh candidates.
// Per-instance failures are collected in the summary; only untrustworthy
// input data (inventory, group metadata, alarm lookup) aborts the run.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	ctx, span := otel.Tracer("ecs-cluster-scaledown").Start(ctx, "reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("cluster", r.Cluster.Name))

	r.Metrics.RecordRun()
	summary := Summary{Blocked: map[string][]string{}}

	instances, err := r.Inventory.ListInstances(ctx)
	if err != nil {
		return summary, err
	}

	var draining, active []fleet.InstanceRecord
	for _, rec := range instances {
		switch rec.Status {
		case fleet.StatusDraining:
			draining = append(draining, rec)
		case fleet.StatusActive:
			active = append(active, rec)
		}
	}
	slog.Info("Fetched cluster inventory",
		"cluster", r.Cluster.Name,
		"active", len(active),
		"draining", len(draining))

	group, groupErr := r.resolveGroup(ctx, instances)

	// Backlog first: instances a prior run left DRAINING are assessed and,
	// when safe, terminated before any new work is created.
	terminated := map[string]bool{}
	if len(draining) > 0 {
		slog.Info("Clearing draining backlog", "cluster", r.Cluster.Name, "instances", len(draining))
		outcomes := r.Drainer.DrainAndAssess(ctx, draining)
		res := r.Terminator.Terminate(ctx, group, outcomes)
		r.record(&summary, outcomes, res, nil, terminated)

		// Backlog terminations decremented desired capacity; the gate must
		// clamp against the post-backlog value, not the stale read.
		if len(res.TerminatedIDs) > 0 && groupErr == nil {
			group, groupErr = r.Gate.DescribeGroup(ctx, group.Name)
		}
	}

	proceed, reason, count, err := r.evaluateGate(ctx, group, groupErr)
	if err != nil {
		r.logSummary(summary)
		return summary, err
	}
	summary.GateReason = reason
	if !proceed {
		r.Metrics.RecordGateRejection()
		slog.Info("Gate rejected scale-down; nothing further this run",
			"cluster", r.Cluster.Name, "reason", reason)
		r.logSummary(summary)
		return summary, nil
	}

	// Explicit ids decide which instances go, not whether new work is
	// created at all: a count of 0 stays cleanup-only with or without them.
	if count > 0 || (len(r.InstanceIDs) > 0 && r.Count > 0) {
		plan, selErrs := selection.Select(instances, count, r.InstanceIDs)

		// An explicitly listed instance already terminated in the backlog
		// phase cannot be acted on again within the same pass.
		fresh := plan[:0]
		for _, rec := range plan {
			if !terminated[rec.InstanceID] {
				fresh = append(fresh, rec)
			}
		}

		outcomes := r.Drainer.DrainAndAssess(ctx, fresh)
		res := r.Terminator.Terminate(ctx, group, outcomes)
		r.record(&summary, outcomes, res, selErrs, terminated)
	}

	r.logSummary(summary)
	return summary, nil
}

// resolveGroup uses the configured group name or falls back to tag discovery
// via the first cluster member. The error is deferred: a cleanup-only pass
// can complete without group metadata.
func (r *Reconciler) resolveGroup(ctx context.Context, instances []fleet.InstanceRecord) (gate.GroupRef, error) {
	name := r.GroupName
	if name == "" {
		if len(instances) == 0 {
			return gate.GroupRef{}, errors.New("no instances to discover autoscaling group from")
		}
		discovered, err := r.Inventory.ResolveGroup(ctx, instances[0].InstanceID)
		if err != nil {
			return gate.GroupRef{}, err
		}
		name = discovered
		slog.Debug("Discovered autoscaling group from instance tag", "group", name)
	}
	return r.Gate.DescribeGroup(ctx, name)
}

// evaluateGate applies the gate rules to the requested work. The floor clamp
// applies only to load-based selection; an explicit instance list reflects a
// direct operator decision and is gated by the alarm alone. A count of 0 is
// the cleanup-only mode, explicit ids included: it always proceeds and never
// authorizes new drains.
func (r *Reconciler) evaluateGate(ctx context.Context, group gate.GroupRef, groupErr error) (bool, string, int, error) {
	if len(r.InstanceIDs) > 0 {
		if r.Count == 0 {
			return true, "cleanup only", 0, nil
		}
		if r.AlarmName != "" {
			firing, err := r.Gate.AlarmFiring(ctx, r.AlarmName)
			if err != nil {
				return false, "", 0, err
			}
			if !firing {
				return false, "alarm not firing", 0, nil
			}
		}
		return true, "explicit instance list", 0, nil
	}

	if r.Count > 0 && groupErr != nil {
		return false, "", 0, fmt.Errorf("autoscaling group unavailable: %w", groupErr)
	}

	decision, err := r.Gate.Evaluate(ctx, gate.Request{Count: r.Count, AlarmName: r.AlarmName}, group)
	if err != nil {
		return false, "", 0, err
	}
	return decision.Proceed, decision.Reason, decision.Count, nil
}

func (r *Reconciler) record(summary *Summary, outcomes []drain.Outcome, res terminate.Result, selErrs []error, terminated map[string]bool) {
	for _, id := range res.TerminatedIDs {
		terminated[id] = true
	}
	summary.Terminated = append(summary.Terminated, res.TerminatedIDs...)

	for _, e := range res.Errors {
		summary.InstanceErrors = append(summary.InstanceErrors, e.Err)
	}
	r.Metrics.RecordTerminationFailures(len(res.Errors))

	drained := 0
	blocked := 0
	for _, out := range outcomes {
		if out.Err != nil {
			summary.InstanceErrors = append(summary.InstanceErrors, out.Err)
			continue
		}
		if out.Instance.Status == fleet.StatusActive {
			drained++
			summary.Drained = append(summary.Drained, out.Instance.InstanceID)
		}
		if !out.SafeToTerminate {
			blocked++
			summary.Blocked[out.Instance.InstanceID] = out.BlockingTasks
		}
	}
	r.Metrics.RecordDrained(drained)
	r.Metrics.RecordBlocked(blocked)
	r.Metrics.RecordTerminated(len(res.TerminatedIDs))

	for _, err := range selErrs {
		summary.InstanceErrors = append(summary.InstanceErrors, err)
		if errors.Is(err, selection.ErrInstanceNotFound) {
			summary.NotFound = append(summary.NotFound, err.Error())
		}
	}
}

func (r *Reconciler) logSummary(s Summary) {
	slog.Info("Run summary",
		"cluster", r.Cluster.Name,
		"drained", s.Drained,
		"terminated", s.Terminated,
		"blocked", s.Blocked,
		"notFound", s.NotFound,
		"gateReason", s.GateReason,
		"instanceErrors", len(s.InstanceErrors))
	for _, err := range s.InstanceErrors {
		slog.Warn("Per-instance error", "err", err)
	}
}
