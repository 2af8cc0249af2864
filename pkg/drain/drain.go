// Package drain transitions selected instances into DRAINING and assesses,
// per instance, whether termination is currently safe. It never waits:
// long-running workloads are handled by not terminating now and re-checking
// on the next scheduled invocation.
package drain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/docent-net/ecs-cluster-scaledown/pkg/fleet"
)

// StateAPI is the slice of the ECS API the coordinator consumes.
type StateAPI interface {
	UpdateContainerInstancesState(ctx context.Context, in *ecs.UpdateContainerInstancesStateInput, opts ...func(*ecs.Options)) (*ecs.UpdateContainerInstancesStateOutput, error)
	PutAttributes(ctx context.Context, in *ecs.PutAttributesInput, opts ...func(*ecs.Options)) (*ecs.PutAttributesOutput, error)
}

// TaskLister re-fetches the live task groups of a single instance.
// *fleet.Inventory satisfies it.
type TaskLister interface {
	TaskGroups(ctx context.Context, containerInstanceARN string) ([]string, error)
}

// Outcome is the per-instance drain result for one run. Never persisted:
// safety is re-derived from live data on every invocation, so a crashed run
// leaves no stale state behind.
type Outcome struct {
	Instance        fleet.InstanceRecord
	SafeToTerminate bool
	Forced          bool
	BlockingTasks   []string
	Err             error
}

type Coordinator struct {
	ECS        StateAPI
	Tasks      TaskLister
	Cluster    fleet.ClusterRef
	IgnoreList []string
	MaxWait    time.Duration
	DryRun     bool

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewCoordinator(state StateAPI, tasks TaskLister, cluster fleet.ClusterRef, ignoreList []string, maxWait time.Duration, dryRun bool) *Coordinator {
	return &Coordinator{
		ECS:        state,
		Tasks:      tasks,
		Cluster:    cluster,
		IgnoreList: ignoreList,
		MaxWait:    maxWait,
		DryRun:     dryRun,
		Now:        time.Now,
	}
}

// DrainAndAssess processes already-draining and newly selected instances in
// the order given and returns one outcome per instance. A single pass, no
// blocking: instances left unsafe here are simply picked up again next run.
func (c *Coordinator) DrainAndAssess(ctx context.Context, instances []fleet.InstanceRecord) []Outcome {
	outcomes := make([]Outcome, 0, len(instances))
	for _, rec := range instances {
		outcomes = append(outcomes, c.assess(ctx, rec))
	}
	return outcomes
}

func (c *Coordinator) assess(ctx context.Context, rec fleet.InstanceRecord) Outcome {
	out := Outcome{Instance: rec}

	drainStart := rec.DrainStartedAt
	if rec.Status == fleet.StatusActive {
		start, err := c.startDraining(ctx, rec)
		if err != nil {
			out.Err = err
			return out
		}
		drainStart = start
	} else {
		slog.Debug("Instance already DRAINING; not re-issuing transition",
			"cluster", c.Cluster.Name, "instance", rec.InstanceID)
	}

	groups, err := c.Tasks.TaskGroups(ctx, rec.ContainerInstanceARN)
	if err != nil {
		out.Err = fmt.Errorf("refresh tasks for %s: %w", rec.InstanceID, err)
		return out
	}

	out.BlockingTasks = c.blocking(groups)
	out.SafeToTerminate = len(out.BlockingTasks) == 0

	if !out.SafeToTerminate && c.overdue(drainStart) {
		slog.Warn("Drain exceeded max wait; instance is now forced-terminable",
			"cluster", c.Cluster.Name,
			"instance", rec.InstanceID,
			"drainStarted", drainStart,
			"maxWait", c.MaxWait,
			"blocking", out.BlockingTasks)
		out.SafeToTerminate = true
		out.Forced = true
	}

	return out
}

// startDraining issues the DRAINING transition for an ACTIVE instance and
// stamps the drain start time as a container-instance attribute, so the
// max-wait clock survives across invocations. Re-issuing the transition
// against an already-DRAINING instance is a no-op on the ECS side as well,
// which bounds the damage if two invocations ever overlap.
func (c *Coordinator) startDraining(ctx context.Context, rec fleet.InstanceRecord) (time.Time, error) {
	now := c.Now().UTC()

	if c.DryRun {
		slog.Info("Dry-run: would transition instance to DRAINING",
			"cluster", c.Cluster.Name, "instance", rec.InstanceID)
		return now, nil
	}

	slog.Info("Transitioning instance to DRAINING",
		"cluster", c.Cluster.Name,
		"instance", rec.InstanceID,
		"runningTasks", rec.RunningTaskCount)

	out, err := c.ECS.UpdateContainerInstancesState(ctx, &ecs.UpdateContainerInstancesStateInput{
		Cluster:            aws.String(c.Cluster.Name),
		ContainerInstances: []string{rec.ContainerInstanceARN},
		Status:             ecstypes.ContainerInstanceStatusDraining,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("drain %s: %w", rec.InstanceID, err)
	}
	for _, f := range out.Failures {
		return time.Time{}, fmt.Errorf("drain %s: %s", aws.ToString(f.Arn), aws.ToString(f.Reason))
	}

	if err := c.stampDrainStart(ctx, rec, now); err != nil {
		// Losing the stamp only delays a potential forced termination.
		slog.Warn("Could not record drain start time", "instance", rec.InstanceID, "err", err)
	}
	return now, nil
}

func (c *Coordinator) stampDrainStart(ctx context.Context, rec fleet.InstanceRecord, now time.Time) error {
	_, err := c.ECS.PutAttributes(ctx, &ecs.PutAttributesInput{
		Cluster: aws.String(c.Cluster.Name),
		Attributes: []ecstypes.Attribute{{
			Name:       aws.String(fleet.DrainStartedAtAttribute),
			Value:      aws.String(now.Format(time.RFC3339)),
			TargetType: ecstypes.TargetTypeContainerInstance,
			TargetId:   aws.String(rec.ContainerInstanceARN),
		}},
	})
	return err
}

// blocking returns the unique non-ignored group names. Several tasks of one
// service collapse into a single entry.
func (c *Coordinator) blocking(groups []string) []string {
	var blocking []string
	seen := map[string]bool{}
	for _, group := range groups {
		if seen[group] {
			continue
		}
		seen[group] = true
		if c.ignored(group) {
			slog.Debug("Ignoring task group", "group", group)
			continue
		}
		blocking = append(blocking, group)
	}
	return blocking
}

func (c *Coordinator) ignored(group string) bool {
	for _, pattern := range c.IgnoreList {
		if strings.Contains(group, pattern) {
			return true
		}
	}
	return false
}

func (c *Coordinator) overdue(drainStart time.Time) bool {
	if c.MaxWait <= 0 || drainStart.IsZero() {
		return false
	}
	return c.Now().Sub(drainStart) > c.MaxWait
}
