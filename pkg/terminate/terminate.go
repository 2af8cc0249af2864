// Package terminate removes drain-verified instances from the autoscaling
// group. Each instance is terminated with its own decrement of the group's
// desired capacity, so a failure partway through leaves capacity decremented
// only for instances that actually terminated.
package terminate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"

	"github.com/docent-net/ecs-cluster-scaledown/pkg/drain"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/gate"
)

// GroupAPI is the slice of the Auto Scaling API the executor consumes.
type GroupAPI interface {
	TerminateInstanceInAutoScalingGroup(ctx context.Context, in *autoscaling.TerminateInstanceInAutoScalingGroupInput, opts ...func(*autoscaling.Options)) (*autoscaling.TerminateInstanceInAutoScalingGroupOutput, error)
}

// InstanceError records one failed termination. It never aborts the rest of
// the plan.
type InstanceError struct {
	InstanceID string
	Err        error
}

type Result struct {
	TerminatedIDs []string
	Errors        []InstanceError
}

type Executor struct {
	ASG    GroupAPI
	DryRun bool
}

func NewExecutor(asg GroupAPI, dryRun bool) *Executor {
	return &Executor{ASG: asg, DryRun: dryRun}
}

// Terminate acts on the safe-to-terminate outcomes in the order given, which
// preserves the selection plan's ordering. Dry-run reports the instances it
// would have terminated without calling the API or touching desired capacity.
func (e *Executor) Terminate(ctx context.Context, group gate.GroupRef, outcomes []drain.Outcome) Result {
	var res Result
	for _, out := range outcomes {
		if !out.SafeToTerminate {
			continue
		}
		id := out.Instance.InstanceID

		if e.DryRun {
			slog.Info("Dry-run: would terminate instance and decrement desired capacity",
				"group", group.Name, "instance", id, "forced", out.Forced)
			res.TerminatedIDs = append(res.TerminatedIDs, id)
			continue
		}

		activity, err := e.ASG.TerminateInstanceInAutoScalingGroup(ctx, &autoscaling.TerminateInstanceInAutoScalingGroupInput{
			InstanceId:                     aws.String(id),
			ShouldDecrementDesiredCapacity: aws.Bool(true),
		})
		if err != nil {
			slog.Error("Termination failed", "group", group.Name, "instance", id, "err", err)
			res.Errors = append(res.Errors, InstanceError{InstanceID: id, Err: fmt.Errorf("terminate %s: %w", id, err)})
			continue
		}

		status := ""
		if activity.Activity != nil {
			status = string(activity.Activity.StatusCode)
		}
		slog.Info("Terminated instance",
			"group", group.Name,
			"instance", id,
			"forced", out.Forced,
			"activityStatus", status)
		res.TerminatedIDs = append(res.TerminatedIDs, id)
	}
	return res
}
