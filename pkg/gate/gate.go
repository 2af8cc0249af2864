// Package gate decides whether a scale-down attempt may proceed this run at
// all: the configured CloudWatch alarm must be firing and the removal must
// not push the autoscaling group below its minimum size.
package gate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// GroupRef is the autoscaling-group state read at gate time. DesiredCapacity
// is only ever decremented by the termination executor, one per terminated
// instance.
type GroupRef struct {
	Name            string
	MinSize         int
	DesiredCapacity int
}

// GroupAPI is the slice of the Auto Scaling API the gate consumes.
type GroupAPI interface {
	DescribeAutoScalingGroups(ctx context.Context, in *autoscaling.DescribeAutoScalingGroupsInput, opts ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
}

// AlarmAPI is the slice of the CloudWatch API the gate consumes.
type AlarmAPI interface {
	DescribeAlarms(ctx context.Context, in *cloudwatch.DescribeAlarmsInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.DescribeAlarmsOutput, error)
}

type Request struct {
	Count     int
	AlarmName string
}

type Decision struct {
	Proceed bool
	Count   int
	Reason  string
}

// Evaluator is side-effect free; its decisions are purely advisory to the
// run driver.
type Evaluator struct {
	Groups GroupAPI
	Alarms AlarmAPI
}

func NewEvaluator(groups GroupAPI, alarms AlarmAPI) *Evaluator {
	return &Evaluator{Groups: groups, Alarms: alarms}
}

// DescribeGroup reads the group's floor and desired capacity. Failure here is
// fatal for the run: without trustworthy group state no clamp can be computed.
func (e *Evaluator) DescribeGroup(ctx context.Context, name string) (GroupRef, error) {
	out, err := e.Groups.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{name},
	})
	if err != nil {
		return GroupRef{}, fmt.Errorf("describe autoscaling group %q: %w", name, err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return GroupRef{}, fmt.Errorf("autoscaling group %q not found", name)
	}
	g := out.AutoScalingGroups[0]
	return GroupRef{
		Name:            aws.ToString(g.AutoScalingGroupName),
		MinSize:         int(aws.ToInt32(g.MinSize)),
		DesiredCapacity: int(aws.ToInt32(g.DesiredCapacity)),
	}, nil
}

// Evaluate decides whether this run may create new drain work, and for how
// many instances. A requested count of 0 always proceeds: it asks only for
// cleanup of already-draining instances and never shrinks capacity, so
// neither the alarm nor the floor applies.
func (e *Evaluator) Evaluate(ctx context.Context, req Request, group GroupRef) (Decision, error) {
	if req.Count == 0 {
		return Decision{Proceed: true, Count: 0, Reason: "cleanup only"}, nil
	}

	if req.AlarmName != "" {
		firing, err := e.AlarmFiring(ctx, req.AlarmName)
		if err != nil {
			return Decision{}, err
		}
		if !firing {
			return Decision{Proceed: false, Reason: "alarm not firing"}, nil
		}
	}

	removable := group.DesiredCapacity - group.MinSize
	count := min(req.Count, removable)
	if count <= 0 {
		slog.Info("Scale-down would breach group minimum size",
			"group", group.Name,
			"desired", group.DesiredCapacity,
			"min", group.MinSize,
			"requested", req.Count)
		return Decision{Proceed: false, Reason: "would breach minimum size"}, nil
	}
	if count < req.Count {
		slog.Warn("Clamping requested count to group floor",
			"group", group.Name, "requested", req.Count, "clamped", count)
	}
	return Decision{Proceed: true, Count: count, Reason: "ok"}, nil
}

// AlarmFiring reports whether the named CloudWatch alarm is currently in
// ALARM state.
func (e *Evaluator) AlarmFiring(ctx context.Context, name string) (bool, error) {
	out, err := e.Alarms.DescribeAlarms(ctx, &cloudwatch.DescribeAlarmsInput{
		AlarmNames: []string{name},
		StateValue: cwtypes.StateValueAlarm,
	})
	if err != nil {
		return false, fmt.Errorf("describe alarm %q: %w", name, err)
	}
	return len(out.MetricAlarms) > 0, nil
}
