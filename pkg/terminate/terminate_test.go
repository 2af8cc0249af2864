package terminate_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/stretchr/testify/require"

	"github.com/docent-net/ecs-cluster-scaledown/pkg/drain"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/fleet"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/gate"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/terminate"
)

type fakeASG struct {
	desired    int
	terminated []string
	failIDs    map[string]error
}

func (f *fakeASG) TerminateInstanceInAutoScalingGroup(_ context.Context, in *autoscaling.TerminateInstanceInAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.TerminateInstanceInAutoScalingGroupOutput, error) {
	id := aws.ToString(in.InstanceId)
	if err, ok := f.failIDs[id]; ok {
		return nil, err
	}
	f.terminated = append(f.terminated, id)
	if aws.ToBool(in.ShouldDecrementDesiredCapacity) {
		f.desired--
	}
	return &autoscaling.TerminateInstanceInAutoScalingGroupOutput{
		Activity: &asgtypes.Activity{StatusCode: asgtypes.ScalingActivityStatusCodeInProgress},
	}, nil
}

func outcome(id string, safe bool) drain.Outcome {
	return drain.Outcome{
		Instance:        fleet.InstanceRecord{InstanceID: id, Status: fleet.StatusDraining},
		SafeToTerminate: safe,
	}
}

var group = gate.GroupRef{Name: "web", MinSize: 1, DesiredCapacity: 5}

func TestTerminateOnlySafeInOrder(t *testing.T) {
	asg := &fakeASG{desired: 5}
	e := terminate.NewExecutor(asg, false)

	res := e.Terminate(context.Background(), group, []drain.Outcome{
		outcome("i-aaa", true),
		outcome("i-bbb", false),
		outcome("i-ccc", true),
	})

	require.Equal(t, []string{"i-aaa", "i-ccc"}, res.TerminatedIDs)
	require.Equal(t, []string{"i-aaa", "i-ccc"}, asg.terminated)
	require.Empty(t, res.Errors)
	// one decrement per terminated instance
	require.Equal(t, 3, asg.desired)
}

func TestTerminateDryRun(t *testing.T) {
	asg := &fakeASG{desired: 5}
	e := terminate.NewExecutor(asg, true)

	res := e.Terminate(context.Background(), group, []drain.Outcome{
		outcome("i-aaa", true),
		outcome("i-bbb", true),
	})

	require.Equal(t, []string{"i-aaa", "i-bbb"}, res.TerminatedIDs)
	require.Empty(t, asg.terminated, "dry-run must not call the termination API")
	require.Equal(t, 5, asg.desired, "dry-run must not alter desired capacity")
}

func TestTerminateFailureDoesNotAbortRemainder(t *testing.T) {
	asg := &fakeASG{
		desired: 5,
		failIDs: map[string]error{"i-bbb": fmt.Errorf("scaling activity in progress")},
	}
	e := terminate.NewExecutor(asg, false)

	res := e.Terminate(context.Background(), group, []drain.Outcome{
		outcome("i-aaa", true),
		outcome("i-bbb", true),
		outcome("i-ccc", true),
	})

	require.Equal(t, []string{"i-aaa", "i-ccc"}, res.TerminatedIDs)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "i-bbb", res.Errors[0].InstanceID)
	// capacity decremented only for instances that actually terminated
	require.Equal(t, 3, asg.desired)
}

func TestTerminateNothingSafe(t *testing.T) {
	asg := &fakeASG{desired: 5}
	e := terminate.NewExecutor(asg, false)

	res := e.Terminate(context.Background(), group, []drain.Outcome{outcome("i-aaa", false)})

	require.Empty(t, res.TerminatedIDs)
	require.Empty(t, res.Errors)
	require.Equal(t, 5, asg.desired)
}
