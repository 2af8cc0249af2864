//go:build integration
// +build integration

package scenario

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/docent-net/ecs-cluster-scaledown/pkg/config"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/controller"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/drain"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/fleet"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/gate"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/terminate"
)

// --- Fake cloud --------------------------------------------------------------

// Instance is one container instance in the fake cloud, mutable between runs
// so tests can model workloads finishing and time passing.
type Instance struct {
	ARN    string
	ID     string
	Status string
	Tasks  map[string]string // task ARN -> group name
	Attrs  map[string]string
}

// Cloud is an in-memory ECS/EC2/Auto Scaling/CloudWatch control plane. It
// satisfies every narrow API interface the real components consume, so a
// scenario exercises the complete pass against one shared piece of state.
type Cloud struct {
	Instances  []*Instance
	GroupName  string
	MinSize    int
	Desired    int
	AlarmsOn   map[string]bool
	Terminated []string
}

func NewCloud(group string, minSize, desired int) *Cloud {
	return &Cloud{GroupName: group, MinSize: minSize, Desired: desired, AlarmsOn: map[string]bool{}}
}

// AddInstance registers an ACTIVE instance carrying the given task groups.
// Task ARNs are synthesized, one per group entry.
func (c *Cloud) AddInstance(id string, groups ...string) *Instance {
	inst := &Instance{
		ARN:    "arn:aws:ecs:ci/" + id,
		ID:     id,
		Status: fleet.StatusActive,
		Tasks:  map[string]string{},
		Attrs:  map[string]string{},
	}
	for i, g := range groups {
		inst.Tasks["arn:task/"+id+"/"+string(rune('a'+i))] = g
	}
	c.Instances = append(c.Instances, inst)
	return inst
}

func (c *Cloud) Find(id string) *Instance {
	for _, inst := range c.Instances {
		if inst.ID == id || inst.ARN == id {
			return inst
		}
	}
	return nil
}

// FinishTasks models the instance's workloads draining away between runs.
func (c *Cloud) FinishTasks(id string) {
	if inst := c.Find(id); inst != nil {
		inst.Tasks = map[string]string{}
	}
}

func (c *Cloud) ListContainerInstances(_ context.Context, in *ecs.ListContainerInstancesInput, _ ...func(*ecs.Options)) (*ecs.ListContainerInstancesOutput, error) {
	out := &ecs.ListContainerInstancesOutput{}
	for _, inst := range c.Instances {
		if inst.Status == string(in.Status) {
			out.ContainerInstanceArns = append(out.ContainerInstanceArns, inst.ARN)
		}
	}
	return out, nil
}

func (c *Cloud) DescribeContainerInstances(_ context.Context, in *ecs.DescribeContainerInstancesInput, _ ...func(*ecs.Options)) (*ecs.DescribeContainerInstancesOutput, error) {
	out := &ecs.DescribeContainerInstancesOutput{}
	for _, arn := range in.ContainerInstances {
		inst := c.Find(arn)
		if inst == nil {
			continue
		}
		ci := ecstypes.ContainerInstance{
			ContainerInstanceArn: aws.String(inst.ARN),
			Ec2InstanceId:        aws.String(inst.ID),
			Status:               aws.String(inst.Status),
			RunningTasksCount:    int32(len(inst.Tasks)),
		}
		for k, v := range inst.Attrs {
			ci.Attributes = append(ci.Attributes, ecstypes.Attribute{Name: aws.String(k), Value: aws.String(v)})
		}
		out.ContainerInstances = append(out.ContainerInstances, ci)
	}
	return out, nil
}

func (c *Cloud) ListTasks(_ context.Context, in *ecs.ListTasksInput, _ ...func(*ecs.Options)) (*ecs.ListTasksOutput, error) {
	out := &ecs.ListTasksOutput{}
	if inst := c.Find(aws.ToString(in.ContainerInstance)); inst != nil {
		for taskARN := range inst.Tasks {
			out.TaskArns = append(out.TaskArns, taskARN)
		}
	}
	return out, nil
}

func (c *Cloud) DescribeTasks(_ context.Context, in *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	out := &ecs.DescribeTasksOutput{}
	for _, inst := range c.Instances {
		for _, taskARN := range in.Tasks {
			if group, ok := inst.Tasks[taskARN]; ok {
				out.Tasks = append(out.Tasks, ecstypes.Task{TaskArn: aws.String(taskARN), Group: aws.String(group)})
			}
		}
	}
	return out, nil
}

func (c *Cloud) UpdateContainerInstancesState(_ context.Context, in *ecs.UpdateContainerInstancesStateInput, _ ...func(*ecs.Options)) (*ecs.UpdateContainerInstancesStateOutput, error) {
	for _, arn := range in.ContainerInstances {
		if inst := c.Find(arn); inst != nil {
			inst.Status = string(in.Status)
		}
	}
	return &ecs.UpdateContainerInstancesStateOutput{}, nil
}

func (c *Cloud) PutAttributes(_ context.Context, in *ecs.PutAttributesInput, _ ...func(*ecs.Options)) (*ecs.PutAttributesOutput, error) {
	for _, attr := range in.Attributes {
		if inst := c.Find(aws.ToString(attr.TargetId)); inst != nil {
			inst.Attrs[aws.ToString(attr.Name)] = aws.ToString(attr.Value)
		}
	}
	return &ecs.PutAttributesOutput{}, nil
}

func (c *Cloud) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	res := ec2types.Reservation{}
	for _, id := range in.InstanceIds {
		res.Instances = append(res.Instances, ec2types.Instance{
			InstanceId: aws.String(id),
			Placement:  &ec2types.Placement{AvailabilityZone: aws.String("eu-west-1a")},
			Tags: []ec2types.Tag{
				{Key: aws.String("aws:autoscaling:groupName"), Value: aws.String(c.GroupName)},
			},
		})
	}
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{res}}, nil
}

func (c *Cloud) DescribeAutoScalingGroups(_ context.Context, _ *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	return &autoscaling.DescribeAutoScalingGroupsOutput{
		AutoScalingGroups: []asgtypes.AutoScalingGroup{{
			AutoScalingGroupName: aws.String(c.GroupName),
			MinSize:              aws.Int32(int32(c.MinSize)),
			DesiredCapacity:      aws.Int32(int32(c.Desired)),
		}},
	}, nil
}

func (c *Cloud) TerminateInstanceInAutoScalingGroup(_ context.Context, in *autoscaling.TerminateInstanceInAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.TerminateInstanceInAutoScalingGroupOutput, error) {
	id := aws.ToString(in.InstanceId)
	c.Terminated = append(c.Terminated, id)
	if aws.ToBool(in.ShouldDecrementDesiredCapacity) {
		c.Desired--
	}
	kept := c.Instances[:0]
	for _, inst := range c.Instances {
		if inst.ID != id {
			kept = append(kept, inst)
		}
	}
	c.Instances = kept
	return &autoscaling.TerminateInstanceInAutoScalingGroupOutput{
		Activity: &asgtypes.Activity{StatusCode: asgtypes.ScalingActivityStatusCodeInProgress},
	}, nil
}

func (c *Cloud) DescribeAlarms(_ context.Context, in *cloudwatch.DescribeAlarmsInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.DescribeAlarmsOutput, error) {
	out := &cloudwatch.DescribeAlarmsOutput{}
	for _, name := range in.AlarmNames {
		if c.AlarmsOn[name] && in.StateValue == cwtypes.StateValueAlarm {
			out.MetricAlarms = append(out.MetricAlarms, cwtypes.MetricAlarm{AlarmName: aws.String(name)})
		}
	}
	return out, nil
}

// --- Clock -------------------------------------------------------------------

// Clock is a manually advanced time source wired into the drain coordinator,
// so max-wait expiry can be modeled without sleeping.
type Clock struct{ T time.Time }

func NewClock() *Clock { return &Clock{T: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)} }

func (c *Clock) Now() time.Time          { return c.T }
func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// --- Reconciler wiring -------------------------------------------------------

func MinimalConfig() *config.Config {
	return &config.Config{
		ClusterName: "integration-cluster",
		Region:      "eu-west-1",
		Count:       1,
	}
}

type Harness struct {
	Cloud      *Cloud
	Clock      *Clock
	Reconciler *controller.Reconciler
}

// NewHarness wires the real inventory, gate, drain and termination components
// against the fake cloud. Each harness shares the cloud state, so calling Run
// repeatedly models successive scheduled invocations.
func NewHarness(cfg *config.Config, cloud *Cloud) *Harness {
	cluster := fleet.ClusterRef{Name: cfg.ClusterName, Region: cfg.Region}
	inv := fleet.NewInventory(cloud, cloud, cluster)

	clock := NewClock()
	coord := drain.NewCoordinator(cloud, inv, cluster, cfg.IgnoreList, cfg.MaxWait, cfg.DryRun)
	coord.Now = clock.Now

	r := controller.NewReconciler(
		inv,
		gate.NewEvaluator(cloud, cloud),
		coord,
		terminate.NewExecutor(cloud, cfg.DryRun),
		cluster, cfg.Count, cfg.InstanceIDs, cfg.AlarmName,
		controller.WithGroupName(cfg.GroupName),
	)
	return &Harness{Cloud: cloud, Clock: clock, Reconciler: r}
}
