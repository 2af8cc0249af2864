package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
)

// ErrInventoryUnavailable marks failures that make the run's input data
// untrustworthy. The run driver treats it as fatal; nothing has been mutated
// when it surfaces from the initial fetch.
var ErrInventoryUnavailable = errors.New("cluster inventory unavailable")

const describeBatchSize = 100

const autoScalingGroupTag = "aws:autoscaling:groupName"

// ContainerAPI is the slice of the ECS API the inventory consumes.
type ContainerAPI interface {
	ListContainerInstances(ctx context.Context, in *ecs.ListContainerInstancesInput, opts ...func(*ecs.Options)) (*ecs.ListContainerInstancesOutput, error)
	DescribeContainerInstances(ctx context.Context, in *ecs.DescribeContainerInstancesInput, opts ...func(*ecs.Options)) (*ecs.DescribeContainerInstancesOutput, error)
	ListTasks(ctx context.Context, in *ecs.ListTasksInput, opts ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
	DescribeTasks(ctx context.Context, in *ecs.DescribeTasksInput, opts ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
}

// PlacementAPI is the slice of the EC2 API the inventory consumes.
type PlacementAPI interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// Inventory reads the current membership of one cluster. It holds no state
// beyond its clients; every listing reflects the control plane at call time.
type Inventory struct {
	ECS     ContainerAPI
	EC2     PlacementAPI
	Cluster ClusterRef
}

func NewInventory(ecsClient ContainerAPI, ec2Client PlacementAPI, cluster ClusterRef) *Inventory {
	return &Inventory{ECS: ecsClient, EC2: ec2Client, Cluster: cluster}
}

// ListInstances returns all ACTIVE and DRAINING container instances with
// their running task groups and availability zones.
func (inv *Inventory) ListInstances(ctx context.Context) ([]InstanceRecord, error) {
	arns, err := inv.listARNs(ctx, ecstypes.ContainerInstanceStatusActive)
	if err != nil {
		return nil, fmt.Errorf("%w: list ACTIVE instances: %v", ErrInventoryUnavailable, err)
	}
	draining, err := inv.listARNs(ctx, ecstypes.ContainerInstanceStatusDraining)
	if err != nil {
		return nil, fmt.Errorf("%w: list DRAINING instances: %v", ErrInventoryUnavailable, err)
	}
	arns = append(arns, draining...)

	if len(arns) == 0 {
		return nil, nil
	}

	records, err := inv.describe(ctx, arns)
	if err != nil {
		return nil, fmt.Errorf("%w: describe instances: %v", ErrInventoryUnavailable, err)
	}

	for i := range records {
		groups, err := inv.TaskGroups(ctx, records[i].ContainerInstanceARN)
		if err != nil {
			return nil, fmt.Errorf("%w: list tasks for %s: %v", ErrInventoryUnavailable, records[i].ContainerInstanceARN, err)
		}
		records[i].TaskGroups = groups
	}

	if err := inv.fillAvailabilityZones(ctx, records); err != nil {
		// AZ is informational only; a missing zone never blocks a run.
		slog.Warn("Could not resolve availability zones", "cluster", inv.Cluster.Name, "err", err)
	}

	return records, nil
}

func (inv *Inventory) listARNs(ctx context.Context, status ecstypes.ContainerInstanceStatus) ([]string, error) {
	var arns []string
	var next *string
	for {
		out, err := inv.ECS.ListContainerInstances(ctx, &ecs.ListContainerInstancesInput{
			Cluster:   aws.String(inv.Cluster.Name),
			Status:    status,
			NextToken: next,
		})
		if err != nil {
			return nil, err
		}
		arns = append(arns, out.ContainerInstanceArns...)
		if out.NextToken == nil {
			return arns, nil
		}
		next = out.NextToken
	}
}

func (inv *Inventory) describe(ctx context.Context, arns []string) ([]InstanceRecord, error) {
	var records []InstanceRecord
	for start := 0; start < len(arns); start += describeBatchSize {
		end := min(start+describeBatchSize, len(arns))
		out, err := inv.ECS.DescribeContainerInstances(ctx, &ecs.DescribeContainerInstancesInput{
			Cluster:            aws.String(inv.Cluster.Name),
			ContainerInstances: arns[start:end],
		})
		if err != nil {
			return nil, err
		}
		for _, f := range out.Failures {
			return nil, fmt.Errorf("describe failure for %s: %s", aws.ToString(f.Arn), aws.ToString(f.Reason))
		}
		for _, ci := range out.ContainerInstances {
			records = append(records, InstanceRecord{
				ContainerInstanceARN: aws.ToString(ci.ContainerInstanceArn),
				InstanceID:           aws.ToString(ci.Ec2InstanceId),
				Status:               aws.ToString(ci.Status),
				RunningTaskCount:     int(ci.RunningTasksCount),
				DrainStartedAt:       drainStartedAt(ci),
			})
		}
	}
	return records, nil
}

func drainStartedAt(ci ecstypes.ContainerInstance) time.Time {
	for _, attr := range ci.Attributes {
		if aws.ToString(attr.Name) != DrainStartedAtAttribute {
			continue
		}
		t, err := time.Parse(time.RFC3339, aws.ToString(attr.Value))
		if err != nil {
			slog.Warn("Unparseable drain-started-at attribute",
				"instance", aws.ToString(ci.ContainerInstanceArn),
				"value", aws.ToString(attr.Value))
			return time.Time{}
		}
		return t
	}
	return time.Time{}
}

// TaskGroups returns the group names of tasks currently running on the given
// container instance. Used both during the initial listing and by the drain
// coordinator to re-derive safety from live data.
func (inv *Inventory) TaskGroups(ctx context.Context, containerInstanceARN string) ([]string, error) {
	var taskARNs []string
	var next *string
	for {
		out, err := inv.ECS.ListTasks(ctx, &ecs.ListTasksInput{
			Cluster:           aws.String(inv.Cluster.Name),
			ContainerInstance: aws.String(containerInstanceARN),
			NextToken:         next,
		})
		if err != nil {
			return nil, err
		}
		taskARNs = append(taskARNs, out.TaskArns...)
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}

	var groups []string
	for start := 0; start < len(taskARNs); start += describeBatchSize {
		end := min(start+describeBatchSize, len(taskARNs))
		out, err := inv.ECS.DescribeTasks(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(inv.Cluster.Name),
			Tasks:   taskARNs[start:end],
		})
		if err != nil {
			return nil, err
		}
		for _, task := range out.Tasks {
			groups = append(groups, aws.ToString(task.Group))
		}
	}
	return groups, nil
}

func (inv *Inventory) fillAvailabilityZones(ctx context.Context, records []InstanceRecord) error {
	var ids []string
	for _, r := range records {
		if r.InstanceID != "" {
			ids = append(ids, r.InstanceID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	zones := make(map[string]string, len(ids))
	for start := 0; start < len(ids); start += describeBatchSize {
		end := min(start+describeBatchSize, len(ids))
		out, err := inv.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: ids[start:end],
		})
		if err != nil {
			return err
		}
		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				if inst.Placement != nil {
					zones[aws.ToString(inst.InstanceId)] = aws.ToString(inst.Placement.AvailabilityZone)
				}
			}
		}
	}

	for i := range records {
		records[i].AvailabilityZone = zones[records[i].InstanceID]
	}
	return nil
}

// ResolveGroup discovers the autoscaling group owning the given EC2 instance
// via its aws:autoscaling:groupName tag.
func (inv *Inventory) ResolveGroup(ctx context.Context, instanceID string) (string, error) {
	out, err := inv.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", fmt.Errorf("%w: describe instance %s: %v", ErrInventoryUnavailable, instanceID, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			for _, tag := range inst.Tags {
				if aws.ToString(tag.Key) == autoScalingGroupTag {
					return aws.ToString(tag.Value), nil
				}
			}
		}
	}
	return "", fmt.Errorf("instance %s carries no %s tag", instanceID, autoScalingGroupTag)
}
