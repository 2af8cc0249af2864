// Package selection turns a removal request into an ordered plan of
// container instances to act on. Selection is pure: same inventory in, same
// plan out.
package selection

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/docent-net/ecs-cluster-scaledown/pkg/fleet"
)

// ErrInstanceNotFound flags an explicitly requested instance id that is not
// registered with the cluster. Reported per id; never fatal to the run.
var ErrInstanceNotFound = errors.New("instance not found in cluster")

// Plan is the ordered sequence of instances chosen for one run. Order is
// preserved through draining and termination.
type Plan []fleet.InstanceRecord

// Select chooses which instances to act on. An explicit id list overrides
// count-based selection entirely and is honored in the order given; ids are
// matched by EC2 instance id or container-instance ARN. Without explicit
// ids, the least-loaded ACTIVE instances are chosen, cheapest to drain first.
func Select(instances []fleet.InstanceRecord, count int, explicitIDs []string) (Plan, []error) {
	if len(explicitIDs) > 0 {
		return selectExplicit(instances, explicitIDs)
	}
	return selectByLoad(instances, count), nil
}

func selectExplicit(instances []fleet.InstanceRecord, ids []string) (Plan, []error) {
	var plan Plan
	var errs []error
	// Dedupe on the resolved instance, not the given id, so listing an
	// instance by id and by ARN still plans it once.
	seen := map[string]bool{}
	for _, id := range ids {
		found := false
		for _, rec := range instances {
			if rec.Is(id) {
				if !seen[rec.ContainerInstanceARN] {
					seen[rec.ContainerInstanceARN] = true
					plan = append(plan, rec)
				}
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInstanceNotFound, id))
		}
	}
	return plan, errs
}

func selectByLoad(instances []fleet.InstanceRecord, count int) Plan {
	if count <= 0 {
		return nil
	}

	var eligible Plan
	for _, rec := range instances {
		if rec.Status == fleet.StatusActive {
			eligible = append(eligible, rec)
		}
	}

	// Fewest running tasks first; instance id breaks ties so repeated runs
	// over the same inventory produce the same plan.
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].RunningTaskCount != eligible[j].RunningTaskCount {
			return eligible[i].RunningTaskCount < eligible[j].RunningTaskCount
		}
		if eligible[i].InstanceID != eligible[j].InstanceID {
			return eligible[i].InstanceID < eligible[j].InstanceID
		}
		return eligible[i].ContainerInstanceARN < eligible[j].ContainerInstanceARN
	})

	if count < len(eligible) {
		eligible = eligible[:count]
	} else if count > len(eligible) {
		slog.Warn("Fewer eligible ACTIVE instances than requested", "requested", count, "eligible", len(eligible))
	}
	return eligible
}
