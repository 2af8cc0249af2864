package fleet

import "time"

const (
	// StatusActive and StatusDraining mirror the ECS container-instance
	// lifecycle states this controller operates on. INACTIVE instances are
	// never listed and never touched.
	StatusActive   = "ACTIVE"
	StatusDraining = "DRAINING"
)

// DrainStartedAtAttribute is a custom container-instance attribute recording
// when this controller first put the instance into DRAINING. It is the only
// durable state the controller writes; the max-wait clock is derived from it
// on later runs.
const DrainStartedAtAttribute = "scaledown.drain-started-at"

// ClusterRef identifies the cluster a run operates on. Immutable for a run.
type ClusterRef struct {
	Name   string
	Region string
}

// InstanceRecord is a point-in-time view of one container instance. Records
// are refreshed once per run and never mutated locally; state changes are
// requested via the ECS API and re-observed on the next run.
type InstanceRecord struct {
	ContainerInstanceARN string
	InstanceID           string
	AvailabilityZone     string
	Status               string
	RunningTaskCount     int
	TaskGroups           []string
	DrainStartedAt       time.Time
}

// Is reports whether id names this instance, by EC2 instance id or by
// container-instance ARN.
func (r InstanceRecord) Is(id string) bool {
	return id == r.InstanceID || id == r.ContainerInstanceARN
}
