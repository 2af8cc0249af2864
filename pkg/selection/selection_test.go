package selection

import (
	"errors"
	"testing"

	"github.com/docent-net/ecs-cluster-scaledown/pkg/fleet"
)

func record(id, arn, status string, tasks int) fleet.InstanceRecord {
	return fleet.InstanceRecord{
		InstanceID:           id,
		ContainerInstanceARN: arn,
		Status:               status,
		RunningTaskCount:     tasks,
	}
}

func planIDs(p Plan) []string {
	ids := make([]string, len(p))
	for i, rec := range p {
		ids[i] = rec.InstanceID
	}
	return ids
}

func TestSelectByLoad(t *testing.T) {
	instances := []fleet.InstanceRecord{
		record("i-aaa", "arn:a", fleet.StatusActive, 5),
		record("i-bbb", "arn:b", fleet.StatusActive, 0),
		record("i-ccc", "arn:c", fleet.StatusActive, 2),
		record("i-ddd", "arn:d", fleet.StatusDraining, 0),
	}

	tests := []struct {
		name  string
		count int
		want  []string
	}{
		{name: "zero count yields empty plan", count: 0, want: nil},
		{name: "least loaded first", count: 1, want: []string{"i-bbb"}},
		{name: "ascending by task count", count: 3, want: []string{"i-bbb", "i-ccc", "i-aaa"}},
		{name: "partial fulfillment when count exceeds eligible", count: 10, want: []string{"i-bbb", "i-ccc", "i-aaa"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, errs := Select(instances, tt.count, nil)
			if len(errs) != 0 {
				t.Fatalf("unexpected errors: %v", errs)
			}
			got := planIDs(plan)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("position %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSelectByLoadExcludesDraining(t *testing.T) {
	instances := []fleet.InstanceRecord{
		record("i-draining", "arn:d", fleet.StatusDraining, 0),
		record("i-active", "arn:a", fleet.StatusActive, 7),
	}
	plan, _ := Select(instances, 2, nil)
	if len(plan) != 1 || plan[0].InstanceID != "i-active" {
		t.Fatalf("expected only the ACTIVE instance, got %v", planIDs(plan))
	}
}

func TestSelectByLoadTieBreakAndDeterminism(t *testing.T) {
	instances := []fleet.InstanceRecord{
		record("i-ccc", "arn:c", fleet.StatusActive, 3),
		record("i-aaa", "arn:a", fleet.StatusActive, 3),
		record("i-bbb", "arn:b", fleet.StatusActive, 3),
	}

	first, _ := Select(instances, 3, nil)
	want := []string{"i-aaa", "i-bbb", "i-ccc"}
	for i, id := range planIDs(first) {
		if id != want[i] {
			t.Fatalf("tie-break order: got %v, want %v", planIDs(first), want)
		}
	}

	second, _ := Select(instances, 3, nil)
	for i := range first {
		if first[i].InstanceID != second[i].InstanceID {
			t.Fatal("selection is not deterministic across identical inputs")
		}
	}
}

func TestSelectExplicit(t *testing.T) {
	instances := []fleet.InstanceRecord{
		record("i-aaa", "arn:a", fleet.StatusActive, 9),
		record("i-bbb", "arn:b", fleet.StatusDraining, 1),
	}

	t.Run("exact order regardless of load", func(t *testing.T) {
		plan, errs := Select(instances, 1, []string{"i-aaa", "i-bbb"})
		if len(errs) != 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		got := planIDs(plan)
		if len(got) != 2 || got[0] != "i-aaa" || got[1] != "i-bbb" {
			t.Fatalf("got %v, want [i-aaa i-bbb]", got)
		}
	})

	t.Run("matches by container instance ARN", func(t *testing.T) {
		plan, errs := Select(instances, 0, []string{"arn:b"})
		if len(errs) != 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		if len(plan) != 1 || plan[0].InstanceID != "i-bbb" {
			t.Fatalf("got %v, want [i-bbb]", planIDs(plan))
		}
	})

	t.Run("duplicated ids plan the instance once", func(t *testing.T) {
		plan, errs := Select(instances, 0, []string{"i-aaa", "i-aaa", "arn:a"})
		if len(errs) != 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		if len(plan) != 1 || plan[0].InstanceID != "i-aaa" {
			t.Fatalf("got %v, want [i-aaa]", planIDs(plan))
		}
	})

	t.Run("unknown id reported, others proceed", func(t *testing.T) {
		plan, errs := Select(instances, 0, []string{"i-missing", "i-aaa"})
		if len(plan) != 1 || plan[0].InstanceID != "i-aaa" {
			t.Fatalf("got %v, want [i-aaa]", planIDs(plan))
		}
		if len(errs) != 1 {
			t.Fatalf("expected one error, got %v", errs)
		}
		if !errors.Is(errs[0], ErrInstanceNotFound) {
			t.Errorf("expected ErrInstanceNotFound, got %v", errs[0])
		}
	})
}
