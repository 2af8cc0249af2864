//go:build integration
// +build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/docent-net/ecs-cluster-scaledown/test/integration/scenario"
)

// Blocked drain across two runs:
// run#1: the idle-most instance is drained but a workload blocks termination
// run#2: the workload has finished; the backlog termination completes and no
// further instance is drained because the group hit its floor.
func TestIntegration_BlockedDrain_ConvergesOnSecondRun(t *testing.T) {
	ctx := context.Background()

	cloud := scenario.NewCloud("web-asg", 2, 3)
	cloud.AddInstance("i-busy", "service:web", "service:web", "service:web")
	cloud.AddInstance("i-idle", "service:batch")
	cloud.AddInstance("i-mid", "service:api", "service:api")

	cfg := scenario.MinimalConfig()
	h := scenario.NewHarness(cfg, cloud)

	// ----- run#1: i-idle is selected and drained; service:batch blocks.
	summary, err := h.Reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("run#1: %v", err)
	}
	if len(summary.Drained) != 1 || summary.Drained[0] != "i-idle" {
		t.Fatalf("run#1: expected i-idle drained, got %v", summary.Drained)
	}
	if len(summary.Terminated) != 0 {
		t.Fatalf("run#1: expected no termination, got %v", summary.Terminated)
	}
	if cloud.Desired != 3 {
		t.Fatalf("run#1: desired capacity must not change, got %d", cloud.Desired)
	}

	// The workload finishes between scheduled invocations.
	cloud.FinishTasks("i-idle")

	// ----- run#2: backlog termination completes; floor blocks new work.
	h2 := scenario.NewHarness(cfg, cloud)
	summary2, err := h2.Reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("run#2: %v", err)
	}
	if len(summary2.Terminated) != 1 || summary2.Terminated[0] != "i-idle" {
		t.Fatalf("run#2: expected i-idle terminated, got %v", summary2.Terminated)
	}
	if cloud.Desired != 2 {
		t.Fatalf("run#2: expected desired capacity 2, got %d", cloud.Desired)
	}
	if len(summary2.Drained) != 0 {
		t.Fatalf("run#2: group at floor, no new drain expected, got %v", summary2.Drained)
	}
}

// Max-wait forcing across three runs: a workload that never finishes blocks
// run#1 and run#2; once the drain has been pending longer than maxWait the
// third run terminates anyway.
func TestIntegration_MaxWait_ForcesTermination(t *testing.T) {
	ctx := context.Background()

	cloud := scenario.NewCloud("web-asg", 1, 3)
	cloud.AddInstance("i-stuck", "service:stateful")
	cloud.AddInstance("i-a", "service:web", "service:web")
	cloud.AddInstance("i-b", "service:web", "service:web", "service:web")

	cfg := scenario.MinimalConfig()
	cfg.MaxWait = 2 * time.Hour
	h := scenario.NewHarness(cfg, cloud)

	// ----- run#1: drain starts, workload blocks.
	summary, err := h.Reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("run#1: %v", err)
	}
	if len(summary.Terminated) != 0 {
		t.Fatalf("run#1: expected no termination, got %v", summary.Terminated)
	}
	if len(summary.Blocked["i-stuck"]) == 0 {
		t.Fatalf("run#1: expected i-stuck blocked, got %v", summary.Blocked)
	}

	// ----- run#2: one hour later, still within maxWait.
	// Count 0 keeps the later runs cleanup-only so no second instance drains.
	cfg2 := scenario.MinimalConfig()
	cfg2.MaxWait = 2 * time.Hour
	cfg2.Count = 0
	h2 := scenario.NewHarness(cfg2, cloud)
	h2.Clock.Advance(1 * time.Hour)
	summary2, err := h2.Reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("run#2: %v", err)
	}
	if len(summary2.Terminated) != 0 {
		t.Fatalf("run#2: within maxWait, expected no termination, got %v", summary2.Terminated)
	}

	// ----- run#3: three hours after the drain started, past maxWait.
	h3 := scenario.NewHarness(cfg2, cloud)
	h3.Clock.Advance(3 * time.Hour)
	summary3, err := h3.Reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("run#3: %v", err)
	}
	if len(summary3.Terminated) != 1 || summary3.Terminated[0] != "i-stuck" {
		t.Fatalf("run#3: expected forced termination of i-stuck, got %v", summary3.Terminated)
	}
	if cloud.Desired != 2 {
		t.Fatalf("run#3: expected desired capacity 2, got %d", cloud.Desired)
	}
}

// Repeated runs retire one instance each until the group floor is reached,
// then become no-ops.
func TestIntegration_RepeatedRuns_StopAtFloor(t *testing.T) {
	ctx := context.Background()

	cloud := scenario.NewCloud("web-asg", 2, 4)
	cloud.AddInstance("i-1")
	cloud.AddInstance("i-2")
	cloud.AddInstance("i-3")
	cloud.AddInstance("i-4")

	cfg := scenario.MinimalConfig()

	for run := 1; run <= 4; run++ {
		h := scenario.NewHarness(cfg, cloud)
		if _, err := h.Reconciler.Run(ctx); err != nil {
			t.Fatalf("run#%d: %v", run, err)
		}
	}

	if len(cloud.Terminated) != 2 {
		t.Fatalf("expected exactly 2 terminations before hitting the floor, got %v", cloud.Terminated)
	}
	if cloud.Desired != 2 {
		t.Fatalf("expected desired capacity at floor 2, got %d", cloud.Desired)
	}
	if len(cloud.Instances) != 2 {
		t.Fatalf("expected 2 instances left, got %d", len(cloud.Instances))
	}
}

// The alarm gate keeps load-based runs inert until the alarm fires.
func TestIntegration_AlarmGate(t *testing.T) {
	ctx := context.Background()

	cloud := scenario.NewCloud("web-asg", 1, 3)
	cloud.AddInstance("i-1")
	cloud.AddInstance("i-2")
	cloud.AddInstance("i-3")

	cfg := scenario.MinimalConfig()
	cfg.AlarmName = "cluster-overscaled"

	h := scenario.NewHarness(cfg, cloud)
	summary, err := h.Reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("run#1: %v", err)
	}
	if summary.GateReason != "alarm not firing" {
		t.Fatalf("run#1: expected alarm rejection, got %q", summary.GateReason)
	}
	if len(cloud.Terminated) != 0 {
		t.Fatalf("run#1: expected no terminations, got %v", cloud.Terminated)
	}

	cloud.AlarmsOn["cluster-overscaled"] = true

	h2 := scenario.NewHarness(cfg, cloud)
	if _, err := h2.Reconciler.Run(ctx); err != nil {
		t.Fatalf("run#2: %v", err)
	}
	if len(cloud.Terminated) != 1 {
		t.Fatalf("run#2: expected one termination with alarm firing, got %v", cloud.Terminated)
	}
}

// An explicit instance list bypasses load-based selection and the floor
// clamp, and acts on exactly the named instances.
func TestIntegration_ExplicitInstances(t *testing.T) {
	ctx := context.Background()

	cloud := scenario.NewCloud("web-asg", 3, 3)
	cloud.AddInstance("i-1")
	cloud.AddInstance("i-2", "service:web")
	cloud.AddInstance("i-3")

	cfg := scenario.MinimalConfig()
	cfg.InstanceIDs = []string{"i-3"}

	h := scenario.NewHarness(cfg, cloud)
	summary, err := h.Reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Terminated) != 1 || summary.Terminated[0] != "i-3" {
		t.Fatalf("expected exactly i-3 terminated, got %v", summary.Terminated)
	}
	if cloud.Find("i-1") == nil || cloud.Find("i-2") == nil {
		t.Fatal("explicit selection must not touch unlisted instances")
	}
	if cloud.Desired != 2 {
		t.Fatalf("expected desired capacity 2, got %d", cloud.Desired)
	}
}
