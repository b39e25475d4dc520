package pipeline

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"testing"
	"time"

	"AgentFlow-Chain/internal/workflow"
)

func twoStepPipeline(taskID string) *Pipeline {
	return &Pipeline{
		TaskID:    taskID,
		TotalCost: "0.03",
		Steps: []workflow.ExecutionStep{
			{Order: 1, NodeID: "n1", AgentName: "fetcher", Endpoint: "http://a1/execute", Price: "0.01", Status: workflow.StepPending},
			{Order: 2, NodeID: "n2", AgentName: "writer", Endpoint: "http://a2/execute", Price: "0.02", Inputs: []string{"n1"}, Status: workflow.StepPending},
		},
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	if err := store.Create(ctx, twoStepPipeline("p1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.Create(ctx, twoStepPipeline("p1")); !stdErrors.Is(err, ErrPipelineConflict) {
		t.Fatalf("duplicate Create error = %v, want ErrPipelineConflict", err)
	}

	got, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.CreatedAt == 0 || got.UpdatedAt == 0 {
		t.Fatalf("timestamps not set: created=%d updated=%d", got.CreatedAt, got.UpdatedAt)
	}

	if _, err := store.Get(ctx, "missing"); !stdErrors.Is(err, ErrPipelineNotFound) {
		t.Fatalf("Get missing error = %v, want ErrPipelineNotFound", err)
	}
}

func TestMemoryStoreCloneIsolation(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	if err := store.Create(ctx, twoStepPipeline("p1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	first, _ := store.Get(ctx, "p1")
	first.Steps[0].Status = workflow.StepFailed
	first.TotalCost = "999"

	second, _ := store.Get(ctx, "p1")
	if second.Steps[0].Status != workflow.StepPending {
		t.Fatalf("mutating a returned copy leaked into the store")
	}
	if second.TotalCost != "0.03" {
		t.Fatalf("totalCost = %s, want 0.03", second.TotalCost)
	}
}

func TestMemoryStoreClaimTransitions(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	if err := store.Create(ctx, twoStepPipeline("p1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	claimed, err := store.Claim(ctx, "p1")
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if claimed.Status != StatusRunning {
		t.Fatalf("claimed status = %s, want running", claimed.Status)
	}
	if _, err := store.Claim(ctx, "p1"); !stdErrors.Is(err, ErrPipelineConflict) {
		t.Fatalf("second Claim error = %v, want ErrPipelineConflict", err)
	}
	if _, err := store.Claim(ctx, "missing"); !stdErrors.Is(err, ErrPipelineNotFound) {
		t.Fatalf("Claim missing error = %v, want ErrPipelineNotFound", err)
	}
}

func TestMemoryStoreStepMonotonicity(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	if err := store.Create(ctx, twoStepPipeline("p1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := store.Claim(ctx, "p1"); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}

	if err := store.MarkStepCompleted(ctx, "p1", 1, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("MarkStepCompleted returned error: %v", err)
	}
	// 终态步骤不可回退。
	if err := store.MarkStepRunning(ctx, "p1", 1); err == nil {
		t.Fatalf("MarkStepRunning on completed step should fail")
	}
	if err := store.MarkStepFailed(ctx, "p1", 1, "boom"); err == nil {
		t.Fatalf("MarkStepFailed on completed step should fail")
	}

	got, _ := store.Get(ctx, "p1")
	if got.Steps[0].Status != workflow.StepCompleted {
		t.Fatalf("step 1 status = %s, want completed", got.Steps[0].Status)
	}
	if string(got.Steps[0].Result) != `{"ok":true}` {
		t.Fatalf("step 1 result = %s", got.Steps[0].Result)
	}
}

func TestMemoryStoreMarkStepRunningUpdatesCurrent(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	if err := store.Create(ctx, twoStepPipeline("p1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := store.Claim(ctx, "p1"); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if err := store.MarkStepRunning(ctx, "p1", 2); err != nil {
		t.Fatalf("MarkStepRunning returned error: %v", err)
	}

	got, _ := store.Get(ctx, "p1")
	if got.CurrentStep != 2 || got.CurrentAgent != "writer" {
		t.Fatalf("current = (%d, %s), want (2, writer)", got.CurrentStep, got.CurrentAgent)
	}
}

func TestMemoryStoreComplete(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	if err := store.Create(ctx, twoStepPipeline("p1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := store.Claim(ctx, "p1"); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	_ = store.MarkStepCompleted(ctx, "p1", 1, json.RawMessage(`"a"`))
	_ = store.MarkStepCompleted(ctx, "p1", 2, json.RawMessage(`"b"`))

	if err := store.Complete(ctx, "p1", json.RawMessage(`"b"`)); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	got, _ := store.Get(ctx, "p1")
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.CompletedAt == 0 {
		t.Fatalf("completedAt not set")
	}
	if got.CurrentStep != 0 || got.CurrentAgent != "" {
		t.Fatalf("current indicators not cleared")
	}
	if err := store.Complete(ctx, "p1", nil); !stdErrors.Is(err, ErrPipelineConflict) {
		t.Fatalf("second Complete error = %v, want ErrPipelineConflict", err)
	}
}

func TestMemoryStoreCompleteWithFailedStep(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	if err := store.Create(ctx, twoStepPipeline("p1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := store.Claim(ctx, "p1"); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	_ = store.MarkStepCompleted(ctx, "p1", 1, json.RawMessage(`"a"`))
	_ = store.MarkStepFailed(ctx, "p1", 2, "agent unavailable")

	if err := store.Complete(ctx, "p1", json.RawMessage(`"a"`)); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	got, _ := store.Get(ctx, "p1")
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Steps[0].Status != workflow.StepCompleted {
		t.Fatalf("completed step regressed to %s", got.Steps[0].Status)
	}
	if got.Steps[1].Error == "" {
		t.Fatalf("failed step lost its error message")
	}
}

func TestMemoryStoreRetentionSweep(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	current := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return current }
	ctx := context.Background()

	if err := store.Create(ctx, twoStepPipeline("old")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := store.Claim(ctx, "old"); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	_ = store.MarkStepCompleted(ctx, "old", 1, nil)
	_ = store.MarkStepCompleted(ctx, "old", 2, nil)
	if err := store.Complete(ctx, "old", nil); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	// 保留期之内仍可查询。
	current = current.Add(30 * time.Minute)
	if err := store.Create(ctx, twoStepPipeline("mid")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := store.Get(ctx, "old"); err != nil {
		t.Fatalf("pipeline swept before retention expired: %v", err)
	}

	// 超过保留期后，下一次写入触发清理。
	current = current.Add(2 * time.Hour)
	if err := store.Create(ctx, twoStepPipeline("new")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := store.Get(ctx, "old"); !stdErrors.Is(err, ErrPipelineNotFound) {
		t.Fatalf("expired pipeline still present: %v", err)
	}
	// 非终态记录永不清理。
	if _, err := store.Get(ctx, "mid"); err != nil {
		t.Fatalf("pending pipeline was swept: %v", err)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, twoStepPipeline(id)); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}
	if _, err := store.Claim(ctx, "b"); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if _, err := store.Claim(ctx, "c"); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	_ = store.MarkStepFailed(ctx, "c", 1, "boom")
	_ = store.MarkStepFailed(ctx, "c", 2, "skipped")
	if err := store.Complete(ctx, "c", nil); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	want := Stats{Total: 3, Pending: 1, Running: 1, Failed: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
}
