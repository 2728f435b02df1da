package engine

import (
	"context"
	"testing"
	"time"

	"github.com/opsforge/caseflow/model"
)

func TestMemoryStore_CreateInstance_duplicateReference(t *testing.T) {
	store := NewMemoryStore()
	seedThreeStageWorkflow(t, store)
	ctx := context.Background()

	inst := &model.Instance{ID: "i1", WorkflowID: "wf-onboard",
		ReferenceNumber: "WF-20260315100000-AAAAAA", Status: model.InstanceInProgress, Version: 1}
	if err := store.CreateInstance(ctx, inst, nil); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	dup := &model.Instance{ID: "i2", WorkflowID: "wf-onboard",
		ReferenceNumber: "WF-20260315100000-AAAAAA", Status: model.InstanceInProgress, Version: 1}
	err := store.CreateInstance(ctx, dup, nil)
	wantCode(t, err, model.ErrConflict)
}

func TestMemoryStore_ApplyTransition_versionConflict(t *testing.T) {
	store := NewMemoryStore()
	seedThreeStageWorkflow(t, store)
	ctx := context.Background()

	inst := &model.Instance{ID: "i1", WorkflowID: "wf-onboard",
		ReferenceNumber: "WF-20260315100000-AAAAAA", Status: model.InstanceInProgress, Version: 1}
	if err := store.CreateInstance(ctx, inst, nil); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	// First writer wins and bumps the version.
	a := *inst
	if err := store.ApplyTransition(ctx, &a); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("Version = %d, want 2", a.Version)
	}

	// Second writer still holds version 1 and must lose.
	b := *inst
	b.Version = 1
	err := store.ApplyTransition(ctx, &b)
	wantCode(t, err, model.ErrConflict)
}

func TestMemoryStore_ApplyTransition_updatesTasks(t *testing.T) {
	store := NewMemoryStore()
	seedThreeStageWorkflow(t, store)
	ctx := context.Background()

	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	inst := &model.Instance{ID: "i1", WorkflowID: "wf-onboard",
		ReferenceNumber: "WF-20260315100000-AAAAAA", Status: model.InstanceInProgress, Version: 1}
	tasks := []model.Task{
		{ID: "t1", InstanceID: "i1", StageID: "st-intake", Status: model.TaskInProgress, CreatedAt: now},
		{ID: "t2", InstanceID: "i1", StageID: "st-review", Status: model.TaskPending, CreatedAt: now},
	}
	if err := store.CreateInstance(ctx, inst, tasks); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	done := tasks[0]
	done.Status = model.TaskCompleted
	next := tasks[1]
	next.Status = model.TaskInProgress
	if err := store.ApplyTransition(ctx, inst, &done, &next); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}

	got, _ := store.GetTask(ctx, "t1")
	if got.Status != model.TaskCompleted {
		t.Errorf("t1 status = %s", got.Status)
	}
	got, _ = store.GetTask(ctx, "t2")
	if got.Status != model.TaskInProgress {
		t.Errorf("t2 status = %s", got.Status)
	}
}

func TestMemoryStore_ListInstanceTasks_stageOrder(t *testing.T) {
	store := NewMemoryStore()
	seedThreeStageWorkflow(t, store)
	ctx := context.Background()

	inst := &model.Instance{ID: "i1", WorkflowID: "wf-onboard",
		ReferenceNumber: "WF-20260315100000-AAAAAA", Status: model.InstanceInProgress, Version: 1}
	// Insert tasks out of stage order.
	tasks := []model.Task{
		{ID: "t3", InstanceID: "i1", StageID: "st-approve", Status: model.TaskPending},
		{ID: "t1", InstanceID: "i1", StageID: "st-intake", Status: model.TaskInProgress},
		{ID: "t2", InstanceID: "i1", StageID: "st-review", Status: model.TaskPending},
	}
	if err := store.CreateInstance(ctx, inst, tasks); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	got, err := store.ListInstanceTasks(ctx, "i1")
	if err != nil {
		t.Fatalf("ListInstanceTasks: %v", err)
	}
	wantOrder := []string{"st-intake", "st-review", "st-approve"}
	for i, stageID := range wantOrder {
		if got[i].StageID != stageID {
			t.Errorf("tasks[%d].StageID = %s, want %s", i, got[i].StageID, stageID)
		}
	}
}

func TestMemoryStore_PutWorkflow_invalidStages(t *testing.T) {
	store := NewMemoryStore()
	wf := model.WorkflowDefinition{ID: "wf-bad", Code: "BAD", Status: model.WorkflowActive}

	err := store.PutWorkflow(wf, nil)
	wantCode(t, err, model.ErrValidationError)

	err = store.PutWorkflow(wf, []model.Stage{
		{ID: "a", Code: "one", Order: 1},
		{ID: "b", Code: "two", Order: 1},
	})
	wantCode(t, err, model.ErrValidationError)

	err = store.PutWorkflow(wf, []model.Stage{
		{ID: "a", Code: "same", Order: 1},
		{ID: "b", Code: "same", Order: 2},
	})
	wantCode(t, err, model.ErrValidationError)
}

func TestMemoryStore_FindLeastLoadedUser_countsInProgressOnly(t *testing.T) {
	store := NewMemoryStore()
	seedThreeStageWorkflow(t, store)
	ctx := context.Background()

	roleID := "role-agent"
	store.PutRole(model.Role{ID: roleID, Name: "Agent", Code: "agent"})
	store.PutUser(model.User{ID: "user-a", RoleID: &roleID, IsActive: true})
	store.PutUser(model.User{ID: "user-b", RoleID: &roleID, IsActive: true})

	// user-a holds a pending assignment, user-b an in-progress one.
	aID, bID := "user-a", "user-b"
	inst := &model.Instance{ID: "i1", WorkflowID: "wf-onboard",
		ReferenceNumber: "WF-20260315100000-AAAAAA", Status: model.InstanceInProgress, Version: 1}
	tasks := []model.Task{
		{ID: "t1", InstanceID: "i1", StageID: "st-intake", Status: model.TaskPending, AssignedToID: &aID},
		{ID: "t2", InstanceID: "i1", StageID: "st-review", Status: model.TaskInProgress, AssignedToID: &bID},
	}
	if err := store.CreateInstance(ctx, inst, tasks); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	// Pending assignments carry no workload, so user-a wins.
	got, err := store.FindLeastLoadedUser(ctx, &roleID)
	if err != nil {
		t.Fatalf("FindLeastLoadedUser: %v", err)
	}
	if got.ID != "user-a" {
		t.Errorf("least loaded = %s, want user-a", got.ID)
	}
}

func TestMemoryStore_FindOverdueTasks(t *testing.T) {
	store := NewMemoryStore()
	seedThreeStageWorkflow(t, store)
	ctx := context.Background()

	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	inst := &model.Instance{ID: "i1", WorkflowID: "wf-onboard",
		ReferenceNumber: "WF-20260315100000-AAAAAA", Status: model.InstanceInProgress, Version: 1}
	tasks := []model.Task{
		{ID: "t-overdue", InstanceID: "i1", StageID: "st-intake", Status: model.TaskInProgress, DueAt: &past},
		{ID: "t-flagged", InstanceID: "i1", StageID: "st-review", Status: model.TaskInProgress, DueAt: &past, SLABreached: true},
		{ID: "t-future", InstanceID: "i1", StageID: "st-approve", Status: model.TaskInProgress, DueAt: &future},
	}
	if err := store.CreateInstance(ctx, inst, tasks); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	overdue, err := store.FindOverdueTasks(ctx, now)
	if err != nil {
		t.Fatalf("FindOverdueTasks: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != "t-overdue" {
		t.Errorf("overdue = %+v, want only t-overdue", overdue)
	}

	if err := store.MarkTasksBreached(ctx, []string{"t-overdue"}, now); err != nil {
		t.Fatalf("MarkTasksBreached: %v", err)
	}
	got, _ := store.GetTask(ctx, "t-overdue")
	if !got.SLABreached {
		t.Error("t-overdue not flagged")
	}
}
