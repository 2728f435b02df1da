package engine

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/opsforge/caseflow/model"
)

// --- Test helpers ---

func testCtx() context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		ActorID: "user-alice",
		Email:   "alice@example.com",
		Roles:   []string{"agent"},
	})
}

// fakeClock is a settable clock for SLA arithmetic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

// seedThreeStageWorkflow seeds a workflow with a required SLA'd intake
// stage, an optional review stage, and a required approval stage.
func seedThreeStageWorkflow(t *testing.T, store *MemoryStore) model.WorkflowDefinition {
	t.Helper()
	wf := model.WorkflowDefinition{
		ID:     "wf-onboard",
		Name:   "Customer Onboarding",
		Code:   "ONBOARD",
		Status: model.WorkflowActive,
	}
	stages := []model.Stage{
		{ID: "st-intake", WorkflowID: wf.ID, Name: "Intake", Code: "intake",
			Order: 1, IsRequired: true, AssignmentRule: model.AssignManual, SLAMinutes: intPtr(60)},
		{ID: "st-review", WorkflowID: wf.ID, Name: "Review", Code: "review",
			Order: 2, IsRequired: false, AssignmentRule: model.AssignManual},
		{ID: "st-approve", WorkflowID: wf.ID, Name: "Approve", Code: "approve",
			Order: 3, IsRequired: true, AssignmentRule: model.AssignManual},
	}
	if err := store.PutWorkflow(wf, stages); err != nil {
		t.Fatalf("PutWorkflow: %v", err)
	}
	return wf
}

func newTestEngine(t *testing.T) (*Engine, *MemoryStore, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	clock := newFakeClock()
	eng := NewEngine(store, WithNowFunc(clock.Now))
	return eng, store, clock
}

func mustStart(t *testing.T, eng *Engine, workflowID string) *model.Instance {
	t.Helper()
	inst, err := eng.StartInstance(testCtx(), StartInstanceRequest{WorkflowID: workflowID})
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	return inst
}

func taskForStage(t *testing.T, store *MemoryStore, instanceID, stageID string) *model.Task {
	t.Helper()
	tasks, err := store.ListInstanceTasks(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("ListInstanceTasks: %v", err)
	}
	for i := range tasks {
		if tasks[i].StageID == stageID {
			return &tasks[i]
		}
	}
	t.Fatalf("no task for stage %s", stageID)
	return nil
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		t.Fatalf("error type = %T (%v)", err, err)
	}
	if ee.Code != code {
		t.Fatalf("code = %s, want %s (%s)", ee.Code, code, ee.Message)
	}
}

// --- StartInstance tests ---

func TestEngine_StartInstance_success(t *testing.T) {
	eng, store, clock := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)

	inst, err := eng.StartInstance(testCtx(), StartInstanceRequest{
		WorkflowID: wf.ID,
		Data:       map[string]any{"customer_id": "cust-9"},
	})
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	if inst.Status != model.InstanceInProgress {
		t.Errorf("Status = %s, want in_progress", inst.Status)
	}
	if inst.Priority != 5 {
		t.Errorf("Priority = %d, want default 5", inst.Priority)
	}
	if inst.StartedAt == nil || !inst.StartedAt.Equal(clock.Now()) {
		t.Errorf("StartedAt = %v", inst.StartedAt)
	}
	if inst.CurrentStageID == nil || *inst.CurrentStageID != "st-intake" {
		t.Errorf("CurrentStageID = %v, want st-intake", inst.CurrentStageID)
	}
	if inst.CreatedBy != "user-alice" {
		t.Errorf("CreatedBy = %q", inst.CreatedBy)
	}

	tasks, err := store.ListInstanceTasks(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("ListInstanceTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(tasks))
	}
	if tasks[0].Status != model.TaskInProgress {
		t.Errorf("first task status = %s, want in_progress", tasks[0].Status)
	}
	wantDue := clock.Now().Add(60 * time.Minute)
	if tasks[0].DueAt == nil || !tasks[0].DueAt.Equal(wantDue) {
		t.Errorf("first task DueAt = %v, want %v", tasks[0].DueAt, wantDue)
	}
	for _, task := range tasks[1:] {
		if task.Status != model.TaskPending {
			t.Errorf("task %s status = %s, want pending", task.StageID, task.Status)
		}
		if task.DueAt != nil {
			t.Errorf("task %s DueAt set before activation", task.StageID)
		}
	}
}

func TestEngine_StartInstance_workflowNotFound(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.StartInstance(testCtx(), StartInstanceRequest{WorkflowID: "nope"})
	wantCode(t, err, model.ErrNotFound)
}

func TestEngine_StartInstance_inactiveWorkflow(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := model.WorkflowDefinition{ID: "wf-draft", Code: "DRAFT", Status: model.WorkflowDraft}
	stages := []model.Stage{{ID: "s1", WorkflowID: wf.ID, Code: "only", Order: 1, IsRequired: true}}
	if err := store.PutWorkflow(wf, stages); err != nil {
		t.Fatalf("PutWorkflow: %v", err)
	}

	_, err := eng.StartInstance(testCtx(), StartInstanceRequest{WorkflowID: wf.ID})
	wantCode(t, err, model.ErrValidationError)
}

func TestEngine_StartInstance_priorityRange(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)

	for _, p := range []int{-1, 11, 100} {
		_, err := eng.StartInstance(testCtx(), StartInstanceRequest{WorkflowID: wf.ID, Priority: p})
		wantCode(t, err, model.ErrValidationError)
	}

	inst, err := eng.StartInstance(testCtx(), StartInstanceRequest{WorkflowID: wf.ID, Priority: 9})
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	if inst.Priority != 9 {
		t.Errorf("Priority = %d, want 9", inst.Priority)
	}
}

func TestEngine_StartInstance_noRequestContext(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)

	_, err := eng.StartInstance(context.Background(), StartInstanceRequest{WorkflowID: wf.ID})
	wantCode(t, err, model.ErrUnauthorized)
}

func TestReferenceNumberFormat(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)

	inst := mustStart(t, eng, wf.ID)
	pattern := regexp.MustCompile(`^WF-20260315100000-[0-9A-F]{6}$`)
	if !pattern.MatchString(inst.ReferenceNumber) {
		t.Errorf("ReferenceNumber = %q does not match %s", inst.ReferenceNumber, pattern)
	}
}

// conflictingStore forces CreateInstance to fail with CONFLICT for the
// first n calls, simulating reference number collisions.
type conflictingStore struct {
	Store
	remaining int
	attempts  int
}

func (s *conflictingStore) CreateInstance(ctx context.Context, inst *model.Instance, tasks []model.Task) error {
	s.attempts++
	if s.remaining > 0 {
		s.remaining--
		return model.NewConflictError("reference number taken")
	}
	return s.Store.CreateInstance(ctx, inst, tasks)
}

func TestEngine_StartInstance_referenceCollisionRetries(t *testing.T) {
	mem := NewMemoryStore()
	seedThreeStageWorkflow(t, mem)
	cs := &conflictingStore{Store: mem, remaining: 2}
	eng := NewEngine(cs, WithNowFunc(newFakeClock().Now))

	inst, err := eng.StartInstance(testCtx(), StartInstanceRequest{WorkflowID: "wf-onboard"})
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	if cs.attempts != 3 {
		t.Errorf("attempts = %d, want 3", cs.attempts)
	}
	if inst.ReferenceNumber == "" {
		t.Error("expected reference number after retries")
	}
}

func TestEngine_StartInstance_referenceCollisionExhausted(t *testing.T) {
	mem := NewMemoryStore()
	seedThreeStageWorkflow(t, mem)
	cs := &conflictingStore{Store: mem, remaining: 10}
	eng := NewEngine(cs, WithNowFunc(newFakeClock().Now))

	_, err := eng.StartInstance(testCtx(), StartInstanceRequest{WorkflowID: "wf-onboard"})
	wantCode(t, err, model.ErrStoreUnavailable)
}

// --- CompleteTask tests ---

func TestEngine_CompleteTask_fullWalk(t *testing.T) {
	eng, store, clock := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	inst := mustStart(t, eng, wf.ID)

	for _, stageID := range []string{"st-intake", "st-review", "st-approve"} {
		task := taskForStage(t, store, inst.ID, stageID)
		if task.Status != model.TaskInProgress {
			t.Fatalf("stage %s task status = %s, want in_progress", stageID, task.Status)
		}
		if _, err := eng.CompleteTask(testCtx(), task.ID, nil, ""); err != nil {
			t.Fatalf("CompleteTask(%s): %v", stageID, err)
		}
	}

	final, err := store.GetInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if final.Status != model.InstanceCompleted {
		t.Errorf("Status = %s, want completed", final.Status)
	}
	if final.CompletedAt == nil || !final.CompletedAt.Equal(clock.Now()) {
		t.Errorf("CompletedAt = %v", final.CompletedAt)
	}
	if final.CurrentStageID != nil {
		t.Errorf("CurrentStageID = %v, want nil", final.CurrentStageID)
	}
}

func TestEngine_CompleteTask_advancesCurrentStage(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	inst := mustStart(t, eng, wf.ID)

	first := taskForStage(t, store, inst.ID, "st-intake")
	if _, err := eng.CompleteTask(testCtx(), first.ID, map[string]any{"verified": true}, "looks good"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	got, _ := store.GetInstance(context.Background(), inst.ID)
	if got.CurrentStageID == nil || *got.CurrentStageID != "st-review" {
		t.Errorf("CurrentStageID = %v, want st-review", got.CurrentStageID)
	}
	second := taskForStage(t, store, inst.ID, "st-review")
	if second.Status != model.TaskInProgress {
		t.Errorf("second task status = %s, want in_progress", second.Status)
	}

	done := taskForStage(t, store, inst.ID, "st-intake")
	if done.Status != model.TaskCompleted {
		t.Errorf("first task status = %s, want completed", done.Status)
	}
	if done.Notes != "looks good" {
		t.Errorf("Notes = %q", done.Notes)
	}
	if done.Data["verified"] != true {
		t.Errorf("Data[verified] = %v", done.Data["verified"])
	}
}

func TestEngine_CompleteTask_doubleComplete(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	inst := mustStart(t, eng, wf.ID)

	task := taskForStage(t, store, inst.ID, "st-intake")
	if _, err := eng.CompleteTask(testCtx(), task.ID, nil, ""); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	_, err := eng.CompleteTask(testCtx(), task.ID, nil, "")
	wantCode(t, err, model.ErrConflict)
}

func TestEngine_CompleteTask_pendingTask(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	inst := mustStart(t, eng, wf.ID)

	// Stage 3 task has not been activated yet.
	pending := taskForStage(t, store, inst.ID, "st-approve")
	_, err := eng.CompleteTask(testCtx(), pending.ID, nil, "")
	wantCode(t, err, model.ErrConflict)
}

func TestEngine_CompleteTask_lateCompletionFlagsBreach(t *testing.T) {
	eng, store, clock := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	inst := mustStart(t, eng, wf.ID)

	// Intake SLA is 60 minutes; complete two hours later.
	clock.Advance(2 * time.Hour)
	task := taskForStage(t, store, inst.ID, "st-intake")
	done, err := eng.CompleteTask(testCtx(), task.ID, nil, "")
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if !done.SLABreached {
		t.Error("expected SLABreached on late completion")
	}
}

// --- SkipTask tests ---

func TestEngine_SkipTask_requiredStage(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	inst := mustStart(t, eng, wf.ID)

	task := taskForStage(t, store, inst.ID, "st-intake")
	_, err := eng.SkipTask(testCtx(), task.ID, "in a hurry")
	wantCode(t, err, model.ErrValidationError)
}

func TestSkipTaskAdvancesInstance(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	inst := mustStart(t, eng, wf.ID)

	// Walk to the optional review stage, then skip it while active.
	first := taskForStage(t, store, inst.ID, "st-intake")
	if _, err := eng.CompleteTask(testCtx(), first.ID, nil, ""); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	review := taskForStage(t, store, inst.ID, "st-review")
	skipped, err := eng.SkipTask(testCtx(), review.ID, "not needed")
	if err != nil {
		t.Fatalf("SkipTask: %v", err)
	}
	if skipped.Status != model.TaskSkipped {
		t.Errorf("status = %s, want skipped", skipped.Status)
	}
	if skipped.Notes != "not needed" {
		t.Errorf("Notes = %q", skipped.Notes)
	}

	got, _ := store.GetInstance(context.Background(), inst.ID)
	if got.CurrentStageID == nil || *got.CurrentStageID != "st-approve" {
		t.Errorf("CurrentStageID = %v, want st-approve", got.CurrentStageID)
	}
	next := taskForStage(t, store, inst.ID, "st-approve")
	if next.Status != model.TaskInProgress {
		t.Errorf("approve task status = %s, want in_progress", next.Status)
	}
}

func TestSkipPendingTaskIsJumpedOver(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	inst := mustStart(t, eng, wf.ID)

	// Skip the pending review task ahead of time.
	review := taskForStage(t, store, inst.ID, "st-review")
	if _, err := eng.SkipTask(testCtx(), review.ID, "pre-skipped"); err != nil {
		t.Fatalf("SkipTask: %v", err)
	}
	// Instance stays on intake; the pending skip does not advance.
	got, _ := store.GetInstance(context.Background(), inst.ID)
	if got.CurrentStageID == nil || *got.CurrentStageID != "st-intake" {
		t.Errorf("CurrentStageID = %v, want st-intake", got.CurrentStageID)
	}

	// Completing intake jumps straight over the skipped stage to approve.
	first := taskForStage(t, store, inst.ID, "st-intake")
	if _, err := eng.CompleteTask(testCtx(), first.ID, nil, ""); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	got, _ = store.GetInstance(context.Background(), inst.ID)
	if got.CurrentStageID == nil || *got.CurrentStageID != "st-approve" {
		t.Errorf("CurrentStageID = %v, want st-approve", got.CurrentStageID)
	}
}

func TestEngine_SkipTask_terminalTask(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	inst := mustStart(t, eng, wf.ID)

	review := taskForStage(t, store, inst.ID, "st-review")
	if _, err := eng.SkipTask(testCtx(), review.ID, ""); err != nil {
		t.Fatalf("SkipTask: %v", err)
	}
	_, err := eng.SkipTask(testCtx(), review.ID, "")
	wantCode(t, err, model.ErrConflict)
}

// --- CancelInstance tests ---

func TestEngine_CancelInstance(t *testing.T) {
	eng, store, clock := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	inst := mustStart(t, eng, wf.ID)

	// Complete the first task so the cancel sees a mix of task states.
	first := taskForStage(t, store, inst.ID, "st-intake")
	if _, err := eng.CompleteTask(testCtx(), first.ID, nil, ""); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	cancelled, err := eng.CancelInstance(testCtx(), inst.ID, "customer withdrew")
	if err != nil {
		t.Fatalf("CancelInstance: %v", err)
	}
	if cancelled.Status != model.InstanceCancelled {
		t.Errorf("Status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.CompletedAt == nil || !cancelled.CompletedAt.Equal(clock.Now()) {
		t.Errorf("CompletedAt = %v", cancelled.CompletedAt)
	}
	if cancelled.Data["cancellation_reason"] != "customer withdrew" {
		t.Errorf("cancellation_reason = %v", cancelled.Data["cancellation_reason"])
	}

	tasks, _ := store.ListInstanceTasks(context.Background(), inst.ID)
	for _, task := range tasks {
		switch task.StageID {
		case "st-intake":
			if task.Status != model.TaskCompleted {
				t.Errorf("completed task flipped to %s", task.Status)
			}
			if task.Notes != "" {
				t.Errorf("completed task notes = %q, want untouched", task.Notes)
			}
		default:
			if task.Status != model.TaskCancelled {
				t.Errorf("task %s status = %s, want cancelled", task.StageID, task.Status)
			}
			if task.Notes != "customer withdrew" {
				t.Errorf("task %s notes = %q, want cancellation reason", task.StageID, task.Notes)
			}
		}
	}
}

func TestEngine_CancelInstance_completedInstance(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	inst := mustStart(t, eng, wf.ID)

	for _, stageID := range []string{"st-intake", "st-review", "st-approve"} {
		task := taskForStage(t, store, inst.ID, stageID)
		if _, err := eng.CompleteTask(testCtx(), task.ID, nil, ""); err != nil {
			t.Fatalf("CompleteTask: %v", err)
		}
	}

	_, err := eng.CancelInstance(testCtx(), inst.ID, "")
	wantCode(t, err, model.ErrConflict)
}

func TestEngine_CancelInstance_alreadyCancelled(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	inst := mustStart(t, eng, wf.ID)

	if _, err := eng.CancelInstance(testCtx(), inst.ID, "first"); err != nil {
		t.Fatalf("CancelInstance: %v", err)
	}
	// Cancelling again is a no-op, not an error.
	got, err := eng.CancelInstance(testCtx(), inst.ID, "second")
	if err != nil {
		t.Fatalf("second CancelInstance: %v", err)
	}
	if got.Status != model.InstanceCancelled {
		t.Errorf("Status = %s", got.Status)
	}
}

func TestEngine_CompleteTask_afterCancel(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	inst := mustStart(t, eng, wf.ID)

	task := taskForStage(t, store, inst.ID, "st-intake")
	if _, err := eng.CancelInstance(testCtx(), inst.ID, ""); err != nil {
		t.Fatalf("CancelInstance: %v", err)
	}
	_, err := eng.CompleteTask(testCtx(), task.ID, nil, "")
	wantCode(t, err, model.ErrConflict)
}

// --- AssignTask tests ---

func TestEngine_AssignTask(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	store.PutUser(model.User{ID: "user-bob", Email: "bob@example.com", IsActive: true})
	inst := mustStart(t, eng, wf.ID)

	task := taskForStage(t, store, inst.ID, "st-intake")
	assigned, err := eng.AssignTask(testCtx(), task.ID, "user-bob")
	if err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if assigned.AssignedToID == nil || *assigned.AssignedToID != "user-bob" {
		t.Errorf("AssignedToID = %v", assigned.AssignedToID)
	}
}

func TestEngine_AssignTask_errors(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	store.PutUser(model.User{ID: "user-gone", IsActive: false})
	inst := mustStart(t, eng, wf.ID)
	task := taskForStage(t, store, inst.ID, "st-intake")

	_, err := eng.AssignTask(testCtx(), task.ID, "no-such-user")
	wantCode(t, err, model.ErrNotFound)

	_, err = eng.AssignTask(testCtx(), task.ID, "user-gone")
	wantCode(t, err, model.ErrValidationError)

	review := taskForStage(t, store, inst.ID, "st-review")
	if _, err := eng.SkipTask(testCtx(), review.ID, ""); err != nil {
		t.Fatalf("SkipTask: %v", err)
	}
	store.PutUser(model.User{ID: "user-bob", IsActive: true})
	_, err = eng.AssignTask(testCtx(), review.ID, "user-bob")
	wantCode(t, err, model.ErrConflict)
}

// --- Automatic assignment tests ---

func seedAssignmentWorkflow(t *testing.T, store *MemoryStore, rule model.AssignmentRule, roleID, userID *string) model.WorkflowDefinition {
	t.Helper()
	wf := model.WorkflowDefinition{ID: "wf-assign", Code: "ASSIGN", Status: model.WorkflowActive}
	stages := []model.Stage{
		{ID: "st-auto", WorkflowID: wf.ID, Code: "auto", Order: 1, IsRequired: true,
			AssignmentRule: rule, AssignedRoleID: roleID, AssignedUserID: userID},
	}
	if err := store.PutWorkflow(wf, stages); err != nil {
		t.Fatalf("PutWorkflow: %v", err)
	}
	return wf
}

func TestAssignment_specificUser(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	store.PutUser(model.User{ID: "user-carol", IsActive: true})
	wf := seedAssignmentWorkflow(t, store, model.AssignSpecificUser, nil, strPtr("user-carol"))

	inst := mustStart(t, eng, wf.ID)
	task := taskForStage(t, store, inst.ID, "st-auto")
	if task.AssignedToID == nil || *task.AssignedToID != "user-carol" {
		t.Errorf("AssignedToID = %v, want user-carol", task.AssignedToID)
	}
}

func TestAssignment_specificUserMissingLeavesUnassigned(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedAssignmentWorkflow(t, store, model.AssignSpecificUser, nil, strPtr("user-missing"))

	inst := mustStart(t, eng, wf.ID)
	task := taskForStage(t, store, inst.ID, "st-auto")
	if task.AssignedToID != nil {
		t.Errorf("AssignedToID = %v, want nil", task.AssignedToID)
	}
	if task.Status != model.TaskInProgress {
		t.Errorf("status = %s, want in_progress despite unassigned", task.Status)
	}
}

func TestAssignment_roleBased(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	store.PutRole(model.Role{ID: "role-reviewer", Name: "Reviewer", Code: "reviewer"})
	store.PutUser(model.User{ID: "user-dan", RoleID: strPtr("role-reviewer"), IsActive: true})
	store.PutUser(model.User{ID: "user-eve", RoleID: strPtr("role-reviewer"), IsActive: false})
	wf := seedAssignmentWorkflow(t, store, model.AssignRoleBased, strPtr("role-reviewer"), nil)

	inst := mustStart(t, eng, wf.ID)
	task := taskForStage(t, store, inst.ID, "st-auto")
	if task.AssignedToID == nil || *task.AssignedToID != "user-dan" {
		t.Errorf("AssignedToID = %v, want user-dan (only active role holder)", task.AssignedToID)
	}
}

func TestAssignment_roleBasedNoHolders(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedAssignmentWorkflow(t, store, model.AssignRoleBased, strPtr("role-empty"), nil)

	inst := mustStart(t, eng, wf.ID)
	task := taskForStage(t, store, inst.ID, "st-auto")
	if task.AssignedToID != nil {
		t.Errorf("AssignedToID = %v, want nil", task.AssignedToID)
	}
}

func TestAssignment_leastLoaded(t *testing.T) {
	for _, rule := range []model.AssignmentRule{model.AssignLeastLoaded, model.AssignRoundRobin} {
		t.Run(string(rule), func(t *testing.T) {
			eng, store, _ := newTestEngine(t)
			store.PutRole(model.Role{ID: "role-agent", Name: "Agent", Code: "agent"})
			store.PutUser(model.User{ID: "user-busy", RoleID: strPtr("role-agent"), IsActive: true})
			store.PutUser(model.User{ID: "user-idle", RoleID: strPtr("role-agent"), IsActive: true})
			wf := seedAssignmentWorkflow(t, store, rule, strPtr("role-agent"), nil)

			// First start: both idle, deterministic tie-break picks user-busy.
			inst1 := mustStart(t, eng, wf.ID)
			t1 := taskForStage(t, store, inst1.ID, "st-auto")
			if t1.AssignedToID == nil || *t1.AssignedToID != "user-busy" {
				t.Fatalf("first assignment = %v, want user-busy", t1.AssignedToID)
			}

			// Second start: user-busy now carries a task, so user-idle wins.
			inst2 := mustStart(t, eng, wf.ID)
			t2 := taskForStage(t, store, inst2.ID, "st-auto")
			if t2.AssignedToID == nil || *t2.AssignedToID != "user-idle" {
				t.Errorf("second assignment = %v, want user-idle", t2.AssignedToID)
			}
		})
	}
}

func TestAssignment_leastLoadedNoRoleLeavesUnassigned(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	store.PutUser(model.User{ID: "user-anyone", IsActive: true})
	wf := seedAssignmentWorkflow(t, store, model.AssignLeastLoaded, nil, nil)

	// Without a configured role there is no candidate pool; the task
	// activates unassigned instead of drafting arbitrary users.
	inst := mustStart(t, eng, wf.ID)
	task := taskForStage(t, store, inst.ID, "st-auto")
	if task.AssignedToID != nil {
		t.Errorf("AssignedToID = %v, want nil", task.AssignedToID)
	}
	if task.Status != model.TaskInProgress {
		t.Errorf("status = %s, want in_progress", task.Status)
	}
}

// --- SLA sweep tests ---

func TestEngine_CheckSLABreaches(t *testing.T) {
	eng, store, clock := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	inst := mustStart(t, eng, wf.ID)

	breached, err := eng.CheckSLABreaches(testCtx())
	if err != nil {
		t.Fatalf("CheckSLABreaches: %v", err)
	}
	if len(breached) != 0 {
		t.Errorf("breached = %d before deadline, want 0", len(breached))
	}

	clock.Advance(2 * time.Hour)
	breached, err = eng.CheckSLABreaches(testCtx())
	if err != nil {
		t.Fatalf("CheckSLABreaches: %v", err)
	}
	if len(breached) != 1 {
		t.Fatalf("breached = %d, want 1", len(breached))
	}
	// The returned records identify the affected tasks and carry the flag.
	if breached[0].StageID != "st-intake" {
		t.Errorf("breached[0].StageID = %s, want st-intake", breached[0].StageID)
	}
	if !breached[0].SLABreached {
		t.Error("returned task not flagged as breached")
	}

	task := taskForStage(t, store, inst.ID, "st-intake")
	if !task.SLABreached {
		t.Error("expected intake task flagged as breached")
	}
	if task.Status != model.TaskInProgress {
		t.Errorf("status = %s, breach must not change status", task.Status)
	}

	// Second sweep finds nothing new.
	breached, err = eng.CheckSLABreaches(testCtx())
	if err != nil {
		t.Fatalf("CheckSLABreaches: %v", err)
	}
	if len(breached) != 0 {
		t.Errorf("repeat breached = %d, want 0", len(breached))
	}
}

// --- Detail and listing tests ---

func TestEngine_GetInstanceDetail(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	wf := seedThreeStageWorkflow(t, store)
	inst := mustStart(t, eng, wf.ID)

	detail, err := eng.GetInstanceDetail(testCtx(), inst.ID)
	if err != nil {
		t.Fatalf("GetInstanceDetail: %v", err)
	}
	if detail.Instance.ID != inst.ID {
		t.Errorf("Instance.ID = %s", detail.Instance.ID)
	}
	if detail.Workflow.Code != "ONBOARD" {
		t.Errorf("Workflow.Code = %s", detail.Workflow.Code)
	}
	if len(detail.Tasks) != 3 {
		t.Errorf("tasks = %d, want 3", len(detail.Tasks))
	}
}

func TestEngine_ListUserTasks(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	store.PutUser(model.User{ID: "user-frank", IsActive: true})
	wf := seedAssignmentWorkflow(t, store, model.AssignSpecificUser, nil, strPtr("user-frank"))
	mustStart(t, eng, wf.ID)

	tasks, err := eng.ListUserTasks(testCtx(), "user-frank")
	if err != nil {
		t.Fatalf("ListUserTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}

	tasks, err = eng.ListUserTasks(testCtx(), "user-nobody")
	if err != nil {
		t.Fatalf("ListUserTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("tasks = %d, want 0", len(tasks))
	}
}
