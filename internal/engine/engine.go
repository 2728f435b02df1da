// Package engine implements workflow execution: starting instances,
// advancing them task by task through their stages, automatic assignment,
// and SLA breach detection.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsforge/caseflow/internal/observability"
	"github.com/opsforge/caseflow/model"
)

const (
	defaultReferencePrefix = "WF"
	defaultPriority        = 5

	// Reference numbers carry a random suffix; on the rare collision we
	// regenerate rather than fail the start outright.
	maxReferenceAttempts = 3
)

// Engine executes workflow instances against a Store. Safe for concurrent
// use; all state lives in the store.
type Engine struct {
	store   Store
	logger  *zap.Logger
	metrics *observability.Metrics

	now             func() time.Time
	refPrefix       string
	defaultPriority int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the engine's metrics instruments. A nil value disables
// engine metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNowFunc overrides the engine's clock. Intended for tests; the
// returned time is used for all timestamps and SLA arithmetic.
func WithNowFunc(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithReferencePrefix overrides the reference number prefix.
func WithReferencePrefix(prefix string) Option {
	return func(e *Engine) { e.refPrefix = prefix }
}

// WithDefaultPriority overrides the priority applied when a start request
// leaves priority unset.
func WithDefaultPriority(p int) Option {
	return func(e *Engine) { e.defaultPriority = p }
}

// NewEngine creates an Engine backed by the given store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		logger:          zap.NewNop(),
		now:             func() time.Time { return time.Now().UTC() },
		refPrefix:       defaultReferencePrefix,
		defaultPriority: defaultPriority,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartInstanceRequest carries the inputs for starting a workflow instance.
type StartInstanceRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Priority   int            `json:"priority,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	DueAt      *time.Time     `json:"due_at,omitempty"`
}

// InstanceDetail bundles an instance with its workflow and full task list.
type InstanceDetail struct {
	Instance *model.Instance           `json:"instance"`
	Workflow *model.WorkflowDefinition `json:"workflow"`
	Tasks    []model.Task              `json:"tasks"`
}

// StartInstance creates a new instance of the given workflow, materializes
// one task per stage, and activates the first task. The instance and all
// its tasks are persisted atomically.
func (e *Engine) StartInstance(ctx context.Context, req StartInstanceRequest) (inst *model.Instance, err error) {
	ctx, span := observability.StartSpan(ctx, "engine.StartInstance",
		observability.AttrWorkflowID.String(req.WorkflowID))
	defer func() { observability.EndSpanWithError(span, err) }()
	defer e.timeOperation("start_instance")()

	actor, err := e.actorFrom(ctx)
	if err != nil {
		return nil, err
	}

	if req.WorkflowID == "" {
		return nil, model.NewBadRequestError("workflow_id is required")
	}

	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		if model.IsNotFound(err) {
			return nil, model.NewNotFoundError(fmt.Sprintf("workflow %s not found", req.WorkflowID))
		}
		return nil, err
	}
	if wf.Status != model.WorkflowActive {
		return nil, model.NewValidationError(fmt.Sprintf("workflow %s is not active (status %s)", wf.Code, wf.Status))
	}

	stages, err := e.store.ListStages(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		return nil, model.NewValidationError(fmt.Sprintf("workflow %s has no stages", wf.Code))
	}

	priority := req.Priority
	if priority == 0 {
		priority = e.defaultPriority
	}
	if priority < 1 || priority > 10 {
		return nil, model.NewValidationError(fmt.Sprintf("priority %d out of range [1, 10]", req.Priority))
	}

	now := e.now()

	inst = &model.Instance{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Status:     model.InstanceInProgress,
		Priority:   priority,
		Data:       req.Data,
		StartedAt:  &now,
		DueAt:      req.DueAt,
		Version:    1,
		CreatedBy:  actor,
		UpdatedBy:  actor,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tasks := make([]model.Task, len(stages))
	for i, stage := range stages {
		tasks[i] = model.Task{
			ID:         uuid.NewString(),
			InstanceID: inst.ID,
			StageID:    stage.ID,
			Status:     model.TaskPending,
			CreatedBy:  actor,
			UpdatedBy:  actor,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	// Activate the first task before persisting so the whole initial state
	// lands in one transaction.
	if err := e.activateTask(ctx, inst, &tasks[0], &stages[0], now, actor); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxReferenceAttempts; attempt++ {
		inst.ReferenceNumber = e.newReferenceNumber(now)
		err = e.store.CreateInstance(ctx, inst, tasks)
		if err == nil {
			break
		}
		if !model.IsConflict(err) {
			return nil, err
		}
		e.logger.Warn("reference number collision, regenerating",
			zap.String("reference_number", inst.ReferenceNumber))
	}
	if err != nil {
		return nil, model.NewUnavailableError("could not allocate a unique reference number")
	}

	span.SetAttributes(observability.AttrInstanceID.String(inst.ID))
	if e.metrics != nil {
		e.metrics.RecordInstanceStart(wf.Code)
	}
	e.logger.Info("instance started",
		zap.String("instance_id", inst.ID),
		zap.String("workflow_code", wf.Code),
		zap.String("reference_number", inst.ReferenceNumber),
		zap.Int("priority", inst.Priority),
		zap.Int("stages", len(stages)))

	return inst, nil
}

// CompleteTask marks an in-progress task as completed and advances the
// instance: the next pending task is activated, or the instance completes
// when none remain.
func (e *Engine) CompleteTask(ctx context.Context, taskID string, data map[string]any, notes string) (task *model.Task, err error) {
	ctx, span := observability.StartSpan(ctx, "engine.CompleteTask",
		observability.AttrTaskID.String(taskID))
	defer func() { observability.EndSpanWithError(span, err) }()
	defer e.timeOperation("complete_task")()

	actor, err := e.actorFrom(ctx)
	if err != nil {
		return nil, err
	}

	task, inst, tasks, err := e.loadTaskContext(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, model.NewConflictError(fmt.Sprintf("instance %s is %s", inst.ID, inst.Status))
	}
	if task.Status != model.TaskInProgress {
		return nil, model.NewConflictError(fmt.Sprintf("task %s is %s, only in_progress tasks can be completed", task.ID, task.Status))
	}

	now := e.now()
	task.Status = model.TaskCompleted
	task.CompletedAt = &now
	if data != nil {
		task.Data = mergeData(task.Data, data)
	}
	if notes != "" {
		task.Notes = notes
	}
	if task.DueAt != nil && now.After(*task.DueAt) {
		task.SLABreached = true
	}
	task.UpdatedBy = actor
	task.UpdatedAt = now

	updated := []*model.Task{task}
	next, wf, err := e.advance(ctx, inst, tasks, task, now, actor)
	if err != nil {
		return nil, err
	}
	if next != nil {
		updated = append(updated, next)
	}

	if err := e.store.ApplyTransition(ctx, inst, updated...); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordTaskCompletion(wf.Code)
		if inst.Status.Terminal() {
			e.metrics.RecordInstanceFinish(wf.Code, string(inst.Status))
		}
	}
	e.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.String("instance_id", inst.ID),
		zap.String("instance_status", string(inst.Status)),
		zap.Bool("sla_breached", task.SLABreached))

	return task, nil
}

// SkipTask marks an optional task as skipped. Skipping the currently active
// task advances the instance the same way completion does; skipping a
// pending task leaves it to be jumped over when traversal reaches it.
// Required stages cannot be skipped.
func (e *Engine) SkipTask(ctx context.Context, taskID, reason string) (task *model.Task, err error) {
	ctx, span := observability.StartSpan(ctx, "engine.SkipTask",
		observability.AttrTaskID.String(taskID))
	defer func() { observability.EndSpanWithError(span, err) }()
	defer e.timeOperation("skip_task")()

	actor, err := e.actorFrom(ctx)
	if err != nil {
		return nil, err
	}

	task, inst, tasks, err := e.loadTaskContext(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, model.NewConflictError(fmt.Sprintf("instance %s is %s", inst.ID, inst.Status))
	}
	if task.Status.Terminal() {
		return nil, model.NewConflictError(fmt.Sprintf("task %s is already %s", task.ID, task.Status))
	}

	stage, err := e.store.GetStage(ctx, task.StageID)
	if err != nil {
		return nil, err
	}
	if stage.IsRequired {
		return nil, model.NewValidationError(fmt.Sprintf("stage %s is required and cannot be skipped", stage.Code))
	}

	now := e.now()
	wasActive := task.Status == model.TaskInProgress

	task.Status = model.TaskSkipped
	task.CompletedAt = &now
	if reason != "" {
		task.Notes = reason
	}
	task.UpdatedBy = actor
	task.UpdatedAt = now

	updated := []*model.Task{task}
	var wf *model.WorkflowDefinition
	if wasActive {
		var next *model.Task
		next, wf, err = e.advance(ctx, inst, tasks, task, now, actor)
		if err != nil {
			return nil, err
		}
		if next != nil {
			updated = append(updated, next)
		}
		if err := e.store.ApplyTransition(ctx, inst, updated...); err != nil {
			return nil, err
		}
	} else {
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return nil, err
		}
		wf, err = e.store.GetWorkflow(ctx, inst.WorkflowID)
		if err != nil {
			return nil, err
		}
	}

	if e.metrics != nil {
		e.metrics.RecordTaskSkip(wf.Code)
		if inst.Status.Terminal() {
			e.metrics.RecordInstanceFinish(wf.Code, string(inst.Status))
		}
	}
	e.logger.Info("task skipped",
		zap.String("task_id", task.ID),
		zap.String("instance_id", inst.ID),
		zap.Bool("was_active", wasActive),
		zap.String("instance_status", string(inst.Status)))

	return task, nil
}

// AssignTask manually assigns an open task to a user. The user must exist
// and be active.
func (e *Engine) AssignTask(ctx context.Context, taskID, userID string) (task *model.Task, err error) {
	ctx, span := observability.StartSpan(ctx, "engine.AssignTask",
		observability.AttrTaskID.String(taskID))
	defer func() { observability.EndSpanWithError(span, err) }()
	defer e.timeOperation("assign_task")()

	actor, err := e.actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, model.NewBadRequestError("user_id is required")
	}

	task, err = e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, model.NewConflictError(fmt.Sprintf("task %s is %s and cannot be reassigned", task.ID, task.Status))
	}

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		if model.IsNotFound(err) {
			return nil, model.NewNotFoundError(fmt.Sprintf("user %s not found", userID))
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, model.NewValidationError(fmt.Sprintf("user %s is not active", userID))
	}

	now := e.now()
	task.AssignedToID = &user.ID
	task.UpdatedBy = actor
	task.UpdatedAt = now

	if err := e.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	e.logger.Info("task assigned",
		zap.String("task_id", task.ID),
		zap.String("assigned_to", user.ID))

	return task, nil
}

// CancelInstance terminally cancels an instance and all of its open tasks.
// Completed instances cannot be cancelled; cancelling an already cancelled
// instance is a no-op.
func (e *Engine) CancelInstance(ctx context.Context, instanceID, reason string) (inst *model.Instance, err error) {
	ctx, span := observability.StartSpan(ctx, "engine.CancelInstance",
		observability.AttrInstanceID.String(instanceID))
	defer func() { observability.EndSpanWithError(span, err) }()
	defer e.timeOperation("cancel_instance")()

	actor, err := e.actorFrom(ctx)
	if err != nil {
		return nil, err
	}

	inst, err = e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == model.InstanceCompleted {
		return nil, model.NewConflictError(fmt.Sprintf("instance %s is completed and cannot be cancelled", inst.ID))
	}
	if inst.Status == model.InstanceCancelled {
		return inst, nil
	}

	tasks, err := e.store.ListInstanceTasks(ctx, inst.ID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	inst.Status = model.InstanceCancelled
	inst.CompletedAt = &now
	inst.CurrentStageID = nil
	if reason != "" {
		inst.Data = mergeData(inst.Data, map[string]any{"cancellation_reason": reason})
	}
	inst.UpdatedBy = actor
	inst.UpdatedAt = now

	var updated []*model.Task
	for i := range tasks {
		t := &tasks[i]
		if t.Status.Terminal() {
			continue
		}
		t.Status = model.TaskCancelled
		t.CompletedAt = &now
		if reason != "" {
			t.Notes = reason
		}
		t.UpdatedBy = actor
		t.UpdatedAt = now
		updated = append(updated, t)
	}

	if err := e.store.ApplyTransition(ctx, inst, updated...); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		wf, werr := e.store.GetWorkflow(ctx, inst.WorkflowID)
		if werr == nil {
			e.metrics.RecordInstanceFinish(wf.Code, string(inst.Status))
		}
	}
	e.logger.Info("instance cancelled",
		zap.String("instance_id", inst.ID),
		zap.Int("tasks_cancelled", len(updated)),
		zap.String("reason", reason))

	return inst, nil
}

// CheckSLABreaches flags all open tasks whose due time has passed and
// returns the newly flagged tasks for downstream notification. Safe to
// run repeatedly.
func (e *Engine) CheckSLABreaches(ctx context.Context) (breached []model.Task, err error) {
	ctx, span := observability.StartSpan(ctx, "engine.CheckSLABreaches")
	defer func() { observability.EndSpanWithError(span, err) }()
	defer e.timeOperation("check_sla_breaches")()

	now := e.now()
	overdue, err := e.store.FindOverdueTasks(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(overdue) == 0 {
		return nil, nil
	}

	ids := make([]string, len(overdue))
	for i, t := range overdue {
		ids[i] = t.ID
	}
	if err := e.store.MarkTasksBreached(ctx, ids, now); err != nil {
		return nil, err
	}
	for i := range overdue {
		overdue[i].SLABreached = true
		overdue[i].UpdatedAt = now
	}

	if e.metrics != nil {
		e.metrics.RecordSLABreaches(len(ids))
	}
	e.logger.Warn("sla breaches detected",
		zap.Int("count", len(ids)),
		zap.Strings("task_ids", ids))

	return overdue, nil
}

// GetInstanceDetail returns an instance together with its workflow and
// ordered task list.
func (e *Engine) GetInstanceDetail(ctx context.Context, instanceID string) (*InstanceDetail, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	wf, err := e.store.GetWorkflow(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.ListInstanceTasks(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	return &InstanceDetail{Instance: inst, Workflow: wf, Tasks: tasks}, nil
}

// ListUserTasks returns the open tasks assigned to a user.
func (e *Engine) ListUserTasks(ctx context.Context, userID string) ([]model.Task, error) {
	if userID == "" {
		return nil, model.NewBadRequestError("user_id is required")
	}
	return e.store.ListUserTasks(ctx, userID)
}

// --- internals ---

// advance moves the instance past the just-finished task: the next pending
// task (skipped tasks are jumped over) is activated, or the instance is
// completed when none remain. Returns the newly activated task, if any,
// and the workflow definition for the caller's bookkeeping. Mutates inst
// and the returned task in place; the caller persists them.
func (e *Engine) advance(ctx context.Context, inst *model.Instance, tasks []model.Task, finished *model.Task, now time.Time, actor string) (*model.Task, *model.WorkflowDefinition, error) {
	wf, err := e.store.GetWorkflow(ctx, inst.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	stages, err := e.store.ListStages(ctx, inst.WorkflowID)
	if err != nil {
		return nil, nil, err
	}

	// Tasks come back in stage order; find the finished task's position.
	fromIdx := -1
	for i := range tasks {
		if tasks[i].ID == finished.ID {
			fromIdx = i
			break
		}
	}
	if fromIdx < 0 {
		return nil, nil, model.NewInternalError()
	}

	for i := fromIdx + 1; i < len(tasks); i++ {
		if tasks[i].Status != model.TaskPending {
			continue
		}
		next := &tasks[i]
		stage := stageByID(stages, next.StageID)
		if stage == nil {
			return nil, nil, model.NewInternalError()
		}
		if err := e.activateTask(ctx, inst, next, stage, now, actor); err != nil {
			return nil, nil, err
		}
		inst.UpdatedBy = actor
		inst.UpdatedAt = now
		return next, wf, nil
	}

	// No pending tasks remain: the instance is done.
	inst.Status = model.InstanceCompleted
	inst.CompletedAt = &now
	inst.CurrentStageID = nil
	inst.UpdatedBy = actor
	inst.UpdatedAt = now
	return nil, wf, nil
}

// activateTask moves a pending task to in_progress: stamps its start time,
// computes its SLA deadline from the stage budget, resolves automatic
// assignment, and points the instance at the task's stage.
func (e *Engine) activateTask(ctx context.Context, inst *model.Instance, task *model.Task, stage *model.Stage, now time.Time, actor string) error {
	task.Status = model.TaskInProgress
	task.StartedAt = &now
	if stage.SLAMinutes != nil {
		due := now.Add(time.Duration(*stage.SLAMinutes) * time.Minute)
		task.DueAt = &due
	}

	assignee, err := e.resolveAssignee(ctx, stage)
	if err != nil {
		return err
	}
	task.AssignedToID = assignee
	task.UpdatedBy = actor
	task.UpdatedAt = now

	inst.CurrentStageID = &stage.ID

	if e.metrics != nil {
		outcome := "unassigned"
		if assignee != nil {
			outcome = "assigned"
		}
		e.metrics.RecordAssignment(string(stage.AssignmentRule), outcome)
	}
	return nil
}

// loadTaskContext fetches a task, its instance, and the instance's full
// ordered task list.
func (e *Engine) loadTaskContext(ctx context.Context, taskID string) (*model.Task, *model.Instance, []model.Task, error) {
	if taskID == "" {
		return nil, nil, nil, model.NewBadRequestError("task_id is required")
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, nil, err
	}
	inst, err := e.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, nil, nil, err
	}
	tasks, err := e.store.ListInstanceTasks(ctx, inst.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return task, inst, tasks, nil
}

// actorFrom extracts the audit actor id from the request context.
func (e *Engine) actorFrom(ctx context.Context) (string, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return "", model.NewUnauthorizedError("no request context")
	}
	if err := rctx.Validate(); err != nil {
		return "", err
	}
	return rctx.ActorID, nil
}

// newReferenceNumber builds a human-quotable reference:
// <prefix>-<UTC timestamp>-<6 random hex chars>.
func (e *Engine) newReferenceNumber(now time.Time) string {
	var buf [3]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%s-%s-%s",
		e.refPrefix,
		now.UTC().Format("20060102150405"),
		strings.ToUpper(hex.EncodeToString(buf[:])))
}

// timeOperation returns a func that records the elapsed duration for the
// named engine operation when called.
func (e *Engine) timeOperation(op string) func() {
	if e.metrics == nil {
		return func() {}
	}
	start := time.Now()
	return func() { e.metrics.RecordEngineOperation(op, time.Since(start)) }
}

func stageByID(stages []model.Stage, id string) *model.Stage {
	for i := range stages {
		if stages[i].ID == id {
			return &stages[i]
		}
	}
	return nil
}

func mergeData(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
