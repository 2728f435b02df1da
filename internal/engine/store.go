package engine

import (
	"context"
	"time"

	"github.com/opsforge/caseflow/model"
)

// Store is the persistence boundary for the workflow engine. Implementations
// must provide the atomicity the engine relies on:
//
//   - CreateInstance persists the instance and all its tasks in one
//     transaction, returning CONFLICT if the reference number is taken.
//   - ApplyTransition persists an instance update plus any task updates in
//     one transaction, guarded by the instance version recorded on inst.
//     A concurrent writer that got there first causes CONFLICT.
//
// All methods translate infrastructure failures to STORE_UNAVAILABLE and
// missing rows to NOT_FOUND.
type Store interface {
	// GetWorkflow returns a workflow definition by id.
	GetWorkflow(ctx context.Context, workflowID string) (*model.WorkflowDefinition, error)

	// ListStages returns the stages of a workflow ordered by Stage.Order
	// ascending.
	ListStages(ctx context.Context, workflowID string) ([]model.Stage, error)

	// GetStage returns a single stage by id.
	GetStage(ctx context.Context, stageID string) (*model.Stage, error)

	// CreateInstance atomically persists an instance and its tasks.
	CreateInstance(ctx context.Context, inst *model.Instance, tasks []model.Task) error

	// GetInstance returns an instance by id.
	GetInstance(ctx context.Context, instanceID string) (*model.Instance, error)

	// GetTask returns a task by id.
	GetTask(ctx context.Context, taskID string) (*model.Task, error)

	// ListInstanceTasks returns all tasks of an instance, ordered by the
	// owning stage's Order ascending.
	ListInstanceTasks(ctx context.Context, instanceID string) ([]model.Task, error)

	// ListUserTasks returns non-terminal tasks assigned to the given user.
	ListUserTasks(ctx context.Context, userID string) ([]model.Task, error)

	// ApplyTransition atomically persists the instance and the given task
	// updates. The instance's Version field must match the stored row; on a
	// match the stored version is bumped and inst.Version is updated to the
	// new value. A mismatch returns CONFLICT.
	ApplyTransition(ctx context.Context, inst *model.Instance, tasks ...*model.Task) error

	// UpdateTask persists a single task update that does not move the
	// parent instance (e.g. manual assignment).
	UpdateTask(ctx context.Context, task *model.Task) error

	// GetUser returns a user by id.
	GetUser(ctx context.Context, userID string) (*model.User, error)

	// FindActiveUserByRole returns an active user holding the given role,
	// or NOT_FOUND if none exists. Selection among multiple candidates is
	// implementation defined.
	FindActiveUserByRole(ctx context.Context, roleID string) (*model.User, error)

	// FindLeastLoadedUser returns the active user with the fewest
	// in_progress tasks, optionally restricted to a role. NOT_FOUND if
	// no candidate.
	FindLeastLoadedUser(ctx context.Context, roleID *string) (*model.User, error)

	// FindOverdueTasks returns open tasks whose DueAt is before now and
	// that are not yet flagged as breached.
	FindOverdueTasks(ctx context.Context, now time.Time) ([]model.Task, error)

	// MarkTasksBreached flags the given tasks as SLA breached. Already
	// flagged tasks are left untouched, so repeated sweeps are harmless.
	MarkTasksBreached(ctx context.Context, taskIDs []string, now time.Time) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
