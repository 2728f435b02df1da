package engine

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsforge/caseflow/model"
)

//go:embed schema.sql
var schemaSQL string

// PgStore is a PostgreSQL-backed Store using pgx/v5. Multi-row operations
// run in a transaction; instance updates use a version column for
// optimistic locking.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL store over the given pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema applies the embedded schema. All statements are idempotent.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return pgError("apply schema", err)
	}
	return nil
}

func (s *PgStore) GetWorkflow(ctx context.Context, workflowID string) (*model.WorkflowDefinition, error) {
	var wf model.WorkflowDefinition
	err := s.pool.QueryRow(ctx, `
		SELECT id, process_id, name, code, description, status, version, created_at, updated_at
		FROM workflows WHERE id = $1`,
		workflowID,
	).Scan(&wf.ID, &wf.ProcessID, &wf.Name, &wf.Code, &wf.Description,
		&wf.Status, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow %s not found", workflowID))
	}
	if err != nil {
		return nil, pgError("query workflow", err)
	}
	return &wf, nil
}

func (s *PgStore) ListStages(ctx context.Context, workflowID string) ([]model.Stage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, name, code, description, stage_order, is_required,
		       assignment_rule, assigned_role_id, assigned_user_id, sla_minutes, config
		FROM stages WHERE workflow_id = $1
		ORDER BY stage_order ASC`,
		workflowID,
	)
	if err != nil {
		return nil, pgError("query stages", err)
	}
	defer rows.Close()

	var stages []model.Stage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, pgError("scan stage", err)
		}
		stages = append(stages, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("iterate stages", err)
	}
	return stages, nil
}

func (s *PgStore) GetStage(ctx context.Context, stageID string) (*model.Stage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, name, code, description, stage_order, is_required,
		       assignment_rule, assigned_role_id, assigned_user_id, sla_minutes, config
		FROM stages WHERE id = $1`,
		stageID,
	)
	st, err := scanStage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("stage %s not found", stageID))
	}
	if err != nil {
		return nil, pgError("query stage", err)
	}
	return st, nil
}

func (s *PgStore) CreateInstance(ctx context.Context, inst *model.Instance, tasks []model.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgError("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal instance data: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO instances (
			id, workflow_id, reference_number, status, priority, data,
			started_at, completed_at, due_at, current_stage_id, version,
			created_by, updated_by, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15
		)`,
		inst.ID, inst.WorkflowID, inst.ReferenceNumber, inst.Status, inst.Priority, dataJSON,
		inst.StartedAt, inst.CompletedAt, inst.DueAt, inst.CurrentStageID, inst.Version,
		inst.CreatedBy, inst.UpdatedBy, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return pgError("insert instance", err)
	}

	for i := range tasks {
		if err := insertTask(ctx, tx, &tasks[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return pgError("commit", err)
	}
	return nil
}

func (s *PgStore) GetInstance(ctx context.Context, instanceID string) (*model.Instance, error) {
	var inst model.Instance
	var dataJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, reference_number, status, priority, data,
		       started_at, completed_at, due_at, current_stage_id, version,
		       created_by, updated_by, created_at, updated_at
		FROM instances WHERE id = $1`,
		instanceID,
	).Scan(&inst.ID, &inst.WorkflowID, &inst.ReferenceNumber, &inst.Status, &inst.Priority, &dataJSON,
		&inst.StartedAt, &inst.CompletedAt, &inst.DueAt, &inst.CurrentStageID, &inst.Version,
		&inst.CreatedBy, &inst.UpdatedBy, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("instance %s not found", instanceID))
	}
	if err != nil {
		return nil, pgError("query instance", err)
	}
	if dataJSON != nil {
		_ = json.Unmarshal(dataJSON, &inst.Data)
	}
	return &inst, nil
}

func (s *PgStore) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, taskSelect+` WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("task %s not found", taskID))
	}
	if err != nil {
		return nil, pgError("query task", err)
	}
	return task, nil
}

func (s *PgStore) ListInstanceTasks(ctx context.Context, instanceID string) ([]model.Task, error) {
	// Verify the instance exists so a missing id is NOT_FOUND, not empty.
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.queryTasks(ctx, taskSelectJoined+`
		WHERE t.instance_id = $1
		ORDER BY s.stage_order ASC`,
		instanceID)
}

func (s *PgStore) ListUserTasks(ctx context.Context, userID string) ([]model.Task, error) {
	return s.queryTasks(ctx, taskSelectJoined+`
		WHERE t.assigned_to_id = $1 AND t.status IN ('pending', 'in_progress')
		ORDER BY t.created_at ASC`,
		userID)
}

func (s *PgStore) ApplyTransition(ctx context.Context, inst *model.Instance, tasks ...*model.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgError("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the instance row and check the version before touching anything.
	var storedVersion int
	err = tx.QueryRow(ctx,
		`SELECT version FROM instances WHERE id = $1 FOR UPDATE`,
		inst.ID,
	).Scan(&storedVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewNotFoundError(fmt.Sprintf("instance %s not found", inst.ID))
	}
	if err != nil {
		return pgError("lock instance", err)
	}
	if storedVersion != inst.Version {
		return model.NewConflictError(fmt.Sprintf(
			"instance %s was modified concurrently (version %d, expected %d)",
			inst.ID, storedVersion, inst.Version))
	}

	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal instance data: %w", err)
	}
	newVersion := inst.Version + 1

	_, err = tx.Exec(ctx, `
		UPDATE instances SET
			status = $1, data = $2, completed_at = $3, due_at = $4,
			current_stage_id = $5, version = $6, updated_by = $7, updated_at = $8
		WHERE id = $9`,
		inst.Status, dataJSON, inst.CompletedAt, inst.DueAt,
		inst.CurrentStageID, newVersion, inst.UpdatedBy, inst.UpdatedAt,
		inst.ID,
	)
	if err != nil {
		return pgError("update instance", err)
	}

	for _, task := range tasks {
		if err := updateTask(ctx, tx, task); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return pgError("commit", err)
	}
	inst.Version = newVersion
	return nil
}

func (s *PgStore) UpdateTask(ctx context.Context, task *model.Task) error {
	return updateTask(ctx, s.pool, task)
}

func (s *PgStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, full_name, role_id, is_active
		FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Email, &u.FullName, &u.RoleID, &u.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("user %s not found", userID))
	}
	if err != nil {
		return nil, pgError("query user", err)
	}
	return &u, nil
}

func (s *PgStore) FindActiveUserByRole(ctx context.Context, roleID string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, full_name, role_id, is_active
		FROM users
		WHERE role_id = $1 AND is_active = TRUE
		ORDER BY id ASC
		LIMIT 1`,
		roleID,
	).Scan(&u.ID, &u.Email, &u.FullName, &u.RoleID, &u.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("no active user holds role %s", roleID))
	}
	if err != nil {
		return nil, pgError("query role users", err)
	}
	return &u, nil
}

func (s *PgStore) FindLeastLoadedUser(ctx context.Context, roleID *string) (*model.User, error) {
	query := `
		SELECT u.id, u.email, u.full_name, u.role_id, u.is_active
		FROM users u
		LEFT JOIN tasks t
		  ON t.assigned_to_id = u.id AND t.status = 'in_progress'
		WHERE u.is_active = TRUE`
	args := []any{}
	if roleID != nil {
		query += ` AND u.role_id = $1`
		args = append(args, *roleID)
	}
	query += `
		GROUP BY u.id, u.email, u.full_name, u.role_id, u.is_active
		ORDER BY COUNT(t.id) ASC, u.id ASC
		LIMIT 1`

	var u model.User
	err := s.pool.QueryRow(ctx, query, args...).
		Scan(&u.ID, &u.Email, &u.FullName, &u.RoleID, &u.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError("no active users available for assignment")
	}
	if err != nil {
		return nil, pgError("query least loaded user", err)
	}
	return &u, nil
}

func (s *PgStore) FindOverdueTasks(ctx context.Context, now time.Time) ([]model.Task, error) {
	return s.queryTasks(ctx, taskSelect+`
		WHERE status IN ('pending', 'in_progress')
		  AND sla_breached = FALSE
		  AND due_at IS NOT NULL AND due_at < $1
		ORDER BY due_at ASC`,
		now)
}

func (s *PgStore) MarkTasksBreached(ctx context.Context, taskIDs []string, now time.Time) error {
	if len(taskIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET sla_breached = TRUE, updated_at = $1
		WHERE id = ANY($2) AND sla_breached = FALSE`,
		now, taskIDs,
	)
	if err != nil {
		return pgError("mark tasks breached", err)
	}
	return nil
}

func (s *PgStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return pgError("ping", err)
	}
	return nil
}

// --- helpers ---

const taskSelect = `
	SELECT id, instance_id, stage_id, status, assigned_to_id,
	       started_at, completed_at, due_at, sla_breached, data, notes,
	       created_by, updated_by, created_at, updated_at
	FROM tasks`

const taskSelectJoined = `
	SELECT t.id, t.instance_id, t.stage_id, t.status, t.assigned_to_id,
	       t.started_at, t.completed_at, t.due_at, t.sla_breached, t.data, t.notes,
	       t.created_by, t.updated_by, t.created_at, t.updated_at
	FROM tasks t
	JOIN stages s ON s.id = t.stage_id`

// pgExecutor is satisfied by both pgxpool.Pool and pgx.Tx.
type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertTask(ctx context.Context, tx pgx.Tx, task *model.Task) error {
	dataJSON, err := json.Marshal(task.Data)
	if err != nil {
		return fmt.Errorf("marshal task data: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (
			id, instance_id, stage_id, status, assigned_to_id,
			started_at, completed_at, due_at, sla_breached, data, notes,
			created_by, updated_by, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15
		)`,
		task.ID, task.InstanceID, task.StageID, task.Status, task.AssignedToID,
		task.StartedAt, task.CompletedAt, task.DueAt, task.SLABreached, dataJSON, task.Notes,
		task.CreatedBy, task.UpdatedBy, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return pgError("insert task", err)
	}
	return nil
}

func updateTask(ctx context.Context, exec pgExecutor, task *model.Task) error {
	dataJSON, err := json.Marshal(task.Data)
	if err != nil {
		return fmt.Errorf("marshal task data: %w", err)
	}
	tag, err := exec.Exec(ctx, `
		UPDATE tasks SET
			status = $1, assigned_to_id = $2, started_at = $3, completed_at = $4,
			due_at = $5, sla_breached = $6, data = $7, notes = $8,
			updated_by = $9, updated_at = $10
		WHERE id = $11`,
		task.Status, task.AssignedToID, task.StartedAt, task.CompletedAt,
		task.DueAt, task.SLABreached, dataJSON, task.Notes,
		task.UpdatedBy, task.UpdatedAt,
		task.ID,
	)
	if err != nil {
		return pgError("update task", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("task %s not found", task.ID))
	}
	return nil
}

func (s *PgStore) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pgError("query tasks", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, pgError("scan task", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("iterate tasks", err)
	}
	return tasks, nil
}

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	var dataJSON []byte
	err := row.Scan(&t.ID, &t.InstanceID, &t.StageID, &t.Status, &t.AssignedToID,
		&t.StartedAt, &t.CompletedAt, &t.DueAt, &t.SLABreached, &dataJSON, &t.Notes,
		&t.CreatedBy, &t.UpdatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if dataJSON != nil {
		_ = json.Unmarshal(dataJSON, &t.Data)
	}
	return &t, nil
}

func scanStage(row pgx.Row) (*model.Stage, error) {
	var st model.Stage
	var configJSON []byte
	err := row.Scan(&st.ID, &st.WorkflowID, &st.Name, &st.Code, &st.Description,
		&st.Order, &st.IsRequired, &st.AssignmentRule, &st.AssignedRoleID,
		&st.AssignedUserID, &st.SLAMinutes, &configJSON)
	if err != nil {
		return nil, err
	}
	if configJSON != nil {
		_ = json.Unmarshal(configJSON, &st.Config)
	}
	return &st, nil
}

// pgError translates low-level pgx failures into the engine's error
// taxonomy: unique violations become CONFLICT, everything else becomes a
// retryable STORE_UNAVAILABLE.
func pgError(op string, err error) error {
	var pge *pgconn.PgError
	if errors.As(err, &pge) && pge.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("%s: %s", op, pge.Detail))
	}
	return model.NewUnavailableError(fmt.Sprintf("%s: %v", op, err))
}
