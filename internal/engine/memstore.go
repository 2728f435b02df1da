package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opsforge/caseflow/model"
)

// MemoryStore is an in-memory Store for tests and local development. All
// methods are safe for concurrent use. Reads return copies so callers can
// mutate results without racing the store.
type MemoryStore struct {
	mu sync.RWMutex

	workflows map[string]model.WorkflowDefinition
	stages    map[string][]model.Stage // workflowID -> stages ordered by Order
	instances map[string]model.Instance
	tasks     map[string]model.Task
	users     map[string]model.User
	roles     map[string]model.Role
	refs      map[string]string // reference number -> instance id
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]model.WorkflowDefinition),
		stages:    make(map[string][]model.Stage),
		instances: make(map[string]model.Instance),
		tasks:     make(map[string]model.Task),
		users:     make(map[string]model.User),
		roles:     make(map[string]model.Role),
		refs:      make(map[string]string),
	}
}

// PutWorkflow seeds a workflow definition and its stages. Stages are
// validated and stored sorted by Order.
func (s *MemoryStore) PutWorkflow(wf model.WorkflowDefinition, stages []model.Stage) error {
	if err := model.ValidateStages(stages); err != nil {
		return err
	}
	sorted := make([]model.Stage, len(stages))
	copy(sorted, stages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = wf
	s.stages[wf.ID] = sorted
	return nil
}

// PutUser seeds a user.
func (s *MemoryStore) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// PutRole seeds a role.
func (s *MemoryStore) PutRole(r model.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[r.ID] = r
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, workflowID string) (*model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow %s not found", workflowID))
	}
	return &wf, nil
}

func (s *MemoryStore) ListStages(ctx context.Context, workflowID string) ([]model.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.workflows[workflowID]; !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow %s not found", workflowID))
	}
	stages := s.stages[workflowID]
	out := make([]model.Stage, len(stages))
	copy(out, stages)
	return out, nil
}

func (s *MemoryStore) GetStage(ctx context.Context, stageID string) (*model.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, stages := range s.stages {
		for _, st := range stages {
			if st.ID == stageID {
				cp := st
				return &cp, nil
			}
		}
	}
	return nil, model.NewNotFoundError(fmt.Sprintf("stage %s not found", stageID))
}

func (s *MemoryStore) CreateInstance(ctx context.Context, inst *model.Instance, tasks []model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.refs[inst.ReferenceNumber]; dup {
		return model.NewConflictError(fmt.Sprintf("reference number %s already exists", inst.ReferenceNumber))
	}
	if _, dup := s.instances[inst.ID]; dup {
		return model.NewConflictError(fmt.Sprintf("instance %s already exists", inst.ID))
	}
	s.instances[inst.ID] = *inst
	s.refs[inst.ReferenceNumber] = inst.ID
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, instanceID string) (*model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("instance %s not found", instanceID))
	}
	return &inst, nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("task %s not found", taskID))
	}
	return &t, nil
}

func (s *MemoryStore) ListInstanceTasks(ctx context.Context, instanceID string) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("instance %s not found", instanceID))
	}

	order := map[string]int{}
	for _, st := range s.stages[inst.WorkflowID] {
		order[st.ID] = st.Order
	}

	var out []model.Task
	for _, t := range s.tasks {
		if t.InstanceID == instanceID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return order[out[i].StageID] < order[out[j].StageID]
	})
	return out, nil
}

func (s *MemoryStore) ListUserTasks(ctx context.Context, userID string) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Task
	for _, t := range s.tasks {
		if t.AssignedToID != nil && *t.AssignedToID == userID && !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ApplyTransition(ctx context.Context, inst *model.Instance, tasks ...*model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[inst.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("instance %s not found", inst.ID))
	}
	if stored.Version != inst.Version {
		return model.NewConflictError(fmt.Sprintf(
			"instance %s was modified concurrently (version %d, expected %d)",
			inst.ID, stored.Version, inst.Version))
	}

	inst.Version++
	s.instances[inst.ID] = *inst
	for _, t := range tasks {
		if _, ok := s.tasks[t.ID]; !ok {
			return model.NewNotFoundError(fmt.Sprintf("task %s not found", t.ID))
		}
		s.tasks[t.ID] = *t
	}
	return nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("task %s not found", task.ID))
	}
	s.tasks[task.ID] = *task
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("user %s not found", userID))
	}
	return &u, nil
}

func (s *MemoryStore) FindActiveUserByRole(ctx context.Context, roleID string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []model.User
	for _, u := range s.users {
		if u.IsActive && u.RoleID != nil && *u.RoleID == roleID {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return nil, model.NewNotFoundError(fmt.Sprintf("no active user holds role %s", roleID))
	}
	// Deterministic pick across runs.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return &candidates[0], nil
}

func (s *MemoryStore) FindLeastLoadedUser(ctx context.Context, roleID *string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []model.User
	for _, u := range s.users {
		if !u.IsActive {
			continue
		}
		if roleID != nil && (u.RoleID == nil || *u.RoleID != *roleID) {
			continue
		}
		candidates = append(candidates, u)
	}
	if len(candidates) == 0 {
		return nil, model.NewNotFoundError("no active users available for assignment")
	}

	// Workload is in-progress tasks only; pending assignments carry no work yet.
	load := map[string]int{}
	for _, t := range s.tasks {
		if t.AssignedToID != nil && t.Status == model.TaskInProgress {
			load[*t.AssignedToID]++
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		li, lj := load[candidates[i].ID], load[candidates[j].ID]
		if li != lj {
			return li < lj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return &candidates[0], nil
}

func (s *MemoryStore) FindOverdueTasks(ctx context.Context, now time.Time) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Task
	for _, t := range s.tasks {
		if t.Status.Terminal() || t.SLABreached || t.DueAt == nil {
			continue
		}
		if now.After(*t.DueAt) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) MarkTasksBreached(ctx context.Context, taskIDs []string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range taskIDs {
		t, ok := s.tasks[id]
		if !ok || t.SLABreached {
			continue
		}
		t.SLABreached = true
		t.UpdatedAt = now
		s.tasks[id] = t
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
