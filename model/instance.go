package model

import "time"

// InstanceStatus is the execution status of a workflow instance.
type InstanceStatus string

const (
	InstancePending    InstanceStatus = "pending"
	InstanceInProgress InstanceStatus = "in_progress"
	InstanceCompleted  InstanceStatus = "completed"
	InstanceCancelled  InstanceStatus = "cancelled"
	InstanceFailed     InstanceStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceCancelled, InstanceFailed:
		return true
	}
	return false
}

// TaskStatus is the execution status of a per-stage task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskSkipped    TaskStatus = "skipped"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskSkipped, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Instance is one running or finished execution of a workflow definition
// for a specific case. Instances are never physically deleted; cancellation
// is a terminal status.
type Instance struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	ReferenceNumber string         `json:"reference_number"`
	Status          InstanceStatus `json:"status"`
	Priority        int            `json:"priority"`
	Data            map[string]any `json:"data,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DueAt           *time.Time     `json:"due_at,omitempty"`
	CurrentStageID  *string        `json:"current_stage_id,omitempty"`

	// Version is bumped by the store on every update and used as an
	// optimistic concurrency check.
	Version int `json:"version"`

	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is the per-stage unit of work within one instance. Exactly one task
// exists per stage of the parent workflow, created atomically when the
// instance starts.
type Task struct {
	ID           string         `json:"id"`
	InstanceID   string         `json:"instance_id"`
	StageID      string         `json:"stage_id"`
	Status       TaskStatus     `json:"status"`
	AssignedToID *string        `json:"assigned_to_id,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	DueAt        *time.Time     `json:"due_at,omitempty"`
	SLABreached  bool           `json:"sla_breached"`
	Data         map[string]any `json:"data,omitempty"`
	Notes        string         `json:"notes,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
