package model

import (
	"fmt"
	"time"
)

// WorkflowStatus is the lifecycle status of a workflow definition.
type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "draft"
	WorkflowActive   WorkflowStatus = "active"
	WorkflowInactive WorkflowStatus = "inactive"
)

// AssignmentRule determines which user a newly activated task is offered to.
type AssignmentRule string

const (
	AssignManual       AssignmentRule = "manual"
	AssignSpecificUser AssignmentRule = "specific_user"
	AssignRoleBased    AssignmentRule = "role_based"
	AssignRoundRobin   AssignmentRule = "round_robin"
	AssignLeastLoaded  AssignmentRule = "least_loaded"
)

// WorkflowDefinition is the template describing the ordered stages for a
// class of business case. Stage ordering is immutable once instances exist.
type WorkflowDefinition struct {
	ID          string         `json:"id"`
	ProcessID   string         `json:"process_id"`
	Name        string         `json:"name"`
	Code        string         `json:"code"`
	Description string         `json:"description,omitempty"`
	Status      WorkflowStatus `json:"status"`
	Version     int            `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Stage is one ordered step in a workflow definition, with its own
// assignment policy and SLA budget. Owned exclusively by its workflow.
type Stage struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	Name           string         `json:"name"`
	Code           string         `json:"code"`
	Description    string         `json:"description,omitempty"`
	Order          int            `json:"order"`
	IsRequired     bool           `json:"is_required"`
	AssignmentRule AssignmentRule `json:"assignment_rule"`
	AssignedRoleID *string        `json:"assigned_role_id,omitempty"`
	AssignedUserID *string        `json:"assigned_user_id,omitempty"`
	SLAMinutes     *int           `json:"sla_minutes,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
}

// ValidateStages checks the definition-time invariants of a stage list:
// at least one stage, stage orders unique within the workflow, and codes
// unique within the workflow. Traversal assumes these hold and does not
// re-check them at runtime.
func ValidateStages(stages []Stage) error {
	if len(stages) == 0 {
		return NewValidationError("workflow has no stages")
	}
	orders := make(map[int]string, len(stages))
	codes := make(map[string]string, len(stages))
	for _, s := range stages {
		if s.Order < 0 {
			return NewValidationError(fmt.Sprintf("stage %q has negative order %d", s.Code, s.Order))
		}
		if prev, dup := orders[s.Order]; dup {
			return NewValidationError(fmt.Sprintf("stages %q and %q share order %d", prev, s.Code, s.Order))
		}
		orders[s.Order] = s.Code
		if _, dup := codes[s.Code]; dup {
			return NewValidationError(fmt.Sprintf("duplicate stage code %q", s.Code))
		}
		codes[s.Code] = s.ID
	}
	return nil
}
