package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/opsforge/caseflow/model"
)

// resolveAssignee applies the stage's assignment rule and returns the
// chosen user id, or nil when the task should start unassigned. A rule
// that points at a missing or inactive target degrades to unassigned
// rather than failing the transition; someone can still pick the task up
// manually.
func (e *Engine) resolveAssignee(ctx context.Context, stage *model.Stage) (*string, error) {
	switch stage.AssignmentRule {
	case model.AssignManual, "":
		return nil, nil

	case model.AssignSpecificUser:
		if stage.AssignedUserID == nil {
			e.logger.Warn("specific_user stage has no user configured",
				zap.String("stage_id", stage.ID))
			return nil, nil
		}
		user, err := e.store.GetUser(ctx, *stage.AssignedUserID)
		if err != nil {
			if model.IsNotFound(err) {
				e.logger.Warn("configured assignee not found, leaving task unassigned",
					zap.String("stage_id", stage.ID),
					zap.String("user_id", *stage.AssignedUserID))
				return nil, nil
			}
			return nil, err
		}
		if !user.IsActive {
			e.logger.Warn("configured assignee is inactive, leaving task unassigned",
				zap.String("stage_id", stage.ID),
				zap.String("user_id", user.ID))
			return nil, nil
		}
		return &user.ID, nil

	case model.AssignRoleBased:
		if stage.AssignedRoleID == nil {
			e.logger.Warn("role_based stage has no role configured",
				zap.String("stage_id", stage.ID))
			return nil, nil
		}
		user, err := e.store.FindActiveUserByRole(ctx, *stage.AssignedRoleID)
		if err != nil {
			if model.IsNotFound(err) {
				e.logger.Warn("no active user holds role, leaving task unassigned",
					zap.String("stage_id", stage.ID),
					zap.String("role_id", *stage.AssignedRoleID))
				return nil, nil
			}
			return nil, err
		}
		return &user.ID, nil

	case model.AssignRoundRobin, model.AssignLeastLoaded:
		// Both rules pick the role member with the fewest in-progress
		// tasks, which distributes work evenly over time. The two names
		// are kept for configuration compatibility.
		if stage.AssignedRoleID == nil {
			e.logger.Warn("load-based stage has no role configured, leaving task unassigned",
				zap.String("stage_id", stage.ID))
			return nil, nil
		}
		user, err := e.store.FindLeastLoadedUser(ctx, stage.AssignedRoleID)
		if err != nil {
			if model.IsNotFound(err) {
				e.logger.Warn("no candidate for load-based assignment, leaving task unassigned",
					zap.String("stage_id", stage.ID))
				return nil, nil
			}
			return nil, err
		}
		return &user.ID, nil

	default:
		return nil, model.NewValidationError("unknown assignment rule: " + string(stage.AssignmentRule))
	}
}
