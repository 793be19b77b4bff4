package engine

import (
	"context"
	"fmt"

	"taskbridge/internal/domain"
)

type LimitStatus string

const (
	LimitChecked  LimitStatus = "checked"
	LimitSkipped  LimitStatus = "skipped"
	LimitDisabled LimitStatus = "disabled"
)

// LimitCheck is reported with every Take and Assign.
type LimitCheck struct {
	Status  LimitStatus `json:"status"`
	Current int         `json:"current"`
	Limit   int         `json:"limit"`
	Reason  string      `json:"reason,omitempty"`
}

// checkLimit counts in-progress tasks assigned to email. It fails open: an
// unmapped user or an unreachable board yields a skipped check, not an error.
func (e *Engine) checkLimit(ctx context.Context, taskID, email, who string) (LimitCheck, error) {
	max := e.Config.Lifecycle.MaxTasksPerUser
	if max <= 0 {
		return LimitCheck{Status: LimitDisabled}, nil
	}
	if email == "" {
		e.logger().Info("task limit check skipped", "user", who, "reason", "no mapped email")
		return LimitCheck{Status: LimitSkipped, Limit: max, Reason: "no mapped email"}, nil
	}
	tasks, err := e.Board.ListPhaseTasks(ctx, e.Phases.ID(domain.PhaseInProgress), e.Config.Lifecycle.LimitScanSize)
	if err != nil {
		e.logger().Warn("task limit check skipped", "user", who, "error", err)
		return LimitCheck{Status: LimitSkipped, Limit: max, Reason: "in-progress tasks unavailable"}, nil
	}
	current := 0
	for _, t := range tasks {
		if t.AssignedTo(email) {
			current++
		}
	}
	if current >= max {
		return LimitCheck{Status: LimitChecked, Current: current, Limit: max}, &StateConflictError{
			TaskID:  taskID,
			Phase:   domain.PhaseTodo,
			Current: current,
			Limit:   max,
			Reason:  fmt.Sprintf("%s already has %d/%d tasks in progress", who, current, max),
		}
	}
	return LimitCheck{Status: LimitChecked, Current: current, Limit: max}, nil
}
