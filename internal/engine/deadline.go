package engine

import (
	"time"

	"taskbridge/internal/domain"
)

type DeadlineStatus string

const (
	DeadlineNormal  DeadlineStatus = "normal"
	DeadlineWarning DeadlineStatus = "warning"
	DeadlineOverdue DeadlineStatus = "overdue"
)

type Deadline struct {
	Status       DeadlineStatus `json:"status"`
	ElapsedHours float64        `json:"elapsed_hours"`
}

// ClassifyDeadline is display-only; nothing is blocked on it.
func ClassifyDeadline(createdAt, now time.Time, warning, timeout time.Duration) Deadline {
	if createdAt.IsZero() {
		return Deadline{Status: DeadlineNormal}
	}
	elapsed := now.Sub(createdAt)
	d := Deadline{Status: DeadlineNormal, ElapsedHours: elapsed.Hours()}
	switch {
	case elapsed > timeout:
		d.Status = DeadlineOverdue
	case elapsed > warning:
		d.Status = DeadlineWarning
	}
	return d
}

func (e *Engine) deadline(t domain.Task) Deadline {
	l := e.Config.Lifecycle
	return ClassifyDeadline(t.CreatedAt, e.now(), l.Warning(), l.Timeout())
}
