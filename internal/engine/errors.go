package engine

import (
	"errors"
	"fmt"

	"taskbridge/internal/board"
	"taskbridge/internal/domain"
)

const maxRemoteMessage = 200

// ValidationError rejects input before any remote call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// PermissionError names the current assignee so the caller knows who owns the task.
type PermissionError struct {
	Operation string
	TaskID    string
	Assignee  string
}

func (e *PermissionError) Error() string {
	owner := e.Assignee
	if owner == "" {
		owner = "nobody"
	}
	return fmt.Sprintf("not allowed to %s task %s: it is assigned to %s and the command needs elevated permission", e.Operation, e.TaskID, owner)
}

// StateConflictError reports the state the task is actually in.
type StateConflictError struct {
	TaskID   string
	Phase    domain.Phase
	Expected domain.Phase
	Assignee string
	Current  int
	Limit    int
	Reason   string
}

func (e *StateConflictError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("task %s is in %s, expected %s", e.TaskID, e.Phase.Label(), e.Expected.Label())
}

// RemoteServiceError wraps a failed board call. Message is truncated for display.
type RemoteServiceError struct {
	Op       string
	Message  string
	NotFound bool
	Err      error
}

func (e *RemoteServiceError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("%s: not found on the board", e.Op)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

func (e *RemoteServiceError) Unwrap() error { return e.Err }

func remoteError(op string, err error) *RemoteServiceError {
	msg := err.Error()
	var be *board.Error
	if errors.As(err, &be) && be.Message != "" {
		msg = be.Message
	}
	return &RemoteServiceError{
		Op:       op,
		Message:  truncate(msg, maxRemoteMessage),
		NotFound: board.IsNotFound(err),
		Err:      err,
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
