// Package board talks to the kanban service that owns task state.
package board

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskbridge/internal/config"
	"taskbridge/internal/domain"
)

// Service is the set of remote operations the lifecycle engine needs.
// Implementations return *Error for every failure.
type Service interface {
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	ListPhaseTasks(ctx context.Context, phaseID string, limit int) ([]domain.Task, error)
	MoveTask(ctx context.Context, taskID, phaseID string) (domain.Task, error)
	// SetAssignee replaces the assignee with the member owning email; empty email clears it.
	SetAssignee(ctx context.Context, taskID, email string) (domain.Task, error)
	UpdateField(ctx context.Context, taskID, fieldID, value string) (bool, error)
	AddComment(ctx context.Context, taskID, text string) (domain.Comment, error)
	ListComments(ctx context.Context, taskID string) ([]domain.Comment, error)
	ListMembers(ctx context.Context) ([]domain.Member, error)
}

type ErrorKind int

const (
	// KindRemote is a rejection reported by the service itself.
	KindRemote ErrorKind = iota
	KindNotFound
	// KindTransport covers network failures and non-2xx responses.
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransport:
		return "transport"
	default:
		return "remote"
	}
}

// Error is the closed error type of the board client.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("board %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("board %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func IsNotFound(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == KindNotFound
}

// PhaseMap translates between lifecycle phases and remote phase ids.
type PhaseMap map[domain.Phase]string

func PhaseMapFromConfig(p config.Phases) PhaseMap {
	return PhaseMap{
		domain.PhaseBacklog:    p.Backlog,
		domain.PhaseTodo:       p.Todo,
		domain.PhaseInProgress: p.InProgress,
		domain.PhaseInReview:   p.InReview,
		domain.PhaseBlocked:    p.Blocked,
		domain.PhaseDone:       p.Done,
	}
}

func (m PhaseMap) ID(p domain.Phase) string {
	return m[p]
}

// Phase resolves a remote phase id; unknown ids map to PhaseUnknown.
func (m PhaseMap) Phase(id string) domain.Phase {
	for p, pid := range m {
		if pid != "" && pid == id {
			return p
		}
	}
	return domain.PhaseUnknown
}

// Instrumented reports the duration and outcome of every call on Next.
type Instrumented struct {
	Next    Service
	Observe func(ctx context.Context, op string, elapsed time.Duration, err error)
}

func (i Instrumented) observe(ctx context.Context, op string, start time.Time, err error) {
	if i.Observe != nil {
		i.Observe(ctx, op, time.Since(start), err)
	}
}

func (i Instrumented) GetTask(ctx context.Context, taskID string) (t domain.Task, err error) {
	defer func(start time.Time) { i.observe(ctx, "get_task", start, err) }(time.Now())
	return i.Next.GetTask(ctx, taskID)
}

func (i Instrumented) ListPhaseTasks(ctx context.Context, phaseID string, limit int) (ts []domain.Task, err error) {
	defer func(start time.Time) { i.observe(ctx, "list_phase_tasks", start, err) }(time.Now())
	return i.Next.ListPhaseTasks(ctx, phaseID, limit)
}

func (i Instrumented) MoveTask(ctx context.Context, taskID, phaseID string) (t domain.Task, err error) {
	defer func(start time.Time) { i.observe(ctx, "move_task", start, err) }(time.Now())
	return i.Next.MoveTask(ctx, taskID, phaseID)
}

func (i Instrumented) SetAssignee(ctx context.Context, taskID, email string) (t domain.Task, err error) {
	defer func(start time.Time) { i.observe(ctx, "set_assignee", start, err) }(time.Now())
	return i.Next.SetAssignee(ctx, taskID, email)
}

func (i Instrumented) UpdateField(ctx context.Context, taskID, fieldID, value string) (ok bool, err error) {
	defer func(start time.Time) { i.observe(ctx, "update_field", start, err) }(time.Now())
	return i.Next.UpdateField(ctx, taskID, fieldID, value)
}

func (i Instrumented) AddComment(ctx context.Context, taskID, text string) (c domain.Comment, err error) {
	defer func(start time.Time) { i.observe(ctx, "add_comment", start, err) }(time.Now())
	return i.Next.AddComment(ctx, taskID, text)
}

func (i Instrumented) ListComments(ctx context.Context, taskID string) (cs []domain.Comment, err error) {
	defer func(start time.Time) { i.observe(ctx, "list_comments", start, err) }(time.Now())
	return i.Next.ListComments(ctx, taskID)
}

func (i Instrumented) ListMembers(ctx context.Context) (ms []domain.Member, err error) {
	defer func(start time.Time) { i.observe(ctx, "list_members", start, err) }(time.Now())
	return i.Next.ListMembers(ctx)
}
