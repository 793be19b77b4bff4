package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskbridge/internal/domain"
	"taskbridge/internal/events"
	"taskbridge/internal/gamification"
)

type Operation string

const (
	OpTake     Operation = "take"
	OpComplete Operation = "complete"
	OpApprove  Operation = "approve"
	OpRelease  Operation = "release"
	OpAssign   Operation = "assign"
)

type transition struct {
	op        Operation
	from, to  domain.Phase
	eventType string
}

var (
	takeTransition     = transition{OpTake, domain.PhaseTodo, domain.PhaseInProgress, events.TaskTaken}
	completeTransition = transition{OpComplete, domain.PhaseInProgress, domain.PhaseInReview, events.TaskCompleted}
	approveTransition  = transition{OpApprove, domain.PhaseInReview, domain.PhaseDone, events.TaskApproved}
	releaseTransition  = transition{OpRelease, domain.PhaseInProgress, domain.PhaseTodo, events.TaskReleased}
	assignTransition   = transition{OpAssign, domain.PhaseTodo, domain.PhaseInProgress, events.TaskAssigned}
)

// Result describes a finished lifecycle operation.
type Result struct {
	Operation      Operation           `json:"operation"`
	Task           domain.Task         `json:"task"`
	From           domain.Phase        `json:"from"`
	To             domain.Phase        `json:"to"`
	NoOp           bool                `json:"no_op,omitempty"`
	Warning        string              `json:"warning,omitempty"`
	Limit          *LimitCheck         `json:"limit_check,omitempty"`
	Deadline       Deadline            `json:"deadline"`
	Assignee       string              `json:"assignee,omitempty"`
	Responsibility string              `json:"responsibility,omitempty"`
	Award          *gamification.Award `json:"award,omitempty"`
	AuditID        int64               `json:"audit_id,omitempty"`
	Invalidated    int                 `json:"cache_invalidated"`
}

func (e *Engine) validateCall(caller domain.Caller, rawID string) (string, error) {
	id, err := ValidateTaskID(rawID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(caller.ID) == "" {
		return "", &ValidationError{Field: "caller", Message: "caller id is required"}
	}
	return id, nil
}

func expectPhase(t domain.Task, tr transition) error {
	if t.Phase == tr.from {
		return nil
	}
	return &StateConflictError{
		TaskID:   t.ID,
		Phase:    t.Phase,
		Expected: tr.from,
		Assignee: t.AssigneeNames(),
		Reason:   fmt.Sprintf("cannot %s task %s: it is in %s, expected %s", tr.op, t.ID, phaseLabel(t), tr.from.Label()),
	}
}

func phaseLabel(t domain.Task) string {
	if t.Phase == domain.PhaseUnknown && t.PhaseName != "" {
		return t.PhaseName
	}
	return t.Phase.Label()
}

// mayActAsOwner is true for the current assignee and for elevated callers.
func (e *Engine) mayActAsOwner(caller domain.Caller, t domain.Task) bool {
	if email, ok := e.callerEmail(caller); ok && t.AssignedTo(email) {
		return true
	}
	return e.Policy.Elevated(caller)
}

func (e *Engine) move(ctx context.Context, t domain.Task, tr transition) (domain.Task, error) {
	moved, err := e.Board.MoveTask(ctx, t.ID, e.Phases.ID(tr.to))
	if err != nil {
		e.logger().Error("board move task", "task_id", t.ID, "op", tr.op, "to", tr.to, "error", err)
		return domain.Task{}, remoteError(fmt.Sprintf("move task %s to %s", t.ID, tr.to.Label()), err)
	}
	if moved.ID == "" {
		moved = t
	}
	moved.Phase = tr.to
	if moved.Description == "" {
		moved.Description = t.Description
	}
	return moved, nil
}

func (e *Engine) setAssignee(ctx context.Context, taskID, email string) (domain.Task, error) {
	t, err := e.Board.SetAssignee(ctx, taskID, email)
	if err != nil {
		e.logger().Error("board set assignee", "task_id", taskID, "error", err)
		return domain.Task{}, remoteError("set assignee on task "+taskID, err)
	}
	return t, nil
}

// claim moves the task and then sets its assignee. When the assignee update
// fails the task is moved back to its source phase and the error returned.
func (e *Engine) claim(ctx context.Context, task domain.Task, tr transition, email string) (domain.Task, error) {
	moved, err := e.move(ctx, task, tr)
	if err != nil {
		return domain.Task{}, err
	}
	updated, err := e.setAssignee(ctx, task.ID, email)
	if err != nil {
		e.revert(ctx, task, tr)
		return domain.Task{}, err
	}
	moved.Assignees = updated.Assignees
	if moved.Assignees == nil {
		moved.Assignees = []domain.Assignee{}
	}
	return moved, nil
}

func (e *Engine) revert(ctx context.Context, task domain.Task, tr transition) {
	if _, err := e.Board.MoveTask(ctx, task.ID, e.Phases.ID(tr.from)); err != nil {
		e.logger().Error("revert move", "task_id", task.ID, "op", tr.op, "to", tr.from, "error", err)
		return
	}
	e.logger().Warn("move reverted", "task_id", task.ID, "op", tr.op, "to", tr.from)
}

// updateResponsible mirrors the owner into the configured custom fields.
func (e *Engine) updateResponsible(ctx context.Context, taskID, name, email string) {
	fields := e.Config.Board.Fields
	updates := [][2]string{{fields.Responsible, name}, {fields.ResponsibleEmail, email}}
	for _, u := range updates {
		if u[0] == "" {
			continue
		}
		if _, err := e.Board.UpdateField(ctx, taskID, u[0], u[1]); err != nil {
			e.logger().Warn("update responsible field", "task_id", taskID, "field", u[0], "error", err)
		}
	}
}

// finish runs the best-effort steps after a successful move: cache
// invalidation, audit entry, comment mirror.
func (e *Engine) finish(ctx context.Context, caller domain.Caller, res *Result, tr transition, payload events.EventPayload, mirror string) {
	if e.Cache != nil {
		n := e.Cache.InvalidateByPhase(string(tr.from))
		n += e.Cache.InvalidateByPhase(string(tr.to))
		n += e.Cache.InvalidateByTaskID(res.Task.ID)
		res.Invalidated = n
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = string(tr.from)
	payload["to"] = string(tr.to)
	payload["title"] = res.Task.Title
	if caller.Username != "" {
		payload["username"] = caller.Username
	}
	if e.DB != nil {
		id, err := e.Events.Append(ctx, events.Entry{
			Type:       tr.eventType,
			EntityKind: events.EntityTask,
			EntityID:   res.Task.ID,
			ActorID:    caller.ID,
			Payload:    payload,
		})
		if err != nil {
			e.logger().Error("append audit entry", "task_id", res.Task.ID, "type", tr.eventType, "error", err)
		} else {
			res.AuditID = id
		}
	}
	if mirror != "" {
		if _, err := e.Board.AddComment(ctx, res.Task.ID, mirror); err != nil {
			e.logger().Warn("mirror audit comment", "task_id", res.Task.ID, "error", err)
		}
	}
	e.Metrics.RecordTransition(ctx, string(tr.op), string(tr.from), string(tr.to))
	e.logger().Info("task transition", "op", tr.op, "task_id", res.Task.ID, "caller", caller.ID, "from", tr.from, "to", tr.to)
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Take moves a Todo task to InProgress and assigns it to the caller. Taking a
// task the caller already holds is a no-op with a warning.
func (e *Engine) Take(ctx context.Context, caller domain.Caller, rawID, comment string) (Result, error) {
	id, err := e.validateCall(caller, rawID)
	if err != nil {
		return Result{}, err
	}
	comment = SanitizeComment(comment)
	unlock := e.locks.lock(id)
	defer unlock()

	task, err := e.fetchTask(ctx, id)
	if err != nil {
		return Result{}, err
	}
	email, mapped := e.callerEmail(caller)
	if mapped && task.Phase == domain.PhaseInProgress && task.AssignedTo(email) {
		return Result{
			Operation: OpTake, Task: task, From: task.Phase, To: task.Phase, NoOp: true,
			Warning:  fmt.Sprintf("task %s is already assigned to you", id),
			Deadline: e.deadline(task),
		}, nil
	}
	if err := expectPhase(task, takeTransition); err != nil {
		return Result{}, err
	}
	if owner, ok := task.Assignee(); ok && !(mapped && task.AssignedTo(email)) {
		name := owner.Name
		if name == "" {
			name = owner.Email
		}
		return Result{}, &StateConflictError{
			TaskID: id, Phase: task.Phase, Expected: domain.PhaseTodo, Assignee: name,
			Reason: fmt.Sprintf("task %s is already assigned to %s", id, name),
		}
	}
	limit, err := e.checkLimit(ctx, id, email, caller.DisplayName())
	if err != nil {
		return Result{}, err
	}

	res := Result{Operation: OpTake, From: takeTransition.from, To: takeTransition.to, Limit: &limit}
	var moved domain.Task
	if mapped {
		moved, err = e.claim(ctx, task, takeTransition, email)
	} else {
		res.Warning = "no email is mapped for you, so the task was moved without a board assignee"
		moved, err = e.move(ctx, task, takeTransition)
	}
	if err != nil {
		return Result{}, err
	}
	res.Task = moved
	res.Deadline = e.deadline(moved)
	name := e.callerName(caller)
	res.Assignee = name

	payload := events.EventPayload{"assignee": name, "limit_check": string(limit.Status)}
	if email != "" {
		payload["assignee_email"] = email
	}
	if comment != "" {
		payload["comment"] = comment
	}
	mirror := fmt.Sprintf("Task taken via taskbridge\nResponsible: %s\nStarted at: %s", name, e.stamp())
	e.finish(ctx, caller, &res, takeTransition, payload, mirror)
	e.updateResponsible(ctx, id, name, email)
	return res, nil
}

// Complete sends an InProgress task to review.
func (e *Engine) Complete(ctx context.Context, caller domain.Caller, rawID, comment string) (Result, error) {
	id, err := e.validateCall(caller, rawID)
	if err != nil {
		return Result{}, err
	}
	comment, err = requireComment(comment, e.Config.Lifecycle.MinCompleteComment, "complete")
	if err != nil {
		return Result{}, err
	}
	unlock := e.locks.lock(id)
	defer unlock()

	task, err := e.fetchTask(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if err := expectPhase(task, completeTransition); err != nil {
		return Result{}, err
	}
	if !e.mayActAsOwner(caller, task) {
		return Result{}, &PermissionError{Operation: string(OpComplete), TaskID: id, Assignee: task.AssigneeNames()}
	}
	started := e.responsibilityStart(ctx, task)
	moved, err := e.move(ctx, task, completeTransition)
	if err != nil {
		return Result{}, err
	}
	res := Result{Operation: OpComplete, Task: moved, From: completeTransition.from, To: completeTransition.to, Deadline: e.deadline(task)}
	res.Assignee = task.AssigneeNames()
	payload := events.EventPayload{"comment": comment, "task_type": DetectTaskType(task)}
	mirror := fmt.Sprintf("Task completed via taskbridge\nBy: %s\nComment: %s\nAt: %s", e.callerName(caller), comment, e.stamp())
	e.finish(ctx, caller, &res, completeTransition, payload, mirror)

	var spent time.Duration
	if !started.IsZero() {
		spent = e.now().Sub(started)
	}
	res.Award = e.award(caller.ID, e.Config.Lifecycle.CompletePoints, gamification.KindTaskCompleted, gamification.EventContext{
		TaskID:    id,
		TaskType:  DetectTaskType(task),
		Username:  caller.Username,
		TimeSpent: spent,
		At:        e.now(),
	})
	return res, nil
}

// Approve closes a reviewed task. Only elevated callers may approve; the
// points go to the developer who owns the task.
func (e *Engine) Approve(ctx context.Context, caller domain.Caller, rawID, comment string) (Result, error) {
	id, err := e.validateCall(caller, rawID)
	if err != nil {
		return Result{}, err
	}
	comment, err = requireComment(comment, e.Config.Lifecycle.MinApproveComment, "approve")
	if err != nil {
		return Result{}, err
	}
	unlock := e.locks.lock(id)
	defer unlock()

	task, err := e.fetchTask(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if err := expectPhase(task, approveTransition); err != nil {
		return Result{}, err
	}
	if !e.Policy.Elevated(caller) {
		return Result{}, &PermissionError{Operation: string(OpApprove), TaskID: id, Assignee: task.AssigneeNames()}
	}
	moved, err := e.move(ctx, task, approveTransition)
	if err != nil {
		return Result{}, err
	}
	res := Result{Operation: OpApprove, Task: moved, From: approveTransition.from, To: approveTransition.to, Deadline: e.deadline(task)}
	res.Assignee = task.AssigneeNames()
	payload := events.EventPayload{"comment": comment, "reviewer": e.callerName(caller)}
	if owner, ok := task.Assignee(); ok {
		payload["assignee"] = owner.Name
		payload["assignee_email"] = owner.Email
	}
	mirror := fmt.Sprintf("Task approved via taskbridge\nReviewer: %s\nComment: %s\nAt: %s", e.callerName(caller), comment, e.stamp())
	e.finish(ctx, caller, &res, approveTransition, payload, mirror)

	owner, ok := task.Assignee()
	if !ok {
		e.logger().Info("approval award skipped", "task_id", id, "reason", "task has no assignee")
		return res, nil
	}
	developer, ok := e.Identity.ResolveIdentifierByEmail(owner.Email)
	if !ok {
		e.logger().Info("approval award skipped", "task_id", id, "reason", "assignee email not mapped", "email", owner.Email)
		return res, nil
	}
	res.Award = e.award(developer, e.Config.Lifecycle.ApprovePoints, gamification.KindTaskApproved, gamification.EventContext{
		TaskID:   id,
		TaskType: DetectTaskType(task),
		FirstTry: e.firstTry(ctx, id),
		At:       e.now(),
	})
	return res, nil
}

// Release returns an InProgress task to Todo and clears its owner.
func (e *Engine) Release(ctx context.Context, caller domain.Caller, rawID, reason string) (Result, error) {
	id, err := e.validateCall(caller, rawID)
	if err != nil {
		return Result{}, err
	}
	reason = SanitizeComment(reason)
	unlock := e.locks.lock(id)
	defer unlock()

	task, err := e.fetchTask(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if err := expectPhase(task, releaseTransition); err != nil {
		return Result{}, err
	}
	if !e.mayActAsOwner(caller, task) {
		return Result{}, &PermissionError{Operation: string(OpRelease), TaskID: id, Assignee: task.AssigneeNames()}
	}
	previous := task.AssigneeNames()
	if previous == "" {
		previous = caller.DisplayName()
	}
	responsibility := "unknown"
	if started := e.responsibilityStart(ctx, task); !started.IsZero() {
		responsibility = FormatDuration(e.now().Sub(started))
	}

	moved, err := e.claim(ctx, task, releaseTransition, "")
	if err != nil {
		return Result{}, err
	}

	res := Result{Operation: OpRelease, Task: moved, From: releaseTransition.from, To: releaseTransition.to, Deadline: e.deadline(task), Responsibility: responsibility}
	payload := events.EventPayload{"previous_assignee": previous, "responsibility": responsibility}
	if reason != "" {
		payload["reason"] = reason
	}
	mirror := fmt.Sprintf("Task released via taskbridge\nPrevious responsible: %s\nResponsibility time: %s\nReleased by: %s\nAt: %s",
		previous, responsibility, e.callerName(caller), e.stamp())
	e.finish(ctx, caller, &res, releaseTransition, payload, mirror)
	e.updateResponsible(ctx, id, "", "")
	return res, nil
}

// Assign hands a Todo task to target on behalf of an elevated caller. The
// target must have a mapped email and room under the per-user limit.
func (e *Engine) Assign(ctx context.Context, caller domain.Caller, rawID, target, comment string) (Result, error) {
	id, err := e.validateCall(caller, rawID)
	if err != nil {
		return Result{}, err
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return Result{}, &ValidationError{Field: "target", Message: "assign requires a target user"}
	}
	targetEmail, ok := e.Identity.ResolveEmail(target)
	if !ok {
		return Result{}, &ValidationError{Field: "target", Message: fmt.Sprintf("user %s has no mapped email", target)}
	}
	comment = SanitizeComment(comment)
	unlock := e.locks.lock(id)
	defer unlock()

	task, err := e.fetchTask(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if err := expectPhase(task, assignTransition); err != nil {
		return Result{}, err
	}
	if !e.Policy.Elevated(caller) {
		return Result{}, &PermissionError{Operation: string(OpAssign), TaskID: id, Assignee: task.AssigneeNames()}
	}
	targetName, ok := e.Identity.ResolveFullName(target)
	if !ok {
		targetName = target
	}
	limit, err := e.checkLimit(ctx, id, targetEmail, targetName)
	if err != nil {
		return Result{}, err
	}
	moved, err := e.claim(ctx, task, assignTransition, targetEmail)
	if err != nil {
		return Result{}, err
	}

	res := Result{Operation: OpAssign, Task: moved, From: assignTransition.from, To: assignTransition.to, Limit: &limit, Deadline: e.deadline(moved), Assignee: targetName}
	payload := events.EventPayload{"target": target, "assignee": targetName, "assignee_email": targetEmail, "assigned_by": e.callerName(caller)}
	if comment != "" {
		payload["comment"] = comment
	}
	mirror := fmt.Sprintf("Task assigned via taskbridge\nResponsible: %s\nAssigned by: %s\nStarted at: %s", targetName, e.callerName(caller), e.stamp())
	e.finish(ctx, caller, &res, assignTransition, payload, mirror)
	e.updateResponsible(ctx, id, targetName, targetEmail)
	return res, nil
}

// award is best-effort: failures are logged and the transition still stands.
func (e *Engine) award(userID string, amount int, kind gamification.EventKind, ec gamification.EventContext) *gamification.Award {
	if e.Ledger == nil || userID == "" {
		return nil
	}
	a, err := e.Ledger.AwardPoints(userID, amount, kind, ec)
	if err != nil {
		e.logger().Error("gamification award", "user_id", userID, "kind", kind, "error", err)
		if a.UserID == "" {
			return nil
		}
	}
	return &a
}

// responsibilityStart is the time of the latest take or assign entry for the
// task, falling back to its creation time.
func (e *Engine) responsibilityStart(ctx context.Context, t domain.Task) time.Time {
	if e.DB != nil {
		ev, err := e.Repo.LatestTaskEvent(ctx, t.ID, events.TaskTaken, events.TaskAssigned)
		if err == nil {
			if ts, perr := time.Parse(time.RFC3339, ev.TS); perr == nil {
				return ts
			}
		}
	}
	return t.CreatedAt
}

// firstTry holds when the task went to review exactly once.
func (e *Engine) firstTry(ctx context.Context, taskID string) bool {
	if e.DB == nil {
		return false
	}
	n, err := e.Repo.CountEvents(ctx, repoTaskFilter(events.TaskCompleted, taskID))
	if err != nil {
		e.logger().Warn("count completions", "task_id", taskID, "error", err)
		return false
	}
	return n == 1
}
