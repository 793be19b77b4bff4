package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"taskbridge/internal/cache"
	"taskbridge/internal/domain"
	"taskbridge/internal/events"
	"taskbridge/internal/repo"
)

// Listing is one page of a phase, possibly served from cache.
type Listing struct {
	Phase  domain.Phase         `json:"phase"`
	Tasks  []domain.TaskSummary `json:"tasks"`
	Cached bool                 `json:"cached"`
}

// ListPhase is cache-aside: a miss reads the board and fills the cache.
func (e *Engine) ListPhase(ctx context.Context, caller domain.Caller, phase domain.Phase, limit int) (Listing, error) {
	phaseID := e.Phases.ID(phase)
	if phaseID == "" {
		return Listing{}, &ValidationError{Field: "phase", Message: fmt.Sprintf("unknown phase %q", phase)}
	}
	max := e.Config.Lifecycle.ListSize
	if limit <= 0 || limit > max {
		limit = max
	}
	key := cache.PhaseKey(caller.ID, phase)
	if e.Cache != nil {
		if hit, ok := e.Cache.Get(key); ok {
			if len(hit) > limit {
				hit = hit[:limit]
			}
			return Listing{Phase: phase, Tasks: hit, Cached: true}, nil
		}
	}
	tasks, err := e.Board.ListPhaseTasks(ctx, phaseID, max)
	if err != nil {
		e.logger().Error("board list phase", "phase", phase, "error", err)
		return Listing{}, remoteError("list "+phase.Label(), err)
	}
	summaries := make([]domain.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		summaries = append(summaries, t.Summary())
	}
	if e.Cache != nil {
		e.Cache.Set(key, summaries)
	}
	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return Listing{Phase: phase, Tasks: summaries}, nil
}

// TaskStatus pairs a task with its deadline classification.
type TaskStatus struct {
	Task     domain.Task `json:"task"`
	Deadline Deadline    `json:"deadline"`
}

type MyTasks struct {
	Email string       `json:"email"`
	Tasks []TaskStatus `json:"tasks"`
}

var myTaskPhases = []domain.Phase{domain.PhaseInProgress, domain.PhaseInReview}

// MyTasks lists the caller's in-progress and in-review tasks.
func (e *Engine) MyTasks(ctx context.Context, caller domain.Caller) (MyTasks, error) {
	email, ok := e.callerEmail(caller)
	if !ok {
		return MyTasks{}, &ValidationError{Field: "caller", Message: "no email is mapped for you; ask an administrator to add your mapping"}
	}
	byPhase := e.fetchPhases(ctx, myTaskPhases, e.Config.Lifecycle.LimitScanSize)
	out := MyTasks{Email: email, Tasks: []TaskStatus{}}
	for _, p := range myTaskPhases {
		for _, t := range byPhase[p].tasks {
			if t.AssignedTo(email) {
				t.Phase = p
				out.Tasks = append(out.Tasks, TaskStatus{Task: t, Deadline: e.deadline(t)})
			}
		}
	}
	return out, nil
}

// TaskDetail is the full view of one task.
type TaskDetail struct {
	Task           domain.Task    `json:"task"`
	Deadline       Deadline       `json:"deadline"`
	Type           string         `json:"type"`
	Responsibility string         `json:"responsibility,omitempty"`
	History        []domain.Event `json:"history"`
}

func (e *Engine) TaskInfo(ctx context.Context, rawID string) (TaskDetail, error) {
	id, err := ValidateTaskID(rawID)
	if err != nil {
		return TaskDetail{}, err
	}
	task, err := e.fetchTask(ctx, id)
	if err != nil {
		return TaskDetail{}, err
	}
	d := TaskDetail{Task: task, Deadline: e.deadline(task), Type: DetectTaskType(task), History: []domain.Event{}}
	if e.DB != nil {
		history, err := e.Repo.TaskEvents(ctx, id)
		if err != nil {
			e.logger().Warn("load task history", "task_id", id, "error", err)
		} else if history != nil {
			d.History = history
		}
	}
	if task.Phase == domain.PhaseInProgress {
		if started := e.responsibilityStart(ctx, task); !started.IsZero() {
			d.Responsibility = FormatDuration(e.now().Sub(started))
		}
	}
	return d, nil
}

// Dashboard aggregates every phase.
type Dashboard struct {
	Counts           map[domain.Phase]int `json:"counts"`
	Total            int                  `json:"total"`
	ActiveDevelopers int                  `json:"active_developers"`
	Overdue          int                  `json:"overdue"`
	Degraded         []domain.Phase       `json:"degraded,omitempty"`
	GeneratedAt      time.Time            `json:"generated_at" format:"date-time"`
}

func (e *Engine) Dashboard(ctx context.Context) (Dashboard, error) {
	phases := domain.Phases()
	byPhase := e.fetchPhases(ctx, phases, e.Config.Lifecycle.DashboardSize)
	d := Dashboard{Counts: map[domain.Phase]int{}, GeneratedAt: e.now().UTC()}
	devs := map[string]struct{}{}
	for _, p := range phases {
		r := byPhase[p]
		if r.err != nil {
			d.Degraded = append(d.Degraded, p)
		}
		d.Counts[p] = len(r.tasks)
		d.Total += len(r.tasks)
		if p != domain.PhaseInProgress {
			continue
		}
		for _, t := range r.tasks {
			for _, a := range t.Assignees {
				if a.Name != "" {
					devs[a.Name] = struct{}{}
				}
			}
			if e.deadline(t).Status == DeadlineOverdue {
				d.Overdue++
			}
		}
	}
	d.ActiveDevelopers = len(devs)
	return d, nil
}

type phaseResult struct {
	tasks []domain.Task
	err   error
}

// fetchPhases reads phases in parallel with all-settled semantics: a failed
// phase yields an empty list and never cancels its siblings.
func (e *Engine) fetchPhases(ctx context.Context, phases []domain.Phase, limit int) map[domain.Phase]phaseResult {
	results := make([]phaseResult, len(phases))
	var g errgroup.Group
	for i, p := range phases {
		i, p := i, p
		g.Go(func() error {
			tasks, err := e.Board.ListPhaseTasks(ctx, e.Phases.ID(p), limit)
			if err != nil {
				e.logger().Warn("phase fetch degraded", "phase", p, "error", err)
				results[i] = phaseResult{err: err}
				return nil
			}
			results[i] = phaseResult{tasks: tasks}
			return nil
		})
	}
	_ = g.Wait()
	out := make(map[domain.Phase]phaseResult, len(phases))
	for i, p := range phases {
		out[p] = results[i]
	}
	return out
}

func repoTaskFilter(typ, taskID string) repo.EventFilter {
	return repo.EventFilter{Type: typ, EntityKind: events.EntityTask, EntityID: taskID}
}
