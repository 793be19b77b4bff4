package domain

import (
	"strings"
	"time"
)

// Phase is a task's lifecycle stage on the board.
type Phase string

const (
	PhaseUnknown    Phase = ""
	PhaseBacklog    Phase = "backlog"
	PhaseTodo       Phase = "todo"
	PhaseInProgress Phase = "in_progress"
	PhaseInReview   Phase = "in_review"
	PhaseBlocked    Phase = "blocked"
	PhaseDone       Phase = "done"
)

// Phases lists every known phase in board order.
func Phases() []Phase {
	return []Phase{PhaseBacklog, PhaseTodo, PhaseInProgress, PhaseInReview, PhaseBlocked, PhaseDone}
}

// ParsePhase accepts the canonical names plus a few spellings used in chat commands.
func ParsePhase(s string) (Phase, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	switch key {
	case "backlog":
		return PhaseBacklog, true
	case "todo", "to_do", "a_fazer":
		return PhaseTodo, true
	case "in_progress", "inprogress", "doing", "em_andamento":
		return PhaseInProgress, true
	case "in_review", "inreview", "review", "em_revisao":
		return PhaseInReview, true
	case "blocked", "bloqueado":
		return PhaseBlocked, true
	case "done", "concluido":
		return PhaseDone, true
	}
	return PhaseUnknown, false
}

func (p Phase) Label() string {
	switch p {
	case PhaseBacklog:
		return "Backlog"
	case PhaseTodo:
		return "To Do"
	case PhaseInProgress:
		return "In Progress"
	case PhaseInReview:
		return "In Review"
	case PhaseBlocked:
		return "Blocked"
	case PhaseDone:
		return "Done"
	}
	return "Unknown"
}

type Assignee struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Field struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Task mirrors a remote board card. Copies held here may be stale.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Phase       Phase      `json:"phase"`
	PhaseID     string     `json:"phase_id,omitempty"`
	PhaseName   string     `json:"phase_name,omitempty"`
	Creator     string     `json:"creator,omitempty"`
	Assignees   []Assignee `json:"assignees"`
	Fields      []Field    `json:"fields,omitempty"`
	CreatedAt   time.Time  `json:"created_at" format:"date-time"`
}

// Assignee returns the first assignee; boards carry at most one in practice.
func (t Task) Assignee() (Assignee, bool) {
	if len(t.Assignees) == 0 {
		return Assignee{}, false
	}
	return t.Assignees[0], true
}

// AssignedTo reports whether any assignee carries the email, ignoring case.
func (t Task) AssignedTo(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" {
		return false
	}
	for _, a := range t.Assignees {
		if strings.EqualFold(strings.TrimSpace(a.Email), email) {
			return true
		}
	}
	return false
}

// AssigneeNames joins assignee names for display.
func (t Task) AssigneeNames() string {
	names := make([]string, 0, len(t.Assignees))
	for _, a := range t.Assignees {
		if a.Name != "" {
			names = append(names, a.Name)
		} else if a.Email != "" {
			names = append(names, a.Email)
		}
	}
	return strings.Join(names, ", ")
}

func (t Task) Summary() TaskSummary {
	return TaskSummary{ID: t.ID, Title: t.Title}
}

// TaskSummary is the lightweight listing payload kept in the cache.
type TaskSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Comment struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Caller identifies the chat user issuing a command.
type Caller struct {
	ID       string   `json:"id"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// DisplayName prefers the username over the raw platform id.
func (c Caller) DisplayName() string {
	if c.Username != "" {
		return c.Username
	}
	return c.ID
}

// Event is one row of the local audit log.
type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id,omitempty"`
	ActorID       string `json:"actor_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Payload       string `json:"payload_json"`
}
