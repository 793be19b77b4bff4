// Package boardtest provides an in-memory board.Service for tests.
package boardtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"taskbridge/internal/board"
	"taskbridge/internal/domain"
)

// Fake keeps tasks in memory and counts calls per method so tests can assert
// that no mutation was issued.
type Fake struct {
	mu       sync.Mutex
	Phases   board.PhaseMap
	tasks    map[string]domain.Task
	order    []string
	members  []domain.Member
	comments map[string][]domain.Comment
	fields   map[string]map[string]string
	calls    map[string]int
	log      []string
	// Fail makes the named method return the given error.
	Fail map[string]error
	Now  func() time.Time
}

func New(phases board.PhaseMap) *Fake {
	return &Fake{
		Phases:   phases,
		tasks:    map[string]domain.Task{},
		comments: map[string][]domain.Comment{},
		fields:   map[string]map[string]string{},
		calls:    map[string]int{},
		Fail:     map[string]error{},
		Now:      time.Now,
	}
}

// DefaultPhases mirrors the default configuration ids.
func DefaultPhases() board.PhaseMap {
	return board.PhaseMap{
		domain.PhaseBacklog:    "341883328",
		domain.PhaseTodo:       "341905612",
		domain.PhaseInProgress: "341883329",
		domain.PhaseBlocked:    "341905631",
		domain.PhaseInReview:   "341883330",
		domain.PhaseDone:       "341883354",
	}
}

// Put stores a task; PhaseID is derived from Phase.
func (f *Fake) Put(t domain.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.PhaseID = f.Phases.ID(t.Phase)
	t.PhaseName = t.Phase.Label()
	if t.Assignees == nil {
		t.Assignees = []domain.Assignee{}
	}
	if _, ok := f.tasks[t.ID]; !ok {
		f.order = append(f.order, t.ID)
	}
	f.tasks[t.ID] = t
}

func (f *Fake) AddMember(m domain.Member) {
	f.mu.Lock()
	f.members = append(f.members, m)
	f.mu.Unlock()
}

// Task returns the stored task without counting a call.
func (f *Fake) Task(id string) domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id]
}

func (f *Fake) Comments(id string) []domain.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Comment(nil), f.comments[id]...)
}

func (f *Fake) Field(taskID, fieldID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields[taskID][fieldID]
}

func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Mutations counts every state-changing call.
func (f *Fake) Mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls["MoveTask"] + f.calls["SetAssignee"] + f.calls["UpdateField"] + f.calls["AddComment"]
}

// CallLog lists every method call in order.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *Fake) enter(method string) error {
	f.calls[method]++
	f.log = append(f.log, method)
	return f.Fail[method]
}

func (f *Fake) GetTask(_ context.Context, taskID string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetTask"); err != nil {
		return domain.Task{}, err
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return domain.Task{}, &board.Error{Kind: board.KindNotFound, Op: "get_task", Message: fmt.Sprintf("card %s not found", taskID)}
	}
	return t, nil
}

func (f *Fake) ListPhaseTasks(_ context.Context, phaseID string, limit int) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListPhaseTasks"); err != nil {
		return nil, err
	}
	if err := f.Fail["ListPhaseTasks:"+phaseID]; err != nil {
		return nil, err
	}
	var out []domain.Task
	for _, id := range f.order {
		t := f.tasks[id]
		if t.PhaseID != phaseID {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) MoveTask(_ context.Context, taskID, phaseID string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("MoveTask"); err != nil {
		return domain.Task{}, err
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return domain.Task{}, &board.Error{Kind: board.KindNotFound, Op: "move_task", Message: "card not found"}
	}
	t.PhaseID = phaseID
	t.Phase = f.Phases.Phase(phaseID)
	t.PhaseName = t.Phase.Label()
	f.tasks[taskID] = t
	return t, nil
}

func (f *Fake) SetAssignee(_ context.Context, taskID, email string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetAssignee"); err != nil {
		return domain.Task{}, err
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return domain.Task{}, &board.Error{Kind: board.KindNotFound, Op: "set_assignee", Message: "card not found"}
	}
	if strings.TrimSpace(email) == "" {
		t.Assignees = []domain.Assignee{}
		f.tasks[taskID] = t
		return t, nil
	}
	for _, m := range f.members {
		if strings.EqualFold(m.Email, email) {
			t.Assignees = []domain.Assignee{{ID: m.ID, Name: m.Name, Email: m.Email}}
			f.tasks[taskID] = t
			return t, nil
		}
	}
	return domain.Task{}, &board.Error{Kind: board.KindNotFound, Op: "set_assignee", Message: "no pipe member with email " + email}
}

func (f *Fake) UpdateField(_ context.Context, taskID, fieldID, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateField"); err != nil {
		return false, err
	}
	if f.fields[taskID] == nil {
		f.fields[taskID] = map[string]string{}
	}
	f.fields[taskID][fieldID] = value
	return true, nil
}

func (f *Fake) AddComment(_ context.Context, taskID, text string) (domain.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AddComment"); err != nil {
		return domain.Comment{}, err
	}
	c := domain.Comment{ID: fmt.Sprintf("c%d", len(f.comments[taskID])+1), Text: text, CreatedAt: f.Now()}
	f.comments[taskID] = append(f.comments[taskID], c)
	return c, nil
}

func (f *Fake) ListComments(_ context.Context, taskID string) ([]domain.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListComments"); err != nil {
		return nil, err
	}
	out := append([]domain.Comment(nil), f.comments[taskID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *Fake) ListMembers(_ context.Context) ([]domain.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListMembers"); err != nil {
		return nil, err
	}
	return append([]domain.Member(nil), f.members...), nil
}
