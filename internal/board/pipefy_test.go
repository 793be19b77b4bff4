package board

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbridge/internal/domain"
)

type recordedCall struct {
	Query     string
	Variables map[string]any
}

type fakeGraphQL struct {
	mu     sync.Mutex
	calls  []recordedCall
	handle func(query string, vars map[string]any) (any, []string)
}

func (f *fakeGraphQL) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer secret" {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"unauthorized"}`))
		return
	}
	var req gqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Query: req.Query, Variables: req.Variables})
	f.mu.Unlock()
	data, errs := f.handle(req.Query, req.Variables)
	resp := map[string]any{"data": data}
	if len(errs) > 0 {
		var list []map[string]string
		for _, e := range errs {
			list = append(list, map[string]string{"message": e})
		}
		resp["errors"] = list
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func testPhases() PhaseMap {
	return PhaseMap{
		domain.PhaseTodo:       "10",
		domain.PhaseInProgress: "20",
		domain.PhaseInReview:   "30",
		domain.PhaseDone:       "40",
	}
}

func newTestClient(t *testing.T, handle func(string, map[string]any) (any, []string)) (*PipefyClient, *fakeGraphQL) {
	t.Helper()
	fake := &fakeGraphQL{handle: handle}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c := NewPipefyClient(srv.URL, "secret", "pipe-1", testPhases(), 5*time.Second)
	return c, fake
}

func cardJSON(id, phaseID string) map[string]any {
	return map[string]any{
		"id":        id,
		"title":     "Fix login bug",
		"createdAt": "2024-01-01T10:00:00Z",
		"createdBy": map[string]any{"name": "Paula"},
		"assignees": []map[string]any{{"id": "m1", "name": "Ana", "email": "ana@example.com"}},
		"fields": []map[string]any{
			{"name": "Descrição", "value": "Login fails", "field": map[string]any{"id": "descricao"}},
		},
		"current_phase": map[string]any{"id": phaseID, "name": "Doing"},
	}
}

func TestGetTask(t *testing.T) {
	c, fake := newTestClient(t, func(q string, vars map[string]any) (any, []string) {
		return map[string]any{"card": cardJSON(vars["id"].(string), "20")}, nil
	})
	task, err := c.GetTask(context.Background(), "341883329")
	require.NoError(t, err)
	assert.Equal(t, "341883329", task.ID)
	assert.Equal(t, domain.PhaseInProgress, task.Phase)
	assert.Equal(t, "Doing", task.PhaseName)
	assert.Equal(t, "Paula", task.Creator)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), task.CreatedAt.UTC())
	require.Len(t, task.Assignees, 1)
	assert.Equal(t, "ana@example.com", task.Assignees[0].Email)
	require.Len(t, task.Fields, 1)
	assert.Equal(t, "descricao", task.Fields[0].ID)
	assert.Contains(t, fake.calls[0].Query, "card(id: $id)")
}

func TestGetTaskNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(q string, vars map[string]any) (any, []string) {
		return map[string]any{"card": nil}, nil
	})
	_, err := c.GetTask(context.Background(), "123456789")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestGraphQLErrorsAreRemote(t *testing.T) {
	c, _ := newTestClient(t, func(q string, vars map[string]any) (any, []string) {
		return nil, []string{"Permission denied"}
	})
	_, err := c.MoveTask(context.Background(), "123456789", "30")
	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, KindRemote, be.Kind)
	assert.Equal(t, "move_task", be.Op)
	assert.Contains(t, be.Error(), "Permission denied")
}

func TestTransportErrors(t *testing.T) {
	c, _ := newTestClient(t, nil)
	c.Token = "wrong"
	_, err := c.ListMembers(context.Background())
	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, KindTransport, be.Kind)
	assert.Contains(t, be.Message, "status 401")
}

func TestListPhaseTasks(t *testing.T) {
	c, fake := newTestClient(t, func(q string, vars map[string]any) (any, []string) {
		return map[string]any{"phase": map[string]any{
			"id":   "10",
			"name": "To Do",
			"cards": map[string]any{"edges": []map[string]any{
				{"node": map[string]any{"id": "100000001", "title": "one", "assignees": []any{}}},
				{"node": map[string]any{"id": "100000002", "title": "two", "assignees": []any{}}},
			}},
		}}, nil
	})
	tasks, err := c.ListPhaseTasks(context.Background(), "10", 25)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, domain.PhaseTodo, tasks[0].Phase)
	assert.Equal(t, "To Do", tasks[1].PhaseName)
	assert.EqualValues(t, 25, fake.calls[0].Variables["first"])

	_, err = c.ListPhaseTasks(context.Background(), "", 25)
	assert.Error(t, err)
}

func TestSetAssigneeResolvesMemberByEmail(t *testing.T) {
	c, fake := newTestClient(t, func(q string, vars map[string]any) (any, []string) {
		switch {
		case strings.Contains(q, "GetPipeMembers"):
			return map[string]any{"pipe": map[string]any{"members": []map[string]any{
				{"user": map[string]any{"id": "m1", "name": "Ana", "email": "ana@example.com"}},
				{"user": map[string]any{"id": "m2", "name": "Bruno", "email": "bruno@example.com"}},
			}}}, nil
		case strings.Contains(q, "UpdateCard"):
			return map[string]any{"updateCard": map[string]any{"card": cardJSON("123456789", "20")}}, nil
		}
		return nil, []string{"unexpected"}
	})
	_, err := c.SetAssignee(context.Background(), "123456789", "BRUNO@example.com")
	require.NoError(t, err)
	require.Len(t, fake.calls, 2)
	input := fake.calls[1].Variables["input"].(map[string]any)
	assert.Equal(t, []any{"m2"}, input["assignee_ids"])

	_, err = c.SetAssignee(context.Background(), "123456789", "")
	require.NoError(t, err)
	input = fake.calls[2].Variables["input"].(map[string]any)
	assert.Equal(t, []any{}, input["assignee_ids"], "empty email clears without a member lookup")

	_, err = c.SetAssignee(context.Background(), "123456789", "ghost@example.com")
	assert.True(t, IsNotFound(err))
}

func TestUpdateFieldAndComments(t *testing.T) {
	c, _ := newTestClient(t, func(q string, vars map[string]any) (any, []string) {
		switch {
		case strings.Contains(q, "UpdateCardField"):
			return map[string]any{"updateCardField": map[string]any{"success": true}}, nil
		case strings.Contains(q, "CreateComment"):
			input := vars["input"].(map[string]any)
			return map[string]any{"createComment": map[string]any{"comment": map[string]any{"id": "c1", "text": input["text"], "created_at": "2024-01-02T00:00:00Z"}}}, nil
		case strings.Contains(q, "GetComments"):
			return map[string]any{"card": map[string]any{"comments": []map[string]any{{"id": "c1", "text": "hello"}}}}, nil
		}
		return nil, []string{"unexpected"}
	})
	ok, err := c.UpdateField(context.Background(), "123456789", "responsavel", "Ana")
	require.NoError(t, err)
	assert.True(t, ok)

	comment, err := c.AddComment(context.Background(), "123456789", "note")
	require.NoError(t, err)
	assert.Equal(t, "note", comment.Text)

	comments, err := c.ListComments(context.Background(), "123456789")
	require.NoError(t, err)
	assert.Len(t, comments, 1)
}

func TestPhaseMap(t *testing.T) {
	m := testPhases()
	assert.Equal(t, "30", m.ID(domain.PhaseInReview))
	assert.Equal(t, domain.PhaseDone, m.Phase("40"))
	assert.Equal(t, domain.PhaseUnknown, m.Phase("999"))
}

func TestInstrumentedObservesCalls(t *testing.T) {
	c, _ := newTestClient(t, func(q string, vars map[string]any) (any, []string) {
		return map[string]any{"card": nil}, nil
	})
	var ops []string
	var errs []error
	svc := Instrumented{Next: c, Observe: func(_ context.Context, op string, _ time.Duration, err error) {
		ops = append(ops, op)
		errs = append(errs, err)
	}}
	_, err := svc.GetTask(context.Background(), "123456789")
	require.Error(t, err)
	assert.Equal(t, []string{"get_task"}, ops)
	assert.Error(t, errs[0])
}
