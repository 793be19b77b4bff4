package board

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taskbridge/internal/domain"
)

const (
	DefaultEndpoint = "https://api.pipefy.com/graphql"
	DefaultTimeout  = 30 * time.Second
)

// PipefyClient implements Service over the Pipefy GraphQL API.
type PipefyClient struct {
	Endpoint   string
	Token      string
	PipeID     string
	Phases     PhaseMap
	HTTPClient *http.Client
}

func NewPipefyClient(endpoint, token, pipeID string, phases PhaseMap, timeout time.Duration) *PipefyClient {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PipefyClient{
		Endpoint:   endpoint,
		Token:      token,
		PipeID:     pipeID,
		Phases:     phases,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type cardNode struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	CreatedBy *struct {
		Name string `json:"name"`
	} `json:"createdBy"`
	Assignees []struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"assignees"`
	Fields []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
		Field *struct {
			ID string `json:"id"`
		} `json:"field"`
	} `json:"fields"`
	CurrentPhase *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"current_phase"`
}

const cardSelection = `id title createdAt createdBy { name } assignees { id name email } fields { name value field { id } } current_phase { id name }`

const getCardQuery = `query GetCard($id: ID!) { card(id: $id) { ` + cardSelection + ` } }`

const phaseCardsQuery = `query GetCards($phaseId: ID!, $first: Int!) { phase(id: $phaseId) { id name cards(first: $first) { edges { node { id title createdAt assignees { id name email } } } } } }`

const moveCardMutation = `mutation MoveCard($input: MoveCardToPhaseInput!) { moveCardToPhase(input: $input) { card { ` + cardSelection + ` } } }`

const updateAssigneesMutation = `mutation UpdateCard($input: UpdateCardInput!) { updateCard(input: $input) { card { ` + cardSelection + ` } } }`

const updateFieldMutation = `mutation UpdateCardField($input: UpdateCardFieldInput!) { updateCardField(input: $input) { success } }`

const createCommentMutation = `mutation CreateComment($input: CreateCommentInput!) { createComment(input: $input) { comment { id text created_at } } }`

const commentsQuery = `query GetComments($id: ID!) { card(id: $id) { comments { id text created_at } } }`

const membersQuery = `query GetPipeMembers($id: ID!) { pipe(id: $id) { members { user { id name email } } } }`

func (c *PipefyClient) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	var out struct {
		Card *cardNode `json:"card"`
	}
	if err := c.do(ctx, "get_task", getCardQuery, map[string]any{"id": taskID}, &out); err != nil {
		return domain.Task{}, err
	}
	if out.Card == nil {
		return domain.Task{}, &Error{Kind: KindNotFound, Op: "get_task", Message: fmt.Sprintf("card %s not found", taskID)}
	}
	return c.toTask(*out.Card), nil
}

func (c *PipefyClient) ListPhaseTasks(ctx context.Context, phaseID string, limit int) ([]domain.Task, error) {
	if strings.TrimSpace(phaseID) == "" {
		return nil, &Error{Kind: KindRemote, Op: "list_phase_tasks", Message: "phase id is empty"}
	}
	var out struct {
		Phase *struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Cards struct {
				Edges []struct {
					Node cardNode `json:"node"`
				} `json:"edges"`
			} `json:"cards"`
		} `json:"phase"`
	}
	if err := c.do(ctx, "list_phase_tasks", phaseCardsQuery, map[string]any{"phaseId": phaseID, "first": limit}, &out); err != nil {
		return nil, err
	}
	if out.Phase == nil {
		return nil, &Error{Kind: KindNotFound, Op: "list_phase_tasks", Message: fmt.Sprintf("phase %s not found", phaseID)}
	}
	tasks := make([]domain.Task, 0, len(out.Phase.Cards.Edges))
	for _, edge := range out.Phase.Cards.Edges {
		node := edge.Node
		t := c.toTask(node)
		t.PhaseID = phaseID
		t.PhaseName = out.Phase.Name
		t.Phase = c.Phases.Phase(phaseID)
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (c *PipefyClient) MoveTask(ctx context.Context, taskID, phaseID string) (domain.Task, error) {
	var out struct {
		MoveCardToPhase *struct {
			Card *cardNode `json:"card"`
		} `json:"moveCardToPhase"`
	}
	vars := map[string]any{"input": map[string]any{"card_id": taskID, "destination_phase_id": phaseID}}
	if err := c.do(ctx, "move_task", moveCardMutation, vars, &out); err != nil {
		return domain.Task{}, err
	}
	if out.MoveCardToPhase == nil || out.MoveCardToPhase.Card == nil {
		return domain.Task{}, &Error{Kind: KindRemote, Op: "move_task", Message: "empty move response"}
	}
	return c.toTask(*out.MoveCardToPhase.Card), nil
}

func (c *PipefyClient) SetAssignee(ctx context.Context, taskID, email string) (domain.Task, error) {
	ids := []string{}
	if strings.TrimSpace(email) != "" {
		members, err := c.ListMembers(ctx)
		if err != nil {
			return domain.Task{}, err
		}
		var found *domain.Member
		for i := range members {
			if strings.EqualFold(strings.TrimSpace(members[i].Email), strings.TrimSpace(email)) {
				found = &members[i]
				break
			}
		}
		if found == nil {
			return domain.Task{}, &Error{Kind: KindNotFound, Op: "set_assignee", Message: fmt.Sprintf("no pipe member with email %s", email)}
		}
		ids = append(ids, found.ID)
	}
	var out struct {
		UpdateCard *struct {
			Card *cardNode `json:"card"`
		} `json:"updateCard"`
	}
	vars := map[string]any{"input": map[string]any{"id": taskID, "assignee_ids": ids}}
	if err := c.do(ctx, "set_assignee", updateAssigneesMutation, vars, &out); err != nil {
		return domain.Task{}, err
	}
	if out.UpdateCard == nil || out.UpdateCard.Card == nil {
		return domain.Task{}, &Error{Kind: KindRemote, Op: "set_assignee", Message: "empty update response"}
	}
	return c.toTask(*out.UpdateCard.Card), nil
}

func (c *PipefyClient) UpdateField(ctx context.Context, taskID, fieldID, value string) (bool, error) {
	var out struct {
		UpdateCardField *struct {
			Success bool `json:"success"`
		} `json:"updateCardField"`
	}
	vars := map[string]any{"input": map[string]any{"card_id": taskID, "field_id": fieldID, "new_value": value}}
	if err := c.do(ctx, "update_field", updateFieldMutation, vars, &out); err != nil {
		return false, err
	}
	return out.UpdateCardField != nil && out.UpdateCardField.Success, nil
}

type commentNode struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

func (n commentNode) toComment() domain.Comment {
	return domain.Comment{ID: n.ID, Text: n.Text, CreatedAt: parseTime(n.CreatedAt)}
}

func (c *PipefyClient) AddComment(ctx context.Context, taskID, text string) (domain.Comment, error) {
	var out struct {
		CreateComment *struct {
			Comment *commentNode `json:"comment"`
		} `json:"createComment"`
	}
	vars := map[string]any{"input": map[string]any{"card_id": taskID, "text": text}}
	if err := c.do(ctx, "add_comment", createCommentMutation, vars, &out); err != nil {
		return domain.Comment{}, err
	}
	if out.CreateComment == nil || out.CreateComment.Comment == nil {
		return domain.Comment{}, &Error{Kind: KindRemote, Op: "add_comment", Message: "empty comment response"}
	}
	return out.CreateComment.Comment.toComment(), nil
}

func (c *PipefyClient) ListComments(ctx context.Context, taskID string) ([]domain.Comment, error) {
	var out struct {
		Card *struct {
			Comments []commentNode `json:"comments"`
		} `json:"card"`
	}
	if err := c.do(ctx, "list_comments", commentsQuery, map[string]any{"id": taskID}, &out); err != nil {
		return nil, err
	}
	if out.Card == nil {
		return nil, &Error{Kind: KindNotFound, Op: "list_comments", Message: fmt.Sprintf("card %s not found", taskID)}
	}
	comments := make([]domain.Comment, 0, len(out.Card.Comments))
	for _, n := range out.Card.Comments {
		comments = append(comments, n.toComment())
	}
	return comments, nil
}

func (c *PipefyClient) ListMembers(ctx context.Context) ([]domain.Member, error) {
	var out struct {
		Pipe *struct {
			Members []struct {
				User domain.Member `json:"user"`
			} `json:"members"`
		} `json:"pipe"`
	}
	if err := c.do(ctx, "list_members", membersQuery, map[string]any{"id": c.PipeID}, &out); err != nil {
		return nil, err
	}
	if out.Pipe == nil {
		return nil, &Error{Kind: KindNotFound, Op: "list_members", Message: fmt.Sprintf("pipe %s not found", c.PipeID)}
	}
	members := make([]domain.Member, 0, len(out.Pipe.Members))
	for _, m := range out.Pipe.Members {
		members = append(members, m.User)
	}
	return members, nil
}

func (c *PipefyClient) do(ctx context.Context, op, query string, vars map[string]any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Message: "encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Message: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Kind: KindTransport, Op: op, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}
	var envelope gqlResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &Error{Kind: KindTransport, Op: op, Message: "decode response", Err: err}
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		msg := strings.Join(msgs, "; ")
		kind := KindRemote
		if strings.Contains(strings.ToLower(msg), "not found") {
			kind = KindNotFound
		}
		return &Error{Kind: kind, Op: op, Message: msg}
	}
	if out == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &Error{Kind: KindTransport, Op: op, Message: "decode data", Err: err}
	}
	return nil
}

func (c *PipefyClient) toTask(n cardNode) domain.Task {
	t := domain.Task{
		ID:        n.ID,
		Title:     n.Title,
		CreatedAt: parseTime(n.CreatedAt),
		Assignees: []domain.Assignee{},
	}
	if n.CreatedBy != nil {
		t.Creator = n.CreatedBy.Name
	}
	for _, a := range n.Assignees {
		t.Assignees = append(t.Assignees, domain.Assignee{ID: a.ID, Name: a.Name, Email: a.Email})
	}
	for _, f := range n.Fields {
		field := domain.Field{Name: f.Name, Value: f.Value}
		if f.Field != nil {
			field.ID = f.Field.ID
		}
		t.Fields = append(t.Fields, field)
	}
	if n.CurrentPhase != nil {
		t.PhaseID = n.CurrentPhase.ID
		t.PhaseName = n.CurrentPhase.Name
		t.Phase = c.Phases.Phase(n.CurrentPhase.ID)
	}
	return t
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05-0700"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}
