package taskbridgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal taskbridge HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
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

// Task represents a board card as served by the API.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Phase       string     `json:"phase"`
	PhaseName   string     `json:"phase_name,omitempty"`
	Creator     string     `json:"creator,omitempty"`
	Assignees   []Assignee `json:"assignees"`
	Fields      []Field    `json:"fields,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Deadline struct {
	Status       string  `json:"status"`
	ElapsedHours float64 `json:"elapsed_hours"`
}

type LimitCheck struct {
	Status  string `json:"status"`
	Current int    `json:"current"`
	Limit   int    `json:"limit"`
	Reason  string `json:"reason,omitempty"`
}

type Achievement struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Points int    `json:"points"`
	Icon   string `json:"icon"`
}

type Award struct {
	UserID      string        `json:"user_id"`
	PointsAdded int           `json:"points_added"`
	TotalPoints int           `json:"total_points"`
	LeveledUp   bool          `json:"leveled_up"`
	NewLevel    int           `json:"new_level"`
	LevelName   string        `json:"level_name"`
	Streak      int           `json:"streak"`
	Unlocked    []Achievement `json:"unlocked,omitempty"`
}

// Result is the outcome of a lifecycle command.
type Result struct {
	Operation      string      `json:"operation"`
	Task           Task        `json:"task"`
	From           string      `json:"from"`
	To             string      `json:"to"`
	NoOp           bool        `json:"no_op,omitempty"`
	Warning        string      `json:"warning,omitempty"`
	Limit          *LimitCheck `json:"limit_check,omitempty"`
	Deadline       Deadline    `json:"deadline"`
	Assignee       string      `json:"assignee,omitempty"`
	Responsibility string      `json:"responsibility,omitempty"`
	Award          *Award      `json:"award,omitempty"`
	AuditID        int64       `json:"audit_id,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID            int64          `json:"id"`
	TS            string         `json:"ts"`
	Type          string         `json:"type"`
	EntityKind    string         `json:"entity_kind"`
	EntityID      string         `json:"entity_id"`
	ActorID       string         `json:"actor_id"`
	CorrelationID string         `json:"correlation_id"`
	Payload       map[string]any `json:"payload"`
}

type TaskDetail struct {
	Task           Task     `json:"task"`
	Deadline       Deadline `json:"deadline"`
	Type           string   `json:"type"`
	Responsibility string   `json:"responsibility,omitempty"`
	History        []struct {
		ID      int64  `json:"id"`
		TS      string `json:"ts"`
		Type    string `json:"type"`
		ActorID string `json:"actor_id"`
	} `json:"history"`
}

type TaskSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Listing struct {
	Phase  string        `json:"phase"`
	Tasks  []TaskSummary `json:"tasks"`
	Cached bool          `json:"cached"`
}

type MyTasks struct {
	Email string `json:"email"`
	Tasks []struct {
		Task     Task     `json:"task"`
		Deadline Deadline `json:"deadline"`
	} `json:"tasks"`
}

type Dashboard struct {
	Counts           map[string]int `json:"counts"`
	Total            int            `json:"total"`
	ActiveDevelopers int            `json:"active_developers"`
	Overdue          int            `json:"overdue"`
	Degraded         []string       `json:"degraded,omitempty"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

type Level struct {
	Number    int    `json:"number"`
	Name      string `json:"name"`
	MinPoints int    `json:"min_points"`
}

type Profile struct {
	UserID         string   `json:"user_id"`
	Username       string   `json:"username,omitempty"`
	Points         int      `json:"points"`
	Level          Level    `json:"level"`
	NextLevel      *Level   `json:"next_level,omitempty"`
	Rank           int      `json:"rank,omitempty"`
	Streak         int      `json:"streak"`
	TasksCompleted int      `json:"tasks_completed"`
	TasksApproved  int      `json:"tasks_approved"`
	Achievements   []string `json:"achievements"`
	WeeklyPoints   int      `json:"weekly_points"`
	WeeklyTasks    int      `json:"weekly_tasks"`
}

type LeaderboardEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Points   int    `json:"points"`
	Level    int    `json:"level"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RetryAfter reports the server's rate limit hint, if any.
func (e *APIError) RetryAfter() (time.Duration, bool) {
	v, ok := e.Details["retry_after_seconds"].(float64)
	if !ok {
		return 0, false
	}
	return time.Duration(v) * time.Second, true
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// Take moves a To Do task to In Progress under the caller. comment may be empty.
func (c *Client) Take(ctx context.Context, taskID, comment string) (Result, error) {
	var body any
	if comment != "" {
		body = map[string]any{"comment": comment}
	}
	return c.command(ctx, taskID, "take", body)
}

func (c *Client) Complete(ctx context.Context, taskID, comment string) (Result, error) {
	return c.command(ctx, taskID, "complete", map[string]any{"comment": comment})
}

func (c *Client) Approve(ctx context.Context, taskID, comment string) (Result, error) {
	return c.command(ctx, taskID, "approve", map[string]any{"comment": comment})
}

// Release returns the task to To Do. reason may be empty.
func (c *Client) Release(ctx context.Context, taskID, reason string) (Result, error) {
	var body any
	if reason != "" {
		body = map[string]any{"reason": reason}
	}
	return c.command(ctx, taskID, "release", body)
}

func (c *Client) Assign(ctx context.Context, taskID, target, comment string) (Result, error) {
	body := map[string]any{"target": target}
	if comment != "" {
		body["comment"] = comment
	}
	return c.command(ctx, taskID, "assign", body)
}

func (c *Client) command(ctx context.Context, taskID, op string, body any) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/%s", url.PathEscape(taskID), op), body, &resp)
	return resp, err
}

// Task fetches a task with its deadline and audit history.
func (c *Client) Task(ctx context.Context, taskID string) (TaskDetail, error) {
	var resp TaskDetail
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

func (c *Client) ListPhase(ctx context.Context, phase string, limit int) (Listing, error) {
	endpoint := "phases/" + url.PathEscape(phase) + "/tasks"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp Listing
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) MyTasks(ctx context.Context) (MyTasks, error) {
	var resp MyTasks
	err := c.do(ctx, http.MethodGet, "me/tasks", nil, &resp)
	return resp, err
}

func (c *Client) Dashboard(ctx context.Context) (Dashboard, error) {
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, "dashboard", nil, &resp)
	return resp, err
}

func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var resp Profile
	err := c.do(ctx, http.MethodGet, "me/profile", nil, &resp)
	return resp, err
}

// Leaderboard returns the top n users; n <= 0 uses the server default.
func (c *Client) Leaderboard(ctx context.Context, n int) ([]LeaderboardEntry, error) {
	endpoint := "leaderboard"
	if n > 0 {
		endpoint += "?limit=" + strconv.Itoa(n)
	}
	var resp struct {
		Items []LeaderboardEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsQuery filters the audit log. Zero values are ignored.
type EventsQuery struct {
	Type     string
	EntityID string
	ActorID  string
	Limit    int
	Cursor   string
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	return c.ListEvents(ctx, EventsQuery{Limit: limit, Cursor: cursor})
}

func (c *Client) ListEvents(ctx context.Context, q EventsQuery) (PaginatedEvents, error) {
	v := url.Values{}
	for k, val := range map[string]string{"type": q.Type, "entity_id": q.EntityID, "actor_id": q.ActorID, "cursor": q.Cursor} {
		if val != "" {
			v.Set(k, val)
		}
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "events"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	ae := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		ae.Code = env.Error.Code
		ae.Message = env.Error.Message
		ae.Details = env.Error.Details
	}
	return ae
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
