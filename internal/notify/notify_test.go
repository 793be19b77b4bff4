package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbridge/internal/config"
	"taskbridge/internal/db"
	"taskbridge/internal/domain"
	"taskbridge/internal/events"
	"taskbridge/internal/migrate"
	"taskbridge/internal/repo"
)

type recorder struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
	// statuses are served in order; once exhausted every request gets 204
	statuses []int
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	status := http.StatusNoContent
	if len(r.statuses) > 0 {
		status, r.statuses = r.statuses[0], r.statuses[1:]
	}
	if status < 300 {
		r.bodies = append(r.bodies, body)
		r.headers = append(r.headers, req.Header.Clone())
	}
	r.mu.Unlock()
	w.WriteHeader(status)
}

func (r *recorder) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.bodies...)
}

func setup(t *testing.T) (repo.Repo, events.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}, events.Writer{DB: conn}
}

func newDispatcher(r repo.Repo, hooks ...config.WebhookConfig) *Dispatcher {
	d := New(r, hooks, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.NewBackOff = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) }
	return d
}

func appendEntry(t *testing.T, w events.Writer, typ, taskID string, payload events.EventPayload) {
	t.Helper()
	_, err := w.Append(context.Background(), events.Entry{Type: typ, EntityKind: events.EntityTask, EntityID: taskID, ActorID: "1001", Payload: payload})
	require.NoError(t, err)
}

func TestDispatchStartsAtHeadAndFilters(t *testing.T) {
	r, w := setup(t)
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	ctx := context.Background()

	appendEntry(t, w, events.TaskTaken, "30000001", nil)
	d := newDispatcher(r, config.WebhookConfig{URL: srv.URL, Events: []string{events.TaskCompleted}, Secret: "s3cret"})
	assert.Equal(t, 0, d.DispatchOnce(ctx))

	appendEntry(t, w, events.TaskTaken, "30000002", nil)
	appendEntry(t, w, events.TaskCompleted, "30000002", events.EventPayload{"comment": "done"})
	assert.Equal(t, 1, d.DispatchOnce(ctx))

	bodies := rec.received()
	require.Len(t, bodies, 1)
	var got jsonEvent
	require.NoError(t, json.Unmarshal(bodies[0], &got))
	assert.Equal(t, events.TaskCompleted, got.Type)
	assert.Equal(t, "30000002", got.EntityID)
	assert.JSONEq(t, `{"comment":"done"}`, string(got.Payload))
	assert.Equal(t, "s3cret", rec.headers[0].Get("X-Taskbridge-Secret"))
	assert.Equal(t, events.TaskCompleted, rec.headers[0].Get("X-Taskbridge-Event"))

	cur, ok := d.Cursor(0)
	require.True(t, ok)
	latest, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest, cur)
	assert.Equal(t, 0, d.DispatchOnce(ctx))
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	r, w := setup(t)
	rec := &recorder{statuses: []int{http.StatusServiceUnavailable, http.StatusTooManyRequests}}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	ctx := context.Background()

	d := newDispatcher(r, config.WebhookConfig{URL: srv.URL, Format: FormatDiscord})
	d.DispatchOnce(ctx)
	appendEntry(t, w, events.TaskApproved, "30000003", events.EventPayload{"username": "lead", "title": "Login page"})

	assert.Equal(t, 1, d.DispatchOnce(ctx))
	bodies := rec.received()
	require.Len(t, bodies, 1)
	var msg discordMessage
	require.NoError(t, json.Unmarshal(bodies[0], &msg))
	assert.Equal(t, "🎉 **lead** approved task 30000003: Login page", msg.Content)
}

func TestDispatchHoldsCursorOnPermanentFailure(t *testing.T) {
	r, w := setup(t)
	rec := &recorder{statuses: []int{http.StatusBadRequest}}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	ctx := context.Background()

	d := newDispatcher(r, config.WebhookConfig{URL: srv.URL})
	d.DispatchOnce(ctx)
	start, _ := d.Cursor(0)
	appendEntry(t, w, events.TaskReleased, "30000004", nil)

	assert.Equal(t, 0, d.DispatchOnce(ctx))
	cur, _ := d.Cursor(0)
	assert.Equal(t, start, cur)

	assert.Equal(t, 1, d.DispatchOnce(ctx))
	assert.Len(t, rec.received(), 1)
}

func TestDisabledHooksAreSkipped(t *testing.T) {
	r, _ := setup(t)
	off := false
	d := newDispatcher(r, config.WebhookConfig{URL: "http://127.0.0.1:1", Enabled: &off}, config.WebhookConfig{URL: " "})
	assert.False(t, d.Enabled())
	assert.Equal(t, 0, d.DispatchOnce(context.Background()))
	_, ok := d.Cursor(0)
	assert.False(t, ok)
}

func TestSummary(t *testing.T) {
	cases := []struct {
		name string
		evt  domain.Event
		want string
	}{
		{
			"assigned with comment",
			domain.Event{Type: events.TaskAssigned, EntityKind: "task", EntityID: "30000005", ActorID: "9001",
				Payload: `{"username":"lead","assignee":"Bruno Lima","comment":"urgent"}`},
			"👤 **lead** assigned task 30000005 to Bruno Lima\n> urgent",
		},
		{
			"released falls back to actor id",
			domain.Event{Type: events.TaskReleased, EntityKind: "task", EntityID: "30000006", ActorID: "1001",
				Payload: `{"reason":"blocked"}`},
			"🔄 **1001** released task 30000006\n> blocked",
		},
		{
			"unknown type",
			domain.Event{Type: "gamification.weekly_reset", EntityKind: "ledger", ActorID: "system", Payload: "{}"},
			"gamification.weekly_reset ledger  by system",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Summary(tc.evt))
		})
	}
}

func TestEncodeKeepsInvalidPayloadRaw(t *testing.T) {
	data, err := Encode(FormatJSON, domain.Event{ID: 7, Type: events.TaskTaken, Payload: "not json"})
	require.NoError(t, err)
	var got jsonEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "not json", got.PayloadRaw)
	assert.JSONEq(t, "{}", string(got.Payload))

	_, err = Encode("xml", domain.Event{})
	assert.Error(t, err)
}
