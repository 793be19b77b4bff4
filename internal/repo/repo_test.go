package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbridge/internal/db"
	"taskbridge/internal/events"
	"taskbridge/internal/migrate"
	"taskbridge/internal/repo"
)

func openRepo(t *testing.T) (repo.Repo, events.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	clock := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	w := events.Writer{DB: conn, Now: func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}}
	return repo.Repo{DB: conn}, w
}

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, migrate.Migrate(conn))
	v, err := migrate.Version(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestAppendAndQuery(t *testing.T) {
	r, w := openRepo(t)
	ctx := context.Background()

	_, err := w.Append(ctx, events.Entry{Type: events.TaskTaken, EntityKind: events.EntityTask, EntityID: "12345678", ActorID: "u1",
		Payload: events.EventPayload{"from": "todo", "to": "in_progress"}})
	require.NoError(t, err)
	_, err = w.Append(ctx, events.Entry{Type: events.TaskCompleted, EntityKind: events.EntityTask, EntityID: "12345678", ActorID: "u1"})
	require.NoError(t, err)
	last, err := w.Append(ctx, events.Entry{Type: events.TaskTaken, EntityKind: events.EntityTask, EntityID: "87654321", ActorID: "u2", CorrelationID: "corr-1"})
	require.NoError(t, err)

	latestID, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, last, latestID)

	history, err := r.TaskEvents(ctx, "12345678")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, events.TaskTaken, history[0].Type)
	assert.JSONEq(t, `{"from":"todo","to":"in_progress"}`, history[0].Payload)
	assert.NotEmpty(t, history[0].CorrelationID)
	assert.Equal(t, "2024-03-04T10:01:00Z", history[0].TS)

	latest, err := r.LatestEvents(ctx, 10, repo.EventFilter{Type: events.TaskTaken})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "87654321", latest[0].EntityID)
	assert.Equal(t, "corr-1", latest[0].CorrelationID)

	older, err := r.LatestEventsFrom(ctx, 10, latest[0].ID, repo.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, older, 2)

	after, err := r.EventsAfter(ctx, 10, history[0].ID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, events.TaskCompleted, after[0].Type)

	n, err := r.CountEvents(ctx, repo.EventFilter{Type: events.TaskCompleted, EntityID: "12345678"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLatestTaskEvent(t *testing.T) {
	r, w := openRepo(t)
	ctx := context.Background()

	_, err := r.LatestTaskEvent(ctx, "12345678", events.TaskTaken)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	for _, typ := range []string{events.TaskAssigned, events.TaskReleased, events.TaskTaken, events.TaskCompleted} {
		_, err := w.Append(ctx, events.Entry{Type: typ, EntityKind: events.EntityTask, EntityID: "12345678", ActorID: "u1"})
		require.NoError(t, err)
	}
	e, err := r.LatestTaskEvent(ctx, "12345678", events.TaskTaken, events.TaskAssigned)
	require.NoError(t, err)
	assert.Equal(t, events.TaskTaken, e.Type)

	e, err = r.LatestTaskEvent(ctx, "12345678")
	require.NoError(t, err)
	assert.Equal(t, events.TaskCompleted, e.Type)
}

func TestAppendRequiresType(t *testing.T) {
	_, w := openRepo(t)
	_, err := w.Append(context.Background(), events.Entry{EntityKind: events.EntityTask})
	assert.Error(t, err)
}

func TestEventPage(t *testing.T) {
	r, w := openRepo(t)
	ctx := context.Background()
	for _, id := range []string{"10000001", "10000002", "10000003"} {
		_, err := w.Append(ctx, events.Entry{Type: events.TaskTaken, EntityKind: events.EntityTask, EntityID: id, ActorID: "u1"})
		require.NoError(t, err)
	}

	page, next, err := r.EventPage(ctx, 2, 0, repo.EventFilter{})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "10000003", page[0].EntityID)
	assert.Equal(t, page[1].ID, next)

	rest, next, err := r.EventPage(ctx, 2, next, repo.EventFilter{})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "10000001", rest[0].EntityID)
	assert.Zero(t, next)
}
