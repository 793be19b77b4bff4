package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbridge/internal/board/boardtest"
	"taskbridge/internal/config"
	"taskbridge/internal/domain"
	"taskbridge/internal/events"
	"taskbridge/internal/gamification"
	"taskbridge/internal/repo"
)

func openTestApp(t *testing.T) (*App, *boardtest.Fake) {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.Emails = map[string]string{"1001": "ana@example.com"}
	clock := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	fake := boardtest.New(boardtest.DefaultPhases())
	a, err := Open(context.Background(), Options{
		Workspace: t.TempDir(),
		Config:    cfg,
		Board:     fake,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       func() time.Time { return clock },
	})
	require.NoError(t, err)
	a.Engine.Phases = boardtest.DefaultPhases()
	t.Cleanup(func() { a.Close(context.Background()) })
	return a, fake
}

func TestOpenWiresLedgerIntoEngine(t *testing.T) {
	a, fake := openTestApp(t)
	ctx := context.Background()
	assert.Positive(t, a.SchemaVersion)
	fake.Put(domain.Task{ID: "30000001", Title: "Login", Phase: domain.PhaseInProgress,
		Assignees: []domain.Assignee{{Name: "Ana", Email: "ana@example.com"}}})

	_, err := a.Engine.Complete(ctx, domain.Caller{ID: "1001", Username: "ana"}, "30000001", "login done")
	require.NoError(t, err)
	p, ok := a.Ledger.Profile("1001")
	require.True(t, ok)
	assert.GreaterOrEqual(t, p.Points, 50)

	_, err = os.Stat(filepath.Join(DataDir(a.Workspace, a.Config), "gamification.json"))
	assert.NoError(t, err)
}

func TestResetWeeklyIsAudited(t *testing.T) {
	a, _ := openTestApp(t)
	ctx := context.Background()
	_, err := a.Ledger.AwardPoints("1001", 50, gamification.KindTaskCompleted, gamification.EventContext{})
	require.NoError(t, err)

	stats, err := a.ResetWeekly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveUsers)

	evs, err := a.Engine.Repo.LatestEventsFrom(ctx, 10, 0, repo.EventFilter{Type: events.WeeklyReset})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.EntityLedger, evs[0].EntityKind)
	assert.Contains(t, evs[0].Payload, `"top_performer":"1001"`)
}

func TestServeNeedsSecret(t *testing.T) {
	a, _ := openTestApp(t)
	err := a.Serve(context.Background(), "127.0.0.1:0", " ")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	NewLogger(&buf, "debug", "text").Debug("details")
	assert.Contains(t, buf.String(), "msg=details")
}

func TestDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.Gamification.DataDir = "state"
	assert.Equal(t, filepath.Join("ws", "state"), DataDir("ws", cfg))
	cfg.Gamification.DataDir = "/var/lib/tb"
	assert.Equal(t, "/var/lib/tb", DataDir("ws", cfg))
	cfg.Gamification.DataDir = ""
	assert.Equal(t, filepath.Join("ws", ".taskbridge"), DataDir("ws", cfg))
}
