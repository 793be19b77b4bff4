package gamification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newLedger(t *testing.T, opts Options) (*Ledger, *MemoryStore, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
	store := &MemoryStore{}
	if opts.Now == nil {
		opts.Now = c.Now
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := Open(store, opts)
	require.NoError(t, err)
	return l, store, c
}

func TestStreakFollowsCalendarDays(t *testing.T) {
	l, _, c := newLedger(t, Options{})

	award, err := l.AwardPoints("u1", 10, KindManualAdjustment, EventContext{})
	require.NoError(t, err)
	assert.Equal(t, 1, award.Streak)

	c.t = c.t.Add(24 * time.Hour)
	award, err = l.AwardPoints("u1", 10, KindManualAdjustment, EventContext{})
	require.NoError(t, err)
	assert.Equal(t, 2, award.Streak)

	c.t = c.t.Add(3 * time.Hour)
	award, err = l.AwardPoints("u1", 10, KindManualAdjustment, EventContext{})
	require.NoError(t, err)
	assert.Equal(t, 2, award.Streak, "same day leaves the streak alone")

	c.t = c.t.Add(48 * time.Hour)
	award, err = l.AwardPoints("u1", 10, KindManualAdjustment, EventContext{})
	require.NoError(t, err)
	assert.Equal(t, 1, award.Streak, "a skipped day resets")
}

func TestStreakUsesLedgerLocation(t *testing.T) {
	brt := time.FixedZone("BRT", -3*3600)
	l, _, c := newLedger(t, Options{Location: brt})
	// 23:00 BRT on the 4th, then 01:00 BRT on the 5th: consecutive local days.
	c.t = time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC)
	_, err := l.AwardPoints("u1", 1, KindManualAdjustment, EventContext{})
	require.NoError(t, err)
	c.t = time.Date(2024, 3, 5, 4, 0, 0, 0, time.UTC)
	award, err := l.AwardPoints("u1", 1, KindManualAdjustment, EventContext{})
	require.NoError(t, err)
	assert.Equal(t, 2, award.Streak)
}

func TestThreeDayStreakUnlocks(t *testing.T) {
	l, _, c := newLedger(t, Options{})
	var award Award
	var err error
	for i := 0; i < 3; i++ {
		award, err = l.AwardPoints("u1", 10, KindManualAdjustment, EventContext{})
		require.NoError(t, err)
		c.t = c.t.Add(24 * time.Hour)
	}
	require.Len(t, award.Unlocked, 1)
	assert.Equal(t, "streak_3", award.Unlocked[0].ID)
	assert.Equal(t, 30+150, award.TotalPoints)
}

func TestLevelUp(t *testing.T) {
	ladder := []Level{{Number: 1, Name: "Um", MinPoints: 0}, {Number: 2, Name: "Dois", MinPoints: 500}, {Number: 3, Name: "Tres", MinPoints: 1000}}

	l, _, _ := newLedger(t, Options{Levels: ladder})
	award, err := l.AwardPoints("u1", 490, KindManualAdjustment, EventContext{})
	require.NoError(t, err)
	assert.False(t, award.LeveledUp)
	assert.Equal(t, 1, award.NewLevel)

	award, err = l.AwardPoints("u1", 20, KindManualAdjustment, EventContext{})
	require.NoError(t, err)
	assert.True(t, award.LeveledUp)
	assert.Equal(t, 1, award.OldLevel)
	assert.Equal(t, 2, award.NewLevel)
	assert.Equal(t, "Dois", award.LevelName)
	assert.Equal(t, 510, award.TotalPoints)

	l2, _, _ := newLedger(t, Options{Levels: ladder})
	_, err = l2.AwardPoints("u1", 490, KindManualAdjustment, EventContext{})
	require.NoError(t, err)
	award, err = l2.AwardPoints("u1", 5, KindManualAdjustment, EventContext{})
	require.NoError(t, err)
	assert.False(t, award.LeveledUp)
	assert.Equal(t, 1, award.NewLevel)
	assert.Equal(t, "Um", award.LevelName)
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, "Iniciante", LevelFor(DefaultLevels, 0).Name)
	assert.Equal(t, "Aprendiz", LevelFor(DefaultLevels, 500).Name)
	assert.Equal(t, "Lenda", LevelFor(DefaultLevels, 29999).Name)
	assert.Equal(t, "Mito", LevelFor(DefaultLevels, 1_000_000).Name)
	next, ok := NextLevel(DefaultLevels, 7)
	require.True(t, ok)
	assert.Equal(t, 30000, next.MinPoints)
	_, ok = NextLevel(DefaultLevels, 8)
	assert.False(t, ok)
}

func TestOpenRejectsBadLadder(t *testing.T) {
	_, err := Open(&MemoryStore{}, Options{Levels: []Level{{Number: 1, MinPoints: 10}}})
	assert.Error(t, err)
	_, err = Open(&MemoryStore{}, Options{Levels: []Level{{Number: 1}, {Number: 2, MinPoints: 0}}})
	assert.Error(t, err)
}

func TestAchievementUnlockIsIdempotent(t *testing.T) {
	l, _, _ := newLedger(t, Options{})

	ok, err := l.Unlock("u1", "team_player")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Unlock("u1", "team_player")
	require.NoError(t, err)
	assert.False(t, ok)

	p, found := l.Profile("u1")
	require.True(t, found)
	assert.Equal(t, 150, p.Points)
	assert.Len(t, p.Achievements, 1)

	award, err := l.AwardPoints("u1", 10, KindHelpedTeammate, EventContext{})
	require.NoError(t, err)
	assert.Empty(t, award.Unlocked)
	assert.Equal(t, 160, award.TotalPoints)

	_, err = l.Unlock("u1", "nope")
	assert.Error(t, err)
}

func TestCompletionAchievements(t *testing.T) {
	l, _, _ := newLedger(t, Options{})
	saturdayNight := time.Date(2024, 3, 9, 21, 0, 0, 0, time.UTC)
	award, err := l.AwardPoints("u1", 50, KindTaskCompleted, EventContext{
		TaskType: "bug", TimeSpent: time.Hour, At: saturdayNight, Username: "ana",
	})
	require.NoError(t, err)

	var ids []string
	for _, a := range award.Unlocked {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"first_blood", "speed_runner", "night_owl", "weekend_warrior"}, ids)
	assert.Equal(t, 650, award.TotalPoints)
	assert.True(t, award.LeveledUp)
	assert.Equal(t, "Aprendiz", award.LevelName)

	p, _ := l.Profile("u1")
	assert.Equal(t, 1, p.BugFixes)
	assert.Equal(t, 1, p.TasksCompleted)
	assert.Equal(t, 1, p.Weekly.TasksCompleted)
	assert.Equal(t, 650, p.Weekly.PointsEarned)
	assert.Equal(t, "ana", p.Username)
}

func TestEarlyBirdAndSlowCompletion(t *testing.T) {
	l, _, _ := newLedger(t, Options{})
	tuesdayMorning := time.Date(2024, 3, 5, 7, 30, 0, 0, time.UTC)
	award, err := l.AwardPoints("u1", 50, KindTaskCompleted, EventContext{TimeSpent: 5 * time.Hour, At: tuesdayMorning})
	require.NoError(t, err)
	var ids []string
	for _, a := range award.Unlocked {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"first_blood", "early_bird"}, ids)
}

func TestPerfectionistAfterFiveFirstTryApprovals(t *testing.T) {
	l, _, _ := newLedger(t, Options{})
	for i := 0; i < 4; i++ {
		award, err := l.AwardPoints("dev", 30, KindTaskApproved, EventContext{FirstTry: true})
		require.NoError(t, err)
		assert.Empty(t, award.Unlocked)
	}
	_, err := l.AwardPoints("dev", 30, KindTaskApproved, EventContext{FirstTry: false})
	require.NoError(t, err)
	award, err := l.AwardPoints("dev", 30, KindTaskApproved, EventContext{FirstTry: true})
	require.NoError(t, err)
	require.Len(t, award.Unlocked, 1)
	assert.Equal(t, "perfectionist", award.Unlocked[0].ID)

	p, _ := l.Profile("dev")
	assert.Equal(t, 6, p.TasksApproved)
	assert.Equal(t, 5, p.FirstApprovals)
}

func TestMentorNeedsThreeAssignments(t *testing.T) {
	l, _, _ := newLedger(t, Options{})
	award, err := l.AwardPoints("pm", 0, KindAssignedToOthers, EventContext{AssignedCount: 2})
	require.NoError(t, err)
	assert.Empty(t, award.Unlocked)
	award, err = l.AwardPoints("pm", 0, KindAssignedToOthers, EventContext{AssignedCount: 3})
	require.NoError(t, err)
	require.Len(t, award.Unlocked, 1)
	assert.Equal(t, "mentor", award.Unlocked[0].ID)
}

func TestAwardRejectsBadInput(t *testing.T) {
	l, _, _ := newLedger(t, Options{})
	_, err := l.AwardPoints("", 10, KindTaskCompleted, EventContext{})
	assert.Error(t, err)
	_, err = l.AwardPoints("u1", 10, EventKind("bogus"), EventContext{})
	assert.Error(t, err)
	_, err = l.AwardPoints("u1", -1, KindTaskCompleted, EventContext{})
	assert.Error(t, err)
}

func TestLeaderboardAndRank(t *testing.T) {
	l, _, _ := newLedger(t, Options{LeaderboardSize: 2})
	for _, u := range []struct {
		id     string
		points int
	}{{"a", 100}, {"b", 300}, {"c", 200}} {
		_, err := l.AwardPoints(u.id, u.points, KindManualAdjustment, EventContext{Username: u.id + "-name"})
		require.NoError(t, err)
	}
	board := l.Leaderboard(10)
	require.Len(t, board, 2)
	assert.Equal(t, "b", board[0].UserID)
	assert.Equal(t, "c", board[1].UserID)
	assert.Equal(t, "c-name", board[1].Username)

	rank, ok := l.Rank("b")
	require.True(t, ok)
	assert.Equal(t, 1, rank)
	_, ok = l.Rank("a")
	assert.False(t, ok)

	_, err := l.AwardPoints("a", 500, KindManualAdjustment, EventContext{})
	require.NoError(t, err)
	rank, ok = l.Rank("a")
	require.True(t, ok)
	assert.Equal(t, 1, rank)
	assert.Len(t, l.Leaderboard(0), 2)

	require.NoError(t, l.SetUsername("a", "Alice"))
	assert.Equal(t, "Alice", l.Leaderboard(1)[0].Username)
}

func TestWeeklyStatsAndReset(t *testing.T) {
	l, store, c := newLedger(t, Options{})
	_, err := l.AwardPoints("old", 40, KindManualAdjustment, EventContext{})
	require.NoError(t, err)

	c.t = c.t.AddDate(0, 0, 8)
	_, err = l.AwardPoints("u1", 50, KindManualAdjustment, EventContext{})
	require.NoError(t, err)
	_, err = l.AwardPoints("u2", 70, KindManualAdjustment, EventContext{})
	require.NoError(t, err)

	stats := l.WeeklyStats()
	assert.Equal(t, 2, stats.ActiveUsers)
	assert.Equal(t, 120, stats.PointsEarned)
	require.NotNil(t, stats.TopPerformer)
	assert.Equal(t, "u2", stats.TopPerformer.UserID)

	saves := store.Saves
	closed, err := l.ResetWeekly()
	require.NoError(t, err)
	assert.Equal(t, stats, closed)
	assert.Equal(t, saves+1, store.Saves)

	p, _ := l.Profile("u1")
	assert.Equal(t, WeeklyCounters{StreakDays: 1}, p.Weekly)
	assert.Equal(t, 50, p.Points)
	assert.Equal(t, 0, l.WeeklyStats().PointsEarned)
}

func TestAwardSurvivesSaveFailure(t *testing.T) {
	l, store, _ := newLedger(t, Options{})
	store.Err = errors.New("disk full")
	award, err := l.AwardPoints("u1", 10, KindManualAdjustment, EventContext{})
	require.Error(t, err)
	assert.Equal(t, 10, award.TotalPoints)
	p, ok := l.Profile("u1")
	require.True(t, ok)
	assert.Equal(t, 10, p.Points)
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	snap, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, snap.Users)

	l, err := Open(store, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	_, err = l.AwardPoints("u1", 50, KindTaskCompleted, EventContext{Username: "ana", At: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	reopened, err := Open(NewFileStore(dir), Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	p, ok := reopened.Profile("u1")
	require.True(t, ok)
	assert.Equal(t, 150, p.Points)
	assert.Equal(t, []string{"first_blood"}, p.Achievements)
	rank, ok := reopened.Rank("u1")
	require.True(t, ok)
	assert.Equal(t, 1, rank)
}

func TestNextWeeklyReset(t *testing.T) {
	brt := time.FixedZone("BRT", -3*3600)
	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"monday before nine", time.Date(2024, 3, 4, 8, 0, 0, 0, brt), time.Date(2024, 3, 4, 9, 0, 0, 0, brt)},
		{"monday at nine", time.Date(2024, 3, 4, 9, 0, 0, 0, brt), time.Date(2024, 3, 11, 9, 0, 0, 0, brt)},
		{"wednesday", time.Date(2024, 3, 6, 15, 0, 0, 0, brt), time.Date(2024, 3, 11, 9, 0, 0, 0, brt)},
		{"sunday night utc", time.Date(2024, 3, 11, 1, 0, 0, 0, time.UTC), time.Date(2024, 3, 11, 9, 0, 0, 0, brt)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NextWeeklyReset(tc.now, time.Monday, 9, brt)
			assert.True(t, tc.want.Equal(got), "got %s want %s", got, tc.want)
		})
	}
}

func TestSchedulerRunsReset(t *testing.T) {
	l, _, _ := newLedger(t, Options{})
	_, err := l.AwardPoints("u1", 10, KindManualAdjustment, EventContext{})
	require.NoError(t, err)

	fixed := time.Date(2024, 3, 4, 8, 59, 59, 990_000_000, time.UTC)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := make(chan WeeklyStats, 1)
	s := &Scheduler{
		Ledger: l, Weekday: time.Monday, Hour: 9, Location: time.UTC,
		Now: func() time.Time { return fixed },
		OnReset: func(_ context.Context, stats WeeklyStats) {
			got <- stats
			cancel()
		},
	}
	s.Run(ctx)
	select {
	case stats := <-got:
		assert.Equal(t, 1, stats.ActiveUsers)
	default:
		t.Fatal("reset did not run")
	}
}
