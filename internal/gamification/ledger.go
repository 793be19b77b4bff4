package gamification

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const DefaultLeaderboardSize = 50

type WeeklyCounters struct {
	TasksCompleted int `json:"tasksCompleted"`
	PointsEarned   int `json:"pointsEarned"`
	StreakDays     int `json:"streakDays"`
}

// Profile is one user's running score. Created on first award, never deleted.
type Profile struct {
	UserID         string         `json:"userId"`
	Username       string         `json:"username"`
	Points         int            `json:"points"`
	Level          int            `json:"level"`
	Streak         int            `json:"streak"`
	TotalTasks     int            `json:"totalTasks"`
	TasksCompleted int            `json:"tasksCompleted"`
	TasksApproved  int            `json:"tasksApproved"`
	BugFixes       int            `json:"bugFixes"`
	FirstApprovals int            `json:"firstApprovals"`
	LastActivity   time.Time      `json:"lastActivity"`
	StreakDate     time.Time      `json:"streakDate"`
	Achievements   []string       `json:"achievementsUnlocked"`
	Weekly         WeeklyCounters `json:"weeklyStats"`
}

func (p Profile) HasAchievement(id string) bool {
	for _, a := range p.Achievements {
		if a == id {
			return true
		}
	}
	return false
}

func (p Profile) clone() Profile {
	p.Achievements = append([]string(nil), p.Achievements...)
	return p
}

type LeaderboardEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Points   int    `json:"points"`
	Level    int    `json:"level"`
}

// Award reports what one AwardPoints call changed.
type Award struct {
	UserID      string        `json:"user_id"`
	PointsAdded int           `json:"points_added"`
	TotalPoints int           `json:"total_points"`
	LeveledUp   bool          `json:"leveled_up"`
	OldLevel    int           `json:"old_level"`
	NewLevel    int           `json:"new_level"`
	LevelName   string        `json:"level_name"`
	Streak      int           `json:"streak"`
	Unlocked    []Achievement `json:"unlocked,omitempty"`
}

type WeeklyStats struct {
	ActiveUsers    int      `json:"active_users"`
	TasksCompleted int      `json:"tasks_completed"`
	PointsEarned   int      `json:"points_earned"`
	TopPerformer   *Profile `json:"top_performer,omitempty"`
}

type Options struct {
	Levels          []Level
	Location        *time.Location
	LeaderboardSize int
	Now             func() time.Time
	Logger          *slog.Logger
}

// Ledger holds every profile in memory and rewrites the store on each change.
type Ledger struct {
	mu          sync.Mutex
	store       Store
	users       map[string]*Profile
	leaderboard []LeaderboardEntry
	levels      []Level
	loc         *time.Location
	size        int
	now         func() time.Time
	logger      *slog.Logger
}

// Open loads the snapshot from store.
func Open(store Store, opts Options) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("gamification store is required")
	}
	levels := opts.Levels
	if len(levels) == 0 {
		levels = DefaultLevels
	}
	if err := validateLadder(levels); err != nil {
		return nil, err
	}
	l := &Ledger{
		store:  store,
		users:  map[string]*Profile{},
		levels: levels,
		loc:    opts.Location,
		size:   opts.LeaderboardSize,
		now:    opts.Now,
		logger: opts.Logger,
	}
	if l.loc == nil {
		l.loc = time.UTC
	}
	if l.size <= 0 {
		l.size = DefaultLeaderboardSize
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	snap, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load gamification data: %w", err)
	}
	for i := range snap.Users {
		p := snap.Users[i].clone()
		if p.UserID == "" {
			continue
		}
		if p.Level == 0 {
			p.Level = LevelFor(levels, p.Points).Number
		}
		l.users[p.UserID] = &p
	}
	l.leaderboard = append([]LeaderboardEntry(nil), snap.Leaderboard...)
	l.sortLeaderboard()
	l.logger.Debug("gamification data loaded", "users", len(l.users))
	return l, nil
}

func (l *Ledger) Levels() []Level {
	return append([]Level(nil), l.levels...)
}

func (l *Ledger) Location() *time.Location {
	return l.loc
}

func (l *Ledger) profileLocked(userID string) *Profile {
	p, ok := l.users[userID]
	if !ok {
		p = &Profile{UserID: userID, Level: l.levels[0].Number}
		l.users[userID] = p
	}
	return p
}

// AwardPoints applies one event: streak, points, counters, achievements,
// level and leaderboard, then persists. The in-memory award stands even when
// saving fails; the error is returned alongside it.
func (l *Ledger) AwardPoints(userID string, amount int, kind EventKind, ec EventContext) (Award, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Award{}, fmt.Errorf("user id is required")
	}
	if !kind.Valid() {
		return Award{}, fmt.Errorf("unknown event kind %q", kind)
	}
	if amount < 0 {
		return Award{}, fmt.Errorf("amount must not be negative")
	}
	if ec.At.IsZero() {
		ec.At = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.profileLocked(userID)
	if ec.Username != "" {
		p.Username = ec.Username
	}
	before := p.Points
	oldLevel := p.Level

	l.updateStreak(p, ec.At)
	p.Points += amount
	p.Weekly.PointsEarned += amount
	p.LastActivity = ec.At

	switch kind {
	case KindTaskCompleted:
		p.TasksCompleted++
		p.TotalTasks++
		p.Weekly.TasksCompleted++
		if strings.EqualFold(ec.TaskType, "bug") {
			p.BugFixes++
		}
	case KindTaskApproved:
		p.TasksApproved++
		if ec.FirstTry {
			p.FirstApprovals++
		}
	}

	var unlocked []Achievement
	for _, a := range catalog {
		if !a.relevant(kind) || p.HasAchievement(a.ID) {
			continue
		}
		if a.check(p, ec, l.loc) {
			l.unlockLocked(p, a)
			unlocked = append(unlocked, a)
		}
	}

	level := LevelFor(l.levels, p.Points)
	p.Level = level.Number
	l.updateLeaderboardLocked(p)

	award := Award{
		UserID:      userID,
		PointsAdded: p.Points - before,
		TotalPoints: p.Points,
		LeveledUp:   level.Number > oldLevel,
		OldLevel:    oldLevel,
		NewLevel:    level.Number,
		LevelName:   level.Name,
		Streak:      p.Streak,
		Unlocked:    unlocked,
	}
	l.logger.Info("points awarded", "user_id", userID, "kind", kind, "amount", amount,
		"total", p.Points, "level", level.Number, "unlocked", len(unlocked))
	if award.LeveledUp {
		l.logger.Info("level up", "user_id", userID, "old_level", oldLevel, "new_level", level.Number)
	}
	if err := l.saveLocked(); err != nil {
		return award, fmt.Errorf("persist gamification data: %w", err)
	}
	return award, nil
}

// Unlock grants an achievement outside the event flow. Unlocking twice is a no-op.
func (l *Ledger) Unlock(userID, achievementID string) (bool, error) {
	a, ok := LookupAchievement(achievementID)
	if !ok {
		return false, fmt.Errorf("unknown achievement %q", achievementID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.profileLocked(userID)
	if p.HasAchievement(a.ID) {
		return false, nil
	}
	l.unlockLocked(p, a)
	p.Level = LevelFor(l.levels, p.Points).Number
	l.updateLeaderboardLocked(p)
	return true, l.saveLocked()
}

func (l *Ledger) unlockLocked(p *Profile, a Achievement) {
	p.Achievements = append(p.Achievements, a.ID)
	p.Points += a.Points
	p.Weekly.PointsEarned += a.Points
	l.logger.Info("achievement unlocked", "user_id", p.UserID, "achievement", a.ID, "points", a.Points)
}

// updateStreak counts calendar days in the ledger location.
func (l *Ledger) updateStreak(p *Profile, at time.Time) {
	if p.StreakDate.IsZero() {
		p.Streak = 1
		p.StreakDate = at
		return
	}
	diff := civilDay(at, l.loc) - civilDay(p.StreakDate, l.loc)
	switch {
	case diff == 1:
		p.Streak++
		p.StreakDate = at
	case diff > 1:
		p.Streak = 1
		p.StreakDate = at
	}
}

func civilDay(t time.Time, loc *time.Location) int64 {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

func (l *Ledger) updateLeaderboardLocked(p *Profile) {
	found := false
	for i := range l.leaderboard {
		if l.leaderboard[i].UserID == p.UserID {
			l.leaderboard[i].Points = p.Points
			l.leaderboard[i].Level = p.Level
			l.leaderboard[i].Username = p.Username
			found = true
			break
		}
	}
	if !found {
		l.leaderboard = append(l.leaderboard, LeaderboardEntry{UserID: p.UserID, Username: p.Username, Points: p.Points, Level: p.Level})
	}
	l.sortLeaderboard()
	if len(l.leaderboard) > l.size {
		l.leaderboard = l.leaderboard[:l.size]
	}
}

func (l *Ledger) sortLeaderboard() {
	sort.SliceStable(l.leaderboard, func(i, j int) bool {
		return l.leaderboard[i].Points > l.leaderboard[j].Points
	})
}

func (l *Ledger) saveLocked() error {
	snap := Snapshot{LastUpdated: l.now().UTC()}
	ids := make([]string, 0, len(l.users))
	for id := range l.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Users = append(snap.Users, l.users[id].clone())
	}
	snap.Leaderboard = append([]LeaderboardEntry(nil), l.leaderboard...)
	if err := l.store.Save(snap); err != nil {
		l.logger.Error("save gamification data", "error", err)
		return err
	}
	return nil
}

func (l *Ledger) Profile(userID string) (Profile, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.users[userID]
	if !ok {
		return Profile{}, false
	}
	return p.clone(), true
}

// SetUsername records the display name used on the leaderboard.
func (l *Ledger) SetUsername(userID, username string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.users[userID]
	if !ok || p.Username == username {
		return nil
	}
	p.Username = username
	for i := range l.leaderboard {
		if l.leaderboard[i].UserID == userID {
			l.leaderboard[i].Username = username
		}
	}
	return l.saveLocked()
}

// Leaderboard returns at most n entries, best first.
func (l *Ledger) Leaderboard(n int) []LeaderboardEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.leaderboard) {
		n = len(l.leaderboard)
	}
	return append([]LeaderboardEntry(nil), l.leaderboard[:n]...)
}

// Rank returns the 1-based leaderboard position.
func (l *Ledger) Rank(userID string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.leaderboard {
		if e.UserID == userID {
			return i + 1, true
		}
	}
	return 0, false
}

// WeeklyStats summarizes users active during the last seven days.
func (l *Ledger) WeeklyStats() WeeklyStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.weeklyStatsLocked()
}

func (l *Ledger) weeklyStatsLocked() WeeklyStats {
	cutoff := l.now().AddDate(0, 0, -7)
	var stats WeeklyStats
	var top *Profile
	for _, p := range l.users {
		if !p.LastActivity.After(cutoff) {
			continue
		}
		stats.ActiveUsers++
		stats.TasksCompleted += p.Weekly.TasksCompleted
		stats.PointsEarned += p.Weekly.PointsEarned
		if top == nil || p.Weekly.PointsEarned > top.Weekly.PointsEarned ||
			(p.Weekly.PointsEarned == top.Weekly.PointsEarned && p.UserID < top.UserID) {
			top = p
		}
	}
	if top != nil {
		c := top.clone()
		stats.TopPerformer = &c
	}
	return stats
}

// ResetWeekly zeroes weekly counters and returns the stats of the week that ended.
func (l *Ledger) ResetWeekly() (WeeklyStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := l.weeklyStatsLocked()
	for _, p := range l.users {
		p.Weekly = WeeklyCounters{StreakDays: p.Streak}
	}
	l.logger.Info("weekly stats reset", "active_users", stats.ActiveUsers, "points", stats.PointsEarned)
	return stats, l.saveLocked()
}
