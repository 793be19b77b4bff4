package gamification

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs ResetWeekly once a week at a fixed local hour.
type Scheduler struct {
	Ledger   *Ledger
	Weekday  time.Weekday
	Hour     int
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
	// OnReset receives the stats of the week that just closed.
	OnReset func(context.Context, WeeklyStats)
}

// NextWeeklyReset returns the first weekday/hour in loc strictly after now.
func NextWeeklyReset(now time.Time, day time.Weekday, hour int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	offset := (int(day) - int(local.Weekday()) + 7) % 7
	y, m, d := local.Date()
	next := time.Date(y, m, d+offset, hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(y, m, d+offset+7, hour, 0, 0, 0, loc)
	}
	return next
}

func (s *Scheduler) Run(ctx context.Context) {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for {
		next := NextWeeklyReset(now(), s.Weekday, s.Hour, s.Location)
		logger.Debug("next weekly reset scheduled", "at", next)
		timer := time.NewTimer(next.Sub(now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		stats, err := s.Ledger.ResetWeekly()
		if err != nil {
			logger.Error("weekly reset", "error", err)
		}
		if s.OnReset != nil {
			s.OnReset(ctx, stats)
		}
	}
}
