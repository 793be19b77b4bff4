package server

import (
	"encoding/json"

	"taskbridge/internal/domain"
	"taskbridge/internal/gamification"
	"taskbridge/internal/telemetry"
)

// Request bodies. Comment rules are enforced by the engine so every client
// gets the same messages.

type CommentRequest struct {
	Comment string `json:"comment,omitempty" maxLength:"2000"`
}

type ReleaseRequest struct {
	Reason string `json:"reason,omitempty" maxLength:"2000"`
}

type AssignRequest struct {
	Target  string `json:"target,omitempty" doc:"Platform user id or username of the new owner"`
	Comment string `json:"comment,omitempty" maxLength:"2000"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

type LevelResponse struct {
	Number    int    `json:"number"`
	Name      string `json:"name"`
	MinPoints int    `json:"min_points"`
}

type ProfileResponse struct {
	UserID         string         `json:"user_id"`
	Username       string         `json:"username,omitempty"`
	Points         int            `json:"points"`
	Level          LevelResponse  `json:"level"`
	NextLevel      *LevelResponse `json:"next_level,omitempty"`
	Rank           int            `json:"rank,omitempty"`
	Streak         int            `json:"streak"`
	TasksCompleted int            `json:"tasks_completed"`
	TasksApproved  int            `json:"tasks_approved"`
	Achievements   []string       `json:"achievements"`
	WeeklyPoints   int            `json:"weekly_points"`
	WeeklyTasks    int            `json:"weekly_tasks"`
}

type LeaderboardResponse struct {
	Items []gamification.LeaderboardEntry `json:"items"`
}

type WeeklyStatsResponse struct {
	ActiveUsers    int    `json:"active_users"`
	TasksCompleted int    `json:"tasks_completed"`
	PointsEarned   int    `json:"points_earned"`
	TopPerformer   string `json:"top_performer,omitempty"`
	TopPoints      int    `json:"top_points,omitempty"`
}

type CommandStatsResponse = telemetry.Snapshot

type EventResponse struct {
	ID            int64          `json:"id"`
	TS            string         `json:"ts" format:"date-time"`
	Type          string         `json:"type"`
	EntityKind    string         `json:"entity_kind"`
	EntityID      string         `json:"entity_id,omitempty"`
	ActorID       string         `json:"actor_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func levelResponse(l gamification.Level) LevelResponse {
	return LevelResponse{Number: l.Number, Name: l.Name, MinPoints: l.MinPoints}
}

// NewProfileResponse renders a ledger profile with its level and rank.
func NewProfileResponse(p gamification.Profile, levels []gamification.Level, rank int) ProfileResponse {
	level := gamification.LevelFor(levels, p.Points)
	out := ProfileResponse{
		UserID:         p.UserID,
		Username:       p.Username,
		Points:         p.Points,
		Level:          levelResponse(level),
		Rank:           rank,
		Streak:         p.Streak,
		TasksCompleted: p.TasksCompleted,
		TasksApproved:  p.TasksApproved,
		Achievements:   nonNilSlice(p.Achievements),
		WeeklyPoints:   p.Weekly.PointsEarned,
		WeeklyTasks:    p.Weekly.TasksCompleted,
	}
	if next, ok := gamification.NextLevel(levels, level.Number); ok {
		lr := levelResponse(next)
		out.NextLevel = &lr
	}
	return out
}

func weeklyStatsResponse(s gamification.WeeklyStats) WeeklyStatsResponse {
	out := WeeklyStatsResponse{ActiveUsers: s.ActiveUsers, TasksCompleted: s.TasksCompleted, PointsEarned: s.PointsEarned}
	if s.TopPerformer != nil {
		out.TopPerformer = s.TopPerformer.Username
		if out.TopPerformer == "" {
			out.TopPerformer = s.TopPerformer.UserID
		}
		out.TopPoints = s.TopPerformer.Weekly.PointsEarned
	}
	return out
}

func NewEventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:            e.ID,
		TS:            e.TS,
		Type:          e.Type,
		EntityKind:    e.EntityKind,
		EntityID:      e.EntityID,
		ActorID:       e.ActorID,
		CorrelationID: e.CorrelationID,
		Payload:       payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
