package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"taskbridge/internal/app"
	"taskbridge/internal/domain"
	"taskbridge/internal/engine"
	"taskbridge/internal/gamification"
	"taskbridge/internal/repo"
	"taskbridge/internal/server"
	taskbridgesdk "taskbridge/sdk/go"
)

// backend is the command surface shared by the in-process engine and the
// HTTP client. Results use the wire types so both modes render the same.
type backend interface {
	Take(ctx context.Context, taskID, comment string) (taskbridgesdk.Result, error)
	Complete(ctx context.Context, taskID, comment string) (taskbridgesdk.Result, error)
	Approve(ctx context.Context, taskID, comment string) (taskbridgesdk.Result, error)
	Release(ctx context.Context, taskID, reason string) (taskbridgesdk.Result, error)
	Assign(ctx context.Context, taskID, target, comment string) (taskbridgesdk.Result, error)
	Task(ctx context.Context, taskID string) (taskbridgesdk.TaskDetail, error)
	ListPhase(ctx context.Context, phase string, limit int) (taskbridgesdk.Listing, error)
	MyTasks(ctx context.Context) (taskbridgesdk.MyTasks, error)
	Dashboard(ctx context.Context) (taskbridgesdk.Dashboard, error)
	Profile(ctx context.Context) (taskbridgesdk.Profile, error)
	Leaderboard(ctx context.Context, n int) ([]taskbridgesdk.LeaderboardEntry, error)
	ListEvents(ctx context.Context, q taskbridgesdk.EventsQuery) (taskbridgesdk.PaginatedEvents, error)
}

var _ backend = (*taskbridgesdk.Client)(nil)

type localBackend struct {
	app    *app.App
	caller domain.Caller
}

// wire converts an in-process value to its API representation.
func wire[T any](v any, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

func (b localBackend) Take(ctx context.Context, taskID, comment string) (taskbridgesdk.Result, error) {
	return wire[taskbridgesdk.Result](b.app.Engine.Take(ctx, b.caller, taskID, comment))
}

func (b localBackend) Complete(ctx context.Context, taskID, comment string) (taskbridgesdk.Result, error) {
	return wire[taskbridgesdk.Result](b.app.Engine.Complete(ctx, b.caller, taskID, comment))
}

func (b localBackend) Approve(ctx context.Context, taskID, comment string) (taskbridgesdk.Result, error) {
	return wire[taskbridgesdk.Result](b.app.Engine.Approve(ctx, b.caller, taskID, comment))
}

func (b localBackend) Release(ctx context.Context, taskID, reason string) (taskbridgesdk.Result, error) {
	return wire[taskbridgesdk.Result](b.app.Engine.Release(ctx, b.caller, taskID, reason))
}

func (b localBackend) Assign(ctx context.Context, taskID, target, comment string) (taskbridgesdk.Result, error) {
	return wire[taskbridgesdk.Result](b.app.Engine.Assign(ctx, b.caller, taskID, target, comment))
}

func (b localBackend) Task(ctx context.Context, taskID string) (taskbridgesdk.TaskDetail, error) {
	return wire[taskbridgesdk.TaskDetail](b.app.Engine.TaskInfo(ctx, taskID))
}

func (b localBackend) ListPhase(ctx context.Context, phase string, limit int) (taskbridgesdk.Listing, error) {
	p, ok := domain.ParsePhase(phase)
	if !ok {
		return taskbridgesdk.Listing{}, &engine.ValidationError{Field: "phase", Message: fmt.Sprintf("unknown phase %q", phase)}
	}
	return wire[taskbridgesdk.Listing](b.app.Engine.ListPhase(ctx, b.caller, p, limit))
}

func (b localBackend) MyTasks(ctx context.Context) (taskbridgesdk.MyTasks, error) {
	return wire[taskbridgesdk.MyTasks](b.app.Engine.MyTasks(ctx, b.caller))
}

func (b localBackend) Dashboard(ctx context.Context) (taskbridgesdk.Dashboard, error) {
	return wire[taskbridgesdk.Dashboard](b.app.Engine.Dashboard(ctx))
}

func (b localBackend) Profile(ctx context.Context) (taskbridgesdk.Profile, error) {
	if b.caller.ID == "" {
		return taskbridgesdk.Profile{}, fmt.Errorf("--user-id is required")
	}
	l := b.app.Ledger
	p, ok := l.Profile(b.caller.ID)
	if !ok {
		p = gamification.Profile{UserID: b.caller.ID, Username: b.caller.Username}
	}
	rank, _ := l.Rank(b.caller.ID)
	return wire[taskbridgesdk.Profile](server.NewProfileResponse(p, l.Levels(), rank), nil)
}

func (b localBackend) Leaderboard(ctx context.Context, n int) ([]taskbridgesdk.LeaderboardEntry, error) {
	if n <= 0 {
		n = 10
	}
	return wire[[]taskbridgesdk.LeaderboardEntry](b.app.Ledger.Leaderboard(n), nil)
}

func (b localBackend) ListEvents(ctx context.Context, q taskbridgesdk.EventsQuery) (taskbridgesdk.PaginatedEvents, error) {
	var cursor int64
	if q.Cursor != "" {
		c, err := strconv.ParseInt(q.Cursor, 10, 64)
		if err != nil || c <= 0 {
			return taskbridgesdk.PaginatedEvents{}, fmt.Errorf("invalid cursor %q", q.Cursor)
		}
		cursor = c
	}
	items, next, err := b.app.Engine.Repo.EventPage(ctx, q.Limit, cursor, repo.EventFilter{Type: q.Type, EntityID: q.EntityID, ActorID: q.ActorID})
	if err != nil {
		return taskbridgesdk.PaginatedEvents{}, err
	}
	page := taskbridgesdk.PaginatedEvents{}
	for _, evt := range items {
		e, err := wire[taskbridgesdk.Event](server.NewEventResponse(evt), nil)
		if err != nil {
			return page, err
		}
		page.Items = append(page.Items, e)
	}
	if next > 0 {
		page.NextCursor = strconv.FormatInt(next, 10)
	}
	return page, nil
}
