package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskbridge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// EventFilter narrows audit queries; empty fields match everything.
type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
}

func (f EventFilter) clauses() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	return clauses, args
}

const eventColumns = `id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(correlation_id,''),payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.CorrelationID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, f)
}

// LatestEventsFrom returns events older than cursor, newest first.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventPage returns up to limit events older than cursor and the cursor of
// the next page, or 0 when this page is the last.
func (r Repo) EventPage(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := r.LatestEventsFrom(ctx, limit+1, cursor, f)
	if err != nil {
		return nil, 0, err
	}
	if len(items) <= limit {
		return items, 0, nil
	}
	items = items[:limit]
	return items, items[limit-1].ID, nil
}

// TaskEvents returns the full history of one task, oldest first.
func (r Repo) TaskEvents(ctx context.Context, taskID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM events WHERE entity_kind='task' AND entity_id=? ORDER BY id ASC`, eventColumns), taskID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestTaskEvent returns the newest entry for the task among the given types.
func (r Repo) LatestTaskEvent(ctx context.Context, taskID string, types ...string) (domain.Event, error) {
	clauses := []string{"entity_kind='task'", "entity_id=?"}
	args := []any{taskID}
	if len(types) > 0 {
		clauses = append(clauses, "type IN (?"+strings.Repeat(",?", len(types)-1)+")")
		for _, t := range types {
			args = append(args, t)
		}
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT 1`, eventColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.Event{}, err
	}
	res, err := scanEvents(rows)
	if err != nil {
		return domain.Event{}, err
	}
	if len(res) == 0 {
		return domain.Event{}, ErrNotFound
	}
	return res[0], nil
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, eventColumns), cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID, 0 on an empty log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) CountEvents(ctx context.Context, f EventFilter) (int, error) {
	clauses, args := f.clauses()
	row := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE `+strings.Join(clauses, " AND "), args...)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
