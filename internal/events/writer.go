// Package events appends entries to the local audit log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Audit entry types written by the lifecycle engine.
const (
	TaskTaken     = "task.taken"
	TaskCompleted = "task.completed"
	TaskApproved  = "task.approved"
	TaskReleased  = "task.released"
	TaskAssigned  = "task.assigned"

	WeeklyReset = "gamification.weekly_reset"
)

const (
	EntityTask   = "task"
	EntityLedger = "ledger"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry is one audit record: who did what to which entity.
type Entry struct {
	Type          string
	EntityKind    string
	EntityID      string
	ActorID       string
	CorrelationID string
	Payload       EventPayload
}

// Append writes the entry in its own transaction and returns the row id.
func (w Writer) Append(ctx context.Context, e Entry) (int64, error) {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	id, err := w.AppendTx(ctx, tx, e)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (w Writer) AppendTx(ctx context.Context, tx *sql.Tx, e Entry) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if e.Type == "" || e.EntityKind == "" {
		return 0, fmt.Errorf("audit entry requires type and entity kind")
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,correlation_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, e.EntityKind, nullable(e.EntityID), e.ActorID, e.CorrelationID, string(data))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
