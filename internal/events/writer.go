package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskline/internal/domain"
)

const (
	TaskCreated        = "task.created"
	TaskUpdated        = "task.updated"
	TaskDeleted        = "task.deleted"
	SyncPass           = "sync.pass"
	SyncEntryFailed    = "sync.entry.failed"
	SyncEntryRequeued  = "sync.entry.requeued"
	SyncEntriesPurged  = "sync.queue.purged"
	entityKindTask     = "task"
	entityKindQueue    = "sync_queue"
	entityKindSyncPass = "sync"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

// Task appends a task lifecycle event carrying the queue entry it produced.
func (w Writer) Task(ctx context.Context, tx *sql.Tx, evtType, taskID string, entryID int64) error {
	return w.Append(ctx, tx, evtType, entityKindTask, taskID, EventPayload{"entry_id": entryID})
}

// Entry appends an event about a single queue entry.
func (w Writer) Entry(ctx context.Context, tx *sql.Tx, evtType string, entryID int64, payload EventPayload) error {
	return w.Append(ctx, tx, evtType, entityKindQueue, fmt.Sprintf("%d", entryID), payload)
}

// Pass records a reconciliation pass summary in its own transaction.
func (w Writer) Pass(ctx context.Context, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, SyncPass, entityKindSyncPass, "", payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
