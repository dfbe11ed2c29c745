package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeFormat is fixed width so stored timestamps sort lexicographically.
const TimeFormat = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntryDone    EntryStatus = "done"
	EntryFailed  EntryStatus = "failed"
)

type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Completed    bool       `json:"completed"`
	CreatedAt    string     `json:"created_at" format:"date-time"`
	UpdatedAt    string     `json:"updated_at" format:"date-time"`
	IsDeleted    bool       `json:"is_deleted"`
	SyncStatus   SyncStatus `json:"sync_status" enum:"pending,synced,failed"`
	ServerID     *string    `json:"server_id,omitempty"`
	LastSyncedAt *string    `json:"last_synced_at,omitempty" format:"date-time"`
}

// QueueEntry is one row of the mutation queue. Payload holds the encoded
// snapshot taken when the entry was appended and is never rewritten.
type QueueEntry struct {
	ID            int64       `json:"id"`
	TaskID        string      `json:"task_id"`
	Operation     Operation   `json:"operation" enum:"create,update,delete"`
	Payload       string      `json:"payload_json"`
	RetryAttempts int         `json:"retry_attempts"`
	Status        EntryStatus `json:"status" enum:"pending,done,failed"`
	LastError     string      `json:"last_error,omitempty"`
	CreatedAt     string      `json:"created_at" format:"date-time"`
	UpdatedAt     string      `json:"updated_at" format:"date-time"`
}

// Snapshot decodes the entry payload.
func (e QueueEntry) Snapshot() (Snapshot, error) {
	return DecodeSnapshot(e.Payload)
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// SnapshotSchema tags the current payload layout. Bump it when Task changes
// shape so replay of old entries can be detected.
const SnapshotSchema = "task/v1"

type Snapshot struct {
	Schema string `json:"schema"`
	Task   Task   `json:"task"`
}

// NewSnapshot copies t into a payload tagged with the current schema.
func NewSnapshot(t Task) Snapshot {
	cp := t
	if t.ServerID != nil {
		v := *t.ServerID
		cp.ServerID = &v
	}
	if t.LastSyncedAt != nil {
		v := *t.LastSyncedAt
		cp.LastSyncedAt = &v
	}
	return Snapshot{Schema: SnapshotSchema, Task: cp}
}

func (s Snapshot) Encode() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return string(b), nil
}

// DecodeSnapshot parses a stored payload and rejects unknown schema tags.
func DecodeSnapshot(raw string) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Schema != SnapshotSchema {
		return s, fmt.Errorf("unsupported snapshot schema %q", s.Schema)
	}
	return s, nil
}
