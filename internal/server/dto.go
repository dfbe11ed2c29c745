package server

import (
	"encoding/json"

	"taskline/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title" minLength:"1"`
	Description *string `json:"description,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
}

type PurgeRequest struct {
	OlderThan string   `json:"older_than,omitempty" example:"168h"`
	Statuses  []string `json:"statuses,omitempty" enum:"done,failed"`
}

// Response payloads

type TaskResponse struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Completed    bool   `json:"completed"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
	IsDeleted    bool   `json:"is_deleted"`
	SyncStatus   string `json:"sync_status" enum:"pending,synced,failed"`
	ServerID     string `json:"server_id,omitempty"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
}

type QueueEntryResponse struct {
	ID            int64          `json:"id"`
	TaskID        string         `json:"task_id"`
	Operation     string         `json:"operation" enum:"create,update,delete"`
	Status        string         `json:"status" enum:"pending,done,failed"`
	RetryAttempts int            `json:"retry_attempts"`
	LastError     string         `json:"last_error,omitempty"`
	Payload       map[string]any `json:"payload"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type PurgeResponse struct {
	Deleted int64 `json:"deleted"`
}

type HealthResponse struct {
	Status    string `json:"status" example:"ok"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEntries struct {
	Items      []QueueEntryResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		Title:        t.Title,
		Description:  t.Description,
		Completed:    t.Completed,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		IsDeleted:    t.IsDeleted,
		SyncStatus:   string(t.SyncStatus),
		ServerID:     strPtrValue(t.ServerID),
		LastSyncedAt: strPtrValue(t.LastSyncedAt),
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func entryResponse(e domain.QueueEntry) QueueEntryResponse {
	return QueueEntryResponse{
		ID:            e.ID,
		TaskID:        e.TaskID,
		Operation:     string(e.Operation),
		Status:        string(e.Status),
		RetryAttempts: e.RetryAttempts,
		LastError:     e.LastError,
		Payload:       decodeJSONMap(e.Payload),
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
