package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/repo"
)

var (
	ErrTitleRequired = errors.New("title is required")
	ErrNoChanges     = errors.New("no fields to update: title, description or completed required")
)

// Engine is the mutation boundary. Every task write and the queue entry
// describing it commit in the same transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// stamp returns the current time formatted, never earlier than prev.
func (e Engine) stamp(prev string) string {
	ts := domain.FormatTime(e.now())
	if ts < prev {
		return prev
	}
	return ts
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	Title       string
	Description string
	Completed   bool
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Task{}, ErrTitleRequired
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.New().String()
	}
	now := e.stamp("")
	t := domain.Task{
		ID:          id,
		Title:       title,
		Description: opts.Description,
		Completed:   opts.Completed,
		CreatedAt:   now,
		UpdatedAt:   now,
		SyncStatus:  domain.SyncPending,
	}
	err := e.mutate(ctx, func(tx *sql.Tx) (int64, error) {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return 0, err
		}
		return e.enqueue(ctx, tx, events.TaskCreated, domain.OpCreate, t)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions carries the fields to change; nil means unchanged.
type TaskUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Completed   *bool
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if opts.Title == nil && opts.Description == nil && opts.Completed == nil {
		return domain.Task{}, ErrNoChanges
	}
	if opts.Title != nil {
		trimmed := strings.TrimSpace(*opts.Title)
		if trimmed == "" {
			return domain.Task{}, ErrTitleRequired
		}
		opts.Title = &trimmed
	}
	var updated domain.Task
	err := e.mutate(ctx, func(tx *sql.Tx) (int64, error) {
		t, err := e.liveTask(ctx, tx, opts.ID)
		if err != nil {
			return 0, err
		}
		if opts.Title != nil {
			t.Title = *opts.Title
		}
		if opts.Description != nil {
			t.Description = *opts.Description
		}
		if opts.Completed != nil {
			t.Completed = *opts.Completed
		}
		t.UpdatedAt = e.stamp(t.UpdatedAt)
		t.SyncStatus = domain.SyncPending
		patch := repo.TaskPatch{
			Title:       opts.Title,
			Description: opts.Description,
			Completed:   opts.Completed,
			UpdatedAt:   &t.UpdatedAt,
			SyncStatus:  &t.SyncStatus,
		}
		if err := e.Repo.ApplyTaskUpdate(ctx, tx, t.ID, patch); err != nil {
			return 0, err
		}
		updated = t
		return e.enqueue(ctx, tx, events.TaskUpdated, domain.OpUpdate, t)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return updated, nil
}

// DeleteTask tombstones the task. Deleting an already deleted task reports
// ErrNotFound and queues nothing.
func (e Engine) DeleteTask(ctx context.Context, id string) error {
	return e.mutate(ctx, func(tx *sql.Tx) (int64, error) {
		t, err := e.liveTask(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		t.IsDeleted = true
		t.UpdatedAt = e.stamp(t.UpdatedAt)
		t.SyncStatus = domain.SyncPending
		patch := repo.TaskPatch{IsDeleted: &t.IsDeleted, UpdatedAt: &t.UpdatedAt, SyncStatus: &t.SyncStatus}
		if err := e.Repo.ApplyTaskUpdate(ctx, tx, t.ID, patch); err != nil {
			return 0, err
		}
		return e.enqueue(ctx, tx, events.TaskDeleted, domain.OpDelete, t)
	})
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, err)
	}
	return t, nil
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

func (e Engine) liveTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return t, fmt.Errorf("task %s: %w", id, err)
	}
	if t.IsDeleted {
		return t, fmt.Errorf("task %s is deleted: %w", id, repo.ErrNotFound)
	}
	return t, nil
}

// enqueue appends the queue entry and audit event for a task write.
func (e Engine) enqueue(ctx context.Context, tx *sql.Tx, evtType string, op domain.Operation, t domain.Task) (int64, error) {
	entryID, err := e.Repo.AppendEntry(ctx, tx, t.ID, op, domain.NewSnapshot(t))
	if err != nil {
		return 0, err
	}
	if err := e.Events.Task(ctx, tx, evtType, t.ID, entryID); err != nil {
		return 0, err
	}
	return entryID, nil
}

// mutate runs fn in a transaction; nothing is visible unless every write succeeds.
func (e Engine) mutate(ctx context.Context, fn func(tx *sql.Tx) (int64, error)) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
