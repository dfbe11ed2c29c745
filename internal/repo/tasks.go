package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskline/internal/domain"
)

const taskColumns = `id,title,COALESCE(description,''),completed,created_at,updated_at,is_deleted,sync_status,server_id,last_synced_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                      domain.Task
		completed, deleted     int
		status                 string
		serverID, lastSyncedAt sql.NullString
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &completed, &t.CreatedAt, &t.UpdatedAt, &deleted, &status, &serverID, &lastSyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Completed = completed != 0
	t.IsDeleted = deleted != 0
	t.SyncStatus = domain.SyncStatus(status)
	if serverID.Valid {
		t.ServerID = &serverID.String
	}
	if lastSyncedAt.Valid {
		t.LastSyncedAt = &lastSyncedAt.String
	}
	return t, nil
}

// GetTask returns the task by id, tombstoned rows included.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	SyncStatus string
	Completed  *bool
	Limit      int
	// Cursor resumes after the (created_at, id) pair of the last row seen.
	CursorCreatedAt string
	CursorID        string
}

// ListTasks scans live (non tombstoned) tasks in creation order.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"is_deleted=0"}
	var args []any
	if f.SyncStatus != "" {
		clauses = append(clauses, "sync_status=?")
		args = append(args, f.SyncStatus)
	}
	if f.Completed != nil {
		clauses = append(clauses, "completed=?")
		args = append(args, boolInt(*f.Completed))
	}
	if f.CursorCreatedAt != "" {
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,title,description,completed,created_at,updated_at,is_deleted,sync_status,server_id,last_synced_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), boolInt(t.Completed), t.CreatedAt, t.UpdatedAt,
		boolInt(t.IsDeleted), string(t.SyncStatus), nullableStringPtr(t.ServerID), nullableStringPtr(t.LastSyncedAt))
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("%w: task %s already exists", ErrConstraint, t.ID)
		}
		return err
	}
	return nil
}

// TaskPatch lists the fields to change; nil fields are left untouched.
type TaskPatch struct {
	Title        *string
	Description  *string
	Completed    *bool
	UpdatedAt    *string
	IsDeleted    *bool
	SyncStatus   *domain.SyncStatus
	ServerID     *string
	LastSyncedAt *string
}

func (p TaskPatch) empty() bool {
	return p.Title == nil && p.Description == nil && p.Completed == nil && p.UpdatedAt == nil &&
		p.IsDeleted == nil && p.SyncStatus == nil && p.ServerID == nil && p.LastSyncedAt == nil
}

// ApplyTaskUpdate writes the non-nil fields of p in a single statement.
func (r Repo) ApplyTaskUpdate(ctx context.Context, tx *sql.Tx, id string, p TaskPatch) error {
	if p.empty() {
		return nil
	}
	var (
		fields []string
		args   []any
	)
	if p.Title != nil {
		fields = append(fields, "title=?")
		args = append(args, *p.Title)
	}
	if p.Description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*p.Description))
	}
	if p.Completed != nil {
		fields = append(fields, "completed=?")
		args = append(args, boolInt(*p.Completed))
	}
	if p.UpdatedAt != nil {
		fields = append(fields, "updated_at=?")
		args = append(args, *p.UpdatedAt)
	}
	if p.IsDeleted != nil {
		fields = append(fields, "is_deleted=?")
		args = append(args, boolInt(*p.IsDeleted))
	}
	if p.SyncStatus != nil {
		fields = append(fields, "sync_status=?")
		args = append(args, string(*p.SyncStatus))
	}
	if p.ServerID != nil {
		fields = append(fields, "server_id=?")
		args = append(args, nullable(*p.ServerID))
	}
	if p.LastSyncedAt != nil {
		fields = append(fields, "last_synced_at=?")
		args = append(args, nullable(*p.LastSyncedAt))
	}
	args = append(args, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertTaskTx inserts t or overwrites every column of an existing row.
func (r Repo) UpsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,title,description,completed,created_at,updated_at,is_deleted,sync_status,server_id,last_synced_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, description=excluded.description, completed=excluded.completed,
updated_at=excluded.updated_at, is_deleted=excluded.is_deleted, sync_status=excluded.sync_status,
server_id=excluded.server_id, last_synced_at=excluded.last_synced_at`,
		t.ID, t.Title, nullable(t.Description), boolInt(t.Completed), t.CreatedAt, t.UpdatedAt,
		boolInt(t.IsDeleted), string(t.SyncStatus), nullableStringPtr(t.ServerID), nullableStringPtr(t.LastSyncedAt))
	return err
}

// CountTasksBySyncStatus counts live tasks per sync status.
func (r Repo) CountTasksBySyncStatus(ctx context.Context) (map[domain.SyncStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT sync_status, COUNT(*) FROM tasks WHERE is_deleted=0 GROUP BY sync_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.SyncStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

// ListConfirmedTasks returns every task the remote has acknowledged, tombstones included.
func (r Repo) ListConfirmedTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE server_id IS NOT NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
