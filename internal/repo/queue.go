package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskline/internal/domain"
)

const entryColumns = `id,task_id,operation,task_data,retry_attempts,status,COALESCE(last_error,''),created_at,updated_at`

func scanEntry(row rowScanner) (domain.QueueEntry, error) {
	var (
		e         domain.QueueEntry
		op, state string
	)
	err := row.Scan(&e.ID, &e.TaskID, &op, &e.Payload, &e.RetryAttempts, &state, &e.LastError, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	e.Operation = domain.Operation(op)
	e.Status = domain.EntryStatus(state)
	return e, err
}

func scanEntries(rows *sql.Rows) ([]domain.QueueEntry, error) {
	defer rows.Close()
	res := []domain.QueueEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AppendEntry records a pending operation for taskID. It must share the
// transaction of the task write it describes. The entry is stamped with the
// snapshot's updated_at so queue order follows mutation order.
func (r Repo) AppendEntry(ctx context.Context, tx *sql.Tx, taskID string, op domain.Operation, snap domain.Snapshot) (int64, error) {
	if tx == nil {
		return 0, errors.New("append entry requires a transaction")
	}
	if !op.Valid() {
		return 0, fmt.Errorf("invalid operation %q", op)
	}
	payload, err := snap.Encode()
	if err != nil {
		return 0, err
	}
	ts := snap.Task.UpdatedAt
	if ts == "" {
		ts = domain.FormatTime(time.Now())
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO sync_queue(task_id,operation,task_data,retry_attempts,status,created_at,updated_at) VALUES (?,?,?,0,'pending',?,?)`,
		taskID, string(op), payload, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("append %s entry for task %s: %w", op, taskID, err)
	}
	return res.LastInsertId()
}

func (r Repo) GetEntry(ctx context.Context, id int64) (domain.QueueEntry, error) {
	return scanEntry(r.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM sync_queue WHERE id=?`, id))
}

// ListPending returns up to limit pending entries, oldest first. A limit of
// zero or less returns every pending entry.
func (r Repo) ListPending(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM sync_queue WHERE status='pending' ORDER BY id`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return scanEntries(rows)
}

type QueueFilters struct {
	Status string
	TaskID string
	Limit  int
	// BeforeID pages backwards from an entry id.
	BeforeID int64
}

// ListEntries returns entries newest first for operators.
func (r Repo) ListEntries(ctx context.Context, f QueueFilters) ([]domain.QueueEntry, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, f.BeforeID)
	}
	query := `SELECT ` + entryColumns + ` FROM sync_queue`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// transitionErr explains why an update guarded by status matched no row.
func (r Repo) transitionErr(ctx context.Context, tx *sql.Tx, id int64, want error) error {
	var state string
	err := r.q(tx).QueryRowContext(ctx, `SELECT status FROM sync_queue WHERE id=?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: entry %d is %s", want, id, state)
}

func (r Repo) MarkDone(ctx context.Context, tx *sql.Tx, id int64) error {
	now := domain.FormatTime(time.Now())
	res, err := r.q(tx).ExecContext(ctx, `UPDATE sync_queue SET status='done', last_error=NULL, updated_at=? WHERE id=? AND status='pending'`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.transitionErr(ctx, tx, id, ErrNotPending)
	}
	return nil
}

// MarkRetry increments retry_attempts of a pending entry and returns the new count.
func (r Repo) MarkRetry(ctx context.Context, tx *sql.Tx, id int64, reason string) (int, error) {
	now := domain.FormatTime(time.Now())
	var attempts int
	err := r.q(tx).QueryRowContext(ctx, `UPDATE sync_queue SET retry_attempts=retry_attempts+1, last_error=?, updated_at=?
WHERE id=? AND status='pending' RETURNING retry_attempts`, nullable(reason), now, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, r.transitionErr(ctx, tx, id, ErrNotPending)
	}
	return attempts, err
}

func (r Repo) MarkFailed(ctx context.Context, tx *sql.Tx, id int64, reason string) error {
	now := domain.FormatTime(time.Now())
	res, err := r.q(tx).ExecContext(ctx, `UPDATE sync_queue SET status='failed', last_error=COALESCE(?, last_error), updated_at=? WHERE id=? AND status='pending'`,
		nullable(reason), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.transitionErr(ctx, tx, id, ErrNotPending)
	}
	return nil
}

// RequeueEntry moves a failed entry back to pending with a fresh retry budget.
func (r Repo) RequeueEntry(ctx context.Context, tx *sql.Tx, id int64) error {
	now := domain.FormatTime(time.Now())
	res, err := r.q(tx).ExecContext(ctx, `UPDATE sync_queue SET status='pending', retry_attempts=0, last_error=NULL, updated_at=? WHERE id=? AND status='failed'`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.transitionErr(ctx, tx, id, ErrNotFailed)
	}
	return nil
}

// CountPendingForTask counts pending entries that still reference taskID.
func (r Repo) CountPendingForTask(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE task_id=? AND status='pending'`, taskID).Scan(&n)
	return n, err
}

// CountFailedForTaskAfter counts failed entries for taskID queued after
// entryID. Such an entry means the remote never accepted a newer mutation.
func (r Repo) CountFailedForTaskAfter(ctx context.Context, tx *sql.Tx, taskID string, entryID int64) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE task_id=? AND status='failed' AND id > ?`, taskID, entryID).Scan(&n)
	return n, err
}

func (r Repo) CountEntries(ctx context.Context) (map[domain.EntryStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.EntryStatus]int{}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.EntryStatus(state)] = n
	}
	return counts, rows.Err()
}

// PurgeQueue deletes terminal entries last touched before the given
// timestamp. Pending entries can never be purged.
func (r Repo) PurgeQueue(ctx context.Context, before string, statuses []domain.EntryStatus) (int64, error) {
	if len(statuses) == 0 {
		statuses = []domain.EntryStatus{domain.EntryDone, domain.EntryFailed}
	}
	placeholders := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		if s != domain.EntryDone && s != domain.EntryFailed {
			return 0, fmt.Errorf("invalid purge status %q: only done and failed entries can be purged", s)
		}
		placeholders = append(placeholders, "?")
		args = append(args, string(s))
	}
	query := `DELETE FROM sync_queue WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	if before != "" {
		query += " AND updated_at < ?"
		args = append(args, before)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
