package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// tickingClock advances one second per call.
func tickingClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = tickingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) entries(t *testing.T, taskID string) []domain.QueueEntry {
	t.Helper()
	list, err := env.Engine.Repo.ListEntries(env.Ctx, repo.QueueFilters{TaskID: taskID})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	// oldest first
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list
}

func TestCreateTaskQueuesCreate(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "  Buy milk ", Description: "2l"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ID == "" || task.Title != "Buy milk" {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.SyncStatus != domain.SyncPending || task.CreatedAt != task.UpdatedAt {
		t.Fatalf("new task should be pending with equal timestamps: %+v", task)
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil || got.Title != "Buy milk" {
		t.Fatalf("get task: %v %+v", err, got)
	}
	entries := env.entries(t, task.ID)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Operation != domain.OpCreate || e.Status != domain.EntryPending || e.RetryAttempts != 0 {
		t.Fatalf("unexpected entry %+v", e)
	}
	snap, err := e.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Task.Title != "Buy milk" || snap.Task.UpdatedAt != task.UpdatedAt {
		t.Fatalf("snapshot mismatch: %+v", snap.Task)
	}
}

func TestCreateTaskRequiresTitle(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "   "}); !errors.Is(err, engine.ErrTitleRequired) {
		t.Fatalf("expected ErrTitleRequired, got %v", err)
	}
	list, err := env.Engine.Repo.ListEntries(env.Ctx, repo.QueueFilters{})
	if err != nil || len(list) != 0 {
		t.Fatalf("no entry expected: %v %d", err, len(list))
	}
}

func TestCreateTaskDuplicateID(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t-1", Title: "a"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t-1", Title: "b"})
	if !errors.Is(err, repo.ErrConstraint) {
		t.Fatalf("expected constraint error, got %v", err)
	}
	if n := len(env.entries(t, "t-1")); n != 1 {
		t.Fatalf("duplicate create must not queue, got %d entries", n)
	}
}

func TestUpdateTaskSnapshotsEachMutation(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "draft"})
	if err != nil {
		t.Fatal(err)
	}
	title := "final"
	done := true
	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Title: &title})
	if err != nil {
		t.Fatalf("update title: %v", err)
	}
	if updated.UpdatedAt <= task.UpdatedAt {
		t.Fatalf("updated_at must advance: %s <= %s", updated.UpdatedAt, task.UpdatedAt)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Completed: &done}); err != nil {
		t.Fatalf("update completed: %v", err)
	}
	entries := env.entries(t, task.ID)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	wantOps := []domain.Operation{domain.OpCreate, domain.OpUpdate, domain.OpUpdate}
	for i, e := range entries {
		if e.Operation != wantOps[i] {
			t.Fatalf("entry %d op %s, want %s", i, e.Operation, wantOps[i])
		}
	}
	first, _ := entries[1].Snapshot()
	second, _ := entries[2].Snapshot()
	if first.Task.Title != "final" || first.Task.Completed {
		t.Fatalf("first update snapshot wrong: %+v", first.Task)
	}
	if !second.Task.Completed {
		t.Fatalf("second update snapshot wrong: %+v", second.Task)
	}
	if entries[1].CreatedAt > entries[2].CreatedAt {
		t.Fatalf("queue order must follow mutation order")
	}
}

func TestUpdateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID}); !errors.Is(err, engine.ErrNoChanges) {
		t.Fatalf("expected ErrNoChanges, got %v", err)
	}
	blank := " "
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Title: &blank}); !errors.Is(err, engine.ErrTitleRequired) {
		t.Fatalf("expected ErrTitleRequired, got %v", err)
	}
	title := "y"
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: "missing", Title: &title}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteTaskTombstones(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "bye"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("tombstone should still be readable: %v", err)
	}
	if !got.IsDeleted || got.SyncStatus != domain.SyncPending {
		t.Fatalf("unexpected tombstone %+v", got)
	}
	list, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	if err != nil || len(list) != 0 {
		t.Fatalf("tombstone must not be listed: %v %d", err, len(list))
	}
	entries := env.entries(t, task.ID)
	if len(entries) != 2 || entries[1].Operation != domain.OpDelete {
		t.Fatalf("expected create+delete entries, got %+v", entries)
	}

	if err := env.Engine.DeleteTask(env.Ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
	title := "again"
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Title: &title}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("update of tombstone should be not found, got %v", err)
	}
	if n := len(env.entries(t, task.ID)); n != 2 {
		t.Fatalf("rejected mutations must not queue, got %d", n)
	}
}

func TestMutationRollsBackWhenQueueAppendFails(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.DB.Exec(`DROP TABLE sync_queue`); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t-atomic", Title: "x"}); err == nil {
		t.Fatalf("expected error when queue is unavailable")
	}
	if _, err := env.Engine.GetTask(env.Ctx, "t-atomic"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("task must not be visible after failed mutation, got %v", err)
	}
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "clock"})
	if err != nil {
		t.Fatal(err)
	}
	env.Engine.Now = func() time.Time { return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC) }
	title := "skewed"
	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Title: &title})
	if err != nil {
		t.Fatal(err)
	}
	if updated.UpdatedAt < task.UpdatedAt {
		t.Fatalf("updated_at went backwards: %s < %s", updated.UpdatedAt, task.UpdatedAt)
	}
}

func TestMutationsAppendAuditEvents(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "audited"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.TailEvents(env.Ctx, repo.EventFilters{EntityID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 || evts[0].Type != "task.deleted" || evts[1].Type != "task.created" {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestRequeueAndPurge(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "stuck"})
	if err != nil {
		t.Fatal(err)
	}
	entry := env.entries(t, task.ID)[0]
	if err := env.Engine.RequeueEntry(env.Ctx, entry.ID); !errors.Is(err, repo.ErrNotFailed) {
		t.Fatalf("requeue of pending entry should fail, got %v", err)
	}
	if err := env.Engine.Repo.MarkFailed(env.Ctx, nil, entry.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RequeueEntry(env.Ctx, entry.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	pending, err := env.Engine.Repo.ListPending(env.Ctx, 0)
	if err != nil || len(pending) != 1 || pending[0].RetryAttempts != 0 {
		t.Fatalf("requeued entry should be pending with fresh budget: %v %+v", err, pending)
	}
	n, err := env.Engine.PurgeQueue(env.Ctx, engine.PurgeOptions{})
	if err != nil || n != 0 {
		t.Fatalf("pending entries must survive purge: %v %d", err, n)
	}
	if err := env.Engine.Repo.MarkDone(env.Ctx, nil, entry.ID); err != nil {
		t.Fatal(err)
	}
	n, err = env.Engine.PurgeQueue(env.Ctx, engine.PurgeOptions{})
	if err != nil || n != 1 {
		t.Fatalf("expected one purged entry: %v %d", err, n)
	}
}
