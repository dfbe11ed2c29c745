package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/remote"
)

type verdict string

const (
	verdictRetry  verdict = "retry"
	verdictReject verdict = "reject"
)

// plan maps an operation to the verdict the remote gives it in one pass.
// Operations missing from the plan are applied by the authority.
type plan map[domain.Operation]verdict

// scriptedRemote answers pass i with passes[i] and falls back to the
// authority once the script runs out.
type scriptedRemote struct {
	authority *remote.Authority
	passes    []plan
	pass      int
}

func (s *scriptedRemote) Exchange(ctx context.Context, items []remote.Item) ([]remote.Outcome, error) {
	var p plan
	if s.pass < len(s.passes) {
		p = s.passes[s.pass]
	}
	s.pass++
	no := false
	out := make([]remote.Outcome, 0, len(items))
	for _, it := range items {
		switch p[it.Operation] {
		case verdictRetry:
			out = append(out, remote.Outcome{EntryID: it.EntryID, TaskID: it.TaskID, Status: remote.StatusFailure, Error: "remote busy"})
		case verdictReject:
			out = append(out, remote.Outcome{EntryID: it.EntryID, TaskID: it.TaskID, Status: remote.StatusFailure, Error: "rejected", Retryable: &no})
		default:
			res, err := s.authority.Exchange(ctx, []remote.Item{it})
			if err != nil {
				return nil, err
			}
			out = append(out, res...)
		}
	}
	return out, nil
}

// mutate applies ops to a fresh task: create titles it "A", update "B".
func (h *harness) mutate(ops ...domain.Operation) domain.Task {
	h.t.Helper()
	task := h.create("A")
	for _, op := range ops {
		switch op {
		case domain.OpUpdate:
			title := "B"
			_, err := h.eng.UpdateTask(h.ctx, engine.TaskUpdateOptions{ID: task.ID, Title: &title})
			require.NoError(h.t, err)
		case domain.OpDelete:
			require.NoError(h.t, h.eng.DeleteTask(h.ctx, task.ID))
		}
	}
	return h.task(task.ID)
}

// assertStatusMatchesQueue checks a task's sync_status against its queue:
// never synced with a pending entry, and never synced while a failed entry
// is newer than the last confirmed one.
func (h *harness) assertStatusMatchesQueue(taskID string) {
	h.t.Helper()
	task := h.task(taskID)
	var lastDone int64
	for _, e := range h.entriesFor(taskID) {
		if e.Status == domain.EntryDone && e.ID > lastDone {
			lastDone = e.ID
		}
	}
	for _, e := range h.entriesFor(taskID) {
		if e.Status == domain.EntryPending {
			require.NotEqual(h.t, domain.SyncSynced, task.SyncStatus, "synced with pending entry %d", e.ID)
		}
		if e.Status == domain.EntryFailed && e.ID > lastDone {
			require.NotEqual(h.t, domain.SyncSynced, task.SyncStatus, "synced while newer entry %d failed", e.ID)
		}
	}
}

func TestRunSyncMixedOutcomesKeepStatusConsistent(t *testing.T) {
	cases := []struct {
		name   string
		ops    []domain.Operation
		passes []plan
		want   domain.SyncStatus
	}{
		{
			name:   "update lands before retried create",
			ops:    []domain.Operation{domain.OpUpdate},
			passes: []plan{{domain.OpCreate: verdictRetry}, {}},
			want:   domain.SyncSynced,
		},
		{
			name:   "rejected update outlives older create",
			ops:    []domain.Operation{domain.OpUpdate},
			passes: []plan{{domain.OpCreate: verdictRetry, domain.OpUpdate: verdictReject}, {}},
			want:   domain.SyncFailed,
		},
		{
			name:   "rejected create superseded by accepted update",
			ops:    []domain.Operation{domain.OpUpdate},
			passes: []plan{{domain.OpCreate: verdictReject}},
			want:   domain.SyncSynced,
		},
		{
			name: "update exhausts retries",
			ops:  []domain.Operation{domain.OpUpdate},
			passes: []plan{
				{domain.OpUpdate: verdictRetry},
				{domain.OpUpdate: verdictRetry},
				{domain.OpUpdate: verdictRetry},
			},
			want: domain.SyncPending,
		},
		{
			name:   "stale update after delete",
			ops:    []domain.Operation{domain.OpUpdate, domain.OpDelete},
			passes: []plan{{domain.OpUpdate: verdictRetry}, {}},
			want:   domain.SyncSynced,
		},
		{
			name:   "delete rejected while create retried",
			ops:    []domain.Operation{domain.OpDelete},
			passes: []plan{{domain.OpCreate: verdictRetry, domain.OpDelete: verdictReject}, {}},
			want:   domain.SyncFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			task := h.mutate(tc.ops...)
			authority := remote.NewAuthority()
			rec := h.reconciler(&scriptedRemote{authority: authority, passes: tc.passes}, DefaultConfig())

			for range tc.passes {
				_, err := rec.RunSync(h.ctx)
				require.NoError(t, err)
				h.assertStatusMatchesQueue(task.ID)
				h.assertNoSyncedWithPending()
			}

			got := h.task(task.ID)
			assert.Equal(t, tc.want, got.SyncStatus)
			if got.SyncStatus != domain.SyncSynced {
				return
			}
			canon, ok := authority.Task(task.ID)
			require.True(t, ok, "synced task unknown to the remote")
			assert.Equal(t, canon.Title, got.Title, "synced task diverges from the remote")
			assert.Equal(t, canon.IsDeleted, got.IsDeleted)
		})
	}
}

func TestRunSyncUpdateBeforeRetriedCreateConverges(t *testing.T) {
	h := newHarness(t)
	task := h.mutate(domain.OpUpdate)
	authority := remote.NewAuthority()
	rec := h.reconciler(&scriptedRemote{authority: authority, passes: []plan{{domain.OpCreate: verdictRetry}}}, DefaultConfig())

	res, err := rec.RunSync(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Zero(t, res.PermanentlyFailed, "an update ahead of its create is accepted")
	assert.Equal(t, domain.SyncPending, h.task(task.ID).SyncStatus)

	res, err = rec.RunSync(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	got := h.task(task.ID)
	assert.Equal(t, domain.SyncSynced, got.SyncStatus)
	assert.Equal(t, "B", got.Title)
	canon, ok := authority.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, "B", canon.Title)
	require.NotNil(t, got.ServerID)
	assert.Equal(t, *canon.ServerID, *got.ServerID)
}

func TestRunSyncOlderSuccessKeepsNewerRejection(t *testing.T) {
	h := newHarness(t)
	task := h.mutate(domain.OpUpdate)
	authority := remote.NewAuthority()
	rec := h.reconciler(&scriptedRemote{authority: authority, passes: []plan{
		{domain.OpCreate: verdictRetry, domain.OpUpdate: verdictReject},
	}}, DefaultConfig())

	res, err := rec.RunSync(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PermanentlyFailed)
	assert.Equal(t, domain.SyncFailed, h.task(task.ID).SyncStatus)

	res, err = rec.RunSync(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, domain.SyncFailed, h.task(task.ID).SyncStatus, "confirming the create must not hide the rejected update")
}
