package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskline/internal/domain"
	"taskline/internal/logging"
	"taskline/internal/remote"
)

func TestSchedulerRunsPasses(t *testing.T) {
	h := newHarness(t)
	task := h.create("scheduled")
	rec := h.reconciler(remote.NewAuthority(), DefaultConfig())

	s, err := NewScheduler(rec, "@every 1s", logging.Discard())
	require.NoError(t, err)
	s.Start(h.ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		got, err := h.repo.GetTask(h.ctx, task.ID)
		return err == nil && got.SyncStatus == domain.SyncSynced
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	h := newHarness(t)
	rec := h.reconciler(remote.NewAuthority(), DefaultConfig())
	_, err := NewScheduler(rec, "every so often", logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sync schedule")
}
