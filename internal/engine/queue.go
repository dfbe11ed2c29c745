package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskline/internal/domain"
	"taskline/internal/events"
)

// RequeueEntry gives a failed entry a fresh retry budget.
func (e Engine) RequeueEntry(ctx context.Context, id int64) error {
	return e.mutate(ctx, func(tx *sql.Tx) (int64, error) {
		if err := e.Repo.RequeueEntry(ctx, tx, id); err != nil {
			return 0, fmt.Errorf("requeue entry %d: %w", id, err)
		}
		return id, e.Events.Entry(ctx, tx, events.SyncEntryRequeued, id, nil)
	})
}

// PurgeOptions selects terminal entries to delete. A zero OlderThan
// purges regardless of age; empty Statuses means done and failed.
type PurgeOptions struct {
	OlderThan time.Duration
	Statuses  []domain.EntryStatus
}

func (e Engine) PurgeQueue(ctx context.Context, opts PurgeOptions) (int64, error) {
	before := ""
	if opts.OlderThan > 0 {
		before = domain.FormatTime(e.now().Add(-opts.OlderThan))
	}
	n, err := e.Repo.PurgeQueue(ctx, before, opts.Statuses)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	err = e.mutate(ctx, func(tx *sql.Tx) (int64, error) {
		return n, e.Events.Append(ctx, tx, events.SyncEntriesPurged, "sync_queue", "", events.EventPayload{"deleted": n, "before": before})
	})
	return n, err
}
