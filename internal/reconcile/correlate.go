package reconcile

import (
	"taskline/internal/domain"
	"taskline/internal/remote"
)

const noOutcome = "no outcome from remote"

// correlate pairs every sent entry with at most one outcome. Matching
// tries the echoed entry id, then the same position, then the first unused
// outcome for the same task and operation. Entries left without a match
// get a retryable failure.
func correlate(entries []domain.QueueEntry, outcomes []remote.Outcome) map[int64]remote.Outcome {
	used := make([]bool, len(outcomes))
	matched := make(map[int64]remote.Outcome, len(entries))

	byEntry := make(map[int64]int, len(outcomes))
	for i, o := range outcomes {
		if o.EntryID == 0 {
			continue
		}
		if _, dup := byEntry[o.EntryID]; !dup {
			byEntry[o.EntryID] = i
		}
	}
	for _, e := range entries {
		i, ok := byEntry[e.ID]
		if !ok || used[i] || outcomes[i].TaskID != e.TaskID {
			continue
		}
		used[i] = true
		matched[e.ID] = outcomes[i]
	}

	for pos, e := range entries {
		if _, ok := matched[e.ID]; ok || pos >= len(outcomes) || used[pos] {
			continue
		}
		o := outcomes[pos]
		if o.EntryID != 0 || o.TaskID != e.TaskID {
			continue
		}
		used[pos] = true
		matched[e.ID] = o
	}

	for _, e := range entries {
		if _, ok := matched[e.ID]; ok {
			continue
		}
		for i, o := range outcomes {
			if used[i] || o.EntryID != 0 || o.TaskID != e.TaskID {
				continue
			}
			if o.Operation != "" && o.Operation != e.Operation {
				continue
			}
			used[i] = true
			matched[e.ID] = o
			break
		}
	}

	for _, e := range entries {
		if _, ok := matched[e.ID]; !ok {
			matched[e.ID] = retryable(e, noOutcome)
		}
	}
	return matched
}
