package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskline/internal/domain"
)

// Authority is an in-memory remote that owns canonical task state. Create and
// update upsert the task. Applying the same item twice yields the same result,
// so replayed batches are safe.
type Authority struct {
	mu    sync.Mutex
	tasks map[string]domain.Task

	// Intercept, when set, may return an outcome that replaces normal
	// handling of the item.
	Intercept func(Item) *Outcome
	// Delay holds every exchange before answering. The caller's context
	// still cancels it.
	Delay time.Duration

	transportErr error
	exchanges    int
}

func NewAuthority() *Authority {
	return &Authority{tasks: map[string]domain.Task{}}
}

// SetTransportError makes every exchange fail with err until cleared with nil.
func (a *Authority) SetTransportError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transportErr = err
}

// Exchanges returns how many batches reached the authority.
func (a *Authority) Exchanges() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exchanges
}

// Task returns the canonical copy of a task.
func (a *Authority) Task(id string) (domain.Task, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[id]
	return t, ok
}

func (a *Authority) Exchange(ctx context.Context, items []Item) ([]Outcome, error) {
	if a.Delay > 0 {
		timer := time.NewTimer(a.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tasks == nil {
		a.tasks = map[string]domain.Task{}
	}
	if a.transportErr != nil {
		return nil, a.transportErr
	}
	a.exchanges++
	out := make([]Outcome, 0, len(items))
	for _, it := range items {
		if a.Intercept != nil {
			if o := a.Intercept(it); o != nil {
				out = append(out, *o)
				continue
			}
		}
		out = append(out, a.apply(it))
	}
	return out, nil
}

func (a *Authority) apply(it Item) Outcome {
	o := Outcome{EntryID: it.EntryID, TaskID: it.TaskID, Operation: it.Operation}
	cur, exists := a.tasks[it.TaskID]
	switch it.Operation {
	case domain.OpCreate, domain.OpUpdate:
		// create and update are upserts: an update may land before its create
		if exists && cur.IsDeleted {
			if it.Payload.UpdatedAt > cur.UpdatedAt {
				return reject(o, fmt.Sprintf("task %s is deleted", it.TaskID))
			}
			// a write older than the delete is absorbed by the tombstone
			break
		}
		next := it.Payload
		next.ID = it.TaskID
		next.IsDeleted = false
		if exists {
			next.ServerID = cur.ServerID
			next.CreatedAt = cur.CreatedAt
			// last writer by updated_at wins; a stale replay keeps current state
			if cur.UpdatedAt > next.UpdatedAt {
				next = cur
			}
		} else {
			sid := "srv-" + uuid.New().String()
			next.ServerID = &sid
		}
		next.SyncStatus = domain.SyncSynced
		a.tasks[it.TaskID] = next
	case domain.OpDelete:
		if !exists {
			return reject(o, fmt.Sprintf("task %s not found", it.TaskID))
		}
		if !cur.IsDeleted {
			cur.IsDeleted = true
			if it.Payload.UpdatedAt > cur.UpdatedAt {
				cur.UpdatedAt = it.Payload.UpdatedAt
			}
			a.tasks[it.TaskID] = cur
		}
	default:
		return reject(o, fmt.Sprintf("unknown operation %q", it.Operation))
	}
	resolved := domain.NewSnapshot(a.tasks[it.TaskID]).Task
	o.Status = StatusSuccess
	o.ResolvedSnapshot = &resolved
	return o
}

func reject(o Outcome, msg string) Outcome {
	no := false
	o.Status = StatusFailure
	o.Error = msg
	o.Retryable = &no
	return o
}

// Seed loads previously confirmed tasks as canonical state.
func (a *Authority) Seed(tasks []domain.Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tasks == nil {
		a.tasks = map[string]domain.Task{}
	}
	for _, t := range tasks {
		t.SyncStatus = domain.SyncSynced
		a.tasks[t.ID] = t
	}
}
