// Package reconcile drains the mutation queue against the remote authority
// and folds the confirmed results back into the local store.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/remote"
	"taskline/internal/repo"
	"taskline/internal/telemetry"
)

var (
	// ErrPassInFlight is returned when a pass is requested while another runs.
	ErrPassInFlight = errors.New("sync pass already in progress")
	// ErrTransport wraps failures to reach the remote at all.
	ErrTransport = errors.New("remote unreachable")
)

// StateLastSyncAt is the sync_state key holding the last pass time.
const StateLastSyncAt = "last_sync_at"

const (
	outcomeSynced    = "synced"
	outcomeRetry     = "retry"
	outcomePermanent = "failed"
	outcomeSkipped   = "skipped"
)

// Config bounds a single pass. Zero fields take their DefaultConfig value.
type Config struct {
	BatchSize        int
	MaxRetryAttempts int
	ExchangeTimeout  time.Duration
}

// DefaultConfig returns a batch of 50, 3 attempts and a 30s exchange timeout.
func DefaultConfig() Config {
	return Config{BatchSize: 50, MaxRetryAttempts: 3, ExchangeTimeout: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = d.ExchangeTimeout
	}
	return c
}

// EntryError describes one entry that did not sync in a pass. EntryID is
// zero for a failure that affected the whole batch.
type EntryError struct {
	EntryID   int64            `json:"entry_id"`
	TaskID    string           `json:"task_id,omitempty"`
	Operation domain.Operation `json:"operation,omitempty"`
	Error     string           `json:"error"`
	Permanent bool             `json:"permanent"`
}

// Result summarizes a pass. Failed includes PermanentlyFailed.
type Result struct {
	Attempted         int          `json:"attempted"`
	Synced            int          `json:"synced"`
	Failed            int          `json:"failed"`
	PermanentlyFailed int          `json:"permanently_failed"`
	Errors            []EntryError `json:"errors"`
	StartedAt         string       `json:"started_at"`
	FinishedAt        string       `json:"finished_at"`
}

// Status is the read-only view of the queue reported by Status.
type Status struct {
	PendingCount int    `json:"pending_count"`
	FailedCount  int    `json:"failed_count"`
	DoneCount    int    `json:"done_count"`
	LastSyncAt   string `json:"last_sync_at,omitempty"`
}

// Option customizes a Reconciler built by New.
type Option func(*Reconciler)

// WithLogger sets the logger for pass summaries and permanent failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithTelemetry records spans and metrics through p.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(r *Reconciler) { r.telemetry = p }
}

// WithClock replaces the clock used for pass and last_synced_at timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler runs sync passes. At most one pass runs at a time; task
// mutations may proceed concurrently since they only append queue rows.
type Reconciler struct {
	repo      repo.Repo
	events    events.Writer
	client    remote.Client
	cfg       Config
	logger    *slog.Logger
	telemetry *telemetry.Provider
	metrics   *telemetry.Metrics
	now       func() time.Time

	mu sync.Mutex
}

// New builds a Reconciler over db. Zero Config fields take their defaults.
func New(db *sql.DB, client remote.Client, cfg Config, opts ...Option) (*Reconciler, error) {
	r := &Reconciler{
		repo:   repo.Repo{DB: db},
		events: events.Writer{DB: db},
		client: client,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.telemetry == nil {
		r.telemetry = telemetry.Noop()
	}
	m, err := telemetry.NewMetrics(r.telemetry.Meter)
	if err != nil {
		return nil, fmt.Errorf("sync metrics: %w", err)
	}
	r.metrics = m
	r.events.Now = r.now
	return r, nil
}

func (r *Reconciler) Config() Config { return r.cfg }

// pending is a drained entry with its decoded snapshot.
type pending struct {
	entry domain.QueueEntry
	snap  *domain.Snapshot
}

// RunSync performs one reconciliation pass.
func (r *Reconciler) RunSync(ctx context.Context) (Result, error) {
	if !r.mu.TryLock() {
		return Result{}, ErrPassInFlight
	}
	defer r.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, r.telemetry.Tracer, "sync.pass")
	defer span.End()

	res := Result{StartedAt: domain.FormatTime(r.now()), Errors: []EntryError{}}
	batch, err := r.repo.ListPending(ctx, r.cfg.BatchSize)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("drain queue: %w", err)
	}
	span.SetAttributes(telemetry.AttrBatchSize.Int(len(batch)))
	if len(batch) == 0 {
		res.FinishedAt = domain.FormatTime(r.now())
		return res, nil
	}
	res.Attempted = len(batch)

	entries := make([]pending, 0, len(batch))
	verdicts := make(map[int64]remote.Outcome, len(batch))
	var items []remote.Item
	var sent []domain.QueueEntry
	for _, e := range batch {
		snap, err := e.Snapshot()
		if err != nil {
			verdicts[e.ID] = rejection(e, fmt.Sprintf("unreadable payload: %v", err))
			entries = append(entries, pending{entry: e})
			continue
		}
		entries = append(entries, pending{entry: e, snap: &snap})
		items = append(items, remote.Item{EntryID: e.ID, TaskID: e.TaskID, Operation: e.Operation, Payload: snap.Task})
		sent = append(sent, e)
	}

	reached := false
	if len(items) > 0 {
		outcomes, err := r.exchange(ctx, items)
		switch {
		case err == nil:
			reached = true
			for id, o := range correlate(sent, outcomes) {
				verdicts[id] = o
			}
		case errors.Is(err, remote.ErrMalformedResponse):
			reached = true
			r.logger.Warn("remote response rejected, failing batch", "entries", len(sent), "error", err)
			for _, e := range sent {
				verdicts[e.ID] = retryable(e, err.Error())
			}
		default:
			res.Failed = len(batch)
			res.Errors = append(res.Errors, EntryError{Error: err.Error()})
			res.FinishedAt = domain.FormatTime(r.now())
			span.SetStatus(codes.Error, err.Error())
			r.logger.Warn("sync pass could not reach remote", "entries", len(batch), "error", err)
			return res, fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}

	for _, p := range entries {
		if err := r.apply(ctx, p, verdicts[p.entry.ID], &res); err != nil {
			res.FinishedAt = domain.FormatTime(r.now())
			span.SetStatus(codes.Error, err.Error())
			return res, fmt.Errorf("apply entry %d: %w", p.entry.ID, err)
		}
	}

	res.FinishedAt = domain.FormatTime(r.now())
	if reached {
		if err := r.recordPass(ctx, res); err != nil {
			return res, err
		}
	}
	r.logger.Info("sync pass finished",
		"attempted", res.Attempted,
		"synced", res.Synced,
		"failed", res.Failed,
		"permanently_failed", res.PermanentlyFailed,
	)
	return res, nil
}

func (r *Reconciler) exchange(ctx context.Context, items []remote.Item) ([]remote.Outcome, error) {
	ctx, span := telemetry.StartClientSpan(ctx, r.telemetry.Tracer, "sync.exchange", telemetry.AttrBatchSize.Int(len(items)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ExchangeTimeout)
	defer cancel()
	start := time.Now()
	outcomes, err := r.client.Exchange(ctx, items)
	r.metrics.ExchangeDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return outcomes, err
}

func (r *Reconciler) recordPass(ctx context.Context, res Result) error {
	if err := r.repo.SetState(ctx, nil, StateLastSyncAt, res.FinishedAt); err != nil {
		return fmt.Errorf("record last sync: %w", err)
	}
	r.metrics.Passes.Add(ctx, 1)
	return r.events.Pass(ctx, events.EventPayload{
		"attempted":          res.Attempted,
		"synced":             res.Synced,
		"failed":             res.Failed,
		"permanently_failed": res.PermanentlyFailed,
	})
}

// apply folds one verdict into the store in its own transaction.
func (r *Reconciler) apply(ctx context.Context, p pending, o remote.Outcome, res *Result) error {
	tx, err := r.repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if o.Status != remote.StatusSuccess && o.Status != remote.StatusFailure {
		o = retryable(p.entry, fmt.Sprintf("malformed outcome: status %q", o.Status))
	}
	if o.Status == remote.StatusFailure && o.Error == "" {
		o.Error = "remote reported failure"
	}
	var outcome string
	if o.Status == remote.StatusSuccess {
		outcome, err = r.applySuccess(ctx, tx, p, o)
	} else {
		outcome, err = r.applyFailure(ctx, tx, p.entry, o)
	}
	if errors.Is(err, repo.ErrNotPending) {
		r.logger.Debug("outcome already applied", "entry_id", p.entry.ID)
		r.count(ctx, outcomeSkipped)
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.count(ctx, outcome)
	switch outcome {
	case outcomeSynced:
		res.Synced++
	case outcomeRetry, outcomePermanent:
		res.Failed++
		permanent := outcome == outcomePermanent
		if permanent {
			res.PermanentlyFailed++
			r.logger.Warn("queue entry failed permanently",
				"entry_id", p.entry.ID, "task_id", p.entry.TaskID, "operation", p.entry.Operation, "error", o.Error)
		}
		res.Errors = append(res.Errors, EntryError{
			EntryID:   p.entry.ID,
			TaskID:    p.entry.TaskID,
			Operation: p.entry.Operation,
			Error:     o.Error,
			Permanent: permanent,
		})
	}
	return nil
}

func (r *Reconciler) count(ctx context.Context, outcome string) {
	r.metrics.Entries.Add(ctx, 1, metric.WithAttributes(telemetry.AttrOutcome.String(outcome)))
}

func (r *Reconciler) applySuccess(ctx context.Context, tx *sql.Tx, p pending, o remote.Outcome) (string, error) {
	e := p.entry
	if err := r.repo.MarkDone(ctx, tx, e.ID); err != nil {
		return "", err
	}
	var resolved domain.Task
	switch {
	case o.ResolvedSnapshot != nil:
		resolved = *o.ResolvedSnapshot
	case p.snap != nil:
		resolved = p.snap.Task
	}
	resolved.ID = e.TaskID
	now := domain.FormatTime(r.now())

	left, err := r.repo.CountPendingForTask(ctx, tx, e.TaskID)
	if err != nil {
		return "", err
	}
	newerFailed, err := r.repo.CountFailedForTaskAfter(ctx, tx, e.TaskID, e.ID)
	if err != nil {
		return "", err
	}
	status := domain.SyncSynced
	switch {
	case left > 0:
		status = domain.SyncPending
	case newerFailed > 0:
		// a later mutation was given up on; confirming an older one must not hide it
		status = domain.SyncFailed
	}

	local, err := r.repo.GetTaskTx(ctx, tx, e.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		restored := resolved
		if e.Operation == domain.OpDelete {
			restored.IsDeleted = true
		}
		restored.SyncStatus = status
		restored.LastSyncedAt = &now
		if restored.CreatedAt == "" {
			restored.CreatedAt = now
		}
		if restored.UpdatedAt == "" {
			restored.UpdatedAt = now
		}
		return outcomeSynced, r.repo.UpsertTaskTx(ctx, tx, restored)
	}
	if err != nil {
		return "", err
	}

	patch := repo.TaskPatch{SyncStatus: &status, LastSyncedAt: &now}
	switch e.Operation {
	case domain.OpCreate, domain.OpUpdate:
		if local.UpdatedAt <= resolved.UpdatedAt {
			patch.Title = &resolved.Title
			patch.Description = &resolved.Description
			patch.Completed = &resolved.Completed
			patch.UpdatedAt = &resolved.UpdatedAt
		}
	case domain.OpDelete:
		deleted := true
		patch.IsDeleted = &deleted
	}
	if resolved.ServerID != nil && *resolved.ServerID != "" {
		patch.ServerID = resolved.ServerID
	}
	return outcomeSynced, r.repo.ApplyTaskUpdate(ctx, tx, e.TaskID, patch)
}

func (r *Reconciler) applyFailure(ctx context.Context, tx *sql.Tx, e domain.QueueEntry, o remote.Outcome) (string, error) {
	reason := o.Error
	if o.Rejected() {
		if err := r.repo.MarkFailed(ctx, tx, e.ID, reason); err != nil {
			return "", err
		}
		failed := domain.SyncFailed
		err := r.repo.ApplyTaskUpdate(ctx, tx, e.TaskID, repo.TaskPatch{SyncStatus: &failed})
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
		return outcomePermanent, r.events.Entry(ctx, tx, events.SyncEntryFailed, e.ID, events.EventPayload{"task_id": e.TaskID, "error": reason, "rejected": true})
	}
	attempts, err := r.repo.MarkRetry(ctx, tx, e.ID, reason)
	if err != nil {
		return "", err
	}
	if attempts < r.cfg.MaxRetryAttempts {
		return outcomeRetry, nil
	}
	if err := r.repo.MarkFailed(ctx, tx, e.ID, ""); err != nil {
		return "", err
	}
	return outcomePermanent, r.events.Entry(ctx, tx, events.SyncEntryFailed, e.ID, events.EventPayload{"task_id": e.TaskID, "error": reason, "attempts": attempts})
}

// Status reports queue counters and the last pass time.
func (r *Reconciler) Status(ctx context.Context) (Status, error) {
	counts, err := r.repo.CountEntries(ctx)
	if err != nil {
		return Status{}, err
	}
	last, err := r.repo.GetState(ctx, StateLastSyncAt)
	if err != nil {
		return Status{}, err
	}
	return Status{
		PendingCount: counts[domain.EntryPending],
		FailedCount:  counts[domain.EntryFailed],
		DoneCount:    counts[domain.EntryDone],
		LastSyncAt:   last,
	}, nil
}

func retryable(e domain.QueueEntry, msg string) remote.Outcome {
	return remote.Outcome{EntryID: e.ID, TaskID: e.TaskID, Operation: e.Operation, Status: remote.StatusFailure, Error: msg}
}

func rejection(e domain.QueueEntry, msg string) remote.Outcome {
	no := false
	o := retryable(e, msg)
	o.Retryable = &no
	return o
}
