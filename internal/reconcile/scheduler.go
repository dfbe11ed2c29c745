package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	cronlib "github.com/robfig/cron/v3"
)

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// Scheduler triggers passes on a cron schedule. Ticks that arrive while a
// pass is still running are skipped.
type Scheduler struct {
	rec    *Reconciler
	logger *slog.Logger
	cron   *cronlib.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(rec *Reconciler, spec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		rec:    rec,
		logger: logger,
		cron: cronlib.New(
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
		),
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start runs the schedule until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.logger.Info("sync scheduler started")
}

// Stop halts the schedule and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.logger.Info("sync scheduler stopped")
}

func (s *Scheduler) tick() {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.rec.RunSync(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrPassInFlight):
		s.logger.Debug("scheduled sync skipped, pass in flight")
	case errors.Is(err, ErrTransport):
		s.logger.Warn("scheduled sync could not reach remote", "error", err)
	default:
		s.logger.Error("scheduled sync failed", "error", err)
	}
}
