package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/reconcile"
	"taskline/internal/remote"
	"taskline/internal/repo"
	"taskline/internal/telemetry"
)

// App holds the handles built for one workspace.
type App struct {
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine
	Remote     remote.Client
	Reconciler *reconcile.Reconciler
	Logger     *slog.Logger
	Telemetry  *telemetry.Provider
}

// Open opens and migrates the workspace store and wires the engine,
// remote client and reconciler selected by cfg.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger, tel *telemetry.Provider) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if v, err := migrate.Version(ctx, conn); err == nil {
		logger.Debug("workspace opened", "workspace", workspace, "schema_version", v)
	}
	a := &App{
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn),
		Logger:    logger,
		Telemetry: tel,
	}
	a.Remote, err = newRemote(ctx, cfg, a.Engine.Repo)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a.Reconciler, err = reconcile.New(conn, a.Remote, reconcile.Config{
		BatchSize:        cfg.Sync.BatchSize,
		MaxRetryAttempts: cfg.Sync.MaxRetryAttempts,
		ExchangeTimeout:  cfg.Sync.ExchangeTimeout,
	}, reconcile.WithLogger(logger.With("component", "reconciler")), reconcile.WithTelemetry(tel))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func newRemote(ctx context.Context, cfg *config.Config, r repo.Repo) (remote.Client, error) {
	switch cfg.Remote.Mode {
	case config.RemoteHTTP:
		return remote.NewHTTPClient(cfg.Remote.Endpoint, cfg.Sync.ExchangeTimeout)
	case config.RemoteLocal, "":
		authority := remote.NewAuthority()
		confirmed, err := r.ListConfirmedTasks(ctx)
		if err != nil {
			return nil, fmt.Errorf("seed local authority: %w", err)
		}
		authority.Seed(seedable(confirmed))
		return authority, nil
	default:
		return nil, errors.New("unknown remote mode " + cfg.Remote.Mode)
	}
}

// seedable rebuilds what the remote last confirmed. Only synced tombstones
// count as deleted, and unconfirmed edits never outrank queued snapshots.
func seedable(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.SyncStatus != domain.SyncSynced {
			t.IsDeleted = false
			t.UpdatedAt = ""
		}
		out = append(out, t)
	}
	return out
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
