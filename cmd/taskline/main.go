package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/app"
	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/logging"
	"taskline/internal/reconcile"
	"taskline/internal/remote"
	"taskline/internal/repo"
	"taskline/internal/server"
	"taskline/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "taskline",
	Short: "Taskline CLI",
	Long: `Taskline is a local-first task tracker. Every change is written locally
together with a queued mutation; "taskline sync run" reconciles the queue
with the remote authority.
- Tasks: title, description, completed flag. Deletes leave a tombstone until the remote confirms them.
- Queue: one entry per mutation carrying a full task snapshot. Entries are pending, done or failed.
- Sync: drains pending entries oldest first in batches, retries transient failures, gives up after the configured attempts.
- Event log: audit trail of local changes and sync passes, view with 'taskline log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Task changes apply locally right away and queue a mutation for the next sync. A task stays pending until every queued mutation for it is confirmed.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().BoolVar(&opts.Completed, "completed", false, "create as completed")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var completed string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch completed {
			case "":
			case "true", "false":
				done := completed == "true"
				f.Completed = &done
			default:
				return fmt.Errorf("invalid --completed %q: want true or false", completed)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&f.SyncStatus, "sync-status", "", "sync status filter (pending, synced, failed)")
	cmd.Flags().StringVar(&completed, "completed", "", "completed filter (true, false)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task, tombstones included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, description string
	var completed bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{ID: args[0]}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("completed") {
				opts.Completed = &completed
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description (empty clears)")
	cmd.Flags().BoolVar(&completed, "completed", false, "completed flag")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteTask(ctx, args[0]); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"deleted": args[0]})
				}
				fmt.Printf("Deleted %s (pending sync)\n", args[0])
				return nil
			})
		},
	}
}

func syncCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the mutation queue with the remote",
	}
	s.AddCommand(syncRunCmd())
	s.AddCommand(syncStatusCmd())
	s.AddCommand(syncQueueCmd())
	s.AddCommand(syncRequeueCmd())
	s.AddCommand(syncPurgeCmd())
	return s
}

func syncRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Reconciler.RunSync(ctx)
				if err != nil && !errors.Is(err, reconcile.ErrTransport) {
					return err
				}
				if perr := printJSONOrTable(res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func syncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counters and last sync time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Reconciler.Status(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
}

func syncQueueCmd() *cobra.Command {
	var f repo.QueueFilters
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queue entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListEntries(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "entry status filter (pending, done, failed)")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max entries")
	return cmd
}

func syncRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <entry-id>",
		Short: "Return a failed entry to pending with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.RequeueEntry(ctx, id); err != nil {
					return err
				}
				entry, err := a.Engine.Repo.GetEntry(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func syncPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	var statuses []string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete done or failed entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.PurgeOptions{OlderThan: olderThan}
			for _, s := range statuses {
				opts.Statuses = append(opts.Statuses, domain.EntryStatus(s))
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.PurgeQueue(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int64{"deleted": n})
				}
				fmt.Printf("Purged %d entries\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only entries last touched before this age (e.g. 168h)")
	cmd.Flags().StringSliceVar(&statuses, "status", []string{"done"}, "entry statuses to purge (done, failed)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var authority, noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the task and sync API. With --authority the process also answers POST <base>/exchange as an in-memory remote authority. When sync.schedule is set, passes run on that cron schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				viper.Set("server.addr", addr)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("base-path") {
					basePath = a.Config.Server.BasePath
				}
				scfg := server.Config{
					Engine:     a.Engine,
					Reconciler: a.Reconciler,
					BasePath:   basePath,
					Logger:     a.Logger.With("component", "http"),
				}
				if authority {
					if local, ok := a.Remote.(*remote.Authority); ok {
						scfg.Authority = local
					} else {
						scfg.Authority = remote.NewAuthority()
					}
				}
				handler, err := server.New(scfg)
				if err != nil {
					return err
				}
				if spec := a.Config.Sync.Schedule; spec != "" && !noSchedule {
					sched, err := reconcile.NewScheduler(a.Reconciler, spec, a.Logger.With("component", "scheduler"))
					if err != nil {
						return err
					}
					sched.Start(ctx)
					defer sched.Stop()
				}
				srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving taskline api", "addr", a.Config.Server.Addr, "base_path", basePath, "authority", scfg.Authority != nil)
				fmt.Printf("Serving Taskline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", a.Config.Server.Addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&authority, "authority", false, "also serve the exchange endpoint as a remote authority")
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "do not run scheduled sync passes")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
		Long:  "Configuration lives in taskline.yml at the workspace root. TASKLINE_* environment variables override it, e.g. TASKLINE_SYNC_BATCH_SIZE=10.",
	}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default taskline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			data, err := cfg.Encode()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.TailEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind (task, sync_queue, sync)")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyOverrides(viper.GetViper()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logCloser, err := logging.Setup(cfg.Log, workspace, os.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	tel, err := telemetry.Init(ctx, cfg.Telemetry, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()
	a, err := app.Open(ctx, workspace, cfg, logger, tel)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	return renderTable(os.Stdout, v)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderTable(w io.Writer, v any) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	switch items := v.(type) {
	case []domain.Task:
		tw.AppendHeader(table.Row{"ID", "Title", "Done", "Sync", "Updated"})
		for _, t := range items {
			tw.AppendRow(table.Row{t.ID, t.Title, t.Completed, t.SyncStatus, t.UpdatedAt})
		}
	case domain.Task:
		tw.AppendRows([]table.Row{
			{"ID", items.ID},
			{"Title", items.Title},
			{"Description", items.Description},
			{"Completed", items.Completed},
			{"Deleted", items.IsDeleted},
			{"Sync status", items.SyncStatus},
			{"Server ID", derefString(items.ServerID)},
			{"Last synced", derefString(items.LastSyncedAt)},
			{"Created", items.CreatedAt},
			{"Updated", items.UpdatedAt},
		})
	case []domain.QueueEntry:
		tw.AppendHeader(table.Row{"ID", "Task", "Op", "Status", "Attempts", "Last error", "Created"})
		for _, e := range items {
			tw.AppendRow(table.Row{e.ID, e.TaskID, e.Operation, e.Status, e.RetryAttempts, e.LastError, e.CreatedAt})
		}
	case domain.QueueEntry:
		return renderTable(w, []domain.QueueEntry{items})
	case []domain.Event:
		tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Payload"})
		for _, e := range items {
			tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.Payload})
		}
	case reconcile.Result:
		tw.AppendHeader(table.Row{"Attempted", "Synced", "Failed", "Permanent"})
		tw.AppendRow(table.Row{items.Attempted, items.Synced, items.Failed, items.PermanentlyFailed})
		tw.Render()
		if len(items.Errors) == 0 {
			return nil
		}
		et := table.NewWriter()
		et.SetOutputMirror(w)
		et.AppendHeader(table.Row{"Entry", "Task", "Op", "Error", "Permanent"})
		for _, e := range items.Errors {
			et.AppendRow(table.Row{e.EntryID, e.TaskID, e.Operation, e.Error, e.Permanent})
		}
		et.Render()
		return nil
	case reconcile.Status:
		last := items.LastSyncAt
		if last == "" {
			last = "never"
		}
		tw.AppendRows([]table.Row{
			{"Pending", items.PendingCount},
			{"Failed", items.FailedCount},
			{"Done", items.DoneCount},
			{"Last sync", last},
		})
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(b))
		return nil
	}
	tw.Render()
	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
