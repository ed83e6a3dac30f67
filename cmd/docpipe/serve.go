package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/docpipe/pkg/config"
	"github.com/jdziat/docpipe/pkg/events"
	"github.com/jdziat/docpipe/pkg/schedule"
	"github.com/jdziat/docpipe/pkg/worker"
)

const shutdownTimeout = 10 * time.Second

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info("migrations applied", "database", redactDSN(a.cfg.DatabaseURL))
			return nil
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	var noMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run workers, the websocket event stream and the retention sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !noMigrate {
				if err := a.store.Migrate(ctx); err != nil {
					return err
				}
			}

			sched, err := schedule.ParseCron(a.cfg.RetentionCron)
			if err != nil {
				return err
			}

			hub := events.NewHub(events.WithHubLogger(a.logger))
			defer hub.Close()

			sys := a.system(hub)
			sys.ScheduleSweep(sched, a.cfg.Retention)

			mux := http.NewServeMux()
			mux.Handle("/events", hub)
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			srv := &http.Server{
				Addr:              a.cfg.ListenAddr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			w := sys.NewWorker(
				worker.Concurrency(a.cfg.WorkerConcurrency),
				worker.PollInterval(a.cfg.PollInterval),
				worker.JobTimeout(a.cfg.JobTimeout),
				worker.WithScheduler(true),
			)

			runCtx, stop := context.WithCancel(ctx)
			defer stop()
			sys.RelayBrokerEvents(runCtx)

			errs := make(chan error, 1)
			go func() {
				a.logger.Info("event stream listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errs <- err
				}
			}()
			workerDone := make(chan struct{})
			go func() {
				defer close(workerDone)
				_ = w.Start(runCtx)
			}()

			select {
			case <-ctx.Done():
			case err = <-errs:
			}
			stop()

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				a.logger.Warn("event stream shutdown", "error", serr)
			}
			<-workerDone
			return err
		},
	}
	cmd.Flags().BoolVar(&noMigrate, "no-migrate", false, "skip schema migration on startup")
	return cmd
}

func newSweepCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete finished tasks and executions past the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				olderThan = a.cfg.Retention
			}
			res, err := a.system(nil).Sweep(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"tasks_deleted":      res.Tasks,
				"executions_deleted": res.Executions,
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention period (defaults to "+config.EnvRetention+")")
	return cmd
}

// redactDSN hides the password of URL-style database DSNs.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
