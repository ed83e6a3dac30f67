// Command docpipe runs and administers the document analysis pipeline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jdziat/docpipe"
	"github.com/jdziat/docpipe/pkg/config"
	"github.com/jdziat/docpipe/pkg/events"
	"github.com/jdziat/docpipe/pkg/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the state shared by subcommands, built in the root's
// PersistentPreRunE.
type app struct {
	envFile string
	dbURL   string

	cfg    config.Config
	logger *slog.Logger
	store  *storage.GormStorage
	closer io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "docpipe",
		Short:         "Asynchronous multi-stage document analysis",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	root.PersistentFlags().StringVar(&a.dbURL, "db", "", "database URL (overrides "+config.EnvDatabaseURL+")")

	root.AddCommand(
		newMigrateCmd(a),
		newServeCmd(a),
		newSubmitCmd(a),
		newExecuteCmd(a),
		newTasksCmd(a),
		newSweepCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.envFile)
	if err != nil {
		return err
	}
	if a.dbURL != "" {
		cfg.DatabaseURL = a.dbURL
	}
	a.cfg = cfg
	a.logger = cfg.Logger(cmd.ErrOrStderr())
	slog.SetDefault(a.logger)

	db, err := storage.Open(cfg.DatabaseURL, storage.ForWorkers(cfg.WorkerConcurrency))
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	a.closer = sqlDB
	a.store = storage.NewGormStorage(db)
	return nil
}

func (a *app) close() error {
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

// system assembles the pipeline. Events go to the log unless pub is set.
func (a *app) system(pub events.Publisher) *docpipe.System {
	log := events.NewLogPublisher(a.logger)
	if pub == nil {
		pub = log
	} else {
		pub = events.Multi{log, pub}
	}
	return docpipe.New(a.store, docpipe.WithLogger(a.logger), docpipe.WithPublisher(pub))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
