package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/chimeworks/chime/config"
	"github.com/chimeworks/chime/engine"
	"github.com/chimeworks/chime/handlers"
	"github.com/chimeworks/chime/job"
	"github.com/chimeworks/chime/logger"
	"github.com/chimeworks/chime/server"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chime",
	Short: "Chime - asynchronous job scheduling and execution engine",
	Long: `Chime schedules, executes, retries, and reports on asynchronous jobs.

Jobs are submitted over HTTP with a name, payload, and scheduled time.
The engine dispatches each job at its ETA, retries failures with
exponential backoff, supports cooperative cancellation, and streams
state transitions to WebSocket subscribers.

Examples:
  chime serve                    # Start the engine and HTTP API
  chime serve --config chime.toml`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job engine and HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ./chime.toml)")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logger.Initialize(cfg.Log.JSON); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Cleanup()
	log := logger.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("sqlite3", cfg.Database.Path+"?_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}
	defer db.Close()

	store := job.NewSQLiteStore(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	eng := engine.New(ctx, store, cfg.EngineConfig(), log)
	handlers.RegisterBuiltins(eng.Registry(), log)
	eng.Start()
	defer eng.Stop()

	srv := server.New(cfg.Server.Addr, eng, log)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("HTTP shutdown incomplete", "error", err)
		}
	}()

	return srv.ListenAndServe()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
