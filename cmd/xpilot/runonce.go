package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	runOnceAccount  string
	runOnceDispatch bool
)

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run one scheduler tick and wait for the cycles it started",
	Long: `Run one scheduler tick against the configured store and wait for every
cycle it started. With --account the agent runs even if it is not due.
With --dispatch, posts whose time has come are published afterwards.

Examples:
  xpilot run-once
  xpilot run-once --account acct-1 --dispatch`,
	RunE: runOnce,
}

func init() {
	runOnceCmd.Flags().StringVar(&runOnceAccount, "account", "", "run this agent regardless of its schedule")
	runOnceCmd.Flags().BoolVar(&runOnceDispatch, "dispatch", false, "publish due posts after the cycles finish")
}

func runOnce(_ *cobra.Command, _ []string) error {
	logger := newLogger(debugLog)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := initApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Cleanup()

	if runOnceAccount != "" {
		if err := app.Scheduler.RequestRun(ctx, runOnceAccount); err != nil {
			return err
		}
	}
	started := app.Scheduler.Tick(ctx, time.Now().UTC())
	app.Scheduler.Wait()

	posted := 0
	if runOnceDispatch {
		if posted, err = app.Scheduler.DispatchDuePosts(ctx, time.Now().UTC()); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "cycles started: %d, posts published: %d\n", started, posted)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, a := range app.Scheduler.ListAgents() {
		if runOnceAccount != "" && a.ID != runOnceAccount {
			continue
		}
		if err := enc.Encode(map[string]any{
			"id":          a.ID,
			"status":      a.Status,
			"stop_reason": a.StopReason,
			"last_error":  a.LastError,
			"last_run_at": a.LastRunAt,
		}); err != nil {
			return err
		}
	}
	return nil
}
