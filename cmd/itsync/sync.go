package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/irontracks/itsync/internal/outbox/daemon"
	"github.com/irontracks/itsync/internal/outbox/dashboard"
	"github.com/irontracks/itsync/internal/outbox/syncer"
	"github.com/irontracks/itsync/internal/ui"
)

// NewFlushCommand creates the flush command.
func NewFlushCommand(opts *rootOptions) *cobra.Command {
	var maxJobs int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:     "flush",
		GroupID: "sync",
		Short:   "Apply due jobs to the backend once",
		Long: `Run one flush: take the due jobs in creation order and apply up to --max of
them to the backend. Confirmed jobs are removed; failed jobs stay queued and
are retried later with exponential backoff.

Nothing is sent while offline. The offline sync v2 gate does not stop a
flush; it only limits what "itsync status" reports.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			engine, err := a.engine()
			if err != nil {
				return err
			}

			res := engine.Flush(cmd.Context(), syncer.FlushOptions{Max: maxJobs})
			if jsonOut {
				return writeJSON(out, res)
			}

			switch {
			case res.Offline:
				fmt.Fprintf(out, "%s Offline, nothing sent (%d pending)\n", ui.RenderWarn("⚠"), res.Summary.Pending)
			case res.Attempted == 0:
				fmt.Fprintf(out, "%s Nothing due (%d pending)\n", ui.RenderPass("✓"), res.Summary.Pending)
			default:
				marker := ui.RenderPass("✓")
				if res.Failed > 0 {
					marker = ui.RenderWarn("⚠")
				}
				fmt.Fprintf(out, "%s Flushed %d jobs in %v: %d ok, %d failed, %d pending\n",
					marker, res.Attempted, res.Duration.Round(time.Millisecond),
					res.Succeeded, res.Failed, res.Summary.Pending)
			}

			if res.Failed > 0 {
				return &ExitError{Code: ExitFailure, Err: fmt.Errorf("%d jobs failed and will be retried", res.Failed)}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxJobs, "max", 0, "Maximum jobs to apply (default: sync.max_batch)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the flush result as JSON")
	return cmd
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(opts *rootOptions) *cobra.Command {
	var withDashboard bool
	var dashboardAddr string

	cmd := &cobra.Command{
		Use:     "daemon",
		GroupID: "sync",
		Short:   "Run the background sync daemon",
		Long: `Run until interrupted, flushing the queue:
  - on start
  - when connectivity comes back
  - every daemon.flush_interval while jobs are pending
  - on SIGCONT or SIGUSR1 (the app became visible)
  - when another process changes the queue

The flags file is watched and reloaded on change. While offline sync v2 is
gated off the queue still drains; only the reported status is reduced to the
pending count.

With --dashboard a WebSocket feed of queue summaries and flush reports is
served on --dashboard-addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			engine, err := a.engine()
			if err != nil {
				return err
			}

			logger := a.logs.New("daemon")
			dc := a.cfg.DaemonConfig(logger)
			dc.WatchDirs = []string{a.watchDir()}
			dc.Notifier = a.notifier

			d, err := daemon.NewWithConfig(engine, a.queue, a.flags, dc)
			if err != nil {
				return err
			}

			// The watcher writes the flags cache, so it must finish before the
			// deferred Close above runs.
			watchCtx, stopWatch := context.WithCancel(ctx)
			watchDone := make(chan struct{})
			go func() {
				defer close(watchDone)
				if err := a.flags.Watch(watchCtx); err != nil {
					logger.Printf("Warning: flags file not watched: %v", err)
				}
			}()
			defer func() {
				stopWatch()
				<-watchDone
			}()

			if withDashboard || a.cfg.Dashboard.Enabled {
				addr := a.cfg.Dashboard.Addr
				if cmd.Flags().Changed("dashboard-addr") {
					addr = dashboardAddr
				}
				server := dashboard.NewServer(&dashboard.Config{
					Addr:   addr,
					Status: d.Status,
					Logger: a.logs.New("dashboard"),
				})
				if err := server.Start(); err != nil {
					return err
				}
				defer server.Stop()
				d.AddObserver(dashboard.NewHandler(server, a.logs.New("dashboard")))
				fmt.Fprintf(cmd.OutOrStdout(), "%s Dashboard on http://%s\n", ui.RenderAccent("●"), server.GetAddr())
			}

			return d.Start(ctx)
		},
	}

	cmd.Flags().BoolVar(&withDashboard, "dashboard", false, "Serve the WebSocket dashboard")
	cmd.Flags().StringVar(&dashboardAddr, "dashboard-addr", dashboard.DefaultConfig().Addr, "Dashboard listen address")
	return cmd
}
