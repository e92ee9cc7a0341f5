package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/irontracks/itsync/internal/logging"
	"github.com/irontracks/itsync/internal/outbox/loadtest"
	"github.com/irontracks/itsync/internal/ui"
)

// NewLoadtestCommand creates the loadtest command.
func NewLoadtestCommand(opts *rootOptions) *cobra.Command {
	var jobs, producers int
	var failRate float64
	var dir string

	cmd := &cobra.Command{
		Use:     "loadtest",
		GroupID: "maint",
		Short:   "Measure enqueue and flush latency against a scratch store",
		Long: `Enqueue --jobs jobs from concurrent producers into a scratch store, then
drain it against a simulated backend that rejects --fail-rate of the applies.
Retry delays are skipped with a virtual clock. Reports latency percentiles
for enqueue and flush.

Examples:
  itsync loadtest
  itsync loadtest --jobs 5000 --fail-rate 0.2 --backend flat`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scratch := dir
			if scratch == "" {
				tmp, err := os.MkdirTemp("", "itsync-loadtest-")
				if err != nil {
					return fmt.Errorf("failed to create scratch dir: %w", err)
				}
				defer os.RemoveAll(tmp)
				scratch = tmp
			}

			backend, _ := cmd.Flags().GetString("backend")
			if !opts.Quiet {
				logger := logging.Open(logging.Config{}, cmd.ErrOrStderr()).New("loadtest")
				logger.Printf("Running %d jobs (fail rate %.2f, %s backend) in %s", jobs, failRate, backend, scratch)
			}

			report, err := loadtest.Run(cmd.Context(), loadtest.Options{
				Jobs:      jobs,
				Producers: producers,
				FailRate:  failRate,
				Backend:   backend,
				Dir:       scratch,
				Logger:    logging.Discard().New(""),
			})
			out := cmd.OutOrStdout()
			if report != nil {
				report.Print(out)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s Queue drained\n", ui.RenderPass("✓"))
			return nil
		},
	}

	cmd.Flags().IntVar(&jobs, "jobs", 1000, "Number of jobs to enqueue")
	cmd.Flags().IntVar(&producers, "producers", 4, "Concurrent enqueuers")
	cmd.Flags().Float64Var(&failRate, "fail-rate", 0.1, "Share of applies that fail (0.0-1.0)")
	cmd.Flags().StringVar(&dir, "dir", "", "Scratch directory (default: a new temp dir)")
	return cmd
}
