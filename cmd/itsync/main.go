// Command itsync manages the offline action queue: enqueue actions while
// offline, inspect the queue, and drain it against the backend by hand or
// with a long-running daemon.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // The command ran but reported a failure
	ExitCommandError = 2 // Bad flags, arguments or configuration
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func commandError(format string, args ...any) error {
	return &ExitError{Code: ExitCommandError, Err: fmt.Errorf(format, args...)}
}

// exitCode extracts the exit code from an error.
func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// rootOptions holds global flags and the configuration they resolve to.
type rootOptions struct {
	ConfigFile string
	Quiet      bool

	v *viper.Viper
}

// NewRootCommand creates the itsync command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "itsync",
		Short: "Offline action queue and sync engine",
		Long: `itsync keeps user actions that could not reach the backend in a durable
on-device queue and replays them, in creation order, once connectivity returns.

Configuration is read from itsync.toml or itsync.yaml (in the working directory
or the data directory), ITSYNC_* environment variables and flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ConfigFile, "config", "", "Config file (default: search itsync.{toml,yaml})")
	pf.String("data-dir", ".itsync", "Directory holding on-device state")
	pf.String("namespace", "default", "Queue namespace, e.g. per user")
	pf.String("backend", "auto", "Store backend: auto, sqlite or flat")
	pf.String("log-file", "", "Also write logs to this rotated file")
	pf.BoolP("verbose", "v", false, "Verbose daemon logging")
	pf.BoolVarP(&opts.Quiet, "quiet", "q", false, "Suppress log output on stderr")

	_ = opts.v.BindPFlag("data_dir", pf.Lookup("data-dir"))
	_ = opts.v.BindPFlag("namespace", pf.Lookup("namespace"))
	_ = opts.v.BindPFlag("store.backend", pf.Lookup("backend"))
	_ = opts.v.BindPFlag("log.file", pf.Lookup("log-file"))
	_ = opts.v.BindPFlag("daemon.verbose", pf.Lookup("verbose"))

	cmd.AddGroup(
		&cobra.Group{ID: "queue", Title: "Queue Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)

	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewFlushCommand(opts))
	cmd.AddCommand(NewDaemonCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewLoadtestCommand(opts))

	return cmd
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
