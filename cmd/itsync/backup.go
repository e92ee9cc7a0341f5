package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/irontracks/itsync/internal/outbox/migrate"
	"github.com/irontracks/itsync/internal/ui"
)

// NewExportCommand creates the export command.
func NewExportCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "export FILE",
		GroupID: "maint",
		Short:   "Write the queue to a JSONL file",
		Long: `Write every queued job, oldest first, to FILE as JSON Lines. Attempt
counts, retry times and last errors are included so the file is a full
backup that import can restore.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := migrate.ExportFile(cmd.Context(), a.store, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Exported %d jobs to %s\n", ui.RenderPass("✓"), n, args[0])
			return nil
		},
	}
}

// NewImportCommand creates the import command.
func NewImportCommand(opts *rootOptions) *cobra.Command {
	var yes, dryRun, overwrite, noBackup bool

	cmd := &cobra.Command{
		Use:     "import FILE",
		GroupID: "maint",
		Short:   "Restore jobs from a JSONL export",
		Long: `Restore jobs from a file written by export. Jobs whose ID is already
queued are kept unless --overwrite is given. Unless --no-backup is given the
current queue is exported to the backups directory first.

The whole file is validated before anything is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			importOpts := migrate.ImportOptions{FromJSONL: args[0], Overwrite: overwrite, DryRun: true}

			preview, err := migrate.Import(ctx, a.store, importOpts)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Err: err}
			}
			fmt.Fprintf(out, "%s %d jobs read: %d to import, %d already queued\n",
				ui.RenderAccent("→"), preview.JobsRead, preview.JobsImported, preview.JobsSkipped)

			if dryRun || preview.JobsImported == 0 {
				return nil
			}

			if !yes {
				ok, err := confirmImport(preview.JobsImported, a.cfg.StoreDir())
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Import cancelled")
					return nil
				}
			}

			importOpts.DryRun = false
			if !noBackup {
				importOpts.BackupDir = filepath.Join(a.cfg.StoreDir(), "backups")
			}
			res, err := migrate.Import(ctx, a.store, importOpts)
			if err != nil {
				return err
			}
			a.notifier.Notify()

			if res.BackupCreated != "" {
				fmt.Fprintf(out, "   Backup: %s\n", res.BackupCreated)
			}
			fmt.Fprintf(out, "%s Imported %d jobs (%d skipped)\n", ui.RenderPass("✓"), res.JobsImported, res.JobsSkipped)

			if len(res.Errors) > 0 {
				for _, e := range res.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "   %s %s\n", ui.RenderFail("✗"), e)
				}
				return &ExitError{Code: ExitFailure, Err: fmt.Errorf("%d jobs could not be stored", len(res.Errors))}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only report what would be imported")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace jobs whose ID is already queued")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "Skip the backup of the current queue")
	return cmd
}

func confirmImport(n int, dir string) (bool, error) {
	if !ui.IsTerminal(os.Stdin) {
		return false, commandError("refusing to import without confirmation; pass --yes")
	}

	var ok bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("Import %d jobs into %s?", n, dir)).
		Affirmative("Import").
		Negative("Cancel").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("confirmation failed: %w", err)
	}
	return ok, nil
}
