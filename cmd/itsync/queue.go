package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/irontracks/itsync/internal/outbox"
	"github.com/irontracks/itsync/internal/outbox/daemon"
	"github.com/irontracks/itsync/internal/outbox/syncer"
	"github.com/irontracks/itsync/internal/ui"
)

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(opts *rootOptions) *cobra.Command {
	var id string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:     "enqueue [--id ID] PAYLOAD_JSON|-",
		GroupID: "queue",
		Short:   "Queue an action for later replay",
		Long: `Store an action in the offline queue. The payload is any JSON value and is
passed unchanged to the backend when the queue is flushed.

Enqueuing an ID that is already queued replaces the stored job and resets its
retry state.

Examples:
  itsync enqueue '{"kind":"log_set","reps":8}'
  itsync enqueue --id finish-42 '{"kind":"finish_workout"}'
  echo '{"kind":"log_set"}' | itsync enqueue -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if id == "" {
				id = uuid.NewString()
			}

			a, err := openApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.queue.Enqueue(cmd.Context(), id, payload); err != nil {
				return &ExitError{Code: ExitCommandError, Err: err}
			}
			pending := a.queue.PendingCount(cmd.Context())

			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, map[string]any{"id": id, "pending": pending})
			}
			fmt.Fprintf(out, "%s Queued %s (%d pending)\n", ui.RenderPass("✓"), id, pending)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Job ID (default: random UUID)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func readPayload(stdin io.Reader, arg string) (json.RawMessage, error) {
	raw := []byte(arg)
	if arg == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
		}
		raw = data
	}
	raw = []byte(strings.TrimSpace(string(raw)))
	if !json.Valid(raw) {
		return nil, commandError("payload is not valid JSON")
	}
	return raw, nil
}

// jobView is the list output shape; the payload is decoded so YAML shows it
// as structure rather than a byte string.
type jobView struct {
	ID            string    `json:"id" yaml:"id"`
	Payload       any       `json:"payload" yaml:"payload"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
	Attempts      int       `json:"attempts" yaml:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at" yaml:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

func newJobView(j outbox.Job) jobView {
	var payload any
	_ = json.Unmarshal(j.Payload, &payload)
	return jobView{
		ID:            j.ID,
		Payload:       payload,
		CreatedAt:     j.CreatedAt.UTC(),
		Attempts:      j.Attempts,
		NextAttemptAt: j.NextAttemptAt.UTC(),
		LastError:     j.LastError,
	}
}

// parseDueBy accepts RFC 3339 or natural language such as "in 10 minutes".
func parseDueBy(expr string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, expr); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(expr, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", expr, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", expr)
	}
	return r.Time, nil
}

// NewListCommand creates the list command.
func NewListCommand(opts *rootOptions) *cobra.Command {
	var dueBy, output string

	cmd := &cobra.Command{
		Use:     "list",
		GroupID: "queue",
		Short:   "List queued jobs, oldest first",
		Long: `List the jobs in the queue in replay order. This never changes the queue.

Examples:
  itsync list
  itsync list --due-by "in 10 minutes"
  itsync list -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch output {
			case "table", "json", "yaml":
			default:
				return commandError("invalid output %q: must be table, json or yaml", output)
			}

			now := time.Now()
			var cutoff time.Time
			if dueBy != "" {
				t, err := parseDueBy(dueBy, now)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Err: err}
				}
				cutoff = t
			}

			a, err := openApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs := a.queue.List(cmd.Context())
			if !cutoff.IsZero() {
				jobs = a.queue.DueBy(cmd.Context(), cutoff)
			}

			out := cmd.OutOrStdout()
			switch output {
			case "json", "yaml":
				views := make([]jobView, 0, len(jobs))
				for _, j := range jobs {
					views = append(views, newJobView(j))
				}
				if output == "json" {
					return writeJSON(out, views)
				}
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(views); err != nil {
					return fmt.Errorf("failed to encode yaml: %w", err)
				}
				return enc.Close()
			default:
				fmt.Fprint(out, ui.RenderJobTable(jobs, now))
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&dueBy, "due-by", "", `Only jobs eligible by this time ("in 10 minutes", RFC 3339)`)
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	return cmd
}

// statusView is the JSON shape of the status command.
type statusView struct {
	Backend   string         `json:"backend"`
	Enabled   bool           `json:"enabled"`
	Summary   outbox.Summary `json:"summary"`
	LastFlush *syncer.Result `json:"last_flush,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *rootOptions) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "queue",
		Short:   "Show the queue summary",
		Long: `Show whether the backend is reachable and how many jobs are pending,
failed and due. When offline sync v2 is gated off only the pending count is
tracked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			enabled := a.flags.Current().Enabled()
			sum := daemon.Status(ctx, a.queue, a.flags, a.prober.IsOnline())

			view := statusView{Backend: a.store.Backend(), Enabled: enabled, Summary: sum}
			if res, ok := syncer.LastFlush(ctx, a.store); ok {
				view.LastFlush = &res
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, view)
			}

			fmt.Fprint(out, ui.RenderSummary(sum, enabled, time.Now()))
			fmt.Fprintf(out, "   Backend: %s\n", view.Backend)
			if view.LastFlush != nil {
				fmt.Fprintf(out, "   Last flush: %s, %d ok, %d failed\n",
					view.LastFlush.StartedAt.Local().Format(time.DateTime),
					view.LastFlush.Succeeded, view.LastFlush.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
