package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/irontracks/itsync/internal/outbox"
)

const maxErrorColumn = 40

// RenderSummary formats a queue summary. enabled is the gate state: when it
// is off, failed and due are not tracked and a note says so.
func RenderSummary(sum outbox.Summary, enabled bool, now time.Time) string {
	var b strings.Builder

	if sum.Online {
		fmt.Fprintf(&b, "%s Online\n", RenderPass("✓"))
	} else {
		fmt.Fprintf(&b, "%s Offline\n", RenderWarn("⚠"))
	}

	fmt.Fprintf(&b, "   Pending: %d\n", sum.Pending)
	if !enabled {
		fmt.Fprintf(&b, "   %s\n", RenderMuted("offline sync v2 disabled, failed and due not tracked"))
		return b.String()
	}

	failed := strconv.Itoa(sum.Failed)
	if sum.Failed > 0 {
		failed = RenderFail(failed)
	}
	fmt.Fprintf(&b, "   Failed:  %s\n", failed)
	fmt.Fprintf(&b, "   Due:     %d\n", sum.Due)

	if sum.NextDueAt != nil {
		fmt.Fprintf(&b, "   Next retry: %s (%s)\n",
			sum.NextDueAt.UTC().Format(time.RFC3339), Until(*sum.NextDueAt, now))
	}
	return b.String()
}

// Until describes t relative to now: "now" once due, otherwise "in 42s".
func Until(t, now time.Time) string {
	d := t.Sub(now)
	if d <= 0 {
		return "now"
	}
	return "in " + d.Round(time.Second).String()
}

// RenderJobTable formats jobs, in the order given, as a bordered table.
func RenderJobTable(jobs []outbox.Job, now time.Time) string {
	if len(jobs) == 0 {
		return RenderMuted("No queued jobs") + "\n"
	}

	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			strconv.Itoa(j.Attempts),
			Until(j.NextAttemptAt, now),
			j.CreatedAt.UTC().Format(time.RFC3339),
			clip(j.LastError, maxErrorColumn),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(MutedStyle).
		Headers("ID", "ATTEMPTS", "NEXT", "CREATED", "LAST ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.Inherit(BoldStyle)
			}
			if col == 1 && row >= 0 && row < len(rows) && rows[row][1] != "0" {
				return s.Inherit(WarnStyle)
			}
			return s
		})

	return t.String() + "\n"
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
