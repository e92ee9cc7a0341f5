//go:build unix

package daemon

import (
	"os"

	"golang.org/x/sys/unix"
)

// visibilitySignals are treated as "the app became visible again": SIGCONT
// after a job-control resume and SIGUSR1 as an explicit nudge.
func visibilitySignals() []os.Signal {
	return []os.Signal{unix.SIGCONT, unix.SIGUSR1}
}
