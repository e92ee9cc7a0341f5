package daemon

import (
	"context"

	"github.com/irontracks/itsync/internal/outbox"
	"github.com/irontracks/itsync/internal/outbox/flags"
)

// Queue is the read side of the queue manager the daemon needs.
type Queue interface {
	Summary(ctx context.Context, online bool) outbox.Summary
	PendingCount(ctx context.Context) int
}

// Status returns the observable queue state under the gate.
//
// With the gate enabled it is the full summary. Otherwise only pending is
// computed and failed and due are reported as zero.
func Status(ctx context.Context, q Queue, gate flags.Source, online bool) outbox.Summary {
	if gate != nil && gate.Current().Enabled() {
		return q.Summary(ctx, online)
	}
	return outbox.DegradedSummary(online, q.PendingCount(ctx))
}
