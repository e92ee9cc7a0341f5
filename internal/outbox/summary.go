package outbox

import (
	"sort"
	"time"
)

// Summary is the derived queue snapshot exposed to observers.
type Summary struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
	Failed  int  `json:"failed"`
	Due     int  `json:"due"`

	// NextDueAt is the earliest future retry time, nil when nothing is waiting.
	NextDueAt *time.Time `json:"next_due_at,omitempty"`
}

// Summarize computes a Summary by scanning jobs. It is O(n) in queue size.
func Summarize(jobs []Job, online bool, now time.Time) Summary {
	sum := Summary{Online: online, Pending: len(jobs)}
	for i := range jobs {
		j := &jobs[i]
		if j.Failed() {
			sum.Failed++
		}
		if j.IsDue(now) {
			sum.Due++
			continue
		}
		if sum.NextDueAt == nil || j.NextAttemptAt.Before(*sum.NextDueAt) {
			next := j.NextAttemptAt
			sum.NextDueAt = &next
		}
	}
	return sum
}

// DegradedSummary is reported when the advanced queue path is gated off:
// pending stays correct, failed and due are reported as zero.
func DegradedSummary(online bool, pending int) Summary {
	return Summary{Online: online, Pending: pending}
}

// SortByCreated orders jobs by CreatedAt ascending. Jobs created in the same
// instant keep their relative order, which backends report as insertion order.
func SortByCreated(jobs []Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
}
