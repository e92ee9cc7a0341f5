// Package queue is the producer-facing side of the offline outbox.
//
// Application code calls Enqueue to defer an action; the Manager persists it
// through the store adapter and signals observers. The Manager never applies
// or deletes jobs: that is the sync engine's job.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/irontracks/itsync/internal/outbox"
	"github.com/irontracks/itsync/internal/outbox/store"
)

// Manager accepts jobs and answers queue-state queries.
type Manager struct {
	store    store.Store
	notifier *outbox.Notifier
	logger   *log.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for job timestamps and due checks.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithNotifier sets the notifier fired after every enqueue.
func WithNotifier(n *outbox.Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

// WithLogger sets the logger used for storage warnings.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a Manager over s.
func New(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		logger: log.New(os.Stderr, "[queue] ", log.LstdFlags),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Notifier returns the notifier the Manager fires, possibly nil.
func (m *Manager) Notifier() *outbox.Notifier {
	return m.notifier
}

// Enqueue stores a new job with zero attempts, due immediately.
// An existing job with the same id is replaced and its attempt history lost.
//
// Only validation failures are returned. A storage failure is logged and the
// call still returns nil; observers see the job missing from the summary.
func (m *Manager) Enqueue(ctx context.Context, id string, payload json.RawMessage) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return outbox.ErrEmptyJobID
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return fmt.Errorf("job %s: %w", id, outbox.ErrInvalidPayload)
	}

	job := outbox.NewJob(id, payload, m.now().UTC())
	if !m.store.JobPut(ctx, job) {
		m.logger.Printf("Warning: job %s was not persisted", id)
		return nil
	}

	m.notifier.Notify()
	return nil
}

// EnqueueValue JSON-encodes v and enqueues it under id.
func (m *Manager) EnqueueValue(ctx context.Context, id string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", id, err)
	}
	return m.Enqueue(ctx, id, payload)
}

// Summary scans the queue and reports pending, failed and due counts.
func (m *Manager) Summary(ctx context.Context, online bool) outbox.Summary {
	return outbox.Summarize(m.store.JobListAll(ctx), online, m.now())
}

// PendingCount returns the number of stored jobs.
func (m *Manager) PendingCount(ctx context.Context) int {
	return len(m.store.JobListAll(ctx))
}

// List returns every stored job, oldest first.
func (m *Manager) List(ctx context.Context) []outbox.Job {
	jobs := m.store.JobListAll(ctx)
	outbox.SortByCreated(jobs)
	return jobs
}

// DueBy returns the jobs that will be eligible at or before t, oldest first.
func (m *Manager) DueBy(ctx context.Context, t time.Time) []outbox.Job {
	all := m.List(ctx)
	due := make([]outbox.Job, 0, len(all))
	for _, j := range all {
		if j.IsDue(t) {
			due = append(due, j)
		}
	}
	return due
}
