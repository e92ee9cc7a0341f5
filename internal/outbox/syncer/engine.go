// Package syncer drains the offline outbox against the backend.
//
// The Engine is the only component that mutates or deletes stored jobs. Each
// Flush takes the due jobs in creation order, applies up to a bounded batch
// one at a time and either deletes a job (success) or reschedules it with
// exponential backoff (failure). Flush never returns an error: outcomes are
// reported in the Result and in the queue summary.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/irontracks/itsync/internal/outbox"
	"github.com/irontracks/itsync/internal/outbox/store"
)

// LastFlushKey is the KV key holding the most recent flush Result.
const LastFlushKey = "sync.last_flush"

// maxErrorLen caps the stored LastError.
const maxErrorLen = 400

// ErrNoApply is recorded against jobs when the engine has no apply function.
var ErrNoApply = errors.New("syncer: no apply function configured")

// ApplyFunc sends one job to the backend. A nil return means the backend
// confirmed the action; anything else is a failure and the job is retried.
//
// Implementations must be bounded in time: the engine imposes no timeout of
// its own beyond ctx.
type ApplyFunc func(ctx context.Context, job outbox.Job) error

// Connectivity reports whether the backend is believed reachable.
type Connectivity interface {
	IsOnline() bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func() bool

// IsOnline implements Connectivity.
func (f ConnectivityFunc) IsOnline() bool { return f() }

// Config holds engine settings.
type Config struct {
	// MaxBatch bounds the number of jobs applied per flush (default: 8)
	MaxBatch int

	// Backoff is the retry policy for failed jobs
	Backoff Backoff

	// Logger for flush activity (default: stderr logger with "[sync] " prefix)
	Logger *log.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxBatch: 8,
		Backoff:  DefaultBackoff(),
		Logger:   log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// FlushOptions tunes a single flush.
type FlushOptions struct {
	// Max overrides Config.MaxBatch when positive.
	Max int
}

// Result describes what one call to Flush did.
type Result struct {
	// Skipped is set when another flush was already running. Nothing was done.
	Skipped bool `json:"skipped,omitempty"`

	// Offline is set when the connectivity check failed. The queue was not read.
	Offline bool `json:"offline,omitempty"`

	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Summary is the queue state after the flush.
	Summary outbox.Summary `json:"summary"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Engine runs flushes. It is safe for concurrent use; concurrent calls to
// Flush are dropped rather than queued.
type Engine struct {
	store    store.Store
	apply    ApplyFunc
	net      Connectivity
	notifier *outbox.Notifier

	maxBatch int
	backoff  Backoff
	logger   *log.Logger
	now      func() time.Time
	rand     func() float64

	running atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for due checks and rescheduling.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithRand overrides the jitter source. f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(e *Engine) {
		e.rand = f
	}
}

// WithNotifier sets the notifier fired when a flush changes the queue.
func WithNotifier(n *outbox.Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// New creates an Engine.
//
// If config is nil, DefaultConfig() is used. A nil net is treated as always
// online. A nil apply fails every job with ErrNoApply.
func New(s store.Store, apply ApplyFunc, net Connectivity, config *Config, opts ...Option) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	maxBatch := config.MaxBatch
	if maxBatch <= 0 {
		maxBatch = DefaultConfig().MaxBatch
	}
	if apply == nil {
		apply = func(context.Context, outbox.Job) error { return ErrNoApply }
	}
	if net == nil {
		net = ConnectivityFunc(func() bool { return true })
	}

	e := &Engine{
		store:    s,
		apply:    apply,
		net:      net,
		maxBatch: maxBatch,
		backoff:  config.Backoff,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Running reports whether a flush is in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// IsOnline exposes the engine's connectivity check.
func (e *Engine) IsOnline() bool {
	return e.net.IsOnline()
}

// Flush applies up to one batch of due jobs.
//
// If a flush is already running the call returns immediately with Skipped.
// If offline it returns with Offline without touching the queue. Otherwise
// due jobs are applied sequentially, oldest first. Storage failures are logged
// and never surfaced; a job whose delete failed is applied again later.
func (e *Engine) Flush(ctx context.Context, opts FlushOptions) Result {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Printf("Flush already in progress, dropping trigger")
		return Result{Skipped: true}
	}
	defer e.running.Store(false)

	start := e.now()
	if !e.net.IsOnline() {
		return Result{Offline: true, StartedAt: start}
	}

	limit := opts.Max
	if limit <= 0 {
		limit = e.maxBatch
	}

	batch := e.dueJobs(ctx, start, limit)
	res := Result{StartedAt: start}

	for i, job := range batch {
		if ctx.Err() != nil {
			e.logger.Printf("Flush interrupted: %v (%d jobs left in batch)", ctx.Err(), len(batch)-i)
			break
		}

		res.Attempted++
		err := e.applyOne(ctx, job)
		if err == nil {
			if !e.store.JobDelete(ctx, job.ID) {
				e.logger.Printf("Warning: job %s applied but could not be deleted", job.ID)
			}
			res.Succeeded++
			continue
		}

		res.Failed++
		e.reschedule(ctx, job, err)

		if !e.net.IsOnline() {
			e.logger.Printf("Connectivity lost, stopping flush (%d jobs left in batch)", len(batch)-i-1)
			break
		}
	}

	if res.Attempted > 0 {
		e.notifier.Notify()
		e.logger.Printf("Flush complete: attempted=%d succeeded=%d failed=%d",
			res.Attempted, res.Succeeded, res.Failed)
	}

	end := e.now()
	res.Summary = outbox.Summarize(e.store.JobListAll(ctx), e.net.IsOnline(), end)
	res.Duration = end.Sub(start)
	e.store.Set(ctx, LastFlushKey, res)
	return res
}

// dueJobs lists jobs eligible at now, oldest first, truncated to limit.
func (e *Engine) dueJobs(ctx context.Context, now time.Time, limit int) []outbox.Job {
	all := e.store.JobListAll(ctx)
	due := make([]outbox.Job, 0, len(all))
	for _, j := range all {
		if j.IsDue(now) {
			due = append(due, j)
		}
	}
	outbox.SortByCreated(due)
	if len(due) > limit {
		due = due[:limit]
	}
	return due
}

// applyOne calls apply, converting a panic into a failure.
func (e *Engine) applyOne(ctx context.Context, job outbox.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apply panicked: %v", r)
		}
	}()
	return e.apply(ctx, job)
}

// reschedule records a failed attempt and pushes the job's next attempt out.
func (e *Engine) reschedule(ctx context.Context, job outbox.Job, cause error) {
	now := e.now()
	job.Attempts++
	job.LastError = truncate(cause.Error(), maxErrorLen)
	job.UpdatedAt = now
	job.NextAttemptAt = now.Add(e.backoff.Delay(job.Attempts, e.rand))

	if !e.store.JobPut(ctx, job) {
		e.logger.Printf("Warning: failed to reschedule job %s", job.ID)
		return
	}
	e.logger.Printf("Job %s failed (attempt %d), retry at %s: %s",
		job.ID, job.Attempts, job.NextAttemptAt.Format(time.RFC3339), job.LastError)
}

// LastFlush returns the Result of the most recent completed flush, as persisted.
func LastFlush(ctx context.Context, s store.Store) (Result, bool) {
	raw, ok := s.Get(ctx, LastFlushKey)
	if !ok {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, false
	}
	return res, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
