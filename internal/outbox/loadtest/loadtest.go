// Package loadtest exercises the outbox end to end against a real backend.
//
// A run enqueues a batch of jobs from several concurrent producers, then
// drains the queue with the sync engine against a simulated backend that fails
// a configurable share of applies. Time is virtual: after every flush the clock
// jumps past the longest backoff, so retried jobs become due on the next flush
// without sleeping.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/irontracks/itsync/internal/outbox"
	"github.com/irontracks/itsync/internal/outbox/queue"
	"github.com/irontracks/itsync/internal/outbox/store"
	"github.com/irontracks/itsync/internal/outbox/syncer"
)

// ErrSimulatedFailure is returned by the simulated backend for failed applies.
var ErrSimulatedFailure = errors.New("loadtest: simulated apply failure")

// Options configures a load test run.
type Options struct {
	Jobs      int     // Number of jobs to enqueue
	Producers int     // Concurrent enqueuers (default: 4)
	FailRate  float64 // Share of applies that fail, in [0, 1)
	Backend   string  // store backend: auto, sqlite or flat
	Dir       string  // Data directory for the store
	Seed      int64   // Seed for the failure generator (0: fixed default)

	// MaxFlushes stops a run that is not draining (default: 100 + 10*Jobs)
	MaxFlushes int

	// Logger for store and engine output (default: discard)
	Logger *log.Logger
}

// LatencyStats captures latency metrics for one operation.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	Total     int
	Errors    int
	Durations []time.Duration
}

// Report summarizes a run.
type Report struct {
	Backend   string
	Jobs      int
	Enqueue   *LatencyStats
	Flush     *LatencyStats
	Flushes   int
	Attempted int
	Succeeded int
	Failed    int
	Remaining int
	Elapsed   time.Duration
}

// virtualClock is shared by the queue manager and the engine.
type virtualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyBackend fails applies at a fixed rate and records what it confirmed.
type flakyBackend struct {
	mu        sync.Mutex
	rng       *rand.Rand
	failRate  float64
	confirmed map[string]int
}

func (f *flakyBackend) Apply(ctx context.Context, job outbox.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rng.Float64() < f.failRate {
		return ErrSimulatedFailure
	}
	f.confirmed[job.ID]++
	return nil
}

// Confirmed returns how many times each job ID was accepted.
func (f *flakyBackend) Confirmed() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.confirmed))
	for k, v := range f.confirmed {
		out[k] = v
	}
	return out
}

// Run performs one load test and closes the store when done.
func Run(ctx context.Context, opts Options) (*Report, error) {
	r, err := newRunner(opts)
	if err != nil {
		return nil, err
	}
	defer r.close()
	return r.run(ctx)
}

type runner struct {
	opts    Options
	store   *store.Adapter
	queue   *queue.Manager
	engine  *syncer.Engine
	clock   *virtualClock
	backend *flakyBackend
}

func newRunner(opts Options) (*runner, error) {
	if opts.Jobs <= 0 {
		return nil, fmt.Errorf("jobs must be positive (got %d)", opts.Jobs)
	}
	if opts.FailRate < 0 || opts.FailRate >= 1 {
		return nil, fmt.Errorf("fail rate must be in [0, 1) (got %v)", opts.FailRate)
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("data dir cannot be empty")
	}
	if opts.Producers <= 0 {
		opts.Producers = 4
	}
	if opts.MaxFlushes <= 0 {
		opts.MaxFlushes = 100 + 10*opts.Jobs
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	s, err := store.Open(&store.Config{
		DataDir:   opts.Dir,
		Namespace: "loadtest",
		Backend:   opts.Backend,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	clock := &virtualClock{now: time.Now().UTC()}
	backend := &flakyBackend{
		rng:       rand.New(rand.NewSource(opts.Seed)),
		failRate:  opts.FailRate,
		confirmed: make(map[string]int),
	}

	config := syncer.DefaultConfig()
	config.Logger = opts.Logger

	return &runner{
		opts:    opts,
		store:   s,
		queue:   queue.New(s, queue.WithClock(clock.Now), queue.WithLogger(opts.Logger)),
		engine:  syncer.New(s, backend.Apply, nil, config, syncer.WithClock(clock.Now)),
		clock:   clock,
		backend: backend,
	}, nil
}

func (r *runner) close() {
	_ = r.store.Close()
}

func (r *runner) run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Backend: r.store.Backend(), Jobs: r.opts.Jobs}

	enq, err := r.enqueueAll(ctx)
	if err != nil {
		return nil, err
	}
	report.Enqueue = enq

	// Past the backoff cap so every retained job is due again.
	step := syncer.DefaultBackoff().Max + time.Minute

	var durations []time.Duration
	for report.Flushes < r.opts.MaxFlushes && r.queue.PendingCount(ctx) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t := time.Now()
		res := r.engine.Flush(ctx, syncer.FlushOptions{})
		durations = append(durations, time.Since(t))

		report.Flushes++
		report.Attempted += res.Attempted
		report.Succeeded += res.Succeeded
		report.Failed += res.Failed
		r.clock.Advance(step)
	}
	report.Flush = computeLatencyStats(durations)
	report.Remaining = r.queue.PendingCount(ctx)
	report.Elapsed = time.Since(start)

	if report.Remaining > 0 {
		return report, fmt.Errorf("queue did not drain after %d flushes (%d jobs left)", report.Flushes, report.Remaining)
	}
	return report, nil
}

// enqueueAll spreads the jobs over concurrent producers and times each enqueue.
func (r *runner) enqueueAll(ctx context.Context) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, r.opts.Producers)
	errorsChan := make(chan error, r.opts.Jobs)

	perProducer := (r.opts.Jobs + r.opts.Producers - 1) / r.opts.Producers
	for p := 0; p < r.opts.Producers; p++ {
		first := p * perProducer
		last := min(first+perProducer, r.opts.Jobs)
		if first >= last {
			break
		}

		wg.Add(1)
		go func(producer, first, last int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, last-first)
			for i := first; i < last; i++ {
				payload := map[string]any{
					"kind":     "log_set",
					"producer": producer,
					"seq":      i,
				}
				t := time.Now()
				err := r.queue.EnqueueValue(ctx, uuid.NewString(), payload)
				durations = append(durations, time.Since(t))
				if err != nil {
					errorsChan <- fmt.Errorf("producer %d job %d: %w", producer, i, err)
				}
			}
			resultsChan <- durations
		}(p, first, last)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var all []time.Duration
	for d := range resultsChan {
		all = append(all, d...)
	}
	stats := computeLatencyStats(all)

	var errs []error
	for err := range errorsChan {
		errs = append(errs, err)
	}
	stats.Errors = len(errs)
	if len(errs) > 0 {
		return stats, errors.Join(errs...)
	}

	if got := r.queue.PendingCount(ctx); got != r.opts.Jobs {
		return stats, fmt.Errorf("expected %d pending jobs after enqueue, found %d", r.opts.Jobs, got)
	}
	return stats, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Total:     len(durations),
		Durations: sorted,
	}
}

// PrintStats formats latency statistics under a heading.
func (s *LatencyStats) PrintStats(w io.Writer, name string) {
	fmt.Fprintf(w, "%s latency:\n", name)
	fmt.Fprintf(w, "  Total:         %d\n", s.Total)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// Print writes the full report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Backend: %s\n", r.Backend)
	fmt.Fprintf(w, "Jobs: %d  Flushes: %d  Attempted: %d  Succeeded: %d  Failed: %d  Remaining: %d\n",
		r.Jobs, r.Flushes, r.Attempted, r.Succeeded, r.Failed, r.Remaining)
	fmt.Fprintf(w, "Elapsed: %v\n\n", r.Elapsed.Round(time.Millisecond))
	if r.Enqueue != nil {
		r.Enqueue.PrintStats(w, "Enqueue")
	}
	if r.Flush != nil {
		fmt.Fprintln(w)
		r.Flush.PrintStats(w, "Flush")
	}
}
