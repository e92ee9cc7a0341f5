package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irontracks/itsync/internal/outbox"
	"github.com/irontracks/itsync/internal/outbox/flags"
	"github.com/irontracks/itsync/internal/outbox/syncer"
)

// Trigger reasons.
const (
	TriggerStart   = "start"
	TriggerOnline  = "online"
	TriggerTimer   = "timer"
	TriggerVisible = "visible"
	TriggerQueue   = "queue"
)

// Flusher is the sync engine surface the daemon drives.
type Flusher interface {
	Flush(ctx context.Context, opts syncer.FlushOptions) syncer.Result
	IsOnline() bool
}

// Observer is told about queue changes and completed flushes.
type Observer interface {
	QueueChanged(sum outbox.Summary)
	FlushCompleted(res syncer.Result)
}

// Config holds configuration for the daemon.
type Config struct {
	// FlushInterval is the periodic flush interval while jobs are pending
	FlushInterval time.Duration

	// ProbeInterval is how often connectivity is polled
	ProbeInterval time.Duration

	// DebounceInterval batches rapid queue changes together
	DebounceInterval time.Duration

	// FlushMax bounds each flush (0: engine default)
	FlushMax int

	// WatchDirs are store directories watched for changes by other processes
	WatchDirs []string

	// Notifier carries in-process queue changes (optional)
	Notifier *outbox.Notifier

	// Verbose enables debug logging of dropped triggers
	Verbose bool

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FlushInterval:    15 * time.Second,
		ProbeInterval:    2 * time.Second,
		DebounceInterval: 250 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// gateNotifier is implemented by flag sources that report changes. A change
// republishes the status to observers.
type gateNotifier interface {
	OnChange(fn func(flags.Flags))
}

// Daemon owns the flush triggers.
type Daemon struct {
	engine Flusher
	queue  Queue
	gate   flags.Source
	config *Config

	triggers chan string
	pending  chan int
	armed    atomic.Bool
	online   atomic.Bool

	// lastDue is the due count the latest flush left behind.
	lastDue atomic.Int64

	changeMu   sync.Mutex
	changedAt  time.Time
	hasChanges bool

	observersMu sync.RWMutex
	observers   []Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon with default configuration.
func New(engine Flusher, q Queue, gate flags.Source) (*Daemon, error) {
	return NewWithConfig(engine, q, gate, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
// Zero durations in config are replaced by their defaults.
func NewWithConfig(engine Flusher, q Queue, gate flags.Source, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if gate == nil {
		return nil, fmt.Errorf("gate cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = defaults.ProbeInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:   engine,
		queue:    q,
		gate:     gate,
		config:   config,
		triggers: make(chan string, 1),
		pending:  make(chan int, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// AddObserver registers o for queue and flush events.
func (d *Daemon) AddObserver(o Observer) {
	d.observersMu.Lock()
	defer d.observersMu.Unlock()
	d.observers = append(d.observers, o)
}

// Status returns the gated queue summary.
func (d *Daemon) Status(ctx context.Context) outbox.Summary {
	return Status(ctx, d.queue, d.gate, d.engine.IsOnline())
}

// TimerArmed reports whether the periodic flush timer is running.
func (d *Daemon) TimerArmed() bool {
	return d.armed.Load()
}

// Trigger requests a flush. It never blocks: if a request is already waiting,
// this one is coalesced into it. The gate does not apply here; it only shapes
// Status.
func (d *Daemon) Trigger(reason string) {
	select {
	case d.triggers <- reason:
	default:
		d.debugf("Trigger %s dropped, flush already requested", reason)
	}
}

// Start runs the daemon until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	var qw *QueueWatcher
	if len(d.config.WatchDirs) > 0 {
		w, err := NewQueueWatcher()
		if err != nil {
			return err
		}
		if err := w.Start(d.config.WatchDirs...); err != nil {
			_ = w.Stop()
			return err
		}
		d.config.Logger.Printf("Watching: %v", d.config.WatchDirs)
		qw = w
	}

	if gn, ok := d.gate.(gateNotifier); ok {
		gn.OnChange(func(flags.Flags) {
			d.markChanged()
		})
	}

	d.online.Store(d.engine.IsOnline())

	d.wg.Add(5)
	go d.processTriggers()
	go d.runTimer()
	go d.watchConnectivity()
	go d.watchSignals()
	go d.processChanges()

	if qw != nil {
		d.wg.Add(1)
		go d.watchStore(qw)
	}
	if d.config.Notifier != nil {
		ch, unsubscribe := d.config.Notifier.Subscribe()
		d.wg.Add(1)
		go d.watchNotifier(ch, unsubscribe)
	}

	d.updateTimer(d.queue.PendingCount(d.ctx))
	d.Trigger(TriggerStart)

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
	case <-d.ctx.Done():
	}

	err := d.Stop()
	if qw != nil {
		if werr := qw.Stop(); werr != nil {
			d.config.Logger.Printf("Error closing watcher: %v", werr)
		}
	}
	return err
}

// Stop gracefully shuts down the daemon. A flush in flight sees its context
// cancelled and stops before the next job.
func (d *Daemon) Stop() error {
	d.cancel()
	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// processTriggers is the only goroutine that calls Flush.
func (d *Daemon) processTriggers() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case reason := <-d.triggers:
			d.flush(reason)
		}
	}
}

func (d *Daemon) flush(reason string) {
	d.debugf("Flushing (%s)", reason)
	res := d.engine.Flush(d.ctx, syncer.FlushOptions{Max: d.config.FlushMax})

	switch {
	case res.Skipped:
		d.debugf("Flush for %s skipped, another flush in progress", reason)
		return
	case res.Offline:
		d.debugf("Flush for %s skipped, offline", reason)
		return
	}

	if res.Attempted > 0 {
		d.config.Logger.Printf("Flush (%s): %d ok, %d failed, %d pending",
			reason, res.Succeeded, res.Failed, res.Summary.Pending)
	}
	d.lastDue.Store(int64(res.Summary.Due))
	d.updateTimer(res.Summary.Pending)

	d.observersMu.RLock()
	defer d.observersMu.RUnlock()
	for _, o := range d.observers {
		o.FlushCompleted(res)
	}
}

// updateTimer hands the latest pending count to the timer goroutine,
// replacing any value it has not read yet.
func (d *Daemon) updateTimer(pending int) {
	for {
		select {
		case d.pending <- pending:
			return
		default:
		}
		select {
		case <-d.pending:
		default:
		}
	}
}

// runTimer keeps a ticker running only while jobs are pending.
func (d *Daemon) runTimer() {
	defer d.wg.Done()

	var ticker *time.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		d.armed.Store(false)
	}()

	for {
		select {
		case <-d.ctx.Done():
			return

		case pending := <-d.pending:
			switch {
			case pending > 0 && ticker == nil:
				ticker = time.NewTicker(d.config.FlushInterval)
				tick = ticker.C
				d.armed.Store(true)
				d.debugf("Flush timer armed (%d pending)", pending)
			case pending == 0 && ticker != nil:
				ticker.Stop()
				ticker, tick = nil, nil
				d.armed.Store(false)
				d.debugf("Flush timer disarmed")
			}

		case <-tick:
			d.Trigger(TriggerTimer)
		}
	}
}

// watchConnectivity triggers a flush on every offline to online transition.
func (d *Daemon) watchConnectivity() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			now := d.engine.IsOnline()
			was := d.online.Swap(now)
			if now == was {
				continue
			}
			if now {
				d.config.Logger.Println("Back online")
				d.Trigger(TriggerOnline)
			} else {
				d.config.Logger.Println("Gone offline")
			}
			d.markChanged()
		}
	}
}

// watchSignals triggers a flush when the process is resumed or nudged.
func (d *Daemon) watchSignals() {
	defer d.wg.Done()

	sigs := visibilitySignals()
	if len(sigs) == 0 {
		<-d.ctx.Done()
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)

	for {
		select {
		case <-d.ctx.Done():
			return
		case sig := <-ch:
			d.debugf("Received %v", sig)
			d.Trigger(TriggerVisible)
		}
	}
}

func (d *Daemon) watchNotifier(ch <-chan struct{}, unsubscribe func()) {
	defer d.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-d.ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			d.markChanged()
		}
	}
}

func (d *Daemon) watchStore(qw *QueueWatcher) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-qw.Events():
			if !ok {
				return
			}
			d.debugf("Store event: %s %s", event.Op, event.Path)
			d.markChanged()

		case err, ok := <-qw.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// markChanged records a queue change for debounced processing.
func (d *Daemon) markChanged() {
	d.changeMu.Lock()
	defer d.changeMu.Unlock()
	d.changedAt = time.Now()
	d.hasChanges = true
}

// processChanges handles queued changes once they have settled.
func (d *Daemon) processChanges() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

func (d *Daemon) processPendingChanges() {
	d.changeMu.Lock()
	ready := d.hasChanges && time.Since(d.changedAt) >= d.config.DebounceInterval
	if ready {
		d.hasChanges = false
	}
	d.changeMu.Unlock()

	if !ready {
		return
	}

	sum := d.Status(d.ctx)
	d.updateTimer(sum.Pending)

	d.observersMu.RLock()
	for _, o := range d.observers {
		o.QueueChanged(sum)
	}
	d.observersMu.RUnlock()

	// Jobs a flush already saw stay due after a failed delete, and the flush
	// itself writes to the store. Only newly due jobs trigger here; the rest
	// wait for the timer.
	if sum.Online && int64(sum.Due) > d.lastDue.Load() {
		d.Trigger(TriggerQueue)
	}
}

func (d *Daemon) debugf(format string, args ...any) {
	if d.config.Verbose {
		d.config.Logger.Printf(format, args...)
	}
}
